package remote

import "fmt"

// Kind identifies a command variant on the wire. Values are stable.
type Kind uint8

const (
	KindCreateInitialState Kind = iota + 1
	KindCreateInitialStateAndExecute
	KindGetConfiguration
	KindGetAvailableTokens
	KindTryConsume
	KindConsumeAsMuchAsPossible
	KindAddTokens
	KindReset
	KindReplaceConfiguration
	KindEstimateAbilityToConsume
)

var kindNames = map[Kind]string{
	KindCreateInitialState:           "create_initial_state",
	KindCreateInitialStateAndExecute: "create_initial_state_and_execute",
	KindGetConfiguration:             "get_configuration",
	KindGetAvailableTokens:           "get_available_tokens",
	KindTryConsume:                   "try_consume",
	KindConsumeAsMuchAsPossible:      "consume_as_much_as_possible",
	KindAddTokens:                    "add_tokens",
	KindReset:                        "reset",
	KindReplaceConfiguration:         "replace_configuration",
	KindEstimateAbilityToConsume:     "estimate_ability_to_consume",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func parseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown command kind %q", ErrSerialization, s)
}

// executable is the type-erased form every command shares. Its unexported
// method keeps the set of commands closed to this package.
type executable interface {
	Kind() Kind
	Validate() error
	executeAny(e MutableEntry, nowNanos int64) (Result[any], error)
}

// Command is an operation on one bucket producing a T.
//
// Execute must first check e.Exists() and return NotFound when the bucket is
// absent, unless the command creates state.
type Command[T any] interface {
	executable
	Execute(e MutableEntry, nowNanos int64) (Result[T], error)
}

// Run executes cmd against e and stamps the mutation flag from the entry.
func Run[T any](cmd Command[T], e *Entry, nowNanos int64) (Result[T], error) {
	res, err := cmd.Execute(e, nowNanos)
	if err != nil {
		return Result[T]{}, err
	}
	res.Mutation = mutationOf(e)
	return res, nil
}

func runAny(cmd executable, e *Entry, nowNanos int64) (Result[any], error) {
	res, err := cmd.executeAny(e, nowNanos)
	if err != nil {
		return Result[any]{}, err
	}
	res.Mutation = mutationOf(e)
	return res, nil
}

func mutationOf(e *Entry) Mutation {
	if e.Changed() {
		return Changed
	}
	return Unchanged
}

package remote

import (
	"encoding/json"
	"fmt"

	"github.com/K-jun98/bucket4j/core"
)

var (
	_ Command[Nothing]               = CreateInitialState{}
	_ Command[core.ConsumptionProbe] = CreateInitialStateAndExecute[core.ConsumptionProbe]{}
	_ Command[core.Configuration]    = GetConfiguration{}
	_ Command[int64]                 = GetAvailableTokens{}
	_ Command[core.ConsumptionProbe] = TryConsume{}
	_ Command[int64]                 = ConsumeAsMuchAsPossible{}
	_ Command[Nothing]               = AddTokens{}
	_ Command[Nothing]               = Reset{}
	_ Command[Nothing]               = ReplaceConfiguration{}
	_ Command[core.EstimationProbe]  = EstimateAbilityToConsume{}
)

func validTokens(tokens int64) error {
	if tokens <= 0 {
		return fmt.Errorf("%w: %d", core.ErrInvalidTokens, tokens)
	}
	return nil
}

// CreateInitialState provisions a bucket. It leaves an existing bucket untouched.
type CreateInitialState struct {
	Configuration core.Configuration `json:"configuration"`
}

func (CreateInitialState) Kind() Kind { return KindCreateInitialState }

func (c CreateInitialState) Validate() error { return c.Configuration.Validate() }

func (c CreateInitialState) Execute(e MutableEntry, now int64) (Result[Nothing], error) {
	if err := c.Validate(); err != nil {
		return Result[Nothing]{}, err
	}
	if !e.Exists() {
		e.Set(NewSnapshot(c.Configuration, now))
	}
	return Found(Nothing{}), nil
}

func (c CreateInitialState) executeAny(e MutableEntry, now int64) (Result[any], error) {
	return erase(c.Execute(e, now))
}

// CreateInitialStateAndExecute creates the bucket when absent and runs Target
// in the same execution, saving a round trip after a not-found result.
type CreateInitialStateAndExecute[T any] struct {
	Configuration core.Configuration
	Target        Command[T]
}

// CreateAndExecute builds a CreateInitialStateAndExecute for target.
func CreateAndExecute[T any](c core.Configuration, target Command[T]) CreateInitialStateAndExecute[T] {
	return CreateInitialStateAndExecute[T]{Configuration: c, Target: target}
}

func (CreateInitialStateAndExecute[T]) Kind() Kind { return KindCreateInitialStateAndExecute }

func (c CreateInitialStateAndExecute[T]) Validate() error {
	return validateCreateAndExecute(c.Configuration, c.Target)
}

func (c CreateInitialStateAndExecute[T]) Execute(e MutableEntry, now int64) (Result[T], error) {
	if err := c.Validate(); err != nil {
		return Result[T]{}, err
	}
	if !e.Exists() {
		e.Set(NewSnapshot(c.Configuration, now))
	}
	return c.Target.Execute(e, now)
}

func (c CreateInitialStateAndExecute[T]) executeAny(e MutableEntry, now int64) (Result[any], error) {
	return erase(c.Execute(e, now))
}

func (c CreateInitialStateAndExecute[T]) MarshalJSON() ([]byte, error) {
	return marshalCreateAndExecute(c.Configuration, c.Target)
}

// createAndExecuteAny is the server-side form of CreateInitialStateAndExecute,
// decoded without knowing the target's result type.
type createAndExecuteAny struct {
	Configuration core.Configuration
	Target        executable
}

func (createAndExecuteAny) Kind() Kind { return KindCreateInitialStateAndExecute }

func (c createAndExecuteAny) Validate() error {
	return validateCreateAndExecute(c.Configuration, c.Target)
}

func (c createAndExecuteAny) executeAny(e MutableEntry, now int64) (Result[any], error) {
	if err := c.Validate(); err != nil {
		return Result[any]{}, err
	}
	if !e.Exists() {
		e.Set(NewSnapshot(c.Configuration, now))
	}
	return c.Target.executeAny(e, now)
}

func validateCreateAndExecute(c core.Configuration, target executable) error {
	if target == nil {
		return fmt.Errorf("%w: missing target command", core.ErrInvalidConfiguration)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	return target.Validate()
}

type createAndExecuteWire struct {
	Configuration core.Configuration `json:"configuration"`
	Target        commandWire        `json:"target"`
}

func marshalCreateAndExecute(c core.Configuration, target executable) ([]byte, error) {
	w, err := toWire(target)
	if err != nil {
		return nil, err
	}
	return json.Marshal(createAndExecuteWire{Configuration: c, Target: w})
}

// GetConfiguration returns the stored configuration.
type GetConfiguration struct{}

func (GetConfiguration) Kind() Kind { return KindGetConfiguration }

func (GetConfiguration) Validate() error { return nil }

func (GetConfiguration) Execute(e MutableEntry, _ int64) (Result[core.Configuration], error) {
	if !e.Exists() {
		return NotFound[core.Configuration](), nil
	}
	s, err := e.Get()
	if err != nil {
		return Result[core.Configuration]{}, err
	}
	return Found(s.Configuration), nil
}

func (c GetConfiguration) executeAny(e MutableEntry, now int64) (Result[any], error) {
	return erase(c.Execute(e, now))
}

// GetAvailableTokens reports the tokens available now without persisting the refill.
type GetAvailableTokens struct{}

func (GetAvailableTokens) Kind() Kind { return KindGetAvailableTokens }

func (GetAvailableTokens) Validate() error { return nil }

func (GetAvailableTokens) Execute(e MutableEntry, now int64) (Result[int64], error) {
	if !e.Exists() {
		return NotFound[int64](), nil
	}
	s, err := e.Get()
	if err != nil {
		return Result[int64]{}, err
	}
	s.State.Refill(s.Configuration, now)
	return Found(s.State.AvailableTokens()), nil
}

func (c GetAvailableTokens) executeAny(e MutableEntry, now int64) (Result[any], error) {
	return erase(c.Execute(e, now))
}

// TryConsume consumes Tokens when every lane can supply them and reports the
// wait otherwise. State is only written on success.
type TryConsume struct {
	Tokens int64 `json:"tokens"`
}

func (TryConsume) Kind() Kind { return KindTryConsume }

func (c TryConsume) Validate() error { return validTokens(c.Tokens) }

func (c TryConsume) Execute(e MutableEntry, now int64) (Result[core.ConsumptionProbe], error) {
	if err := c.Validate(); err != nil {
		return Result[core.ConsumptionProbe]{}, err
	}
	if !e.Exists() {
		return NotFound[core.ConsumptionProbe](), nil
	}
	s, err := e.Get()
	if err != nil {
		return Result[core.ConsumptionProbe]{}, err
	}
	probe := s.State.TryConsume(s.Configuration, c.Tokens, now)
	if probe.Consumed {
		e.Set(s)
	}
	return Found(probe), nil
}

func (c TryConsume) executeAny(e MutableEntry, now int64) (Result[any], error) {
	return erase(c.Execute(e, now))
}

// ConsumeAsMuchAsPossible consumes up to Limit tokens and returns the amount consumed.
type ConsumeAsMuchAsPossible struct {
	Limit int64 `json:"limit"`
}

func (ConsumeAsMuchAsPossible) Kind() Kind { return KindConsumeAsMuchAsPossible }

func (c ConsumeAsMuchAsPossible) Validate() error { return validTokens(c.Limit) }

func (c ConsumeAsMuchAsPossible) Execute(e MutableEntry, now int64) (Result[int64], error) {
	if err := c.Validate(); err != nil {
		return Result[int64]{}, err
	}
	if !e.Exists() {
		return NotFound[int64](), nil
	}
	s, err := e.Get()
	if err != nil {
		return Result[int64]{}, err
	}
	s.State.Refill(s.Configuration, now)
	consumed := s.State.ConsumeAsMuchAsPossible(c.Limit)
	if consumed > 0 {
		e.Set(s)
	}
	return Found(consumed), nil
}

func (c ConsumeAsMuchAsPossible) executeAny(e MutableEntry, now int64) (Result[any], error) {
	return erase(c.Execute(e, now))
}

// AddTokens adds Tokens to every lane, clamped to capacity.
type AddTokens struct {
	Tokens int64 `json:"tokens"`
}

func (AddTokens) Kind() Kind { return KindAddTokens }

func (c AddTokens) Validate() error { return validTokens(c.Tokens) }

func (c AddTokens) Execute(e MutableEntry, now int64) (Result[Nothing], error) {
	if err := c.Validate(); err != nil {
		return Result[Nothing]{}, err
	}
	if !e.Exists() {
		return NotFound[Nothing](), nil
	}
	s, err := e.Get()
	if err != nil {
		return Result[Nothing]{}, err
	}
	s.State.Refill(s.Configuration, now)
	s.State.AddTokens(s.Configuration, c.Tokens)
	e.Set(s)
	return Found(Nothing{}), nil
}

func (c AddTokens) executeAny(e MutableEntry, now int64) (Result[any], error) {
	return erase(c.Execute(e, now))
}

// Reset puts every lane back to its initial tokens.
type Reset struct{}

func (Reset) Kind() Kind { return KindReset }

func (Reset) Validate() error { return nil }

func (Reset) Execute(e MutableEntry, now int64) (Result[Nothing], error) {
	if !e.Exists() {
		return NotFound[Nothing](), nil
	}
	s, err := e.Get()
	if err != nil {
		return Result[Nothing]{}, err
	}
	s.State.Refill(s.Configuration, now)
	s.State.Reset(s.Configuration)
	e.Set(s)
	return Found(Nothing{}), nil
}

func (c Reset) executeAny(e MutableEntry, now int64) (Result[any], error) {
	return erase(c.Execute(e, now))
}

// ReplaceConfiguration swaps the bucket configuration, carrying tokens over
// according to Inheritance. Replacing with an equal configuration is a no-op.
type ReplaceConfiguration struct {
	Configuration core.Configuration     `json:"configuration"`
	Inheritance   core.TokensInheritance `json:"inheritance"`
}

func (ReplaceConfiguration) Kind() Kind { return KindReplaceConfiguration }

func (c ReplaceConfiguration) Validate() error {
	if c.Inheritance > core.InheritAdditive {
		return fmt.Errorf("%w: unknown tokens inheritance %d", core.ErrInvalidConfiguration, c.Inheritance)
	}
	return c.Configuration.Validate()
}

func (c ReplaceConfiguration) Execute(e MutableEntry, now int64) (Result[Nothing], error) {
	if err := c.Validate(); err != nil {
		return Result[Nothing]{}, err
	}
	if !e.Exists() {
		return NotFound[Nothing](), nil
	}
	s, err := e.Get()
	if err != nil {
		return Result[Nothing]{}, err
	}
	if s.Configuration.Equal(c.Configuration) {
		return Found(Nothing{}), nil
	}
	s.State.Refill(s.Configuration, now)
	e.Set(Snapshot{
		Configuration: c.Configuration.Clone(),
		State:         s.State.Replace(s.Configuration, c.Configuration, c.Inheritance, now),
	})
	return Found(Nothing{}), nil
}

func (c ReplaceConfiguration) executeAny(e MutableEntry, now int64) (Result[any], error) {
	return erase(c.Execute(e, now))
}

// EstimateAbilityToConsume reports whether Tokens could be consumed now.
type EstimateAbilityToConsume struct {
	Tokens int64 `json:"tokens"`
}

func (EstimateAbilityToConsume) Kind() Kind { return KindEstimateAbilityToConsume }

func (c EstimateAbilityToConsume) Validate() error { return validTokens(c.Tokens) }

func (c EstimateAbilityToConsume) Execute(e MutableEntry, now int64) (Result[core.EstimationProbe], error) {
	if err := c.Validate(); err != nil {
		return Result[core.EstimationProbe]{}, err
	}
	if !e.Exists() {
		return NotFound[core.EstimationProbe](), nil
	}
	s, err := e.Get()
	if err != nil {
		return Result[core.EstimationProbe]{}, err
	}
	return Found(s.State.Estimate(s.Configuration, c.Tokens, now)), nil
}

func (c EstimateAbilityToConsume) executeAny(e MutableEntry, now int64) (Result[any], error) {
	return erase(c.Execute(e, now))
}

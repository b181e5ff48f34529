package remote

// Mutation tells whether executing a command changed the stored state.
type Mutation uint8

const (
	Unchanged Mutation = iota
	Changed
)

func (m Mutation) String() string {
	if m == Changed {
		return "changed"
	}
	return "unchanged"
}

// Nothing is the value of commands that only have side effects.
type Nothing struct{}

// Result is produced once per command execution.
type Result[T any] struct {
	Value T `json:"value"`

	// BucketNotFound is set when the bucket has no state. It is not an error:
	// callers create the bucket and try again.
	BucketNotFound bool `json:"bucket_not_found,omitempty"`

	Mutation Mutation `json:"mutation"`
}

// Found wraps the value of a command that ran against existing state.
func Found[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// NotFound is the uniform result of every command run against an absent bucket.
func NotFound[T any]() Result[T] {
	return Result[T]{BucketNotFound: true}
}

func erase[T any](r Result[T], err error) (Result[any], error) {
	if err != nil {
		return Result[any]{}, err
	}
	return Result[any]{Value: r.Value, BucketNotFound: r.BucketNotFound, Mutation: r.Mutation}, nil
}

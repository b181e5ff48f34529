package engine

import "errors"

var (
	// ErrInvalidOption is returned by New when an option is rejected
	ErrInvalidOption = errors.New("invalid engine option")

	// ErrInvalidKey is returned when the bucket key is empty
	ErrInvalidKey = errors.New("bucket key cannot be empty")

	// ErrRetriesExhausted is returned when every compare-and-swap attempt lost to a concurrent writer
	ErrRetriesExhausted = errors.New("compare-and-swap retries exhausted")

	// ErrBackendUnavailable wraps failures of the underlying store
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrTimeout is returned when the deadline of a call expires before it completes
	ErrTimeout = errors.New("request timed out")
)

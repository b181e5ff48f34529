package remote

import "errors"

var (
	// ErrSerialization is returned when stored bytes or a wire message do not
	// match the expected envelope. It is fatal for the affected key only.
	ErrSerialization = errors.New("serialization error")

	// ErrBucketAbsent is returned by MutableEntry.Get when no state exists.
	ErrBucketAbsent = errors.New("bucket state is absent")

	// ErrCommandFailed wraps a command failure reported by a server-side executor.
	ErrCommandFailed = errors.New("remote command failed")
)

package core

import "errors"

var (
	// ErrInvalidConfiguration is returned when a bandwidth or configuration is rejected.
	// The specific reason is wrapped alongside it.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrEmptyConfiguration is returned when a configuration has no bandwidths
	ErrEmptyConfiguration = errors.New("configuration must contain at least one bandwidth")

	// ErrNonPositiveCapacity is returned when bandwidth capacity is zero or negative
	ErrNonPositiveCapacity = errors.New("bandwidth capacity must be positive")

	// ErrNonPositivePeriod is returned when the refill period is zero or negative
	ErrNonPositivePeriod = errors.New("bandwidth refill period must be positive")

	// ErrNegativeRefillTokens is returned when refill tokens are negative
	ErrNegativeRefillTokens = errors.New("bandwidth refill tokens must not be negative")

	// ErrInitialTokensOutOfRange is returned when initial tokens fall outside [0, capacity]
	ErrInitialTokensOutOfRange = errors.New("bandwidth initial tokens must be within [0, capacity]")

	// ErrDuplicateBandwidthID is returned when two bandwidths share a non-empty id
	ErrDuplicateBandwidthID = errors.New("bandwidth ids must be unique")

	// ErrUnknownRefillPolicy is returned for a policy value outside the known set
	ErrUnknownRefillPolicy = errors.New("unknown refill policy")

	// ErrInvalidTokens is returned when a token amount is zero or negative
	ErrInvalidTokens = errors.New("token amount must be positive")

	// ErrStateMismatch is returned when lanes do not line up with the configuration
	ErrStateMismatch = errors.New("state does not match configuration")
)

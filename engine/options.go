package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/K-jun98/bucket4j/clock"
	"github.com/K-jun98/bucket4j/remote"
)

// DefaultMaxAttempts bounds the compare-and-swap loop unless WithMaxAttempts says otherwise.
const DefaultMaxAttempts = 64

// Option is a functional option for configuring an Engine.
type Option func(*Engine) error

// WithMaxAttempts sets how many fetch/execute/swap rounds a call may take.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) error {
		if n < 1 {
			return fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidOption, n)
		}
		e.maxAttempts = n
		return nil
	}
}

// WithBackOff sets the policy used to wait between conflicting attempts. The
// factory is called once per Execute, so stateful policies are not shared.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(e *Engine) error {
		if factory == nil {
			return fmt.Errorf("%w: backoff factory cannot be nil", ErrInvalidOption)
		}
		e.newBackOff = factory
		return nil
	}
}

// WithClock sets the time source used to refill buckets.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) error {
		if c == nil {
			return fmt.Errorf("%w: clock cannot be nil", ErrInvalidOption)
		}
		e.clock = c
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) error {
		if l == nil {
			return fmt.Errorf("%w: logger cannot be nil", ErrInvalidOption)
		}
		e.logger = l
		return nil
	}
}

// WithRecorder sets the recorder notified of consumptions and conflicts.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) error {
		if r == nil {
			return fmt.Errorf("%w: recorder cannot be nil", ErrInvalidOption)
		}
		e.recorder = r
		return nil
	}
}

// WithExpiration sets how the TTL hint of each write is computed.
// Default: remote.NoExpiration()
func WithExpiration(x remote.Expiration) Option {
	return func(e *Engine) error {
		if err := x.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidOption, err)
		}
		e.expiration = x
		return nil
	}
}

// WithServerSideExecution controls whether commands are shipped to backends
// that can execute them atomically. Enabled by default; it has no effect on
// backends without that capability.
func WithServerSideExecution(enabled bool) Option {
	return func(e *Engine) error {
		e.serverSide = enabled
		return nil
	}
}

// WithRequestTimeout bounds every Execute call, on top of the caller's context.
// Zero disables it.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		if d < 0 {
			return fmt.Errorf("%w: request timeout cannot be negative", ErrInvalidOption)
		}
		e.timeout = d
		return nil
	}
}

// DefaultBackOff is a jittered exponential policy starting at 1ms and capped at 100ms.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

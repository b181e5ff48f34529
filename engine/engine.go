// Package engine executes bucket commands against a shared store.
//
// Commands for one key are linearizable: each takes effect at the moment its
// write is accepted by the backend. Racing clients are not ordered by the
// time they issued their calls, only by which write lands first.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/K-jun98/bucket4j/clock"
	"github.com/K-jun98/bucket4j/core"
	"github.com/K-jun98/bucket4j/remote"
	"github.com/K-jun98/bucket4j/store"
)

// Recorder is notified of what the engine does. Implementations must be safe
// for concurrent use.
type Recorder interface {
	// RecordRequest is called for every consumption attempt that reached a bucket.
	RecordRequest(key string, allowed bool)
	// RecordConflict is called when a compare-and-swap lost to another writer.
	RecordConflict(key string)
	// RecordRetriesExhausted is called when a call gives up after too many conflicts.
	RecordRetriesExhausted(key string)
}

type noopRecorder struct{}

func (noopRecorder) RecordRequest(string, bool)    {}
func (noopRecorder) RecordConflict(string)         {}
func (noopRecorder) RecordRetriesExhausted(string) {}

// Engine runs commands against one backend. It holds no per-key state and is
// safe for concurrent use.
type Engine struct {
	backend  store.Backend
	executor store.AtomicExecutor

	clock       clock.Clock
	logger      *slog.Logger
	recorder    Recorder
	expiration  remote.Expiration
	maxAttempts int
	newBackOff  func() backoff.BackOff
	serverSide  bool
	timeout     time.Duration
}

// New creates an engine for backend.
func New(backend store.Backend, opts ...Option) (*Engine, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend cannot be nil", ErrInvalidOption)
	}
	e := &Engine{
		backend:     backend,
		clock:       clock.System{},
		logger:      slog.Default(),
		recorder:    noopRecorder{},
		expiration:  remote.NoExpiration(),
		maxAttempts: DefaultMaxAttempts,
		newBackOff:  DefaultBackOff,
		serverSide:  true,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if x, ok := backend.(store.AtomicExecutor); ok && e.serverSide {
		e.executor = x
	}
	return e, nil
}

// ServerSide reports whether commands are executed by the backend itself.
func (e *Engine) ServerSide() bool {
	return e.executor != nil
}

// Clock returns the time source of the engine.
func (e *Engine) Clock() clock.Clock {
	return e.clock
}

// Execute runs cmd against the bucket stored under key.
//
// An absent bucket is not an error: the result has BucketNotFound set and
// nothing is written. Invalid commands fail before the backend is touched.
func Execute[T any](ctx context.Context, e *Engine, key string, cmd remote.Command[T]) (remote.Result[T], error) {
	if key == "" {
		return remote.Result[T]{}, ErrInvalidKey
	}
	if err := cmd.Validate(); err != nil {
		return remote.Result[T]{}, err
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var (
		res remote.Result[T]
		err error
	)
	if e.executor != nil {
		res, err = executeServerSide(ctx, e, key, cmd)
	} else {
		res, err = executeCAS(ctx, e, key, cmd)
	}
	if err != nil {
		return remote.Result[T]{}, err
	}
	e.observe(key, res.Value, res.BucketNotFound)
	return res, nil
}

func executeServerSide[T any](ctx context.Context, e *Engine, key string, cmd remote.Command[T]) (remote.Result[T], error) {
	if err := ctx.Err(); err != nil {
		return remote.Result[T]{}, contextError(err)
	}
	req, err := remote.EncodeRequest(cmd, e.clock.NowNanos(), e.expiration)
	if err != nil {
		return remote.Result[T]{}, err
	}
	resp, err := e.executor.ExecuteAtomically(ctx, key, req)
	if err != nil {
		return remote.Result[T]{}, e.backendError(ctx, "execute", key, err)
	}
	return remote.DecodeResult[T](resp)
}

func executeCAS[T any](ctx context.Context, e *Engine, key string, cmd remote.Command[T]) (remote.Result[T], error) {
	policy := e.newBackOff()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return remote.Result[T]{}, contextError(err)
		}

		rec, err := e.backend.Fetch(ctx, key)
		if err != nil {
			return remote.Result[T]{}, e.backendError(ctx, "fetch", key, err)
		}
		var (
			current  *remote.Snapshot
			expected = store.NoVersion
		)
		if rec != nil {
			s, err := remote.DecodeSnapshot(rec.Data)
			if err != nil {
				e.logger.Error("stored bucket is unreadable", "key", key, "error", err)
				return remote.Result[T]{}, err
			}
			current, expected = &s, rec.Version
		}

		now := e.clock.NowNanos()
		entry := remote.NewEntry(current)
		res, err := remote.Run(cmd, entry, now)
		if err != nil {
			return remote.Result[T]{}, err
		}
		if !entry.Changed() {
			return res, nil
		}

		next, _ := entry.Snapshot()
		data, err := remote.EncodeSnapshot(next)
		if err != nil {
			return remote.Result[T]{}, err
		}
		swapped, err := e.backend.CompareAndSwap(ctx, key, expected, data, e.expiration.TTL(next, now))
		if err != nil {
			return remote.Result[T]{}, e.backendError(ctx, "compare-and-swap", key, err)
		}
		if swapped {
			return res, nil
		}

		e.recorder.RecordConflict(key)
		e.logger.Debug("compare-and-swap conflict", "key", key, "kind", cmd.Kind(), "attempt", attempt)

		wait := policy.NextBackOff()
		if attempt >= e.maxAttempts || wait == backoff.Stop {
			e.recorder.RecordRetriesExhausted(key)
			e.logger.Warn("giving up after repeated conflicts", "key", key, "kind", cmd.Kind(), "attempts", attempt)
			return remote.Result[T]{}, fmt.Errorf("%w: key %q after %d attempts", ErrRetriesExhausted, key, attempt)
		}
		if err := sleep(ctx, wait); err != nil {
			return remote.Result[T]{}, contextError(err)
		}
	}
}

// Remove deletes the bucket stored under key.
func (e *Engine) Remove(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	r, ok := e.backend.(store.Remover)
	if !ok {
		return fmt.Errorf("%T cannot remove buckets: %w", e.backend, errors.ErrUnsupported)
	}
	if err := r.Remove(ctx, key); err != nil {
		return e.backendError(ctx, "remove", key, err)
	}
	return nil
}

func (e *Engine) observe(key string, value any, notFound bool) {
	if notFound {
		return
	}
	if probe, ok := value.(core.ConsumptionProbe); ok {
		e.recorder.RecordRequest(key, probe.Consumed)
	}
}

func (e *Engine) backendError(ctx context.Context, op, key string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return contextError(ctxErr)
	}
	switch {
	case errors.Is(err, remote.ErrSerialization):
		return err
	case errors.Is(err, store.ErrTooManyConflicts):
		e.recorder.RecordRetriesExhausted(key)
		return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	}
	e.logger.Warn("backend call failed", "op", op, "key", key, "error", err)
	return fmt.Errorf("%w: %s %q: %w", ErrBackendUnavailable, op, key, err)
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/K-jun98/bucket4j/clock"
	"github.com/K-jun98/bucket4j/core"
	"github.com/K-jun98/bucket4j/remote"
	"github.com/K-jun98/bucket4j/store"
)

const ms = int64(time.Millisecond)

func noBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

// casOnly hides the atomic capability of the wrapped store.
type casOnly struct {
	store.Backend
}

// scriptedBackend lets tests interfere with a real store between fetch and swap.
type scriptedBackend struct {
	store.Backend
	fetches    atomic.Int64
	fetchErr   error
	swapErr    error
	beforeSwap func(attempt int64)
	swaps      atomic.Int64
}

func (b *scriptedBackend) Fetch(ctx context.Context, key string) (*store.Record, error) {
	b.fetches.Add(1)
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	return b.Backend.Fetch(ctx, key)
}

func (b *scriptedBackend) CompareAndSwap(ctx context.Context, key string, expected store.Version, data []byte, ttl time.Duration) (bool, error) {
	n := b.swaps.Add(1)
	if b.swapErr != nil {
		return false, b.swapErr
	}
	if b.beforeSwap != nil {
		b.beforeSwap(n)
	}
	return b.Backend.CompareAndSwap(ctx, key, expected, data, ttl)
}

type countingRecorder struct {
	mu        sync.Mutex
	allowed   int
	rejected  int
	conflicts int
	exhausted int
}

func (r *countingRecorder) RecordRequest(_ string, allowed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if allowed {
		r.allowed++
	} else {
		r.rejected++
	}
}

func (r *countingRecorder) RecordConflict(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts++
}

func (r *countingRecorder) RecordRetriesExhausted(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exhausted++
}

func simpleConfig(t *testing.T) core.Configuration {
	t.Helper()
	c, err := core.NewConfiguration(core.Simple(10, time.Second))
	require.NoError(t, err)
	return c
}

func create(t *testing.T, e *Engine, key string, c core.Configuration) {
	t.Helper()
	_, err := Execute[remote.Nothing](context.Background(), e, key, remote.CreateInitialState{Configuration: c})
	require.NoError(t, err)
}

// engineModes runs fn once over the CAS loop and once over atomic execution.
func engineModes(t *testing.T, fn func(t *testing.T, mem *store.MemoryStore, clk *clock.Manual, opts ...Option) *Engine) {
	modes := []struct {
		name       string
		serverSide bool
	}{
		{name: "cas", serverSide: false},
		{name: "server side", serverSide: true},
	}
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			clk := clock.NewManual(0)
			mem := store.NewMemoryStore(clk)
			e := fn(t, mem, clk, WithClock(clk), WithServerSideExecution(m.serverSide), WithBackOff(noBackOff))
			if e != nil {
				assert.Equal(t, m.serverSide, e.ServerSide())
			}
		})
	}
}

func TestExecute_ReferenceScenario(t *testing.T) {
	engineModes(t, func(t *testing.T, mem *store.MemoryStore, clk *clock.Manual, opts ...Option) *Engine {
		ctx := context.Background()
		e, err := New(mem, opts...)
		require.NoError(t, err)
		create(t, e, "user-1", simpleConfig(t))

		res, err := Execute[core.ConsumptionProbe](ctx, e, "user-1", remote.TryConsume{Tokens: 7})
		require.NoError(t, err)
		assert.True(t, res.Value.Consumed)
		assert.Equal(t, int64(3), res.Value.Remaining)

		res, err = Execute[core.ConsumptionProbe](ctx, e, "user-1", remote.TryConsume{Tokens: 5})
		require.NoError(t, err)
		assert.False(t, res.Value.Consumed)
		assert.Equal(t, 200*ms, res.Value.NanosToWaitForRefill)

		clk.Advance(500 * time.Millisecond)
		avail, err := Execute[int64](ctx, e, "user-1", remote.GetAvailableTokens{})
		require.NoError(t, err)
		assert.Equal(t, int64(8), avail.Value)

		clk.Advance(500 * time.Millisecond)
		avail, err = Execute[int64](ctx, e, "user-1", remote.GetAvailableTokens{})
		require.NoError(t, err)
		assert.Equal(t, int64(10), avail.Value)
		return e
	})
}

func TestExecute_AbsentBucket(t *testing.T) {
	engineModes(t, func(t *testing.T, mem *store.MemoryStore, _ *clock.Manual, opts ...Option) *Engine {
		e, err := New(mem, opts...)
		require.NoError(t, err)

		res, err := Execute[core.ConsumptionProbe](context.Background(), e, "nobody", remote.TryConsume{Tokens: 1})
		require.NoError(t, err)
		assert.True(t, res.BucketNotFound)
		assert.Equal(t, 0, mem.Count())
		return e
	})
}

func TestExecute_InvalidCommandNeverReachesBackend(t *testing.T) {
	sb := &scriptedBackend{Backend: store.NewMemoryStore(nil)}
	e, err := New(sb)
	require.NoError(t, err)

	_, err = Execute[core.ConsumptionProbe](context.Background(), e, "k", remote.TryConsume{Tokens: 0})
	assert.ErrorIs(t, err, core.ErrInvalidTokens)
	_, err = Execute[core.ConsumptionProbe](context.Background(), e, "", remote.TryConsume{Tokens: 1})
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.Zero(t, sb.fetches.Load())
}

func TestExecute_RetriesAfterConflict(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(0)
	mem := store.NewMemoryStore(clk)
	rec := &countingRecorder{}

	other, err := New(casOnly{mem}, WithClock(clk))
	require.NoError(t, err)

	sb := &scriptedBackend{Backend: mem}
	sb.beforeSwap = func(attempt int64) {
		// a competing client lands its write first, twice
		if attempt <= 2 {
			_, err := Execute[core.ConsumptionProbe](ctx, other, "k", remote.TryConsume{Tokens: 2})
			require.NoError(t, err)
		}
	}
	e, err := New(sb, WithClock(clk), WithRecorder(rec), WithBackOff(noBackOff))
	require.NoError(t, err)
	create(t, other, "k", simpleConfig(t))

	res, err := Execute[core.ConsumptionProbe](ctx, e, "k", remote.TryConsume{Tokens: 3})
	require.NoError(t, err)
	assert.True(t, res.Value.Consumed)
	assert.Equal(t, int64(3), res.Value.Remaining)
	assert.Equal(t, int64(3), sb.fetches.Load())
	assert.Equal(t, 2, rec.conflicts)
	assert.Equal(t, 1, rec.allowed)

	avail, err := Execute[int64](ctx, other, "k", remote.GetAvailableTokens{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), avail.Value)
}

func TestExecute_RetriesExhausted(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore(nil)
	rec := &countingRecorder{}

	sb := &scriptedBackend{Backend: mem}
	e, err := New(sb, WithMaxAttempts(3), WithRecorder(rec), WithBackOff(noBackOff))
	require.NoError(t, err)
	create(t, e, "k", simpleConfig(t))
	sb.fetches.Store(0)

	sb.beforeSwap = func(int64) {
		// bump the version behind the engine's back every time
		r, err := mem.Fetch(ctx, "k")
		require.NoError(t, err)
		ok, err := mem.CompareAndSwap(ctx, "k", r.Version, r.Data, 0)
		require.NoError(t, err)
		require.True(t, ok)
	}

	_, err = Execute[core.ConsumptionProbe](ctx, e, "k", remote.TryConsume{Tokens: 1})
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, int64(3), sb.fetches.Load())
	assert.Equal(t, 3, rec.conflicts)
	assert.Equal(t, 1, rec.exhausted)
}

func TestExecute_BackOffStopEndsTheLoop(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore(nil)
	sb := &scriptedBackend{Backend: mem}
	e, err := New(sb, WithBackOff(func() backoff.BackOff { return &backoff.StopBackOff{} }))
	require.NoError(t, err)
	create(t, e, "k", simpleConfig(t))

	sb.beforeSwap = func(int64) {
		r, _ := mem.Fetch(ctx, "k")
		_, _ = mem.CompareAndSwap(ctx, "k", r.Version, r.Data, 0)
	}
	sb.fetches.Store(0)
	_, err = Execute[core.ConsumptionProbe](ctx, e, "k", remote.TryConsume{Tokens: 1})
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, int64(1), sb.fetches.Load())
}

func TestExecute_DeadlineDuringBackOff(t *testing.T) {
	mem := store.NewMemoryStore(nil)
	sb := &scriptedBackend{Backend: mem}
	e, err := New(sb,
		WithMaxAttempts(1000),
		WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(50 * time.Millisecond) }),
	)
	require.NoError(t, err)
	create(t, e, "k", simpleConfig(t))

	ctx := context.Background()
	sb.beforeSwap = func(int64) {
		r, _ := mem.Fetch(ctx, "k")
		_, _ = mem.CompareAndSwap(ctx, "k", r.Version, r.Data, 0)
	}

	deadline, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = Execute[core.ConsumptionProbe](deadline, e, "k", remote.TryConsume{Tokens: 1})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecute_RequestTimeoutOption(t *testing.T) {
	mem := store.NewMemoryStore(nil)
	sb := &scriptedBackend{Backend: mem}
	e, err := New(sb,
		WithRequestTimeout(10*time.Millisecond),
		WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(50 * time.Millisecond) }),
	)
	require.NoError(t, err)
	create(t, e, "k", simpleConfig(t))

	ctx := context.Background()
	sb.beforeSwap = func(int64) {
		r, _ := mem.Fetch(ctx, "k")
		_, _ = mem.CompareAndSwap(ctx, "k", r.Version, r.Data, 0)
	}
	_, err = Execute[core.ConsumptionProbe](ctx, e, "k", remote.TryConsume{Tokens: 1})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestExecute_CancelledContext(t *testing.T) {
	e, err := New(store.NewMemoryStore(nil))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = Execute[int64](ctx, e, "k", remote.GetAvailableTokens{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestExecute_BackendErrors(t *testing.T) {
	boom := errors.New("connection refused")

	sb := &scriptedBackend{Backend: store.NewMemoryStore(nil), fetchErr: boom}
	e, err := New(sb)
	require.NoError(t, err)
	_, err = Execute[int64](context.Background(), e, "k", remote.GetAvailableTokens{})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.ErrorIs(t, err, boom)

	sb = &scriptedBackend{Backend: store.NewMemoryStore(nil), swapErr: boom}
	e, err = New(sb)
	require.NoError(t, err)
	_, err = Execute[remote.Nothing](context.Background(), e, "k", remote.CreateInitialState{Configuration: simpleConfig(t)})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.ErrorIs(t, err, boom)
}

func TestExecute_CorruptStateIsNotRetried(t *testing.T) {
	ctx := context.Background()
	engineModes(t, func(t *testing.T, mem *store.MemoryStore, _ *clock.Manual, opts ...Option) *Engine {
		_, err := mem.CompareAndSwap(ctx, "k", store.NoVersion, []byte(`{"format":42}`), 0)
		require.NoError(t, err)

		e, err := New(mem, opts...)
		require.NoError(t, err)
		_, err = Execute[int64](ctx, e, "k", remote.GetAvailableTokens{})
		assert.ErrorIs(t, err, remote.ErrSerialization)
		return e
	})
}

func TestExecute_ExpirationHint(t *testing.T) {
	ctx := context.Background()
	engineModes(t, func(t *testing.T, mem *store.MemoryStore, clk *clock.Manual, opts ...Option) *Engine {
		e, err := New(mem, append(opts, WithExpiration(remote.FixedExpiration(time.Second)))...)
		require.NoError(t, err)
		create(t, e, "k", simpleConfig(t))

		clk.Advance(time.Second)
		res, err := Execute[int64](ctx, e, "k", remote.GetAvailableTokens{})
		require.NoError(t, err)
		assert.True(t, res.BucketNotFound, "bucket should have expired")

		// recreating after expiry starts from the configuration again
		created, err := Execute[core.ConsumptionProbe](ctx, e, "k",
			remote.CreateAndExecute[core.ConsumptionProbe](simpleConfig(t), remote.TryConsume{Tokens: 1}))
		require.NoError(t, err)
		assert.Equal(t, int64(9), created.Value.Remaining)
		return e
	})
}

func TestExecute_ConcurrentClientsNeverOverConsume(t *testing.T) {
	engineModes(t, func(t *testing.T, mem *store.MemoryStore, _ *clock.Manual, opts ...Option) *Engine {
		ctx := context.Background()
		rec := &countingRecorder{}
		e, err := New(mem, append(opts, WithMaxAttempts(100_000), WithRecorder(rec))...)
		require.NoError(t, err)

		// no refill, so exactly capacity tokens can ever be taken
		c, err := core.NewConfiguration(core.Classic(100, 0, time.Hour))
		require.NoError(t, err)
		create(t, e, "shared", c)

		const workers, perWorker = 20, 10
		var consumed atomic.Int64
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					res, err := Execute[core.ConsumptionProbe](ctx, e, "shared", remote.TryConsume{Tokens: 1})
					if !assert.NoError(t, err) {
						return
					}
					if res.Value.Consumed {
						consumed.Add(1)
					}
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(100), consumed.Load())
		assert.Equal(t, 100, rec.allowed)
		assert.Equal(t, workers*perWorker-100, rec.rejected)

		avail, err := Execute[int64](ctx, e, "shared", remote.GetAvailableTokens{})
		require.NoError(t, err)
		assert.Zero(t, avail.Value)
		return e
	})
}

func TestExecute_DifferentKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	e, err := New(store.NewMemoryStore(nil), WithClock(clock.NewManual(0)))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		create(t, e, fmt.Sprintf("key-%d", i), simpleConfig(t))
	}
	_, err = Execute[int64](ctx, e, "key-0", remote.ConsumeAsMuchAsPossible{Limit: 10})
	require.NoError(t, err)

	for i, want := range []int64{0, 10, 10} {
		avail, err := Execute[int64](ctx, e, fmt.Sprintf("key-%d", i), remote.GetAvailableTokens{})
		require.NoError(t, err)
		assert.Equal(t, want, avail.Value)
	}
}

func TestEngine_Remove(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore(nil)
	e, err := New(mem)
	require.NoError(t, err)
	create(t, e, "k", simpleConfig(t))

	require.NoError(t, e.Remove(ctx, "k"))
	assert.Equal(t, 0, mem.Count())
	assert.ErrorIs(t, e.Remove(ctx, ""), ErrInvalidKey)

	cas, err := New(casOnly{mem})
	require.NoError(t, err)
	assert.ErrorIs(t, cas.Remove(ctx, "k"), errors.ErrUnsupported)
}

func TestNew_Options(t *testing.T) {
	mem := store.NewMemoryStore(nil)

	_, err := New(nil)
	assert.ErrorIs(t, err, ErrInvalidOption)

	tests := []struct {
		name string
		opt  Option
	}{
		{"zero attempts", WithMaxAttempts(0)},
		{"nil backoff", WithBackOff(nil)},
		{"nil clock", WithClock(nil)},
		{"nil logger", WithLogger(nil)},
		{"nil recorder", WithRecorder(nil)},
		{"negative timeout", WithRequestTimeout(-time.Second)},
		{"bad expiration", WithExpiration(remote.FixedExpiration(0))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(mem, tt.opt)
			assert.ErrorIs(t, err, ErrInvalidOption)
		})
	}

	e, err := New(mem)
	require.NoError(t, err)
	assert.True(t, e.ServerSide())
	assert.Equal(t, DefaultMaxAttempts, e.maxAttempts)

	e, err = New(casOnly{mem})
	require.NoError(t, err)
	assert.False(t, e.ServerSide())
}

func TestDefaultBackOff_IsJitteredAndBounded(t *testing.T) {
	b := DefaultBackOff()
	for i := 0; i < 50; i++ {
		d := b.NextBackOff()
		require.NotEqual(t, backoff.Stop, d)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
		assert.Greater(t, d, time.Duration(0))
	}
}

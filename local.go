package bucket4j

import (
	"context"
	"sync"

	"github.com/K-jun98/bucket4j/clock"
	"github.com/K-jun98/bucket4j/core"
	"github.com/K-jun98/bucket4j/remote"
)

// LocalBucket is a bucket held in memory of the current process, guarded by
// a mutex. It runs the same commands as a Bucket.
type LocalBucket struct {
	mu       sync.Mutex
	clock    clock.Clock
	snapshot remote.Snapshot
}

// NewLocalBucket creates a bucket from config. A nil clock means the system clock.
func NewLocalBucket(config core.Configuration, c clock.Clock) (*LocalBucket, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if c == nil {
		c = clock.System{}
	}
	return &LocalBucket{
		clock:    c,
		snapshot: remote.NewSnapshot(config, c.NowNanos()),
	}, nil
}

func executeLocal[T any](ctx context.Context, b *LocalBucket, cmd remote.Command[T]) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e := remote.NewEntry(&b.snapshot)
	res, err := remote.Run(cmd, e, b.clock.NowNanos())
	if err != nil {
		return zero, err
	}
	if res.Mutation == remote.Changed {
		b.snapshot, _ = e.Snapshot()
	}
	return res.Value, nil
}

func (b *LocalBucket) TryConsume(ctx context.Context, tokens int64) (bool, error) {
	probe, err := b.TryConsumeAndReturnRemaining(ctx, tokens)
	return probe.Consumed, err
}

func (b *LocalBucket) TryConsumeAndReturnRemaining(ctx context.Context, tokens int64) (core.ConsumptionProbe, error) {
	return executeLocal[core.ConsumptionProbe](ctx, b, remote.TryConsume{Tokens: tokens})
}

func (b *LocalBucket) ConsumeAsMuchAsPossible(ctx context.Context, limit int64) (int64, error) {
	return executeLocal[int64](ctx, b, remote.ConsumeAsMuchAsPossible{Limit: limit})
}

func (b *LocalBucket) AddTokens(ctx context.Context, tokens int64) error {
	_, err := executeLocal[remote.Nothing](ctx, b, remote.AddTokens{Tokens: tokens})
	return err
}

func (b *LocalBucket) Reset(ctx context.Context) error {
	_, err := executeLocal[remote.Nothing](ctx, b, remote.Reset{})
	return err
}

func (b *LocalBucket) AvailableTokens(ctx context.Context) (int64, error) {
	return executeLocal[int64](ctx, b, remote.GetAvailableTokens{})
}

func (b *LocalBucket) EstimateAbilityToConsume(ctx context.Context, tokens int64) (core.EstimationProbe, error) {
	return executeLocal[core.EstimationProbe](ctx, b, remote.EstimateAbilityToConsume{Tokens: tokens})
}

func (b *LocalBucket) ReplaceConfiguration(ctx context.Context, config core.Configuration, inheritance core.TokensInheritance) error {
	_, err := executeLocal[remote.Nothing](ctx, b, remote.ReplaceConfiguration{Configuration: config, Inheritance: inheritance})
	return err
}

func (b *LocalBucket) Configuration(ctx context.Context) (core.Configuration, error) {
	return executeLocal[core.Configuration](ctx, b, remote.GetConfiguration{})
}

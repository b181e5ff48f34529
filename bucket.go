package bucket4j

import (
	"context"
	"fmt"

	"github.com/K-jun98/bucket4j/core"
	"github.com/K-jun98/bucket4j/engine"
	"github.com/K-jun98/bucket4j/remote"
)

// Bucket is a handle on one bucket stored in the backend of an engine.
// It is safe for concurrent use, and any number of handles, in any number of
// processes, may point at the same key.
type Bucket struct {
	engine *engine.Engine
	key    string
	config core.Configuration
}

// NewBucket returns a handle on the bucket stored under key. The bucket is
// created from config whenever a call finds it missing, which includes the
// first call and any call after the backend expired it.
func NewBucket(e *engine.Engine, key string, config core.Configuration) (*Bucket, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: engine cannot be nil", engine.ErrInvalidOption)
	}
	if key == "" {
		return nil, engine.ErrInvalidKey
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Bucket{engine: e, key: key, config: config.Clone()}, nil
}

// Key returns the key the bucket is stored under.
func (b *Bucket) Key() string {
	return b.key
}

func execute[T any](ctx context.Context, b *Bucket, cmd remote.Command[T]) (T, error) {
	var zero T
	res, err := engine.Execute(ctx, b.engine, b.key, cmd)
	if err != nil {
		return zero, err
	}
	if !res.BucketNotFound {
		return res.Value, nil
	}

	var create remote.Command[T] = remote.CreateAndExecute(b.config, cmd)
	res, err = engine.Execute(ctx, b.engine, b.key, create)
	if err != nil {
		return zero, err
	}
	if res.BucketNotFound {
		return zero, fmt.Errorf("%w: %s", remote.ErrBucketAbsent, b.key)
	}
	return res.Value, nil
}

func (b *Bucket) TryConsume(ctx context.Context, tokens int64) (bool, error) {
	probe, err := b.TryConsumeAndReturnRemaining(ctx, tokens)
	return probe.Consumed, err
}

func (b *Bucket) TryConsumeAndReturnRemaining(ctx context.Context, tokens int64) (core.ConsumptionProbe, error) {
	return execute[core.ConsumptionProbe](ctx, b, remote.TryConsume{Tokens: tokens})
}

func (b *Bucket) ConsumeAsMuchAsPossible(ctx context.Context, limit int64) (int64, error) {
	return execute[int64](ctx, b, remote.ConsumeAsMuchAsPossible{Limit: limit})
}

func (b *Bucket) AddTokens(ctx context.Context, tokens int64) error {
	_, err := execute[remote.Nothing](ctx, b, remote.AddTokens{Tokens: tokens})
	return err
}

func (b *Bucket) Reset(ctx context.Context) error {
	_, err := execute[remote.Nothing](ctx, b, remote.Reset{})
	return err
}

func (b *Bucket) AvailableTokens(ctx context.Context) (int64, error) {
	return execute[int64](ctx, b, remote.GetAvailableTokens{})
}

func (b *Bucket) EstimateAbilityToConsume(ctx context.Context, tokens int64) (core.EstimationProbe, error) {
	return execute[core.EstimationProbe](ctx, b, remote.EstimateAbilityToConsume{Tokens: tokens})
}

// ReplaceConfiguration changes the stored configuration. A bucket created
// later by this handle, after the stored one expired, still uses the
// configuration given to NewBucket.
func (b *Bucket) ReplaceConfiguration(ctx context.Context, config core.Configuration, inheritance core.TokensInheritance) error {
	_, err := execute[remote.Nothing](ctx, b, remote.ReplaceConfiguration{Configuration: config, Inheritance: inheritance})
	return err
}

// Configuration returns the stored configuration, which differs from the one
// given to NewBucket after ReplaceConfiguration.
func (b *Bucket) Configuration(ctx context.Context) (core.Configuration, error) {
	return execute[core.Configuration](ctx, b, remote.GetConfiguration{})
}

// Remove deletes the stored bucket. The next call recreates it.
func (b *Bucket) Remove(ctx context.Context) error {
	return b.engine.Remove(ctx, b.key)
}

// Package bucket4j provides token bucket rate limiting whose state can be
// shared by many processes through a store.
//
// # Quick Start
//
// A bucket kept in memory of the current process:
//
//	config, _ := core.NewConfiguration(core.Simple(100, time.Minute))
//	local, _ := bucket4j.NewLocalBucket(config, nil)
//
//	if ok, _ := local.TryConsume(ctx, 1); !ok {
//	    // rejected
//	}
//
// # Distributed buckets
//
// A Bucket keeps no state of its own. Every call is shipped to a store through
// an engine, and the bucket is created from its configuration the first time
// it is found missing:
//
//	backend := store.NewRedisStore(store.RedisConfig{Addr: "localhost:6379"})
//	e, _ := engine.New(backend, engine.WithExpiration(remote.ExpireAfterFullRefill(time.Minute)))
//	b, _ := bucket4j.NewBucket(e, "user-123", config)
//
//	probe, err := b.TryConsumeAndReturnRemaining(ctx, 1)
//	if err == nil && !probe.Consumed {
//	    fmt.Printf("Rate limited. Retry after %v\n", time.Duration(probe.NanosToWaitForRefill))
//	}
//
// Calls never sleep. A rejected consumption reports how long to wait instead.
package bucket4j

import (
	"context"

	"github.com/K-jun98/bucket4j/core"
)

// Limiter is the set of operations shared by Bucket and LocalBucket.
type Limiter interface {
	// TryConsume takes tokens if every bandwidth can supply them.
	TryConsume(ctx context.Context, tokens int64) (bool, error)

	// TryConsumeAndReturnRemaining is TryConsume reporting the remaining tokens
	// and, on rejection, the wait until the request could succeed.
	TryConsumeAndReturnRemaining(ctx context.Context, tokens int64) (core.ConsumptionProbe, error)

	// ConsumeAsMuchAsPossible takes up to limit tokens and returns how many were taken.
	ConsumeAsMuchAsPossible(ctx context.Context, limit int64) (int64, error)

	// AddTokens adds tokens to every bandwidth without exceeding capacity.
	AddTokens(ctx context.Context, tokens int64) error

	// Reset refills every bandwidth to its initial tokens.
	Reset(ctx context.Context) error

	// AvailableTokens is the amount that could be consumed right now.
	AvailableTokens(ctx context.Context) (int64, error)

	// EstimateAbilityToConsume reports whether tokens could be consumed, without consuming.
	EstimateAbilityToConsume(ctx context.Context, tokens int64) (core.EstimationProbe, error)

	// ReplaceConfiguration switches to config, carrying tokens over per inheritance.
	ReplaceConfiguration(ctx context.Context, config core.Configuration, inheritance core.TokensInheritance) error

	// Configuration returns the configuration in effect.
	Configuration(ctx context.Context) (core.Configuration, error)
}

var (
	_ Limiter = (*Bucket)(nil)
	_ Limiter = (*LocalBucket)(nil)
)

// Package store holds the backends a bucket can live in. Every backend offers
// versioned compare-and-swap; some can also run a serialized command
// atomically on their side.
package store

import (
	"context"
	"time"
)

// Version identifies a revision of the bytes stored under a key. Backends
// assign expected+1 on every successful swap.
type Version int64

// NoVersion is the expected version of a key that must not exist yet.
const NoVersion Version = 0

// Record is what a backend holds for one key.
type Record struct {
	Data    []byte
	Version Version
}

// Backend is the capability every store implements.
type Backend interface {
	// Fetch returns the record stored under key, or nil when there is none.
	Fetch(ctx context.Context, key string) (*Record, error)

	// CompareAndSwap writes data when the stored version equals expected, or
	// when expected is NoVersion and the key is absent. It reports false on a
	// version mismatch. ttl is an expiration hint, zero meaning none.
	CompareAndSwap(ctx context.Context, key string, expected Version, data []byte, ttl time.Duration) (bool, error)
}

// AtomicExecutor is implemented by backends that can fetch, execute and write
// a serialized command without anybody else touching the key in between.
type AtomicExecutor interface {
	ExecuteAtomically(ctx context.Context, key string, request []byte) ([]byte, error)
}

// Remover deletes a bucket.
type Remover interface {
	Remove(ctx context.Context, key string) error
}

// ttlMillis rounds a positive hint up to whole milliseconds so it never
// turns into "no expiry".
func ttlMillis(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	ms := int64(ttl / time.Millisecond)
	if ttl%time.Millisecond != 0 {
		ms++
	}
	return ms
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mediocregopher/radix/v3"
)

// fetchScript returns {state, version} or an empty array when the key is absent.
const fetchScript = `
local vals = redis.call('HMGET', KEYS[1], 'state', 'version')
if not vals[1] then return {} end
return vals
`

// RadixStore is the radix counterpart of RedisStore. Both use the same hash
// layout, so they can serve the same keys.
type RadixStore struct {
	client radix.Client
	prefix string
	fetch  radix.EvalScript
	cas    radix.EvalScript
}

var (
	_ Backend = (*RadixStore)(nil)
	_ Remover = (*RadixStore)(nil)
)

// RadixConfig for creating a radix-backed store
type RadixConfig struct {
	Network   string // "tcp" unless set
	Addr      string
	PoolSize  int    // default: 10
	KeyPrefix string // default: DefaultKeyPrefix
}

// NewRadixStore dials a radix pool.
func NewRadixStore(config RadixConfig, opts ...radix.PoolOpt) (*RadixStore, error) {
	network := config.Network
	if network == "" {
		network = "tcp"
	}
	size := config.PoolSize
	if size <= 0 {
		size = 10
	}
	pool, err := radix.NewPool(network, config.Addr, size, opts...)
	if err != nil {
		return nil, fmt.Errorf("radix pool %s: %w", config.Addr, err)
	}
	return NewRadixStoreFromClient(pool, config.KeyPrefix), nil
}

// NewRadixStoreFromClient wraps an existing radix client (pool, cluster or sentinel).
func NewRadixStoreFromClient(client radix.Client, prefix string) *RadixStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RadixStore{
		client: client,
		prefix: prefix,
		fetch:  radix.NewEvalScript(1, fetchScript),
		cas:    radix.NewEvalScript(1, casScript),
	}
}

// Fetch reads state and version atomically through a script, radix having no
// per-field nil handling for HMGET replies.
func (s *RadixStore) Fetch(_ context.Context, key string) (*Record, error) {
	var vals []string
	if err := s.client.Do(s.fetch.Cmd(&vals, s.prefix+key)); err != nil {
		return nil, fmt.Errorf("radix fetch %q: %w", key, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("radix fetch %q: unexpected reply of %d items", key, len(vals))
	}
	version, err := parseVersion(vals[1])
	if err != nil {
		return nil, err
	}
	return &Record{Data: []byte(vals[0]), Version: version}, nil
}

// CompareAndSwap runs the same script as RedisStore.
func (s *RadixStore) CompareAndSwap(_ context.Context, key string, expected Version, data []byte, ttl time.Duration) (bool, error) {
	var swapped int
	err := s.client.Do(s.cas.FlatCmd(&swapped, []string{s.prefix + key}, int64(expected), data, ttlMillis(ttl)))
	if err != nil {
		return false, fmt.Errorf("radix cas %q: %w", key, err)
	}
	return swapped == 1, nil
}

// Remove deletes the bucket hash.
func (s *RadixStore) Remove(_ context.Context, key string) error {
	return s.client.Do(radix.Cmd(nil, "DEL", s.prefix+key))
}

// Close shuts down the underlying client.
func (s *RadixStore) Close() error {
	return s.client.Close()
}

package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/K-jun98/bucket4j/remote"
)

const (
	fieldState   = "state"
	fieldVersion = "version"

	// DefaultKeyPrefix namespaces bucket keys in a shared Redis.
	DefaultKeyPrefix = "bucket4j:"
)

// casScript swaps the state field when the version field matches ARGV[1].
// An expected version of 0 means the key must not exist.
const casScript = `
local current = redis.call('HGET', KEYS[1], 'version')
local expected = tonumber(ARGV[1])
if expected == 0 then
  if current then return 0 end
elseif not current or tonumber(current) ~= expected then
  return 0
end
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'version', expected + 1)
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
else
  redis.call('PERSIST', KEYS[1])
end
return 1
`

// ErrTooManyConflicts is returned by RedisStore.ExecuteAtomically when the
// watched key kept changing under it.
var ErrTooManyConflicts = errors.New("store: too many concurrent modifications")

// RedisStore keeps every bucket in a Redis HASH holding its state and version.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	cas       *redis.Script
	txRetries int
}

var (
	_ Backend        = (*RedisStore)(nil)
	_ AtomicExecutor = (*RedisStore)(nil)
	_ Remover        = (*RedisStore)(nil)
)

// RedisConfig for creating a Redis store
type RedisConfig struct {
	Addr      string // Redis address (e.g., "localhost:6379")
	Password  string // Redis password (empty for no auth)
	DB        int    // Redis database number
	KeyPrefix string // Prepended to every bucket key (default: DefaultKeyPrefix)
	TxRetries int    // Attempts of an atomic execution before giving up (default: 16)
}

// NewRedisStore creates a new Redis-backed store
func NewRedisStore(config RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	return NewRedisStoreFromClient(client, config)
}

// NewRedisStoreFromClient wraps an existing client, e.g. a cluster client.
// Addr, Password and DB of config are ignored.
func NewRedisStoreFromClient(client redis.UniversalClient, config RedisConfig) *RedisStore {
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	retries := config.TxRetries
	if retries <= 0 {
		retries = 16
	}
	return &RedisStore{
		client:    client,
		prefix:    prefix,
		cas:       redis.NewScript(casScript),
		txRetries: retries,
	}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

// Fetch reads state and version with a single HMGET.
func (s *RedisStore) Fetch(ctx context.Context, key string) (*Record, error) {
	vals, err := s.client.HMGet(ctx, s.key(key), fieldState, fieldVersion).Result()
	if err != nil {
		return nil, fmt.Errorf("redis fetch %q: %w", key, err)
	}
	return parseHash(vals)
}

func parseHash(vals []interface{}) (*Record, error) {
	if len(vals) != 2 || vals[0] == nil {
		return nil, nil
	}
	state, ok := vals[0].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected redis state type %T", vals[0])
	}
	version, err := parseVersion(vals[1])
	if err != nil {
		return nil, err
	}
	return &Record{Data: []byte(state), Version: version}, nil
}

func parseVersion(v interface{}) (Version, error) {
	var raw string
	switch t := v.(type) {
	case string:
		raw = t
	case []byte:
		raw = string(t)
	case int64:
		return Version(t), nil
	default:
		return 0, fmt.Errorf("unexpected redis version type %T", v)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse version: %w", err)
	}
	return Version(n), nil
}

// CompareAndSwap runs the CAS script.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expected Version, data []byte, ttl time.Duration) (bool, error) {
	swapped, err := s.cas.Run(ctx, s.client, []string{s.key(key)}, int64(expected), data, ttlMillis(ttl)).Int()
	if err != nil {
		return false, fmt.Errorf("redis cas %q: %w", key, err)
	}
	return swapped == 1, nil
}

// ExecuteAtomically executes the request inside a WATCH/MULTI transaction.
// The transaction is retried when the key changes between read and write.
func (s *RedisStore) ExecuteAtomically(ctx context.Context, key string, request []byte) ([]byte, error) {
	k := s.key(key)
	var response []byte

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, k, fieldState, fieldVersion).Result()
		if err != nil {
			return err
		}
		rec, err := parseHash(vals)
		if err != nil {
			return err
		}
		var current []byte
		if rec != nil {
			current = rec.Data
		}

		out, err := remote.Execute(request, current)
		if err != nil {
			return err
		}
		response = out.Response
		if !out.Changed() {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, fieldState, out.State)
			pipe.HIncrBy(ctx, k, fieldVersion, 1)
			if out.TTL > 0 {
				pipe.PExpire(ctx, k, time.Duration(ttlMillis(out.TTL))*time.Millisecond)
			} else {
				pipe.Persist(ctx, k)
			}
			return nil
		})
		return err
	}

	for i := 0; i < s.txRetries; i++ {
		err := s.client.Watch(ctx, txf, k)
		if err == nil {
			return response, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, fmt.Errorf("redis execute %q: %w", key, err)
		}
	}
	return nil, fmt.Errorf("redis execute %q: %w", key, ErrTooManyConflicts)
}

// Remove deletes the bucket hash.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// Clear removes all keys under the store prefix.
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Ping checks if Redis connection is alive
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

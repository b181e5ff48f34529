package config

import (
	"context"
	"fmt"
	"time"

	"github.com/K-jun98/bucket4j/clock"
	"github.com/K-jun98/bucket4j/store"
)

// Supported backend types
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendRadix  = "radix"
	BackendMySQL  = "mysql"
)

// BackendConfig selects and configures the store buckets live in.
type BackendConfig struct {
	// Type is one of memory, redis, radix or mysql
	Type string `yaml:"type"`

	// Redis and radix
	Addr      string `yaml:"addr,omitempty"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db,omitempty"`
	PoolSize  int    `yaml:"pool_size,omitempty"`
	KeyPrefix string `yaml:"key_prefix,omitempty"`

	// MySQL
	DSN         string `yaml:"dsn,omitempty"`
	Table       string `yaml:"table,omitempty"`
	CreateTable bool   `yaml:"create_table,omitempty"`

	// CleanupInterval is how often the memory backend drops expired buckets, e.g. "1m"
	CleanupInterval string `yaml:"cleanup_interval,omitempty"`
}

// Validate checks the fields the selected type needs.
func (b BackendConfig) Validate() error {
	switch b.Type {
	case BackendMemory:
		if b.CleanupInterval != "" {
			if _, err := parsePositive("backend.cleanup_interval", b.CleanupInterval); err != nil {
				return err
			}
		}
	case BackendRedis, BackendRadix:
		if b.Addr == "" {
			return fmt.Errorf("%w: backend %s needs addr", ErrInvalidConfig, b.Type)
		}
		if b.Type == BackendRadix && b.Password != "" {
			return fmt.Errorf("%w: backend radix does not support password, use redis", ErrInvalidConfig)
		}
	case BackendMySQL:
		if b.DSN == "" {
			return fmt.Errorf("%w: backend mysql needs dsn", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown backend type %q", ErrInvalidConfig, b.Type)
	}
	return nil
}

// Open connects the configured backend. The returned function releases it.
// c is used by the memory backend to expire buckets, nil meaning the system clock.
func (b BackendConfig) Open(ctx context.Context, c clock.Clock) (store.Backend, func() error, error) {
	if err := b.Validate(); err != nil {
		return nil, nil, err
	}

	switch b.Type {
	case BackendRedis:
		s := store.NewRedisStore(store.RedisConfig{
			Addr:      b.Addr,
			Password:  b.Password,
			DB:        b.DB,
			KeyPrefix: b.KeyPrefix,
		})
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", b.Addr, err)
		}
		return s, s.Close, nil

	case BackendRadix:
		s, err := store.NewRadixStore(store.RadixConfig{
			Addr:      b.Addr,
			PoolSize:  b.PoolSize,
			KeyPrefix: b.KeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case BackendMySQL:
		s, err := store.OpenMySQL(store.MySQLConfig{DSN: b.DSN, Table: b.Table})
		if err != nil {
			return nil, nil, err
		}
		if b.CreateTable {
			if err := s.CreateTable(ctx); err != nil {
				s.Close()
				return nil, nil, fmt.Errorf("create bucket table: %w", err)
			}
		}
		return s, s.Close, nil
	}

	s := store.NewMemoryStore(c)
	stop := func() {}
	if b.CleanupInterval != "" {
		interval, _ := time.ParseDuration(b.CleanupInterval)
		stop = s.StartBackgroundCleanup(interval)
	}
	return s, func() error { stop(); return nil }, nil
}

// Package config loads bucket definitions, engine tuning and backend
// selection from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/yaml.v3"

	"github.com/K-jun98/bucket4j/core"
	"github.com/K-jun98/bucket4j/engine"
	"github.com/K-jun98/bucket4j/remote"
)

// ErrInvalidConfig is returned when configuration is invalid
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root of a configuration file.
type Config struct {
	Engine  EngineConfig            `yaml:"engine"`
	Backend BackendConfig           `yaml:"backend"`
	Buckets map[string]BucketConfig `yaml:"buckets"`
}

// EngineConfig tunes the synchronization engine.
type EngineConfig struct {
	// MaxAttempts bounds the compare-and-swap loop (default: 64)
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// RequestTimeout bounds every call, e.g. "250ms". Empty disables it.
	RequestTimeout string `yaml:"request_timeout,omitempty"`

	// ServerSide lets backends that can execute commands atomically do so (default: true)
	ServerSide *bool `yaml:"prefer_server_side,omitempty"`

	Expiration ExpirationConfig `yaml:"expiration,omitempty"`
	BackOff    BackOffConfig    `yaml:"backoff,omitempty"`
}

// ExpirationConfig selects the TTL hint sent with writes.
type ExpirationConfig struct {
	// Mode is one of "none", "fixed" or "after_refill"
	Mode string `yaml:"mode,omitempty"`

	// TTL is the fixed TTL, or the margin kept after a full refill
	TTL string `yaml:"ttl,omitempty"`
}

// BackOffConfig shapes the jittered exponential wait between conflicts.
// Zero values keep the engine defaults.
type BackOffConfig struct {
	Initial    string  `yaml:"initial,omitempty"`
	Max        string  `yaml:"max,omitempty"`
	Multiplier float64 `yaml:"multiplier,omitempty"`
	Jitter     float64 `yaml:"jitter,omitempty"`
}

// BucketConfig is one named bucket definition.
type BucketConfig struct {
	Bandwidths []BandwidthConfig `yaml:"bandwidths"`
}

// BandwidthConfig describes one limit lane.
type BandwidthConfig struct {
	ID       string `yaml:"id,omitempty"`
	Capacity int64  `yaml:"capacity"`

	// RefillTokens defaults to Capacity
	RefillTokens *int64 `yaml:"refill_tokens,omitempty"`

	// Period is the refill period, e.g. "1s", "1m"
	Period string `yaml:"period"`

	// InitialTokens defaults to Capacity
	InitialTokens *int64 `yaml:"initial_tokens,omitempty"`

	// Policy is "greedy", "intervally" or "intervally_aligned"
	Policy string `yaml:"policy,omitempty"`

	// AlignedTo anchors intervally_aligned windows, RFC 3339 (default: Unix epoch)
	AlignedTo string `yaml:"aligned_to,omitempty"`
}

// New returns a configuration using the in-memory backend and no buckets.
func New() *Config {
	return &Config{
		Backend: BackendConfig{Type: BackendMemory},
		Buckets: make(map[string]BucketConfig),
	}
}

// LoadFile loads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", ErrInvalidConfig, err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration.
func Parse(data []byte) (*Config, error) {
	config := New()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML: %v", ErrInvalidConfig, err)
	}
	if config.Backend.Type == "" {
		config.Backend.Type = BackendMemory
	}
	if config.Buckets == nil {
		config.Buckets = make(map[string]BucketConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if _, err := c.EngineOptions(); err != nil {
		return err
	}
	if err := c.Backend.Validate(); err != nil {
		return err
	}
	for _, name := range c.BucketNames() {
		if _, err := c.Bucket(name); err != nil {
			return err
		}
	}
	return nil
}

// BucketNames returns the configured bucket names in sorted order.
func (c *Config) BucketNames() []string {
	names := make([]string, 0, len(c.Buckets))
	for name := range c.Buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bucket builds the core configuration of the named bucket.
func (c *Config) Bucket(name string) (core.Configuration, error) {
	b, ok := c.Buckets[name]
	if !ok {
		return core.Configuration{}, fmt.Errorf("%w: unknown bucket %q", ErrInvalidConfig, name)
	}
	bandwidths := make([]core.Bandwidth, 0, len(b.Bandwidths))
	for i, bw := range b.Bandwidths {
		built, err := bw.build()
		if err != nil {
			return core.Configuration{}, fmt.Errorf("%w: bucket %q bandwidth %d: %w", ErrInvalidConfig, name, i, err)
		}
		bandwidths = append(bandwidths, built)
	}
	cfg, err := core.NewConfiguration(bandwidths...)
	if err != nil {
		return core.Configuration{}, fmt.Errorf("%w: bucket %q: %w", ErrInvalidConfig, name, err)
	}
	return cfg, nil
}

func (bw BandwidthConfig) build() (core.Bandwidth, error) {
	period, err := time.ParseDuration(bw.Period)
	if err != nil {
		return core.Bandwidth{}, fmt.Errorf("period: %w", err)
	}
	policy, err := core.ParseRefillPolicy(bw.Policy)
	if err != nil {
		return core.Bandwidth{}, err
	}

	refill := bw.Capacity
	if bw.RefillTokens != nil {
		refill = *bw.RefillTokens
	}
	b := core.Classic(bw.Capacity, refill, period).WithID(bw.ID)
	if bw.InitialTokens != nil {
		b = b.WithInitialTokens(*bw.InitialTokens)
	}

	switch policy {
	case core.Intervally:
		b = b.WithIntervallyRefill()
	case core.IntervallyAligned:
		anchor := time.Unix(0, 0)
		if bw.AlignedTo != "" {
			if anchor, err = time.Parse(time.RFC3339, bw.AlignedTo); err != nil {
				return core.Bandwidth{}, fmt.Errorf("aligned_to: %w", err)
			}
		}
		b = b.WithAlignedRefill(anchor)
	}
	return b, b.Validate()
}

// EngineOptions translates the engine section into engine options.
func (c *Config) EngineOptions() ([]engine.Option, error) {
	var opts []engine.Option
	ec := c.Engine

	if ec.MaxAttempts != 0 {
		if ec.MaxAttempts < 0 {
			return nil, fmt.Errorf("%w: max_attempts cannot be negative", ErrInvalidConfig)
		}
		opts = append(opts, engine.WithMaxAttempts(ec.MaxAttempts))
	}
	if ec.RequestTimeout != "" {
		d, err := parsePositive("request_timeout", ec.RequestTimeout)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithRequestTimeout(d))
	}
	if ec.ServerSide != nil {
		opts = append(opts, engine.WithServerSideExecution(*ec.ServerSide))
	}

	exp, err := ec.Expiration.build()
	if err != nil {
		return nil, err
	}
	opts = append(opts, engine.WithExpiration(exp))

	if ec.BackOff != (BackOffConfig{}) {
		factory, err := ec.BackOff.factory()
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithBackOff(factory))
	}
	return opts, nil
}

func (x ExpirationConfig) build() (remote.Expiration, error) {
	switch x.Mode {
	case "", "none":
		return remote.NoExpiration(), nil
	case "fixed":
		ttl, err := parsePositive("expiration.ttl", x.TTL)
		if err != nil {
			return remote.Expiration{}, err
		}
		return remote.FixedExpiration(ttl), nil
	case "after_refill":
		var keep time.Duration
		if x.TTL != "" {
			d, err := time.ParseDuration(x.TTL)
			if err != nil || d < 0 {
				return remote.Expiration{}, fmt.Errorf("%w: expiration.ttl %q", ErrInvalidConfig, x.TTL)
			}
			keep = d
		}
		return remote.ExpireAfterFullRefill(keep), nil
	}
	return remote.Expiration{}, fmt.Errorf("%w: unknown expiration mode %q", ErrInvalidConfig, x.Mode)
}

func (b BackOffConfig) factory() (func() backoff.BackOff, error) {
	proto, ok := engine.DefaultBackOff().(*backoff.ExponentialBackOff)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected default backoff", ErrInvalidConfig)
	}
	initial, maxInterval := proto.InitialInterval, proto.MaxInterval
	multiplier, jitter := proto.Multiplier, proto.RandomizationFactor

	var err error
	if b.Initial != "" {
		if initial, err = parsePositive("backoff.initial", b.Initial); err != nil {
			return nil, err
		}
	}
	if b.Max != "" {
		if maxInterval, err = parsePositive("backoff.max", b.Max); err != nil {
			return nil, err
		}
	}
	if b.Multiplier != 0 {
		if b.Multiplier < 1 {
			return nil, fmt.Errorf("%w: backoff.multiplier must be at least 1", ErrInvalidConfig)
		}
		multiplier = b.Multiplier
	}
	if b.Jitter != 0 {
		if b.Jitter < 0 || b.Jitter > 1 {
			return nil, fmt.Errorf("%w: backoff.jitter must be within [0, 1]", ErrInvalidConfig)
		}
		jitter = b.Jitter
	}
	if maxInterval < initial {
		return nil, fmt.Errorf("%w: backoff.max is below backoff.initial", ErrInvalidConfig)
	}

	return func() backoff.BackOff {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = initial
		eb.MaxInterval = maxInterval
		eb.Multiplier = multiplier
		eb.RandomizationFactor = jitter
		eb.MaxElapsedTime = 0
		eb.Reset()
		return eb
	}, nil
}

func parsePositive(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive duration, got %q", ErrInvalidConfig, field, value)
	}
	return d, nil
}

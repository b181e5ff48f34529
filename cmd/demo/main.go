// Command demo drives concurrent clients against one shared bucket and
// prints what the engine observed.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/K-jun98/bucket4j"
	"github.com/K-jun98/bucket4j/config"
	"github.com/K-jun98/bucket4j/core"
	"github.com/K-jun98/bucket4j/engine"
	"github.com/K-jun98/bucket4j/metrics"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file (default: in-memory backend, 20 tokens/s)")
	backendType := flag.String("backend", "", "Override backend type: memory, redis, radix or mysql")
	addr := flag.String("addr", "", "Override backend address (redis, radix) or DSN (mysql)")
	bucketName := flag.String("bucket", "demo", "Bucket definition to use")
	key := flag.String("key", "demo-client", "Key the bucket is stored under")
	clients := flag.Int("clients", 8, "Number of concurrent clients")
	duration := flag.Duration("duration", 5*time.Second, "How long clients keep consuming")
	metricsAddr := flag.String("metrics-addr", "", "Serve /metrics on this address while running, e.g. :9090")
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	verbose := flag.Bool("v", false, "Log compare-and-swap conflicts")
	flag.Parse()

	logger := newLogger(*logFormat, *verbose)
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configFile, *backendType, *addr)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	bucketConfig, err := cfg.Bucket(*bucketName)
	if err != nil {
		logger.Error("failed to build bucket", "bucket", *bucketName, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, bucketConfig, *key, *clients, *duration, *metricsAddr); err != nil {
		logger.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(format string, verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func loadConfig(path, backendType, addr string) (*config.Config, error) {
	cfg := config.New()
	if path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if _, ok := cfg.Buckets["demo"]; !ok {
		cfg.Buckets["demo"] = config.BucketConfig{Bandwidths: []config.BandwidthConfig{
			{ID: "demo", Capacity: 20, Period: "1s"},
		}}
	}
	if backendType != "" {
		cfg.Backend.Type = backendType
	}
	if addr != "" {
		if cfg.Backend.Type == config.BackendMySQL {
			cfg.Backend.DSN = addr
		} else {
			cfg.Backend.Addr = addr
		}
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, bucketConfig core.Configuration, key string, clients int, duration time.Duration, metricsAddr string) error {
	backend, closeBackend, err := cfg.Backend.Open(ctx, nil)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Backend.Type, err)
	}
	defer closeBackend()

	m := metrics.NewMetrics()
	opts, err := cfg.EngineOptions()
	if err != nil {
		return err
	}
	e, err := engine.New(backend, append(opts, engine.WithLogger(logger), engine.WithRecorder(m))...)
	if err != nil {
		return err
	}
	logger.Info("engine ready", "backend", cfg.Backend.Type, "server_side", e.ServerSide(), "key", key)

	if metricsAddr != "" {
		srv := serveMetrics(logger, metricsAddr, m)
		defer srv.Shutdown(context.Background())
	}

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var (
		wg       sync.WaitGroup
		consumed atomic.Int64
	)
	for i := 0; i < clients; i++ {
		b, err := bucket4j.NewBucket(e, key, bucketConfig)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			consumed.Add(consumeUntilDone(ctx, logger.With("client", id), b))
		}(i)
	}
	wg.Wait()

	logger.Info("clients finished", "consumed", consumed.Load(), "elapsed", duration)
	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	return out.Encode(m.GetSnapshot())
}

// consumeUntilDone takes one token at a time, waiting as long as the bucket
// asks after each rejection.
func consumeUntilDone(ctx context.Context, logger *slog.Logger, b *bucket4j.Bucket) int64 {
	var consumed int64
	for {
		probe, err := b.TryConsumeAndReturnRemaining(ctx, 1)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, engine.ErrTimeout):
			return consumed
		case err != nil:
			logger.Warn("consume failed", "error", err)
			if !wait(ctx, 100*time.Millisecond) {
				return consumed
			}
			continue
		}

		if probe.Consumed {
			consumed++
			continue
		}
		logger.Debug("rejected", "remaining", probe.Remaining, "retry_after", time.Duration(probe.NanosToWaitForRefill))
		if !wait(ctx, time.Duration(probe.NanosToWaitForRefill)) {
			return consumed
		}
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func serveMetrics(logger *slog.Logger, addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.NewHandler(m))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "url", "http://localhost"+addr+"/metrics")
	return srv
}

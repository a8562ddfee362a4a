// Package app assembles the ledger runtime shared by the HTTP and gRPC
// binaries from a loaded configuration.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/example/ledger-engine/internal/config"
	"github.com/example/ledger-engine/internal/events"
	"github.com/example/ledger-engine/internal/ledger"
	"github.com/example/ledger-engine/internal/security"
	"github.com/example/ledger-engine/pkg/audit"
)

// Runtime holds the wired components. Close releases them in reverse order.
type Runtime struct {
	Config  *config.Config
	Logger  *slog.Logger
	Engine  *ledger.Engine
	Redis   *redis.Client
	Auditor *audit.ChainLogger
	Ready   func(ctx context.Context) error

	closers []func() error
}

// NewLogger returns a JSON slog logger at the configured level.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()})).
		With("env", cfg.Environment)
}

// Build opens the store, seeds it when asked, connects Redis and the event
// publisher, and constructs the engine.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: logger}

	store, err := rt.openStore(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}

	if cfg.RedisAddr != "" {
		rt.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rt.closers = append(rt.closers, rt.Redis.Close)
	}

	publisher, err := events.New(events.Options{
		Backend: cfg.Events,
		Topic:   cfg.EventsTopic,
		Brokers: cfg.KafkaBrokers,
		Redis:   rt.Redis,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to build event publisher: %w", err)
	}
	opts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithRetry(cfg.ApplyMaxAttempts, cfg.ApplyRetryBackoff),
	}
	if publisher != nil {
		if c, ok := publisher.(io.Closer); ok {
			rt.closers = append(rt.closers, c.Close)
		}
		opts = append(opts, ledger.WithPublisher(publisher))
	}

	rt.Engine = ledger.NewEngine(store, opts...)
	rt.Auditor = audit.NewChainLogger(audit.WithSink(logger))
	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context) (ledger.Store, error) {
	cfg := rt.Config

	switch cfg.Store {
	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		if cfg.DBMaxConns > 0 {
			poolCfg.MaxConns = int32(cfg.DBMaxConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		rt.closers = append(rt.closers, func() error { pool.Close(); return nil })
		rt.Ready = pool.Ping

		store := ledger.NewPostgresStore(pool)
		if cfg.Seed {
			if err := store.EnsureSchema(ctx); err != nil {
				return nil, err
			}
			if err := store.Seed(ctx, ledger.DefaultAccounts); err != nil {
				return nil, err
			}
		}
		return store, nil

	case "sqlite":
		store, err := ledger.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, store.Close)
		rt.Ready = store.Ping

		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		if cfg.Seed {
			if err := store.Seed(ctx, ledger.DefaultAccounts); err != nil {
				return nil, err
			}
		}
		return store, nil

	case "memory":
		rt.Ready = func(context.Context) error { return nil }
		return ledger.NewMemoryStore(ledger.DefaultAccounts...), nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// RateLimiter returns the Redis token bucket, or nil when rate limiting is
// not configured.
func (rt *Runtime) RateLimiter(prefix string) *security.RedisTokenBucket {
	if rt.Redis == nil || rt.Config.RateLimitCapacity <= 0 {
		return nil
	}
	return &security.RedisTokenBucket{
		Redis:      rt.Redis,
		Prefix:     prefix,
		Capacity:   rt.Config.RateLimitCapacity,
		RefillRate: rt.Config.RateLimitRefillRate,
	}
}

// TLS loads the server TLS configuration, or returns nil when no
// certificate is configured.
func (rt *Runtime) TLS() (*tls.Config, error) {
	tc := security.TLSConfig{
		CertFile:     rt.Config.TLSCert,
		KeyFile:      rt.Config.TLSKey,
		ClientCAFile: rt.Config.TLSClientCA,
	}
	if !tc.Enabled() {
		return nil, nil
	}
	return security.LoadServerTLSConfig(tc)
}

// Close releases everything Build opened.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

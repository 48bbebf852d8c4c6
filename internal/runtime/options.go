package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/iotedge-gateway/internal/adapters/config/file"
	"github.com/tjfontaine/iotedge-gateway/internal/core/ports"
	"github.com/tjfontaine/iotedge-gateway/internal/metrics"
	"github.com/tjfontaine/iotedge-gateway/internal/pkg/config"
	"github.com/tjfontaine/iotedge-gateway/internal/storage"
	"github.com/tjfontaine/iotedge-gateway/internal/storage/memory"
	"github.com/tjfontaine/iotedge-gateway/internal/storage/sqldb"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		provider, err := file.NewProvider(path, g.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		g.config = provider
		return nil
	}
}

// WithConfig uses a fixed configuration. Nothing is reloaded.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		if cfg == nil {
			return fmt.Errorf("config cannot be nil")
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		g.config = staticConfig{cfg: cfg}
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
// For advanced use cases where you need full control over config loading.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(g *Gateway) error {
		g.config = provider
		return nil
	}
}

// WithSQLite uses SQLite storage (default for single-instance deployments).
// It overrides the storage section of the configuration.
func WithSQLite(path string) Option {
	return func(g *Gateway) error {
		store, err := sqldb.NewSQLite(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		g.store = store
		return nil
	}
}

// WithPostgres uses PostgreSQL storage.
// Recommended for distributed deployments.
func WithPostgres(dsn string) Option {
	return func(g *Gateway) error {
		store, err := sqldb.New(sqldb.Config{Driver: "postgres", DSN: dsn})
		if err != nil {
			return fmt.Errorf("create postgres storage: %w", err)
		}
		g.store = store
		return nil
	}
}

// WithMemoryStore keeps keys, profiles, buckets and usage in process.
func WithMemoryStore() Option {
	return func(g *Gateway) error {
		g.store = memory.New()
		return nil
	}
}

// WithStore sets a custom storage backend.
func WithStore(store storage.Store) Option {
	return func(g *Gateway) error {
		g.store = store
		return nil
	}
}

// WithBucketStore overrides where rate limit buckets live.
func WithBucketStore(store ports.BucketStore) Option {
	return func(g *Gateway) error {
		g.buckets = store
		return nil
	}
}

// WithIdentityProvider overrides session token validation.
func WithIdentityProvider(provider ports.IdentityProvider) Option {
	return func(g *Gateway) error {
		g.identity = provider
		return nil
	}
}

// WithKeyValidator overrides API key validation.
func WithKeyValidator(validator ports.KeyValidator) Option {
	return func(g *Gateway) error {
		g.keys = validator
		return nil
	}
}

// WithUsageSink adds a usage sink next to the configured ones.
func WithUsageSink(sink ports.UsageSink) Option {
	return func(g *Gateway) error {
		g.extraSinks = append(g.extraSinks, sink)
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector served on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) error {
		g.metrics = m
		return nil
	}
}

// staticConfig implements ports.ConfigProvider over a fixed config.
var _ ports.ConfigProvider = staticConfig{}

type staticConfig struct {
	cfg *config.Config
}

func (s staticConfig) Load(context.Context) (*config.Config, error) {
	return s.cfg, nil
}

func (s staticConfig) Watch(context.Context, func(*config.Config)) error {
	return nil
}

func (s staticConfig) Close() error {
	return nil
}

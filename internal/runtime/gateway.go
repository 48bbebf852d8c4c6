// Package runtime provides the core Gateway struct and lifecycle management
// for the IoT edge gateway.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/iotedge-gateway/internal/adapters/auth/apikey"
	"github.com/tjfontaine/iotedge-gateway/internal/adapters/auth/jwt"
	"github.com/tjfontaine/iotedge-gateway/internal/adapters/auth/remote"
	redisstore "github.com/tjfontaine/iotedge-gateway/internal/adapters/ratelimit/redis"
	amqpsink "github.com/tjfontaine/iotedge-gateway/internal/adapters/usage/amqp"
	"github.com/tjfontaine/iotedge-gateway/internal/adapters/usage/logsink"
	apimw "github.com/tjfontaine/iotedge-gateway/internal/api/middleware"
	"github.com/tjfontaine/iotedge-gateway/internal/auth"
	"github.com/tjfontaine/iotedge-gateway/internal/core/ports"
	"github.com/tjfontaine/iotedge-gateway/internal/metrics"
	"github.com/tjfontaine/iotedge-gateway/internal/pipeline"
	"github.com/tjfontaine/iotedge-gateway/internal/pkg/config"
	"github.com/tjfontaine/iotedge-gateway/internal/pkg/safehttp"
	"github.com/tjfontaine/iotedge-gateway/internal/ratelimit"
	"github.com/tjfontaine/iotedge-gateway/internal/router"
	"github.com/tjfontaine/iotedge-gateway/internal/storage"
	"github.com/tjfontaine/iotedge-gateway/internal/storage/memory"
	"github.com/tjfontaine/iotedge-gateway/internal/storage/sqldb"
	"github.com/tjfontaine/iotedge-gateway/internal/telemetry"
	"github.com/tjfontaine/iotedge-gateway/internal/transform"
	"github.com/tjfontaine/iotedge-gateway/internal/usage"
	"github.com/tjfontaine/iotedge-gateway/internal/version"
)

// Gateway is the main entry point for running the edge gateway.
// It manages configuration, storage, the request pipeline, and HTTP server lifecycle.
// Gateway can be embedded in larger applications or run standalone.
type Gateway struct {
	// Dependencies (injected via options or built from config)
	config     ports.ConfigProvider
	store      storage.Store
	buckets    ports.BucketStore
	identity   ports.IdentityProvider
	keys       ports.KeyValidator
	extraSinks []ports.UsageSink
	metrics    *metrics.Metrics

	// Internal state
	handler   atomic.Pointer[pipeline.Handler]
	forwarder *router.Forwarder
	usage     *usage.Logger
	closers   []io.Closer // resources created from config, closed on shutdown
	server    *http.Server
	listener  net.Listener
	logger    *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// New creates a new Gateway with the given options.
// Storage, rate limit buckets, credential validation and usage sinks not set
// by options are built from the configuration on Start.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger: slog.Default(),
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	// Validate required dependencies
	if gw.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfig)")
	}
	if gw.metrics == nil {
		gw.metrics = metrics.New()
	}

	return gw, nil
}

// Start initializes and starts the gateway.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ctx, g.cancel = context.WithCancel(ctx)

	// Load initial config
	cfg, err := g.config.Load(g.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := g.initDependencies(cfg); err != nil {
		return fmt.Errorf("init dependencies: %w", err)
	}

	h, err := g.buildHandler(cfg)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	g.handler.Store(h)

	// Start HTTP server
	if err := g.startServer(cfg); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	// Watch for config changes
	g.watchConfig()

	g.logger.Info("gateway started",
		slog.String("addr", g.listener.Addr().String()),
		slog.Int("routes", len(cfg.Routes)),
		slog.Int("versions", len(cfg.Versions.List)),
		slog.Int("transforms", len(cfg.Transforms)))

	return nil
}

// Addr returns the address the HTTP server listens on, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Handler returns the root HTTP handler, for embedding the gateway in
// another server. It is nil before Start.
func (g *Gateway) Handler() http.Handler {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.server == nil {
		return nil
	}
	return g.server.Handler
}

// Shutdown gracefully stops the gateway.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	if g.cancel != nil {
		g.cancel()
	}

	// Stop HTTP server
	var errs []error
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// Drain usage records before closing their sinks
	if g.usage != nil {
		if err := g.usage.Close(ctx); err != nil {
			g.logger.Error("failed to drain usage log", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// Close resources
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i].Close(); err != nil {
			g.logger.Error("failed to close resource", slog.String("error", err.Error()))
		}
	}
	g.closers = nil

	if g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}

	if g.config != nil {
		if err := g.config.Close(); err != nil {
			g.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}

	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

// watchConfig watches for config changes and reloads.
func (g *Gateway) watchConfig() {
	onChange := func(newCfg *config.Config) {
		g.logger.Info("config changed, reloading")
		if err := g.reload(newCfg); err != nil {
			g.logger.Error("failed to reload", slog.String("error", err.Error()))
		}
	}

	if err := g.config.Watch(g.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			g.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// reload rebuilds the pipeline from cfg and swaps it in. In-flight requests
// finish on the pipeline they started with. Storage, credential validation
// and usage sinks are not rebuilt; changing them requires a restart.
func (g *Gateway) reload(cfg *config.Config) error {
	h, err := g.buildHandler(cfg)
	if err != nil {
		g.metrics.ConfigReload(false)
		return fmt.Errorf("rebuild pipeline: %w", err)
	}
	g.handler.Store(h)
	g.metrics.ConfigReload(true)

	g.logger.Info("reload complete",
		slog.Int("routes", len(cfg.Routes)),
		slog.Int("versions", len(cfg.Versions.List)),
		slog.Int("transforms", len(cfg.Transforms)))

	return nil
}

// initDependencies builds everything not injected through options.
func (g *Gateway) initDependencies(cfg *config.Config) error {
	if cfg.Telemetry.Tracing {
		shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, g.logger)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		g.closers = append(g.closers, closerFunc(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdown(ctx)
		}))
	}

	if g.store == nil {
		store, err := openStore(cfg.Storage)
		if err != nil {
			return err
		}
		g.store = store
		g.logger.Info("storage opened", slog.String("driver", cfg.Storage.Driver))
	}

	if g.buckets == nil {
		buckets, err := g.openBuckets(cfg)
		if err != nil {
			return err
		}
		g.buckets = buckets
	}

	if g.identity == nil && cfg.Auth.JWTSecret != "" {
		identity, err := jwt.NewProvider(jwt.Config{
			Secret:   cfg.Auth.JWTSecret,
			Issuer:   cfg.Auth.JWTIssuer,
			Audience: cfg.Auth.JWTAudience,
		})
		if err != nil {
			return fmt.Errorf("create session token provider: %w", err)
		}
		g.identity = identity
	}
	if g.identity == nil {
		g.logger.Warn("no jwt secret configured, session tokens are rejected")
	}

	if g.keys == nil {
		keys, err := g.openKeyValidator(cfg.Auth)
		if err != nil {
			return err
		}
		g.keys = keys
	}

	sink, err := g.openUsageSinks(cfg.Usage)
	if err != nil {
		return err
	}
	g.usage = usage.NewLogger(sink,
		usage.WithBufferSize(cfg.Usage.BufferSize),
		usage.WithLogger(g.logger),
		usage.WithDropHook(g.metrics.UsageDropped),
		usage.WithErrorHook(g.metrics.UsageWriteError),
	)

	g.forwarder = router.NewForwarder(
		safehttp.Options{DenyPrivate: cfg.Server.DenyPrivate},
		router.WithDefaultTimeout(cfg.Server.RequestTimeout),
	)
	return nil
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite", "postgres":
		store, err := sqldb.New(sqldb.Config{Driver: cfg.Driver, DSN: cfg.DSN})
		if err != nil {
			return nil, fmt.Errorf("open %s storage: %w", cfg.Driver, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func (g *Gateway) openBuckets(cfg *config.Config) (ports.BucketStore, error) {
	switch cfg.RateLimits.Store {
	case "redis":
		ctx, cancel := context.WithTimeout(g.ctx, 5*time.Second)
		defer cancel()
		store, err := redisstore.New(ctx, redisstore.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis bucket store: %w", err)
		}
		g.closers = append(g.closers, store)
		return store, nil
	case "memory":
		return memory.New(), nil
	default:
		// "sql" shares the primary store
		return g.store, nil
	}
}

func (g *Gateway) openKeyValidator(cfg config.AuthConfig) (ports.KeyValidator, error) {
	if cfg.ValidationURL != "" {
		client, err := remote.NewClient(cfg.ValidationURL)
		if err != nil {
			return nil, fmt.Errorf("create remote key validator: %w", err)
		}
		g.logger.Info("api keys validated remotely", slog.String("url", cfg.ValidationURL))
		return client, nil
	}
	provider, err := apikey.NewProvider(g.store, apikey.WithLogger(g.logger))
	if err != nil {
		return nil, fmt.Errorf("create api key validator: %w", err)
	}
	return provider, nil
}

func (g *Gateway) openUsageSinks(cfg config.UsageConfig) (ports.UsageSink, error) {
	names := cfg.Sinks
	if len(names) == 0 {
		names = []string{"sql"}
	}

	var sinks usage.MultiSink
	for _, name := range names {
		switch name {
		case "sql":
			sinks = append(sinks, g.store)
		case "log":
			sink, err := logsink.New(g.logger)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, sink)
		case "amqp":
			sink, err := amqpsink.Dial(cfg.AMQP.URL, cfg.AMQP.Exchange)
			if err != nil {
				return nil, fmt.Errorf("open amqp usage sink: %w", err)
			}
			g.closers = append(g.closers, sink)
			sinks = append(sinks, sink)
		default:
			return nil, fmt.Errorf("unknown usage sink %q", name)
		}
	}
	sinks = append(sinks, g.extraSinks...)
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

// buildHandler assembles a pipeline snapshot from cfg.
func (g *Gateway) buildHandler(cfg *config.Config) (*pipeline.Handler, error) {
	versions, err := version.FromConfig(cfg.Versions)
	if err != nil {
		return nil, fmt.Errorf("versions: %w", err)
	}
	routes, err := router.FromConfig(cfg.Routes)
	if err != nil {
		return nil, fmt.Errorf("routes: %w", err)
	}
	rules, err := transform.RulesFromConfig(cfg.Transforms)
	if err != nil {
		return nil, fmt.Errorf("transforms: %w", err)
	}
	engine := transform.NewEngine(
		transform.WithLogger(g.logger),
		transform.WithErrorHook(func(p transform.Phase) { g.metrics.TransformError(string(p)) }),
	)
	for _, r := range rules {
		engine.AddRule(r)
	}

	resolver := auth.NewResolver(auth.Config{
		Identity:  g.identity,
		Profiles:  g.store,
		Keys:      g.keys,
		KeyPrefix: cfg.Auth.APIKeyPrefix,
		Timeout:   cfg.Auth.Timeout,
	})

	return pipeline.NewHandler(pipeline.Config{
		Auth:         resolver,
		Versions:     versions,
		Routes:       routes,
		Forwarder:    g.forwarder,
		Limiter:      ratelimit.FromConfig(g.buckets, cfg.RateLimits),
		Transforms:   engine,
		Usage:        g.usage,
		Metrics:      g.metrics,
		CORS:         apimw.CORSPolicyFromConfig(cfg.CORS),
		Production:   cfg.Server.Production,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Logger:       g.logger,
	})
}

// startServer starts the HTTP server.
func (g *Gateway) startServer(cfg *config.Config) error {
	g.logger.Debug("starting HTTP server", slog.Int("port", cfg.Server.Port))

	// Create Chi router with middleware
	r := chi.NewRouter()

	// Apply middleware
	r.Use(apimw.RequestIDMiddleware)
	r.Use(chimw.RealIP)
	r.Use(apimw.LoggingMiddleware(g.logger))
	r.Use(apimw.TimeoutMiddleware(cfg.Server.RequestTimeout))
	r.Use(chimw.Recoverer)

	// Wrap with OpenTelemetry
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "iotedge-gateway")
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", g.metrics.Handler())

	// The pipeline is swapped on reload; always serve the current one
	api := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		g.handler.Load().ServeHTTP(w, req)
	})
	r.Handle("/api", api)
	r.Handle("/api/*", api)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", cfg.Server.Port, err)
	}
	g.listener = listener

	// Create HTTP server
	g.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.RequestTimeout,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in background
	go func() {
		g.logger.Info("HTTP server listening", slog.String("addr", listener.Addr().String()))
		if err := g.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// closerFunc adapts a function to io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

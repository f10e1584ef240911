package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/sqlwarden/pkg/auth"
	"github.com/platinummonkey/sqlwarden/pkg/cache"
	"github.com/platinummonkey/sqlwarden/pkg/cipher"
	"github.com/platinummonkey/sqlwarden/pkg/config"
	"github.com/platinummonkey/sqlwarden/pkg/middleware"
	"github.com/platinummonkey/sqlwarden/pkg/observability"
	"github.com/platinummonkey/sqlwarden/pkg/password"
	"github.com/platinummonkey/sqlwarden/pkg/rbac"
	"github.com/platinummonkey/sqlwarden/pkg/storage"
	"github.com/platinummonkey/sqlwarden/pkg/warden"
)

var version = "dev"

func main() {
	migrateOnly := flag.Bool("migrate-only", false, "Apply migrations, seed the catalog and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel(), os.Stdout).
		WithField("service", "sqlwarden").
		WithField("version", version)

	if err := run(context.Background(), cfg, logger, *migrateOnly); err != nil {
		logger.WithError(err).Error("sqlwarden exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger, migrateOnly bool) error {
	otelProviders, err := observability.InitOTel(ctx, cfg.OTelConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	db, err := storage.Open(ctx, cfg.StorageConfig())
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	logger.WithField("backend", db.Backend().Name()).Info("storage initialized")

	c, usedFallback, err := cipher.FromConfig(cfg.CipherConfig())
	if err != nil {
		db.Close()
		return err
	}
	if usedFallback {
		logger.Warn("encryption secret or salt not configured, using development key material")
	}

	accessCache, redisClient, err := cache.Open(ctx, cfg.CacheConfig())
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to open access cache: %w", err)
	}
	limiterCtx, stopLimiter := context.WithCancel(ctx)
	release := func(err error) error {
		stopLimiter()
		if redisClient != nil {
			redisClient.Close()
		}
		db.Close()
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	var limiter auth.LoginLimiter
	if redisClient != nil {
		limiter = auth.NewRedisLimiter(redisClient, cfg.LimitConfig(), "")
	} else {
		memoryLimiter := auth.NewMemoryLimiter(cfg.LimitConfig())
		memoryLimiter.StartCleanup(limiterCtx)
		limiter = memoryLimiter
	}

	w, err := warden.New(db, warden.Options{
		Cipher:       c,
		Hasher:       password.NewBcryptHasher(cfg.Auth.BcryptCost),
		Tokens:       cfg.TokenConfig(),
		Cache:        accessCache,
		Logger:       logger,
		Metrics:      metrics,
		LoginLimiter: limiter,
	})
	if err != nil {
		return release(err)
	}

	var admin *rbac.BootstrapInput
	if in, ok := cfg.BootstrapInput(); ok {
		admin = &in
	}
	if err := w.Init(ctx, admin); err != nil {
		return release(err)
	}

	if migrateOnly {
		logger.Info("migrations applied, exiting")
		return release(nil)
	}

	router := newOpsRouter(observability.NewHealthChecker(db.DB(), redisClient, version), registry, metrics, logger)
	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(router, "sqlwarden-ops"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	statsCtx, stopStats := context.WithCancel(ctx)
	go reportDBStats(statsCtx, db, metrics, 15*time.Second)

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("db-stats", func(context.Context) error {
		stopStats()
		stopLimiter()
		return nil
	})
	if redisClient != nil {
		shutdown.Register("redis", closeRedis(redisClient))
	}
	shutdown.Register("storage", func(context.Context) error { return w.Close() })
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})

	go func() {
		logger.WithField("addr", server.Addr).Info("ops server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("ops server failed")
		}
	}()

	return shutdown.WaitForShutdown(ctx)
}

// newOpsRouter serves health probes and Prometheus metrics.
func newOpsRouter(checker *observability.HealthChecker, gatherer prometheus.Gatherer, metrics *observability.Metrics, logger *observability.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.RequestContext(logger))
	router.Use(observability.HTTPMetricsMiddleware(metrics))
	observability.RegisterHealthRoutes(router, checker)
	observability.RegisterMetricsEndpoint(router, gatherer)
	return router
}

func reportDBStats(ctx context.Context, db *storage.Handle, metrics *observability.Metrics, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		metrics.ObserveDBStats(db.DB().Stats())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func closeRedis(client *redis.Client) observability.ShutdownFunc {
	return func(context.Context) error { return client.Close() }
}

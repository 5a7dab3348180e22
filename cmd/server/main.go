// Package main is the entry point for the flagwire server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables (optionally via .env).
//  2. Connect to PostgreSQL via pgxpool and apply pending migrations.
//  3. Create the repository, flag cache, and service.
//  4. Prime the cache and start the background synchronizer.
//  5. Start the HTTP server and the evaluation analytics sink.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flagwire/flagwire/internal/analytics"
	"github.com/flagwire/flagwire/internal/config"
	"github.com/flagwire/flagwire/internal/logging"
	"github.com/flagwire/flagwire/internal/metrics"
	"github.com/flagwire/flagwire/internal/middleware"
	"github.com/flagwire/flagwire/internal/repository"
	"github.com/flagwire/flagwire/internal/server"
	"github.com/flagwire/flagwire/internal/service"
	"github.com/flagwire/flagwire/internal/store"
	"github.com/flagwire/flagwire/internal/tracing"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is fine; real deployments set variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return err
	}

	repo := repository.NewPostgresRepository(pool)
	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	sink := analytics.NewSink(repo,
		analytics.WithLogger(log),
		analytics.WithBufferSize(cfg.AnalyticsBufferSize),
		analytics.WithFlushInterval(cfg.AnalyticsFlushInterval),
		analytics.WithDropCounter(m.IncAnalyticsDrops),
	)
	defer sink.Close()

	st := store.New(store.WithFreshFor(cfg.CacheTTL))
	svc, err := service.New(repo, st,
		service.WithLogger(log),
		service.WithAnalytics(sink),
		service.WithEvaluationCounter(m.RecordEvaluation),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	syncer := store.NewSynchronizer(st, svc.SyncSource(),
		store.WithLogger(log),
		store.WithResyncInterval(cfg.CacheResyncInterval),
		store.WithSyncMetrics(m.IncCacheResyncs, m.IncCacheChanges),
		store.WithSizeObserver(func() {
			for _, env := range st.EnvironmentIDs() {
				m.SetCacheSize(env, float64(st.Size(env)))
			}
		}),
	)
	if err := syncer.Prime(ctx); err != nil {
		return fmt.Errorf("prime flag cache: %w", err)
	}
	go syncer.Run(ctx)

	rateLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer rateLimiter.Stop()

	apiHandler := server.NewHTTPHandlerWithStreamPollInterval(svc, cfg.StreamPollInterval,
		server.WithStreamGauge(m.IncActiveStreams, m.DecActiveStreams),
	)
	httpHandler := newHTTPHandler(apiHandler, m, svc,
		middleware.WithOnAuthFailure(m.IncAuthFailures),
		middleware.WithRateLimiter(rateLimiter),
	)
	httpHandler = m.HTTPMiddleware(httpHandler)
	httpHandler = middleware.HTTPRequestLogging(log)(httpHandler)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "flagwire-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}

// newHTTPHandler wraps the API routes in bearer-token authentication while
// leaving the health check and metrics endpoints open.
func newHTTPHandler(apiHandler http.Handler, m *metrics.Metrics, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := middleware.BearerAuthMiddleware(tokenValidator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", m.Handler())

	return mux
}

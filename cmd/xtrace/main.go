package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lipish/xtrace/internal/api"
	"github.com/lipish/xtrace/internal/auth"
	"github.com/lipish/xtrace/internal/config"
	"github.com/lipish/xtrace/internal/ingest"
	"github.com/lipish/xtrace/internal/observability"
	"github.com/lipish/xtrace/internal/ratelimit"
	"github.com/lipish/xtrace/internal/store"
	"github.com/lipish/xtrace/internal/version"
	"github.com/lipish/xtrace/migrations"
)

const (
	writerShutdownTimeout = 5 * time.Second
	otelShutdownTimeout   = 5 * time.Second
	serverShutdownTimeout = 5 * time.Second
	serverReadHeaderTO    = 10 * time.Second
	serverReadTO          = 30 * time.Second
	serverIdleTO          = 2 * time.Minute
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	obsRuntime, obsErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if obsErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", obsErr)
	}
	if obsRuntime != nil {
		defer shutdownObservability(logger, obsRuntime)
	}

	pgStore, err := store.Open(cfg.Storage.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to storage: %v\n", err)
		return 1
	}
	defer func() {
		if err := pgStore.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()

	if err := migrations.Apply(context.Background(), pgStore.DB()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to apply migrations: %v\n", err)
		return 1
	}

	traceWriter := ingest.NewTraceWriter(pgStore, logger)
	traceWriter.Start(context.Background())
	defer shutdownTraceWriter(logger, traceWriter)

	metricWriter := ingest.NewMetricWriter(pgStore, logger)
	metricWriter.Start(context.Background())
	defer shutdownMetricWriter(logger, metricWriter)

	limiter := ratelimit.New(cfg.Limits.RateLimitQPS, cfg.Limits.RateLimitBurst)
	limiterCtx, stopLimiter := context.WithCancel(context.Background())
	defer stopLimiter()
	go limiter.Run(limiterCtx)

	authenticator := auth.New(cfg.Auth)

	handler := api.NewRouter(api.RouterOptions{
		AppVersion:       version.String(),
		Store:            pgStore,
		TraceWriter:      traceWriter,
		MetricWriter:     metricWriter,
		Authenticator:    authenticator,
		Limiter:          limiter,
		Observability:    obsRuntime,
		DefaultProjectID: cfg.Server.DefaultProjectID,
		Log:              logger,
	})

	server := &http.Server{
		Addr:              cfg.Server.BindAddr,
		Handler:           handler,
		ReadHeaderTimeout: serverReadHeaderTO,
		ReadTimeout:       serverReadTO,
		IdleTimeout:       serverIdleTO,
	}

	logger.Info("startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"default_project_id", cfg.Server.DefaultProjectID,
		"otel_enabled", cfg.Observability.OTel.Enabled,
		"trace_queue_capacity", humanize.Comma(int64(ingest.TraceQueueCapacity)),
		"metric_queue_capacity", humanize.Comma(int64(ingest.MetricQueueCapacity)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down http server", "error", err)
			return 1
		}
		logger.Info("xtrace stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("xtrace failed", "error", err)
			return 1
		}
		return 0
	}
}

func shutdownTraceWriter(logger *slog.Logger, w *ingest.TraceWriter) {
	ctx, cancel := context.WithTimeout(context.Background(), writerShutdownTimeout)
	defer cancel()
	if err := w.Shutdown(ctx); err != nil {
		logger.Error("failed to drain trace writer", "error", err)
	}
}

func shutdownMetricWriter(logger *slog.Logger, w *ingest.MetricWriter) {
	ctx, cancel := context.WithTimeout(context.Background(), writerShutdownTimeout)
	defer cancel()
	if err := w.Shutdown(ctx); err != nil {
		logger.Error("failed to drain metric writer", "error", err)
	}
}

func shutdownObservability(logger *slog.Logger, r *observability.Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		logger.Error("failed to shut down opentelemetry", "error", err)
	}
}

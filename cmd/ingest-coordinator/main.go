// ingest-coordinator is the control authority: it owns the job store, accepts worker
// connections and serves the HTTP API.
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

	"golang.org/x/sync/errgroup"

	"ingestor/internal/api"
	"ingestor/internal/config"
	"ingestor/internal/coordinator"
	"ingestor/internal/health"
	"ingestor/internal/jobstore"
	"ingestor/internal/notify"
	"ingestor/internal/observability"
)

var (
	_ coordinator.MetricsRecorder = (*observability.Metrics)(nil)
	_ notify.MetricsRecorder      = (*observability.Metrics)(nil)
	_ api.Service                 = (*coordinator.Coordinator)(nil)
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()})))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(config.GetEnv("LOG_LEVEL", "info"))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func run() error {
	svcCfg := config.LoadServiceConfig()
	if err := svcCfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	coordCfg := coordinator.LoadConfigFromEnv()
	storeCfg := jobstore.LoadConfigFromEnv()
	notifyCfg := notify.LoadConfigFromEnv()

	metrics, metricsHandler, err := observability.NewMetrics(context.Background())
	if err != nil {
		return err
	}

	store, err := jobstore.Open(svcCfg.DatabasePath, storeCfg)
	if err != nil {
		return err
	}
	defer store.Close()
	slog.Info("Job store opened", "path", svcCfg.DatabasePath, "maxRetries", storeCfg.MaxRetries)

	notifier := notify.New(notifyCfg, metrics)
	if !notifyCfg.Enabled() {
		slog.Info("Lifecycle notifications disabled - no NOTIFY_URL or QUARANTINE_URL configured")
	}

	coord := coordinator.New(coordCfg, store, notifier, metrics)
	healthChecker := health.NewChecker(store, coord)

	router := api.NewRouter(api.RouterConfig{
		Service:       coord,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
		FrameLimit:    svcCfg.MaxFrameSize,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Worker sessions are hijacked connections that http.Server.Shutdown does not
	// track; they end when sessionCtx is cancelled.
	sessionCtx, endSessions := context.WithCancel(context.Background())
	defer endSessions()

	apiServer := &http.Server{
		Addr:         svcCfg.APIAddr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return sessionCtx },
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         svcCfg.MetricsAddr(),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	coordCtx, stopCoordinator := context.WithCancel(context.Background())
	defer stopCoordinator()
	g.Go(func() error {
		return coord.Run(coordCtx)
	})

	g.Go(func() error {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			slog.Info("Received shutdown signal")
		}

		// Phase 1: Mark service as unhealthy for load balancer draining
		healthChecker.SetShuttingDown()
		if ctx.Err() != nil && svcCfg.ShutdownDrainWait > 0 {
			slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
			time.Sleep(svcCfg.ShutdownDrainWait)
		}

		// Phase 2: Stop accepting requests, then drop worker sessions. Workers reconnect
		// to the next coordinator and report their active jobs.
		slog.Info("Starting graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
		endSessions()
		stopCoordinator()
		return nil
	})

	err = g.Wait()

	// Phase 3: Flush pending lifecycle notifications
	slog.Info("Draining notifier")
	notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifyCancel()
	if cerr := notifier.Close(notifyCtx); cerr != nil {
		slog.Warn("Notifier shutdown error", "error", cerr)
	}
	if p, ok := notifier.(*notify.Publisher); ok {
		stats := p.Stats()
		slog.Info("Notifier stats", "delivered", stats.Delivered, "failed", stats.Failed, "dropped", stats.Dropped)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("Shutdown complete")
	return nil
}

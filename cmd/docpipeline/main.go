// docpipeline is the HTTP API server that runs uploaded document batches
// through redaction, AI detection, rewriting and grammar checking.
package main

import (
	"context"
	"docpipeline/internal/api"
	"docpipeline/internal/bundle"
	"docpipeline/internal/config"
	"docpipeline/internal/health"
	"docpipeline/internal/intake"
	"docpipeline/internal/jobs"
	"docpipeline/internal/notify"
	"docpipeline/internal/observability"
	"docpipeline/internal/pipeline"
	"docpipeline/internal/stages"
	"docpipeline/internal/storage"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// A .env file is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Ignoring unreadable .env file", "error", err)
	}

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	svcCfg := config.LoadServiceConfig()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	store, err := storage.New(ctx, storage.LoadConfigFromEnv())
	if err != nil {
		return err
	}
	slog.Info("Connected to object store", "bucket", store.Bucket())

	clients, err := stages.New(stages.LoadConfigFromEnv(), metrics)
	if err != nil {
		return err
	}

	notifier := notify.New(notify.LoadConfigFromEnv(), metrics)
	registry := jobs.NewRegistry(jobs.WithMaxFiles(svcCfg.MaxFilesPerJob))
	orch := pipeline.New(registry, store, pipeline.ServicesFrom(clients), bundle.NewAssembler(store, metrics), pipeline.Options{
		Config:   pipeline.LoadConfigFromEnv(),
		Notifier: notifier,
		Metrics:  metrics,
	})

	// Stage services only degrade readiness: runs fail per file, not per request.
	healthChecker := health.NewChecker().
		Require("storage", store).
		Observe("stages", clients)

	handler := api.NewHandler(api.HandlerConfig{
		Registry:      registry,
		Intake:        intake.New(registry),
		Starter:       orch,
		Store:         store,
		Health:        healthChecker,
		Metrics:       metrics,
		PresignExpiry: svcCfg.PresignExpiry,
	})
	router := api.NewRouter(api.RouterConfig{
		Handler:     handler,
		Metrics:     metrics,
		APIKey:      svcCfg.APIKey,
		CORSOrigins: svcCfg.CORSOrigins,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: fail readiness so load balancers stop routing here
	healthChecker.SetShuttingDown()
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: stop accepting requests, finish in-flight ones
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: let running pipelines reach a terminal state so their
	// completion events are queued before the notifier drains
	runCtx, runCancel := context.WithTimeout(context.Background(), svcCfg.ShutdownTimeout)
	defer runCancel()
	if err := orch.Wait(runCtx); err != nil {
		slog.Warn("Pipeline runs still in flight at shutdown", "error", err)
	}

	// Phase 4: drain webhooks
	slog.Info("Draining notifier")
	notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifyCancel()
	if err := notifier.Close(notifyCtx); err != nil {
		slog.Warn("Notifier shutdown error", "error", err)
	}

	stats := notifier.Stats()
	slog.Info("Notifier stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
		"requeued", stats.Requeued,
	)
	slog.Info("Shutdown complete")
	return nil
}

// patchwork is the HTTP API server for submitting and tracking jobs.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"patchwork/internal/api"
	"patchwork/internal/auth"
	"patchwork/internal/config"
	"patchwork/internal/executor/docker"
	"patchwork/internal/executor/remote"
	"patchwork/internal/health"
	"patchwork/internal/job"
	"patchwork/internal/notify"
	"patchwork/internal/observability"
	"patchwork/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Job store
	jobStore, err := newStore(cfg.Store)
	if err != nil {
		return err
	}
	defer jobStore.Close()

	// Execution backend
	backend, runtime, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}

	// Webhook notifier (disabled without a URL)
	var notifier job.Notifier
	var webhook *notify.Webhook
	if cfg.Webhook.URL != "" {
		webhook = notify.New(notify.Config{
			URL:              cfg.Webhook.URL,
			SigningKey:       cfg.Webhook.SigningKey,
			Workers:          cfg.Webhook.Workers,
			BufferSize:       cfg.Webhook.BufferSize,
			MaxRetries:       cfg.Webhook.MaxRetries,
			HTTPTimeout:      cfg.Webhook.HTTPTimeout,
			BreakerThreshold: cfg.Webhook.BreakerThreshold,
			BreakerCooldown:  cfg.Webhook.BreakerCooldown,
		}, metrics)
		notifier = webhook
		slog.Info("Webhook notifications enabled", "url", cfg.Webhook.URL)
	}

	// Job processor
	processor := job.NewProcessor(jobStore, backend, job.ProcessorConfig{
		Mode:           cfg.ExecutionMode,
		PollInterval:   cfg.Processor.PollInterval,
		MaxPollRetries: cfg.Processor.MaxPollRetries,
		Metrics:        metrics,
		Notifier:       notifier,
	})

	// Job service, streamer, sessions, health
	jobService := job.NewService(jobStore, processor)
	streamer := job.NewStreamer(jobStore, cfg.Stream.Interval)
	sessions := auth.NewSessions(cfg.Auth.SessionTTL)
	monitor := health.NewMonitor(cfg.ExecutionMode, runtime)

	router := api.NewRouter(api.RouterConfig{
		JobService: jobService,
		Streamer:   streamer,
		Health:     monitor,
		Sessions:   sessions,
		Metrics:    metrics,
	})

	apiServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		IdleTimeout:       60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         cfg.HTTP.MetricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "addr", cfg.HTTP.Addr, "mode", cfg.ExecutionMode)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "addr", cfg.HTTP.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
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

	// Phase 1: mark unhealthy so load balancers drain traffic
	monitor.SetShuttingDown()
	if cfg.HTTP.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.HTTP.ShutdownDrainWait)
		time.Sleep(cfg.HTTP.ShutdownDrainWait)
	}

	// Phase 2: stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(cfg.HTTP.ShutdownTimeout)

	// Phase 3: let in-flight jobs reach a terminal state
	slog.Info("Waiting for in-flight jobs")
	processor.Wait()

	// Phase 4: drain webhook deliveries
	if webhook != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := webhook.Close(drainCtx); err != nil {
			slog.Warn("Webhook shutdown error", "error", err)
		}

		stats := webhook.Stats()
		slog.Info("Webhook stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	slog.Info("Shutdown complete")
	return nil
}

// newStore builds the configured job store.
func newStore(cfg config.StoreConfig) (job.Store, error) {
	switch cfg.Driver {
	case "memory":
		slog.Info("Using in-memory job store")
		return store.NewMemory(), nil
	default:
		slog.Info("Using sqlite job store", "path", cfg.Path)
		return store.NewSQLite(cfg.Path)
	}
}

// newBackend builds the configured execution backend. The returned runtime
// checker is non-nil only for the docker backend, which has a local daemon
// dependency worth probing.
func newBackend(ctx context.Context, cfg config.Config) (job.Backend, health.RuntimeChecker, error) {
	switch cfg.ExecutionMode {
	case job.ModeDocker:
		exec, err := docker.NewExecutor(ctx, docker.Config{
			Image:      cfg.Docker.Image,
			Workspace:  cfg.Docker.Workspace,
			Timeout:    cfg.Docker.Timeout,
			CPU:        cfg.Docker.CPU,
			MemoryMB:   cfg.Docker.MemoryMB,
			ExtraHosts: cfg.Docker.ExtraHosts,
		})
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Connected to Docker daemon")
		return exec, exec, nil
	default:
		exec, err := remote.NewExecutor(remote.Config{
			BaseURL:          cfg.Remote.BaseURL,
			Token:            cfg.Remote.Token,
			Timeout:          cfg.Remote.Timeout,
			BreakerThreshold: cfg.Remote.BreakerThreshold,
			BreakerCooldown:  cfg.Remote.BreakerCooldown,
		})
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Using remote execution API", "baseUrl", cfg.Remote.BaseURL)
		return exec, nil, nil
	}
}

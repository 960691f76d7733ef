// omotes-orchestrator routes submitted jobs to workers over RabbitMQ and
// serves the admin API.
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

	"golang.org/x/sync/errgroup"

	"omotes/internal/api"
	"omotes/internal/config"
	"omotes/internal/health"
	"omotes/internal/observability"
	"omotes/internal/orchestrator"
	"omotes/pkg/transport"
	"omotes/pkg/transport/amqp"
	"omotes/pkg/workflow"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Orchestrator failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, logCloser, err := observability.NewLogger(observability.LoadLogConfigFromEnv())
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	cfg, err := config.Load(config.GetEnv("OMOTES_CONFIG_FILE", ""), "")
	if err != nil {
		return err
	}
	if cfg.Service.WorkflowsFile == "" {
		return errors.New("OMOTES_WORKFLOWS_FILE is required")
	}
	workflows, err := workflow.LoadFile(cfg.Service.WorkflowsFile)
	if err != nil {
		return err
	}

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	broker := amqp.New(cfg.RabbitMQ)
	t := transport.NewResilient(broker, transport.DefaultResilientConfig(),
		transport.WithPublishObserver(metrics),
	)
	defer t.Close()

	orch := orchestrator.New(t, workflows, orchestrator.LoadConfigFromEnv(),
		orchestrator.WithMetrics(metrics),
	)
	if err := orch.Start(ctx); err != nil {
		return err
	}
	slog.Info("Orchestrator started", "workflows", workflows.Names())

	healthChecker := health.NewChecker().
		Add("broker", t).
		Add("orchestrator", orch)

	router := api.NewRouter(api.RouterConfig{
		Orchestrator:  orch,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        cfg.Service.APIKey,
		Logger:        logger,
	})

	if cfg.Service.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + cfg.Service.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.Service.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting API server", "port", cfg.Service.Port)
		return listen(apiServer)
	})
	g.Go(func() error {
		slog.Info("Starting metrics server", "port", cfg.Service.MetricsPort)
		return listen(metricsServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			slog.Info("Received shutdown signal")
		}

		// Phase 1: fail readiness so load balancers drain
		healthChecker.SetShuttingDown()
		if cfg.Service.ShutdownDrainWait > 0 && ctx.Err() != nil {
			slog.Info("Waiting for traffic to drain", "duration", cfg.Service.ShutdownDrainWait)
			time.Sleep(cfg.Service.ShutdownDrainWait)
		}

		// Phase 2: stop HTTP servers
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Metrics server shutdown error", "error", err)
		}

		// Phase 3: stop consuming broker messages
		return orch.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("Shutdown complete")
	return nil
}

func listen(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

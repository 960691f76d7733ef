// omotes-worker executes jobs assigned by the orchestrator. Every workflow
// type in OMOTES_WORKFLOWS_FILE is served by the built-in stepping task,
// which is meant for integration environments.
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

	"omotes/internal/config"
	"omotes/internal/observability"
	"omotes/pkg/transport"
	"omotes/pkg/transport/amqp"
	"omotes/pkg/worker"
	"omotes/pkg/workflow"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Worker failed", "error", err)
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

	t := transport.NewResilient(amqp.New(cfg.RabbitMQ), transport.DefaultResilientConfig(),
		transport.WithPublishObserver(metrics),
	)
	defer t.Close()

	w := worker.New(t, worker.LoadConfigFromEnv())
	for _, name := range workflows.Names() {
		w.Register(name, stepTask)
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	slog.Info("Worker started", "workerId", w.ID(), "workflows", w.WorkflowTypes())

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
		slog.Info("Starting metrics server", "port", cfg.Service.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Stopping worker", "activeJobs", w.ActiveJobs())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Metrics server shutdown error", "error", err)
		}
		return w.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Shutdown complete")
	return nil
}

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

	"github.com/kirillkom/defect-dataset-exporter/internal/bootstrap"
	"github.com/kirillkom/defect-dataset-exporter/internal/config"
	"github.com/kirillkom/defect-dataset-exporter/internal/core/domain"
	"github.com/kirillkom/defect-dataset-exporter/internal/observability/logging"
	"github.com/kirillkom/defect-dataset-exporter/internal/observability/metrics"
)

const serviceName = "dde-worker"

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.NATSURL == "" {
		logger.Error("worker_requires_nats", "env", "NATS_URL")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker_metrics_server_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("worker_subscribed", "subject", cfg.NATSSubject)
	err = app.Queue.SubscribeTaskCompiled(ctx, func(handlerCtx context.Context, event domain.TaskEvent) error {
		workerMetrics.ObserveQueueLag(serviceName, time.Since(event.CreatedAt))
		workerMetrics.StartEvent()
		start := time.Now()

		// Prebuild the workbook so spreadsheet downloads do not pay for
		// the conversion.
		exportCtx, cancel := context.WithTimeout(handlerCtx, 5*time.Minute)
		defer cancel()
		path, err := app.Artifacts.ExportXLSX(exportCtx, event.TaskID)

		workerMetrics.FinishEvent(serviceName, time.Since(start), err)
		if err != nil {
			return err
		}
		logger.Info("task_workbook_ready", "task_id", event.TaskID, "path", path, "annotations", event.Annotations)
		return nil
	})
	if err != nil {
		logger.Error("worker_subscribe_failed", "error", err)
		os.Exit(1)
	}
}

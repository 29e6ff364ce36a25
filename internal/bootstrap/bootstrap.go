package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/defect-dataset-exporter/internal/config"
	"github.com/kirillkom/defect-dataset-exporter/internal/core/ports"
	"github.com/kirillkom/defect-dataset-exporter/internal/core/usecase"
	"github.com/kirillkom/defect-dataset-exporter/internal/infrastructure/archive"
	"github.com/kirillkom/defect-dataset-exporter/internal/infrastructure/cleanup"
	"github.com/kirillkom/defect-dataset-exporter/internal/infrastructure/queue/nats"
	"github.com/kirillkom/defect-dataset-exporter/internal/infrastructure/repository/detectiondb"
	"github.com/kirillkom/defect-dataset-exporter/internal/infrastructure/resilience"
	"github.com/kirillkom/defect-dataset-exporter/internal/infrastructure/spreadsheet"
	"github.com/kirillkom/defect-dataset-exporter/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/defect-dataset-exporter/internal/observability/metrics"
)

type App struct {
	Config config.Config
	Logger *slog.Logger

	Settings *SettingsService
	Storage  *localfs.Storage
	Pool     *detectiondb.Pool
	Queue    *nats.Queue
	Metrics  *metrics.HTTPServerMetrics
	Janitor  *cleanup.Janitor

	QueryUC   ports.TaskQueryService
	ExportUC  ports.DatasetExporter
	Artifacts *usecase.TaskArtifacts

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store := config.LoadStore(cfg.SettingsPath, cfg, logger)

	storage, err := localfs.New(cfg.ExportsDir)
	if err != nil {
		return nil, fmt.Errorf("init task storage: %w", err)
	}

	httpMetrics := metrics.NewHTTPServerMetrics("dde-api")
	pool := detectiondb.NewPool(
		ConnSettings(store.Current()),
		detectiondb.WithLogger(logger),
		detectiondb.WithExecutor(resilience.NewExecutor(resilience.DetectionDBConfig(), logger, resilience.WithStateObserver(httpMetrics))),
	)

	var queue *nats.Queue
	var publisher ports.EventPublisher
	if cfg.NATSURL != "" {
		queue, err = nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			ResilienceExecutor: resilience.NewExecutor(resilience.PublisherConfig(), logger, resilience.WithStateObserver(httpMetrics)),
			Logger:             logger,
		})
		if err != nil {
			_ = pool.Close()
			return nil, fmt.Errorf("init task events: %w", err)
		}
		publisher = queue
	}

	scheduler := cleanup.NewScheduler(logger)
	janitor := cleanup.NewJanitor(storage, cfg.TaskRetention, cfg.CleanupSchedule, httpMetrics, logger)
	if err := janitor.Start(ctx); err != nil {
		if queue != nil {
			queue.Close()
		}
		_ = pool.Close()
		return nil, fmt.Errorf("init janitor: %w", err)
	}

	compile := usecase.CompileOptions{KeepUndecodableImages: cfg.KeepUndecodable}
	queryUC := usecase.NewQueryUseCase(pool, storage, store, publisher, httpMetrics, compile, logger)
	exportUC := usecase.NewExportUseCase(
		storage,
		archive.NewZipBuilder(cfg.ZipCompression),
		scheduler,
		httpMetrics,
		cfg.ArchiveTTL,
		logger,
	)
	artifacts := usecase.NewTaskArtifacts(storage, spreadsheet.NewConverter())

	return &App{
		Config: cfg,
		Logger: logger,

		Settings: NewSettingsService(store, pool),
		Storage:  storage,
		Pool:     pool,
		Queue:    queue,
		Metrics:  httpMetrics,
		Janitor:  janitor,

		QueryUC:   queryUC,
		ExportUC:  exportUC,
		Artifacts: artifacts,

		closeFn: func() {
			janitor.Stop()
			scheduler.Stop(true)
			if queue != nil {
				queue.Close()
			}
			if err := pool.Close(); err != nil {
				logger.Warn("detectiondb_close_failed", "error", err)
			}
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

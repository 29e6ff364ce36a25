package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kirillkom/defect-dataset-exporter/internal/core/domain"
	"github.com/kirillkom/defect-dataset-exporter/internal/infrastructure/storage/localfs"
)

const DefaultSchedule = "@every 1h"

// Store is the part of the task storage the janitor sweeps.
type Store interface {
	Entries(ctx context.Context) ([]localfs.Entry, error)
	Remove(ctx context.Context, key string) error
	RemoveAll(ctx context.Context, key string) error
}

// SweepObserver is notified with the number of removed items per sweep.
type SweepObserver interface {
	ObserveSweep(removed int, err error)
}

// Janitor periodically removes task directories and stray archives that
// outlived the retention window.
type Janitor struct {
	store     Store
	retention time.Duration
	schedule  string
	observer  SweepObserver
	logger    *slog.Logger
	now       func() time.Time

	cron *cron.Cron
}

func NewJanitor(store Store, retention time.Duration, schedule string, observer SweepObserver, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(schedule) == "" {
		schedule = DefaultSchedule
	}
	return &Janitor{
		store:     store,
		retention: retention,
		schedule:  schedule,
		observer:  observer,
		logger:    logger,
		now:       time.Now,
	}
}

// Start registers the sweep on the cron schedule and starts the runner.
func (j *Janitor) Start(ctx context.Context) error {
	if j.retention <= 0 {
		j.logger.Warn("janitor_disabled", "reason", "non-positive retention")
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, func() {
		if _, err := j.Sweep(ctx); err != nil {
			j.logger.Error("janitor_sweep_failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule janitor %q: %w", j.schedule, err)
	}
	j.cron = c
	c.Start()
	j.logger.Info("janitor_started", "schedule", j.schedule, "retention", j.retention.String())
	return nil
}

// Stop halts the cron runner and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}

// Sweep removes every expired task directory and export archive once.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	entries, err := j.store.Entries(ctx)
	if err != nil {
		j.observe(0, err)
		return 0, err
	}

	cutoff := j.now().Add(-j.retention)
	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if !e.ModTime.Before(cutoff) {
			continue
		}
		switch {
		case e.IsDir && domain.ValidTaskID(e.Key):
			err = j.store.RemoveAll(ctx, e.Key)
		case !e.IsDir && isExportArchive(e.Key):
			err = j.store.Remove(ctx, e.Key)
		default:
			continue
		}
		if err != nil {
			j.logger.Warn("janitor_remove_failed", "key", e.Key, "error", err)
			continue
		}
		removed++
		j.logger.Info("janitor_removed", "key", e.Key, "age", j.now().Sub(e.ModTime).Round(time.Second).String())
	}
	j.observe(removed, ctx.Err())
	return removed, ctx.Err()
}

func (j *Janitor) observe(removed int, err error) {
	if j.observer != nil {
		j.observer.ObserveSweep(removed, err)
	}
}

// isExportArchive matches coco_export_<task>.zip and the staging files an
// interrupted export leaves as coco_export_<task>.zip.<nonce>.part.
func isExportArchive(name string) bool {
	if base, ok := strings.CutSuffix(name, ".part"); ok {
		i := strings.LastIndexByte(base, '.')
		if i < 0 {
			return false
		}
		name = base[:i]
	}
	id, ok := strings.CutPrefix(name, "coco_export_")
	if !ok {
		return false
	}
	id, ok = strings.CutSuffix(id, ".zip")
	return ok && domain.ValidTaskID(id)
}

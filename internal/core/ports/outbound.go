package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/defect-dataset-exporter/internal/core/domain"
)

// DetectionSource runs operator SQL against the defect-detection database.
type DetectionSource interface {
	Query(ctx context.Context, sql string) (domain.Table, error)
}

// ObjectStorage stores task artifacts under slash separated keys.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Create(ctx context.Context, key string) (io.WriteCloser, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Remove(ctx context.Context, key string) error
	RemoveAll(ctx context.Context, key string) error
	MkdirAll(ctx context.Context, key string) error
	List(ctx context.Context, dir string) ([]string, error)
	Import(ctx context.Context, srcPath, key string) error
	// Rename atomically replaces to with from.
	Rename(ctx context.Context, from, to string) error
	Path(key string) (string, error)
}

// ArchiveBuilder packs entries into a flat compressed archive.
type ArchiveBuilder interface {
	Build(ctx context.Context, w io.Writer, entries []domain.ArchiveEntry) error
}

// EventPublisher announces compiled tasks to downstream consumers.
type EventPublisher interface {
	PublishTaskCompiled(ctx context.Context, event domain.TaskEvent) error
}

// CleanupScheduler runs deferred deletions. Scheduling the same key again
// replaces the pending job.
type CleanupScheduler interface {
	Schedule(key string, delay time.Duration, fn func())
	Cancel(key string) bool
}

// ExportObserver receives pipeline measurements.
type ExportObserver interface {
	ObserveCompile(result domain.CompileResult)
	ObserveArchive(archive domain.Archive)
	ObserveQuery(rows int, duration time.Duration, err error)
}

// WorkbookRenderer renders a table as a spreadsheet workbook.
type WorkbookRenderer interface {
	Render(w io.Writer, table domain.Table) error
}

// SettingsSource hands out the operator settings in effect for a request.
type SettingsSource interface {
	ImagePaths() domain.ImagePathSettings
	Categories() *domain.CategoryTable
}

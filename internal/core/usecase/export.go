package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/defect-dataset-exporter/internal/core/domain"
	"github.com/kirillkom/defect-dataset-exporter/internal/core/ports"
	"github.com/kirillkom/defect-dataset-exporter/internal/core/tabular"
)

const DefaultArchiveTTL = 60 * time.Second

type ExportUseCase struct {
	storage   ports.ObjectStorage
	builder   ports.ArchiveBuilder
	scheduler ports.CleanupScheduler
	observer  ports.ExportObserver
	ttl       time.Duration
	logger    *slog.Logger
}

func NewExportUseCase(
	storage ports.ObjectStorage,
	builder ports.ArchiveBuilder,
	scheduler ports.CleanupScheduler,
	observer ports.ExportObserver,
	ttl time.Duration,
	logger *slog.Logger,
) *ExportUseCase {
	if ttl <= 0 {
		ttl = DefaultArchiveTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExportUseCase{
		storage:   storage,
		builder:   builder,
		scheduler: scheduler,
		observer:  observer,
		ttl:       ttl,
		logger:    logger,
	}
}

// Export packages a task into coco_export_<task>.zip at the storage root.
// A non-empty selection restricts images and annotations to those ids.
// The archive is staged under a per-run name and renamed into place, so a
// concurrent export never truncates an archive that is being served. It is
// removed after the configured ttl.
func (uc *ExportUseCase) Export(ctx context.Context, taskID string, selectedIDs []int) (*domain.Archive, error) {
	if err := ensureTaskDocument(ctx, uc.storage, taskID); err != nil {
		return nil, err
	}

	nonce := uuid.NewString()
	selected := SelectionSet(selectedIDs)
	entries, filteredKey, err := uc.collectEntries(ctx, taskID, selected, nonce)
	if filteredKey != "" {
		defer uc.removeQuietly(filteredKey)
	}
	if err != nil {
		return nil, err
	}

	archiveKey := domain.ArchiveFileName(taskID)
	partKey := domain.ArchivePartName(taskID, nonce)
	size, err := uc.writeArchive(ctx, partKey, entries)
	if err != nil {
		uc.removeQuietly(partKey)
		return nil, fmt.Errorf("package archive: %w", err)
	}
	if err := uc.storage.Rename(ctx, partKey, archiveKey); err != nil {
		uc.removeQuietly(partKey)
		return nil, fmt.Errorf("publish archive: %w", err)
	}

	archivePath, err := uc.storage.Path(archiveKey)
	if err != nil {
		uc.removeQuietly(archiveKey)
		return nil, fmt.Errorf("resolve archive path: %w", err)
	}

	if uc.scheduler != nil {
		uc.scheduler.Schedule(archiveKey, uc.ttl, func() {
			uc.removeQuietly(archiveKey)
		})
	}

	archive := &domain.Archive{
		TaskID:     taskID,
		Key:        archiveKey,
		Path:       archivePath,
		FileName:   archiveKey,
		ImageCount: len(entries) - 1,
		Size:       size,
		Filtered:   len(selected) > 0,
	}
	if uc.observer != nil {
		uc.observer.ObserveArchive(*archive)
	}
	uc.logger.Info("archive_ready",
		"task_id", taskID,
		"images", archive.ImageCount,
		"bytes", size,
		"filtered", archive.Filtered,
	)
	return archive, nil
}

func (uc *ExportUseCase) collectEntries(ctx context.Context, taskID string, selected map[int]struct{}, nonce string) ([]domain.ArchiveEntry, string, error) {
	cocoKey := taskKey(taskID, domain.COCOFileName)
	if len(selected) == 0 {
		entries := []domain.ArchiveEntry{uc.storageEntry(ctx, domain.COCOFileName, cocoKey)}
		names, err := uc.storage.List(ctx, taskID)
		if err != nil {
			return nil, "", fmt.Errorf("list task files: %w", err)
		}
		sort.Strings(names)
		for _, name := range names {
			if domain.IsImageFile(name) {
				entries = append(entries, uc.storageEntry(ctx, name, taskKey(taskID, name)))
			}
		}
		return entries, "", nil
	}

	doc, err := loadDocument(ctx, uc.storage, cocoKey)
	if err != nil {
		return nil, "", err
	}
	filtered := FilterDocument(doc, selected)
	payload, err := MarshalDocument(filtered)
	if err != nil {
		return nil, "", err
	}

	filteredKey := taskKey(taskID, domain.FilteredCOCOFileName(nonce))
	if err := uc.storage.Save(ctx, filteredKey, bytes.NewReader(payload)); err != nil {
		return nil, filteredKey, fmt.Errorf("save filtered document: %w", err)
	}

	entries := []domain.ArchiveEntry{uc.storageEntry(ctx, domain.COCOFileName, filteredKey)}
	for _, name := range selectedImageFiles(filtered, uc.imageFilenames(ctx, taskID)) {
		key := taskKey(taskID, name)
		ok, err := uc.storage.Exists(ctx, key)
		if err != nil || !ok {
			continue
		}
		entries = append(entries, uc.storageEntry(ctx, name, key))
	}
	return entries, filteredKey, nil
}

// imageFilenames reads the task CSV; a missing or unreadable CSV resolves
// no files.
func (uc *ExportUseCase) imageFilenames(ctx context.Context, taskID string) map[int]string {
	rc, err := uc.storage.Open(ctx, taskKey(taskID, domain.CSVFileName))
	if err != nil {
		uc.logger.Warn("task_csv_unavailable", "task_id", taskID, "error", err)
		return map[int]string{}
	}
	defer rc.Close()

	table, err := tabular.ReadCSV(rc)
	if err != nil {
		uc.logger.Warn("task_csv_unreadable", "task_id", taskID, "error", err)
		return map[int]string{}
	}
	return ImageFilenamesByIndex(table)
}

func (uc *ExportUseCase) writeArchive(ctx context.Context, key string, entries []domain.ArchiveEntry) (int64, error) {
	w, err := uc.storage.Create(ctx, key)
	if err != nil {
		return 0, err
	}
	counter := &countingWriter{w: w}
	buildErr := uc.builder.Build(ctx, counter, entries)
	closeErr := w.Close()
	if buildErr != nil {
		return 0, buildErr
	}
	if closeErr != nil {
		return 0, closeErr
	}
	return counter.n, nil
}

func (uc *ExportUseCase) storageEntry(ctx context.Context, name, key string) domain.ArchiveEntry {
	return domain.ArchiveEntry{
		Name: name,
		Open: func() (io.ReadCloser, error) {
			return uc.storage.Open(ctx, key)
		},
	}
}

// removeQuietly ignores failures; the file may already be gone.
func (uc *ExportUseCase) removeQuietly(key string) {
	if err := uc.storage.Remove(context.Background(), key); err != nil {
		uc.logger.Debug("remove_artifact_failed", "key", key, "error", err)
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func taskKey(taskID, name string) string {
	return path.Join(taskID, name)
}

func ensureTaskDocument(ctx context.Context, storage ports.ObjectStorage, taskID string) error {
	if !domain.ValidTaskID(taskID) {
		return domain.WrapError(domain.ErrTaskNotFound, "lookup task", fmt.Errorf("invalid task id %q", taskID))
	}
	ok, err := storage.Exists(ctx, taskKey(taskID, domain.COCOFileName))
	if err != nil {
		return fmt.Errorf("stat coco document: %w", err)
	}
	if !ok {
		return domain.WrapError(domain.ErrTaskNotFound, "lookup task", errors.New("coco document missing: task_id="+taskID))
	}
	return nil
}

func loadDocument(ctx context.Context, storage ports.ObjectStorage, key string) (domain.COCODocument, error) {
	rc, err := storage.Open(ctx, key)
	if err != nil {
		return domain.COCODocument{}, fmt.Errorf("open coco document: %w", err)
	}
	defer rc.Close()
	return DecodeDocument(rc)
}

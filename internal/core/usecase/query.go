package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/defect-dataset-exporter/internal/core/domain"
	"github.com/kirillkom/defect-dataset-exporter/internal/core/ports"
	"github.com/kirillkom/defect-dataset-exporter/internal/core/tabular"
)

const (
	sampleSeed        = 42
	emptyQueryMessage = "query returned no rows"
)

type QueryUseCase struct {
	source    ports.DetectionSource
	storage   ports.ObjectStorage
	settings  ports.SettingsSource
	publisher ports.EventPublisher
	observer  ports.ExportObserver
	compile   CompileOptions
	logger    *slog.Logger
	newTaskID func() string
	now       func() time.Time
}

func NewQueryUseCase(
	source ports.DetectionSource,
	storage ports.ObjectStorage,
	settings ports.SettingsSource,
	publisher ports.EventPublisher,
	observer ports.ExportObserver,
	compile CompileOptions,
	logger *slog.Logger,
) *QueryUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryUseCase{
		source:    source,
		storage:   storage,
		settings:  settings,
		publisher: publisher,
		observer:  observer,
		compile:   compile,
		logger:    logger,
		newTaskID: func() string { return uuid.NewString() },
		now:       time.Now,
	}
}

// Run executes the operator query and materializes a task directory holding
// result.csv, the compiled COCO document and copies of the source images.
// An empty result creates no task.
func (uc *QueryUseCase) Run(ctx context.Context, req domain.QueryRequest) (*domain.QueryResult, error) {
	if strings.TrimSpace(req.SQL) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "run query", errors.New("sql is required"))
	}

	started := uc.now()
	table, err := uc.source.Query(ctx, req.RenderSQL())
	if uc.observer != nil {
		uc.observer.ObserveQuery(table.Len(), uc.now().Sub(started), err)
	}
	if err != nil {
		return nil, fmt.Errorf("query detection db: %w", err)
	}

	if table.Len() == 0 {
		return &domain.QueryResult{Count: 0, Items: []domain.PreviewItem{}, Message: emptyQueryMessage}, nil
	}

	if req.SampleSize != nil && *req.SampleSize > 0 && *req.SampleSize < table.Len() {
		table = SampleTable(table, *req.SampleSize, sampleSeed)
	}

	ApplyImagePaths(&table, uc.settings.ImagePaths(), uc.logger)

	taskID := uc.newTaskID()
	if err := uc.storage.MkdirAll(ctx, taskID); err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}

	var csvBuf bytes.Buffer
	if err := tabular.WriteCSV(&csvBuf, table); err != nil {
		return nil, err
	}
	if err := uc.storage.Save(ctx, taskKey(taskID, domain.CSVFileName), &csvBuf); err != nil {
		return nil, fmt.Errorf("save task csv: %w", err)
	}

	doc, compiled := uc.compileTask(ctx, taskID)
	copied := uc.importImages(ctx, taskID, table)

	if compiled != nil && uc.publisher != nil {
		event := domain.TaskEvent{
			TaskID:      taskID,
			Rows:        table.Len(),
			Images:      len(compiled.Document.Images),
			Annotations: len(compiled.Document.Annotations),
			Skipped:     len(compiled.Skips),
			CreatedAt:   uc.now().UTC(),
		}
		if err := uc.publisher.PublishTaskCompiled(ctx, event); err != nil {
			uc.logger.Warn("task_event_publish_failed", "task_id", taskID, "error", err)
		}
	}

	items := BuildPreview(table, doc)
	uc.logger.Info("task_created",
		"task_id", taskID,
		"rows", table.Len(),
		"images_copied", copied,
	)
	return &domain.QueryResult{TaskID: taskID, Count: len(items), Items: items}, nil
}

// compileTask reads result.csv back so the document reflects exactly what
// was persisted. Failures are logged and leave the task without a document.
func (uc *QueryUseCase) compileTask(ctx context.Context, taskID string) (*domain.COCODocument, *domain.CompileResult) {
	rc, err := uc.storage.Open(ctx, taskKey(taskID, domain.CSVFileName))
	if err != nil {
		uc.logger.Warn("coco_compile_failed", "task_id", taskID, "error", err)
		return nil, nil
	}
	persisted, err := tabular.ReadCSV(rc)
	_ = rc.Close()
	if err != nil {
		uc.logger.Warn("coco_compile_failed", "task_id", taskID, "error", err)
		return nil, nil
	}

	result := CompileAnnotations(persisted, uc.settings.Categories(), uc.compile)
	if uc.observer != nil {
		uc.observer.ObserveCompile(result)
	}
	for reason, n := range result.SkipCounts() {
		uc.logger.Debug("coco_compile_skips", "task_id", taskID, "reason", string(reason), "count", n)
	}

	payload, err := MarshalDocument(result.Document)
	if err != nil {
		uc.logger.Warn("coco_compile_failed", "task_id", taskID, "error", err)
		return nil, nil
	}
	if err := uc.storage.Save(ctx, taskKey(taskID, domain.COCOFileName), bytes.NewReader(payload)); err != nil {
		uc.logger.Warn("coco_compile_failed", "task_id", taskID, "error", err)
		return nil, nil
	}
	return &result.Document, &result
}

// importImages copies every readable img_path into the task dir by base
// name. Later rows overwrite earlier ones with the same name.
func (uc *QueryUseCase) importImages(ctx context.Context, taskID string, table domain.Table) int {
	copied := 0
	for _, rec := range table.Rows {
		v := rec.Get(domain.ColumnImgPath)
		if domain.IsNull(v) {
			continue
		}
		src := domain.FormatValue(v)
		name := domain.BaseName(src)
		if src == "" || name == "" {
			continue
		}
		err := uc.storage.Import(ctx, src, taskKey(taskID, name))
		switch {
		case err == nil:
			copied++
		case errors.Is(err, fs.ErrNotExist):
			uc.logger.Warn("image_missing", "task_id", taskID, "path", src)
		default:
			uc.logger.Warn("image_copy_failed", "task_id", taskID, "path", src, "error", err)
		}
	}
	return copied
}

// SampleTable draws n rows without replacement using a fixed seed. The
// returned rows are renumbered in draw order.
func SampleTable(table domain.Table, n int, seed uint64) domain.Table {
	if n <= 0 || n >= table.Len() {
		return table
	}
	rng := rand.New(rand.NewPCG(seed, seed))
	perm := rng.Perm(table.Len())
	rows := make([]domain.Record, 0, n)
	for _, idx := range perm[:n] {
		rows = append(rows, table.Rows[idx])
	}
	return domain.Table{Columns: table.Columns, Rows: rows}
}

// ApplyImagePaths derives the img_path column from the configured mode.
func ApplyImagePaths(table *domain.Table, settings domain.ImagePathSettings, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	copyColumn := func(field string) {
		table.SetColumn(domain.ColumnImgPath, func(rec domain.Record) any {
			v := rec.Get(field)
			if domain.IsNull(v) {
				return nil
			}
			return domain.FormatValue(v)
		})
	}
	concatColumn := func(field string) {
		table.SetColumn(domain.ColumnImgPath, func(rec domain.Record) any {
			v := rec.Get(field)
			if domain.IsNull(v) {
				return nil
			}
			return settings.JoinBase(domain.FormatValue(v))
		})
	}

	switch settings.Mode {
	case domain.ImagePathFullPath:
		switch {
		case table.HasColumn(settings.FullPathField):
			copyColumn(settings.FullPathField)
		case table.HasColumn(domain.ColumnLocalPicURL):
			logger.Warn("image_path_field_missing", "field", settings.FullPathField, "fallback", domain.ColumnLocalPicURL)
			copyColumn(domain.ColumnLocalPicURL)
		case table.HasColumn(domain.ColumnImgPath):
			logger.Warn("image_path_field_missing", "field", settings.FullPathField, "fallback", domain.ColumnImgPath)
		default:
			logger.Error("image_path_unresolved", "mode", settings.Mode)
		}
	case domain.ImagePathConcat:
		if table.HasColumn(settings.PathField) {
			concatColumn(settings.PathField)
			return
		}
		logger.Warn("image_path_field_missing", "field", settings.PathField)
	default:
		logger.Warn("image_path_mode_unknown", "mode", settings.Mode)
		if table.HasColumn(domain.ColumnOriginObjectKey) {
			concatColumn(domain.ColumnOriginObjectKey)
		}
	}
}

// BuildPreview pairs each row with the annotations compiled for its ordinal.
// A nil document yields rows without annotations.
func BuildPreview(table domain.Table, doc *domain.COCODocument) []domain.PreviewItem {
	byImage := map[int][]domain.PreviewAnnotation{}
	if doc != nil {
		for _, ann := range doc.Annotations {
			byImage[ann.ImageID] = append(byImage[ann.ImageID], domain.PreviewAnnotation{
				BBox:       ann.BBox,
				Category:   ann.Category,
				CategoryID: ann.CategoryID,
				Score:      ann.Score,
			})
		}
	}

	items := make([]domain.PreviewItem, 0, table.Len())
	for idx, rec := range table.Rows {
		imgPath := domain.FormatValue(rec.Get(domain.ColumnImgPath))
		anns := byImage[idx]
		if anns == nil {
			anns = []domain.PreviewAnnotation{}
		}
		items = append(items, domain.PreviewItem{
			ID:                    idx,
			ImgName:               domain.BaseName(imgPath),
			ImgPath:               imgPath,
			CTime:                 domain.FormatValue(rec.Get(domain.ColumnCTime)),
			CheckStatus:           domain.FormatValue(rec.Get(domain.ColumnCheckStatus)),
			DetectionResultStatus: domain.FormatValue(rec.Get(domain.ColumnDetectionResultStatus)),
			ManualCheckStatus:     domain.FormatValue(rec.Get(domain.ColumnManualCheckStatus)),
			Annotations:           anns,
		})
	}
	return items
}

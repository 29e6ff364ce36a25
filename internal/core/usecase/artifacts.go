package usecase

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/kirillkom/defect-dataset-exporter/internal/core/domain"
	"github.com/kirillkom/defect-dataset-exporter/internal/core/ports"
	"github.com/kirillkom/defect-dataset-exporter/internal/core/tabular"
)

const XLSXFileName = "result.xlsx"

// TaskArtifacts serves files that already exist inside a task directory.
type TaskArtifacts struct {
	storage  ports.ObjectStorage
	renderer ports.WorkbookRenderer
}

func NewTaskArtifacts(storage ports.ObjectStorage, renderer ports.WorkbookRenderer) *TaskArtifacts {
	return &TaskArtifacts{storage: storage, renderer: renderer}
}

func (a *TaskArtifacts) LoadDocument(ctx context.Context, taskID string) (*domain.COCODocument, error) {
	if err := ensureTaskDocument(ctx, a.storage, taskID); err != nil {
		return nil, err
	}
	doc, err := loadDocument(ctx, a.storage, taskKey(taskID, domain.COCOFileName))
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// ArtifactPath resolves a plain file name inside a task directory.
func (a *TaskArtifacts) ArtifactPath(ctx context.Context, taskID, name string) (string, error) {
	if !domain.ValidTaskID(taskID) {
		return "", domain.WrapError(domain.ErrTaskNotFound, "resolve artifact", fmt.Errorf("invalid task id %q", taskID))
	}
	if name == "" || name != path.Base(name) || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", domain.WrapError(domain.ErrInvalidInput, "resolve artifact", fmt.Errorf("invalid file name %q", name))
	}
	key := taskKey(taskID, name)
	ok, err := a.storage.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("stat artifact: %w", err)
	}
	if !ok {
		return "", domain.WrapError(domain.ErrTaskNotFound, "resolve artifact", fmt.Errorf("missing %s", key))
	}
	return a.storage.Path(key)
}

// ExportXLSX renders the task's result.csv into result.xlsx next to it and
// returns the workbook path.
func (a *TaskArtifacts) ExportXLSX(ctx context.Context, taskID string) (string, error) {
	if a.renderer == nil {
		return "", fmt.Errorf("workbook renderer is not configured")
	}
	if _, err := a.ArtifactPath(ctx, taskID, domain.CSVFileName); err != nil {
		return "", err
	}

	rc, err := a.storage.Open(ctx, taskKey(taskID, domain.CSVFileName))
	if err != nil {
		return "", fmt.Errorf("open task csv: %w", err)
	}
	table, err := tabular.ReadCSV(rc)
	_ = rc.Close()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := a.renderer.Render(&buf, table); err != nil {
		return "", fmt.Errorf("render workbook: %w", err)
	}
	key := taskKey(taskID, XLSXFileName)
	if err := a.storage.Save(ctx, key, &buf); err != nil {
		return "", fmt.Errorf("save workbook: %w", err)
	}
	return a.storage.Path(key)
}

package ports

import (
	"context"

	"github.com/kirillkom/defect-dataset-exporter/internal/core/domain"
)

// TaskQueryService runs a query and materializes it into an export task.
type TaskQueryService interface {
	Run(ctx context.Context, req domain.QueryRequest) (*domain.QueryResult, error)
}

// DatasetExporter packages a task, optionally restricted to selected image ids.
type DatasetExporter interface {
	Export(ctx context.Context, taskID string, selectedIDs []int) (*domain.Archive, error)
}

// TaskReader exposes task artifacts for download and preview.
type TaskReader interface {
	LoadDocument(ctx context.Context, taskID string) (*domain.COCODocument, error)
	ArtifactPath(ctx context.Context, taskID, name string) (string, error)
}

// SpreadsheetExporter renders a task's result table as a workbook.
type SpreadsheetExporter interface {
	ExportXLSX(ctx context.Context, taskID string) (string, error)
}

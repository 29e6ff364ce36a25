package domain

import (
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	PlaceholderStartTime = "${START_TIME}"
	PlaceholderEndTime   = "${END_TIME}"
)

type QueryRequest struct {
	SQL        string `json:"sql"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	SampleSize *int   `json:"sample_size,omitempty"`
}

// RenderSQL substitutes the time window placeholders.
func (q QueryRequest) RenderSQL() string {
	r := strings.NewReplacer(PlaceholderStartTime, q.StartTime, PlaceholderEndTime, q.EndTime)
	return r.Replace(q.SQL)
}

type PreviewAnnotation struct {
	BBox       [4]float64 `json:"bbox"`
	Category   string     `json:"category"`
	CategoryID int        `json:"category_id"`
	Score      *float64   `json:"score"`
}

// PreviewItem is one queried row as shown to the operator before export.
type PreviewItem struct {
	ID                    int                 `json:"id"`
	ImgName               string              `json:"img_name"`
	ImgPath               string              `json:"img_path"`
	CTime                 string              `json:"c_time"`
	CheckStatus           string              `json:"check_status"`
	DetectionResultStatus string              `json:"detection_result_status"`
	ManualCheckStatus     string              `json:"manual_check_status"`
	Annotations           []PreviewAnnotation `json:"annotations"`
}

type QueryResult struct {
	TaskID  string        `json:"task_id,omitempty"`
	Count   int           `json:"count"`
	Items   []PreviewItem `json:"data"`
	Message string        `json:"message,omitempty"`
}

// Archive is a packaged export ready to be served.
type Archive struct {
	TaskID     string
	Key        string
	Path       string
	FileName   string
	ImageCount int
	Size       int64
	Filtered   bool
}

// ArchiveEntry is one file placed at the archive root.
type ArchiveEntry struct {
	Name string
	Open func() (io.ReadCloser, error)
}

func ArchiveFileName(taskID string) string {
	return "coco_export_" + taskID + ".zip"
}

// ArchivePartName is the staging name an archive is built under before it
// is renamed into place.
func ArchivePartName(taskID, nonce string) string {
	return ArchiveFileName(taskID) + "." + nonce + ".part"
}

// TaskEvent is published once a task directory has been compiled.
type TaskEvent struct {
	TaskID      string    `json:"task_id"`
	Rows        int       `json:"rows"`
	Images      int       `json:"images"`
	Annotations int       `json:"annotations"`
	Skipped     int       `json:"skipped"`
	CreatedAt   time.Time `json:"created_at"`
}

// ValidTaskID rejects anything that is not a canonical uuid so task ids can
// be joined into paths safely.
func ValidTaskID(id string) bool {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return parsed.String() == strings.ToLower(id)
}

var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".bmp":  {},
	".gif":  {},
	".webp": {},
}

// IsImageFile matches recognized image extensions case-insensitively.
func IsImageFile(name string) bool {
	_, ok := imageExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

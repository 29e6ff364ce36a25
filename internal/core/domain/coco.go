package domain

// Artifact names inside a task directory.
const (
	CSVFileName        = "result.csv"
	COCOFileName       = "_annotations.coco.json"
	FilteredCOCOPrefix = "_annotations_filtered"
)

// FilteredCOCOFileName names the transient filtered document of one export
// run. The nonce keeps concurrent exports of a task apart.
func FilteredCOCOFileName(nonce string) string {
	return FilteredCOCOPrefix + "." + nonce + ".coco.json"
}

// COCODocument is an object-detection dataset document.
type COCODocument struct {
	Images      []COCOImage      `json:"images"`
	Categories  []Category       `json:"categories"`
	Annotations []COCOAnnotation `json:"annotations"`
}

// COCOImage keeps the scalar row fields next to the standard keys.
type COCOImage struct {
	ID          int    `json:"id"`
	FileName    string `json:"file_name"`
	Position    any    `json:"position"`
	ProductID   any    `json:"product_id"`
	SN          any    `json:"SN"`
	CTime       any    `json:"c_time"`
	CheckStatus any    `json:"check_status,omitempty"`
}

type COCOAnnotation struct {
	ImageID    int        `json:"image_id"`
	CategoryID int        `json:"category_id"`
	BBox       [4]float64 `json:"bbox"`
	Area       float64    `json:"area"`
	Score      *float64   `json:"score"`
	Category   string     `json:"category"`
	DefectType any        `json:"defect_type"`
}

// SkipReason tags why a row or prediction contributed nothing.
type SkipReason string

const (
	SkipMissingImagePath       SkipReason = "missing_image_path"
	SkipUndecodablePredictions SkipReason = "undecodable_predictions"
	SkipMalformedPrediction    SkipReason = "malformed_prediction"
	SkipMissingPoints          SkipReason = "missing_points"
	SkipIncompleteBBox         SkipReason = "incomplete_bbox"
	SkipUnknownCategory        SkipReason = "unknown_category"
)

// Skip records one dropped unit. Prediction is -1 for row level skips.
type Skip struct {
	Row        int        `json:"row"`
	Prediction int        `json:"prediction"`
	Reason     SkipReason `json:"reason"`
	Detail     string     `json:"detail,omitempty"`
}

type CompileResult struct {
	Document COCODocument
	Skips    []Skip
}

// SkipCounts groups skips by reason.
func (r CompileResult) SkipCounts() map[SkipReason]int {
	out := make(map[SkipReason]int)
	for _, s := range r.Skips {
		out[s.Reason]++
	}
	return out
}

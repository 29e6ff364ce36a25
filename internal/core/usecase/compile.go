package usecase

import (
	"encoding/json"
	"fmt"

	"github.com/kirillkom/defect-dataset-exporter/internal/core/domain"
)

// CompileOptions tunes how rows with unreadable predictions are handled.
type CompileOptions struct {
	// KeepUndecodableImages keeps the image entry of a checked row whose
	// infer_raw_result cannot be decoded. By default such rows are dropped
	// entirely.
	KeepUndecodableImages bool
}

type inferRawResult struct {
	Predictions []json.RawMessage `json:"predictions"`
}

type rawPrediction struct {
	Name       *string     `json:"name"`
	Confidence *float64    `json:"confidence"`
	DefectType any         `json:"defect_type"`
	Points     []*rawPoint `json:"points"`
}

type rawPoint struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	W *float64 `json:"w"`
	H *float64 `json:"h"`
}

// CompileAnnotations turns query rows into a COCO document. Row ordinals
// become image ids. Malformed rows and predictions are skipped and reported
// in the result, never returned as errors.
func CompileAnnotations(table domain.Table, categories *domain.CategoryTable, opts CompileOptions) domain.CompileResult {
	name2id := categories.Inverse()

	result := domain.CompileResult{
		Document: domain.COCODocument{
			Images:      make([]domain.COCOImage, 0, table.Len()),
			Categories:  categories.Sorted(),
			Annotations: make([]domain.COCOAnnotation, 0),
		},
	}
	if result.Document.Categories == nil {
		result.Document.Categories = []domain.Category{}
	}

	for idx, rec := range table.Rows {
		imgPath := rec.Get(domain.ColumnImgPath)
		if domain.IsNull(imgPath) || domain.FormatValue(imgPath) == "" {
			result.Skips = append(result.Skips, rowSkip(idx, domain.SkipMissingImagePath, ""))
			continue
		}

		image := domain.COCOImage{
			ID:        idx,
			FileName:  domain.BaseName(domain.FormatValue(imgPath)),
			Position:  nullable(rec.Get(domain.ColumnPosition)),
			ProductID: nullable(rec.Get(domain.ColumnProductID)),
			SN:        nullable(rec.Get(domain.ColumnCode)),
			CTime:     nullable(rec.Get(domain.ColumnCTime)),
		}

		checkStatus := rec.Get(domain.ColumnCheckStatus)
		if !domain.Truthy(checkStatus) {
			result.Document.Images = append(result.Document.Images, image)
			continue
		}
		image.CheckStatus = checkStatus

		predictions, err := decodePredictions(rec.Get(domain.ColumnInferRawResult))
		if err != nil {
			result.Skips = append(result.Skips, rowSkip(idx, domain.SkipUndecodablePredictions, err.Error()))
			if opts.KeepUndecodableImages {
				result.Document.Images = append(result.Document.Images, image)
			}
			continue
		}
		result.Document.Images = append(result.Document.Images, image)

		for pIdx, raw := range predictions {
			ann, skip := buildAnnotation(idx, raw, name2id)
			if skip != nil {
				skip.Prediction = pIdx
				result.Skips = append(result.Skips, *skip)
				continue
			}
			result.Document.Annotations = append(result.Document.Annotations, ann)
		}
	}

	return result
}

func decodePredictions(value any) ([]json.RawMessage, error) {
	var payload []byte
	switch v := value.(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	case map[string]any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		payload = encoded
	default:
		if !domain.Truthy(v) {
			return nil, nil
		}
		return nil, fmt.Errorf("unsupported infer_raw_result type %T", v)
	}

	var parsed *inferRawResult
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, err
	}
	if parsed == nil {
		return nil, nil
	}
	return parsed.Predictions, nil
}

// buildAnnotation uses only the first point of a prediction for its box.
func buildAnnotation(imageID int, raw json.RawMessage, name2id map[string]int) (domain.COCOAnnotation, *domain.Skip) {
	var pred rawPrediction
	if err := json.Unmarshal(raw, &pred); err != nil {
		return domain.COCOAnnotation{}, &domain.Skip{Row: imageID, Reason: domain.SkipMalformedPrediction, Detail: err.Error()}
	}
	if len(pred.Points) == 0 {
		return domain.COCOAnnotation{}, &domain.Skip{Row: imageID, Reason: domain.SkipMissingPoints}
	}

	pt := pred.Points[0]
	if pt == nil || pt.X == nil || pt.Y == nil || pt.W == nil || pt.H == nil {
		return domain.COCOAnnotation{}, &domain.Skip{Row: imageID, Reason: domain.SkipIncompleteBBox}
	}

	if pred.Name == nil {
		return domain.COCOAnnotation{}, &domain.Skip{Row: imageID, Reason: domain.SkipUnknownCategory}
	}
	categoryID, ok := name2id[*pred.Name]
	if !ok {
		return domain.COCOAnnotation{}, &domain.Skip{Row: imageID, Reason: domain.SkipUnknownCategory, Detail: *pred.Name}
	}

	x, y, w, h := *pt.X, *pt.Y, *pt.W, *pt.H
	return domain.COCOAnnotation{
		ImageID:    imageID,
		CategoryID: categoryID,
		BBox:       [4]float64{x, y, w, h},
		Area:       w * h,
		Score:      pred.Confidence,
		Category:   *pred.Name,
		DefectType: pred.DefectType,
	}, nil
}

func rowSkip(row int, reason domain.SkipReason, detail string) domain.Skip {
	return domain.Skip{Row: row, Prediction: -1, Reason: reason, Detail: detail}
}

func nullable(v any) any {
	if domain.IsNull(v) {
		return nil
	}
	return v
}

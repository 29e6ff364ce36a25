package usecase

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kirillkom/defect-dataset-exporter/internal/core/domain"
	"github.com/kirillkom/defect-dataset-exporter/internal/core/tabular"
)

// EncodeDocument writes doc as UTF-8 JSON indented by four spaces, leaving
// non-ASCII names unescaped.
func EncodeDocument(w io.Writer, doc domain.COCODocument) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode coco document: %w", err)
	}
	return nil
}

func MarshalDocument(doc domain.COCODocument) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeDocument(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeDocument reads a stored document. Numbers in the untyped row
// fields stay json.Number so large serials are written back verbatim.
func DecodeDocument(r io.Reader) (domain.COCODocument, error) {
	var doc domain.COCODocument
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return domain.COCODocument{}, fmt.Errorf("decode coco document: %w", err)
	}
	return doc, nil
}

// ConvertCSVFile compiles a result CSV on disk into a COCO JSON file.
func ConvertCSVFile(csvPath, cocoPath string, categories *domain.CategoryTable, opts CompileOptions) (domain.CompileResult, error) {
	in, err := os.Open(csvPath)
	if err != nil {
		return domain.CompileResult{}, fmt.Errorf("open csv: %w", err)
	}
	defer in.Close()

	table, err := tabular.ReadCSV(in)
	if err != nil {
		return domain.CompileResult{}, err
	}
	result := CompileAnnotations(table, categories, opts)

	if dir := filepath.Dir(cocoPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return domain.CompileResult{}, fmt.Errorf("create output dir: %w", err)
		}
	}
	out, err := os.Create(cocoPath)
	if err != nil {
		return domain.CompileResult{}, fmt.Errorf("create coco file: %w", err)
	}
	if err := EncodeDocument(out, result.Document); err != nil {
		_ = out.Close()
		return domain.CompileResult{}, err
	}
	if err := out.Close(); err != nil {
		return domain.CompileResult{}, fmt.Errorf("close coco file: %w", err)
	}
	return result, nil
}

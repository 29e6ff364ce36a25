package spreadsheet

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/defect-dataset-exporter/internal/core/domain"
)

const SheetName = "result"

// Converter renders tables as single sheet workbooks with a bold header.
type Converter struct{}

func NewConverter() *Converter {
	return &Converter{}
}

func (c *Converter) Render(w io.Writer, table domain.Table) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}

	header := make([]any, len(table.Columns))
	for i, col := range table.Columns {
		header[i] = col
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(table.Columns) > 0 {
		if err := c.styleHeader(f, len(table.Columns)); err != nil {
			return err
		}
	}

	for i, rec := range table.Rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		values := make([]any, len(table.Columns))
		for j, col := range table.Columns {
			values[j] = cellValue(rec.Get(col))
		}
		if err := f.SetSheetRow(SheetName, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func (c *Converter) styleHeader(f *excelize.File, columns int) error {
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	last, err := excelize.CoordinatesToCellName(columns, 1)
	if err != nil {
		return fmt.Errorf("header range: %w", err)
	}
	if err := f.SetCellStyle(SheetName, "A1", last, style); err != nil {
		return fmt.Errorf("style header: %w", err)
	}
	return nil
}

// cellValue keeps numbers and booleans typed; everything else is written
// the way the CSV export shows it.
func cellValue(v any) any {
	switch x := v.(type) {
	case nil:
		return ""
	case int64, float64, bool:
		return x
	default:
		return domain.FormatValue(x)
	}
}

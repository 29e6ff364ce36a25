package tabular

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/kirillkom/defect-dataset-exporter/internal/core/domain"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// WriteCSV writes a header row followed by every record in column order.
func WriteCSV(w io.Writer, table domain.Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(table.Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	line := make([]string, len(table.Columns))
	for i, rec := range table.Rows {
		for j, col := range table.Columns {
			line[j] = domain.FormatValue(rec.Get(col))
		}
		if err := cw.Write(line); err != nil {
			return fmt.Errorf("write csv row %d: %w", i, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// ReadCSV parses a header row plus records, inferring cell types.
func ReadCSV(r io.Reader) (domain.Table, error) {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Table{}, fmt.Errorf("read csv header: empty input")
		}
		return domain.Table{}, fmt.Errorf("read csv header: %w", err)
	}
	columns := make([]string, len(header))
	copy(columns, header)

	table := domain.Table{Columns: columns, Rows: make([]domain.Record, 0)}
	for {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return domain.Table{}, fmt.Errorf("read csv row %d: %w", len(table.Rows), err)
		}
		rec := make(domain.Record, len(columns))
		for i, col := range columns {
			if i < len(fields) {
				rec[col] = InferValue(fields[i])
			} else {
				rec[col] = nil
			}
		}
		table.Rows = append(table.Rows, rec)
	}
	return table, nil
}

// InferValue turns a CSV cell into nil, int64, float64, bool or string.
// Integers are only inferred when they format back to the same text, so
// codes such as "000123" stay strings.
func InferValue(s string) any {
	switch s {
	case "":
		return nil
	case "True", "true":
		return true
	case "False", "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if strconv.FormatInt(n, 10) == s {
			return n
		}
		return s
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if strconv.FormatFloat(f, 'f', -1, 64) == s {
			return f
		}
	}
	return s
}

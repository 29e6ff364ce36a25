package domain

import (
	"math"
	"strconv"
	"strings"
)

// Column names the compiler and exporter read from query results.
const (
	ColumnImgPath        = "img_path"
	ColumnPosition       = "position"
	ColumnProductID      = "product_id"
	ColumnCode           = "code"
	ColumnCTime          = "c_time"
	ColumnCheckStatus    = "check_status"
	ColumnInferRawResult = "infer_raw_result"

	ColumnDetectionResultStatus = "detection_result_status"
	ColumnManualCheckStatus     = "manual_check_status"
)

// Record is one tabular row. Values are nil, string, int64, float64 or bool.
type Record map[string]any

func (r Record) Get(column string) any {
	if r == nil {
		return nil
	}
	return r[column]
}

// Table is an ordered query result. Row ordinals are positions in Rows.
type Table struct {
	Columns []string
	Rows    []Record
}

func (t Table) Len() int {
	return len(t.Rows)
}

func (t Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// SetColumn writes value(row) into every row, appending the column if new.
func (t *Table) SetColumn(name string, value func(Record) any) {
	if !t.HasColumn(name) {
		t.Columns = append(t.Columns, name)
	}
	for _, rec := range t.Rows {
		rec[name] = value(rec)
	}
}

// IsNull reports a missing cell: nil or NaN.
func IsNull(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case float64:
		return math.IsNaN(x)
	default:
		return false
	}
}

// Truthy mirrors the loose flag semantics of check_status columns.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case int:
		return x != 0
	case float64:
		return x != 0 && !math.IsNaN(x)
	case string:
		return x != ""
	default:
		return true
	}
}

// FormatValue renders a cell the way it is written to CSV.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "True"
		}
		return "False"
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		if math.IsNaN(x) {
			return ""
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []byte:
		return string(x)
	default:
		return ""
	}
}

// BaseName returns the final path segment for both slash styles, since
// image paths may come from Windows hosts.
func BaseName(path string) string {
	path = strings.TrimRight(path, `/\`)
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

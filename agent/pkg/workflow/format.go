package workflow

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// MaxFormattedRows is the number of rows rendered into phase output text.
const MaxFormattedRows = 50

// FormatValue renders a scanned column value, dereferencing pointers such as
// nullable columns and decimals.
func FormatValue(v any) string {
	if v == nil {
		return "NULL"
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return "NULL"
		}
		rv = rv.Elem()
	}
	switch val := rv.Interface().(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case []byte:
		return string(val)
	case float32:
		return formatFloat(float64(val))
	case float64:
		return formatFloat(val)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

func formatFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "NULL"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return fmt.Sprintf("%.0f", f)
	}
	return fmt.Sprintf("%.4f", f)
}

// SanitizeRows replaces NaN and Inf floats with nil so rows stay JSON-safe.
func SanitizeRows(rows []map[string]any) {
	for _, row := range rows {
		for k, v := range row {
			switch f := v.(type) {
			case float64:
				if math.IsNaN(f) || math.IsInf(f, 0) {
					row[k] = nil
				}
			case float32:
				if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
					row[k] = nil
				}
			}
		}
	}
}

// FormatRows renders a result as a pipe-separated table, truncated to
// MaxFormattedRows rows.
func FormatRows(columns []string, rows []map[string]any) string {
	if len(rows) == 0 {
		return "Query returned no results."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Results (%d rows):\n", len(rows))
	sb.WriteString("Columns: " + strings.Join(columns, " | ") + "\n")
	sb.WriteString(strings.Repeat("-", 40) + "\n")

	for _, row := range rows[:min(MaxFormattedRows, len(rows))] {
		values := make([]string, 0, len(columns))
		for _, col := range columns {
			values = append(values, FormatValue(row[col]))
		}
		sb.WriteString(strings.Join(values, " | ") + "\n")
	}

	if len(rows) > MaxFormattedRows {
		fmt.Fprintf(&sb, "... and %d more rows\n", len(rows)-MaxFormattedRows)
	}
	return sb.String()
}

// ExtractSQL pulls the query out of LLM or phase output, preferring a ```sql
// fenced block and falling back to the whole text.
func ExtractSQL(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if block, ok := extractFencedBlock(text, "sql"); ok {
		text = block
	} else if !looksLikeSQL(text) {
		return ""
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, ";")
	return strings.TrimSpace(text)
}

func looksLikeSQL(text string) bool {
	upper := strings.ToUpper(strings.TrimSpace(text))
	return strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "WITH")
}

// SQLErrorMessage returns the message following the SQL error marker, or "".
func SQLErrorMessage(output string) string {
	idx := strings.Index(output, SQLErrorMarker)
	if idx == -1 {
		return ""
	}
	rest := output[idx+len(SQLErrorMarker):]
	rest = strings.TrimLeft(rest, ":* ")
	if nl := strings.Index(rest, "\n"); nl != -1 {
		rest = rest[:nl]
	}
	return strings.TrimSpace(rest)
}

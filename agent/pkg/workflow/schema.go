package workflow

import (
	"sort"
	"strings"
)

// SchemaColumn describes one column for the schema text handed to phases.
type SchemaColumn struct {
	Table        string   `json:"table"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	SampleValues []string `json:"-"` // populated separately for categorical columns
}

// SchemaView is a view and its defining query.
type SchemaView struct {
	Name       string `json:"name"`
	Definition string `json:"as_select"`
}

// MaxCategoricalValues is the most distinct values listed for a column.
const MaxCategoricalValues = 15

// IsCategoricalType returns true if the column type should have sample values displayed.
func IsCategoricalType(colType string) bool {
	t := strings.ToLower(colType)
	if strings.Contains(t, "enum") {
		return true
	}
	if strings.Contains(t, "lowcardinality") && strings.Contains(t, "string") {
		return true
	}
	switch t {
	case "string", "nullable(string)", "text", "character varying", "varchar":
		return true
	}
	return false
}

// ShouldSkipColumn returns true for high-cardinality columns whose values are
// not worth sampling.
func ShouldSkipColumn(colName string) bool {
	name := strings.ToLower(colName)
	for _, suffix := range []string{"_id", "_key", "_code", "_at", "_time", "_timestamp", "_date", "_hash", "_email", "_address"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	for _, prefix := range []string{"id_", "uuid_"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	switch name {
	case "id", "uuid", "name", "description", "comment", "message", "error", "reason", "email":
		return true
	}
	return false
}

// joinKeys returns the *_id column names that appear in more than one table.
func joinKeys(columns []SchemaColumn) map[string]bool {
	tables := make(map[string]map[string]bool)
	for _, col := range columns {
		name := strings.ToLower(col.Name)
		if !strings.HasSuffix(name, "_id") {
			continue
		}
		if tables[name] == nil {
			tables[name] = make(map[string]bool)
		}
		tables[name][col.Table] = true
	}
	keys := make(map[string]bool)
	for name, ts := range tables {
		if len(ts) > 1 {
			keys[name] = true
		}
	}
	return keys
}

// FormatSchema renders columns and views as the text stored in schema_info.
// Columns must be grouped by table. Shared *_id columns are marked as join
// keys.
func FormatSchema(columns []SchemaColumn, views []SchemaView) string {
	viewDefs := make(map[string]string)
	for _, v := range views {
		viewDefs[v.Name] = v.Definition
	}

	tableSet := make(map[string]bool)
	for _, col := range columns {
		tableSet[col.Table] = true
	}

	var tables, viewNames []string
	for table := range tableSet {
		if _, ok := viewDefs[table]; ok {
			viewNames = append(viewNames, table)
		} else {
			tables = append(tables, table)
		}
	}
	sort.Strings(tables)
	sort.Strings(viewNames)

	var sb strings.Builder
	sb.WriteString("## AVAILABLE TABLES (use ONLY these exact names)\n\n")
	if len(tables) > 0 {
		sb.WriteString("Tables:\n")
		for _, t := range tables {
			sb.WriteString("  - " + t + "\n")
		}
		sb.WriteString("\n")
	}
	if len(viewNames) > 0 {
		sb.WriteString("Views:\n")
		for _, t := range viewNames {
			sb.WriteString("  - " + t + "\n")
		}
		sb.WriteString("\n")
	}

	keys := joinKeys(columns)
	if len(keys) > 0 {
		names := make([]string, 0, len(keys))
		for k := range keys {
			names = append(names, k)
		}
		sort.Strings(names)
		sb.WriteString("Join keys shared by multiple tables: " + strings.Join(names, ", ") + "\n\n")
	}

	sb.WriteString("---\n\n## TABLE DETAILS\n\n")

	currentTable := ""
	for _, col := range columns {
		if col.Table != currentTable {
			if currentTable != "" {
				if def, ok := viewDefs[currentTable]; ok {
					sb.WriteString("  Definition: " + def + "\n")
				}
				sb.WriteString("\n")
			}
			currentTable = col.Table
			if _, isView := viewDefs[col.Table]; isView {
				sb.WriteString(col.Table + " (VIEW):\n")
			} else {
				sb.WriteString(col.Table + ":\n")
			}
		}

		colLine := "  - " + col.Name + " (" + col.Type + ")"
		if keys[strings.ToLower(col.Name)] {
			colLine += " [JOIN KEY]"
		}
		if len(col.SampleValues) > 0 {
			colLine += " values: " + strings.Join(col.SampleValues, ", ")
		}
		sb.WriteString(colLine + "\n")
	}

	if def, ok := viewDefs[currentTable]; ok {
		sb.WriteString("  Definition: " + def + "\n")
	}

	return sb.String()
}

// FormatSamples renders per-table sample rows as the text stored in
// sample_analysis.
func FormatSamples(samples map[string]QueryResult) string {
	tables := make([]string, 0, len(samples))
	for t := range samples {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	var sb strings.Builder
	for _, t := range tables {
		res := samples[t]
		sb.WriteString("### " + t + "\n")
		if res.Error != "" {
			sb.WriteString("Sampling failed: " + res.Error + "\n\n")
			continue
		}
		sb.WriteString(FormatRows(res.Columns, res.Rows))
		sb.WriteString("\n")
	}
	if sb.Len() == 0 {
		return "No tables found."
	}
	return sb.String()
}

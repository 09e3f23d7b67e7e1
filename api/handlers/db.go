package handlers

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/malbeclabs/analyst/agent/pkg/workflow"
	"github.com/malbeclabs/analyst/api/config"
	"github.com/malbeclabs/analyst/api/metrics"
)

// isClickHouseRejection reports whether the server executed and rejected the
// query, as opposed to the connection failing.
func isClickHouseRejection(err error) bool {
	var exc *clickhouse.Exception
	return errors.As(err, &exc)
}

// DBQuerier implements workflow.Querier using the global connection pool.
type DBQuerier struct{}

// NewDBQuerier creates a new DBQuerier.
func NewDBQuerier() *DBQuerier {
	return &DBQuerier{}
}

// Query executes a SQL query and returns the result. Server exceptions are
// reported in the result; connection failures are returned as errors.
func (q *DBQuerier) Query(ctx context.Context, sql string) (workflow.QueryResult, error) {
	sql = strings.TrimSuffix(strings.TrimSpace(sql), ";")

	start := time.Now()
	rows, err := config.DB.Query(ctx, sql)
	duration := time.Since(start)
	if err != nil {
		metrics.RecordClickHouseQuery(duration, err)
		if isClickHouseRejection(err) {
			return workflow.QueryResult{SQL: sql, Error: err.Error()}, nil
		}
		return workflow.QueryResult{SQL: sql}, fmt.Errorf("failed to query clickhouse: %w", err)
	}
	defer rows.Close()

	columnTypes := rows.ColumnTypes()
	columns := make([]string, len(columnTypes))
	for i, ct := range columnTypes {
		columns[i] = ct.Name()
	}

	var resultRows []map[string]any
	for rows.Next() {
		// Scan into values typed after the column types
		values := make([]any, len(columnTypes))
		for i, ct := range columnTypes {
			values[i] = reflect.New(ct.ScanType()).Interface()
		}

		if err := rows.Scan(values...); err != nil {
			metrics.RecordClickHouseQuery(duration, err)
			return workflow.QueryResult{SQL: sql, Error: fmt.Sprintf("scan error: %v", err)}, nil
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = reflect.ValueOf(values[i]).Elem().Interface()
		}
		resultRows = append(resultRows, row)
	}

	if err := rows.Err(); err != nil {
		metrics.RecordClickHouseQuery(duration, err)
		if isClickHouseRejection(err) {
			return workflow.QueryResult{SQL: sql, Error: err.Error()}, nil
		}
		return workflow.QueryResult{SQL: sql}, fmt.Errorf("failed to read clickhouse rows: %w", err)
	}

	metrics.RecordClickHouseQuery(duration, nil)

	workflow.SanitizeRows(resultRows)

	return workflow.QueryResult{
		SQL:       sql,
		Columns:   columns,
		Rows:      resultRows,
		Count:     len(resultRows),
		Formatted: workflow.FormatRows(columns, resultRows),
	}, nil
}

// DBSchemaFetcher implements workflow.SchemaFetcher using the global connection pool.
type DBSchemaFetcher struct{}

// NewDBSchemaFetcher creates a new DBSchemaFetcher.
func NewDBSchemaFetcher() *DBSchemaFetcher {
	return &DBSchemaFetcher{}
}

// FetchSchema retrieves table columns and view definitions from ClickHouse
// and enriches low-cardinality columns with their distinct values.
func (f *DBSchemaFetcher) FetchSchema(ctx context.Context) (string, error) {
	start := time.Now()
	rows, err := config.DB.Query(ctx, `
		SELECT
			table,
			name,
			type
		FROM system.columns
		WHERE database = $1
		  AND table NOT LIKE 'stg_%'
		ORDER BY table, position
	`, config.Database())
	duration := time.Since(start)
	if err != nil {
		metrics.RecordClickHouseQuery(duration, err)
		return "", fmt.Errorf("failed to fetch columns: %w", err)
	}
	defer rows.Close()
	metrics.RecordClickHouseQuery(duration, nil)

	var columns []workflow.SchemaColumn
	for rows.Next() {
		var c workflow.SchemaColumn
		if err := rows.Scan(&c.Table, &c.Name, &c.Type); err != nil {
			return "", fmt.Errorf("failed to scan column: %w", err)
		}
		columns = append(columns, c)
	}

	start = time.Now()
	viewRows, err := config.DB.Query(ctx, `
		SELECT
			name,
			as_select
		FROM system.tables
		WHERE database = $1
		  AND engine = 'View'
		  AND name NOT LIKE 'stg_%'
	`, config.Database())
	duration = time.Since(start)
	if err != nil {
		metrics.RecordClickHouseQuery(duration, err)
		return "", fmt.Errorf("failed to fetch views: %w", err)
	}
	defer viewRows.Close()
	metrics.RecordClickHouseQuery(duration, nil)

	var views []workflow.SchemaView
	for viewRows.Next() {
		var v workflow.SchemaView
		if err := viewRows.Scan(&v.Name, &v.Definition); err != nil {
			return "", fmt.Errorf("failed to scan view: %w", err)
		}
		views = append(views, v)
	}

	f.enrichWithSampleValues(ctx, columns)
	return workflow.FormatSchema(columns, views), nil
}

func (f *DBSchemaFetcher) enrichWithSampleValues(ctx context.Context, columns []workflow.SchemaColumn) {
	for i := range columns {
		col := &columns[i]
		if !workflow.IsCategoricalType(col.Type) || workflow.ShouldSkipColumn(col.Name) {
			continue
		}
		start := time.Now()
		rows, err := config.DB.Query(ctx, fmt.Sprintf(
			"SELECT DISTINCT toString(`%s`) AS v FROM `%s` WHERE v != '' LIMIT %d",
			col.Name, col.Table, workflow.MaxCategoricalValues+1))
		metrics.RecordClickHouseQuery(time.Since(start), err)
		if err != nil {
			continue
		}
		var values []string
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				break
			}
			values = append(values, v)
		}
		rows.Close()
		if len(values) > 0 && len(values) <= workflow.MaxCategoricalValues {
			col.SampleValues = values
		}
	}
}

// DBSampler implements workflow.Sampler using the global connection pool.
type DBSampler struct {
	querier *DBQuerier
}

// NewDBSampler creates a new DBSampler.
func NewDBSampler() *DBSampler {
	return &DBSampler{querier: NewDBQuerier()}
}

// SampleTables returns the first rowsPerTable rows of every base table.
func (s *DBSampler) SampleTables(ctx context.Context, rowsPerTable int) (string, error) {
	start := time.Now()
	rows, err := config.DB.Query(ctx, `
		SELECT name
		FROM system.tables
		WHERE database = $1
		  AND engine NOT IN ('View', 'MaterializedView')
		  AND name NOT LIKE 'stg_%'
		ORDER BY name
	`, config.Database())
	duration := time.Since(start)
	metrics.RecordClickHouseQuery(duration, err)
	if err != nil {
		return "", fmt.Errorf("failed to list tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return "", fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	rows.Close()

	samples := make(map[string]workflow.QueryResult, len(tables))
	for _, table := range tables {
		res, err := s.querier.Query(ctx, fmt.Sprintf("SELECT * FROM `%s` LIMIT %d", table, rowsPerTable))
		if err != nil {
			return "", fmt.Errorf("failed to sample %s: %w", table, err)
		}
		samples[table] = res
	}
	return workflow.FormatSamples(samples), nil
}

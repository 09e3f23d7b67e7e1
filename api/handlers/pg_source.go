package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/malbeclabs/analyst/agent/pkg/workflow"
	"github.com/malbeclabs/analyst/api/config"
	"github.com/malbeclabs/analyst/api/metrics"
)

// Tables owned by the service itself, hidden from analyses.
var internalPgTables = []string{"analysis_runs", "goose_db_version"}

func isPgRejection(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}

// PgQuerier implements workflow.Querier against the global Postgres pool.
type PgQuerier struct{}

// NewPgQuerier creates a new PgQuerier.
func NewPgQuerier() *PgQuerier {
	return &PgQuerier{}
}

// Query executes a SQL query. Errors raised by the server are reported in the
// result; connection failures are returned.
func (q *PgQuerier) Query(ctx context.Context, sql string) (workflow.QueryResult, error) {
	sql = strings.TrimSuffix(strings.TrimSpace(sql), ";")

	start := time.Now()
	rows, err := config.PgPool.Query(ctx, sql)
	if err != nil {
		metrics.RecordPostgresQuery(time.Since(start), err)
		if isPgRejection(err) {
			return workflow.QueryResult{SQL: sql, Error: err.Error()}, nil
		}
		return workflow.QueryResult{SQL: sql}, fmt.Errorf("failed to query postgres: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, fd := range fields {
		columns[i] = fd.Name
	}

	var resultRows []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			metrics.RecordPostgresQuery(time.Since(start), err)
			return workflow.QueryResult{SQL: sql, Error: fmt.Sprintf("scan error: %v", err)}, nil
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		resultRows = append(resultRows, row)
	}

	// pgx reports server errors raised mid-stream here.
	if err := rows.Err(); err != nil {
		metrics.RecordPostgresQuery(time.Since(start), err)
		if isPgRejection(err) {
			return workflow.QueryResult{SQL: sql, Error: err.Error()}, nil
		}
		return workflow.QueryResult{SQL: sql}, fmt.Errorf("failed to read postgres rows: %w", err)
	}
	metrics.RecordPostgresQuery(time.Since(start), nil)

	workflow.SanitizeRows(resultRows)

	return workflow.QueryResult{
		SQL:       sql,
		Columns:   columns,
		Rows:      resultRows,
		Count:     len(resultRows),
		Formatted: workflow.FormatRows(columns, resultRows),
	}, nil
}

// PgSchemaFetcher implements workflow.SchemaFetcher for the current Postgres schema.
type PgSchemaFetcher struct{}

// NewPgSchemaFetcher creates a new PgSchemaFetcher.
func NewPgSchemaFetcher() *PgSchemaFetcher {
	return &PgSchemaFetcher{}
}

func (f *PgSchemaFetcher) FetchSchema(ctx context.Context) (string, error) {
	start := time.Now()
	rows, err := config.PgPool.Query(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = current_schema()
		  AND NOT (table_name = ANY($1))
		ORDER BY table_name, ordinal_position
	`, internalPgTables)
	metrics.RecordPostgresQuery(time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("failed to fetch columns: %w", err)
	}
	columns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (workflow.SchemaColumn, error) {
		var c workflow.SchemaColumn
		err := row.Scan(&c.Table, &c.Name, &c.Type)
		return c, err
	})
	if err != nil {
		return "", fmt.Errorf("failed to scan columns: %w", err)
	}

	start = time.Now()
	rows, err = config.PgPool.Query(ctx, `
		SELECT table_name, view_definition
		FROM information_schema.views
		WHERE table_schema = current_schema()
	`)
	metrics.RecordPostgresQuery(time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("failed to fetch views: %w", err)
	}
	views, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (workflow.SchemaView, error) {
		var v workflow.SchemaView
		err := row.Scan(&v.Name, &v.Definition)
		v.Definition = strings.Join(strings.Fields(v.Definition), " ")
		return v, err
	})
	if err != nil {
		return "", fmt.Errorf("failed to scan views: %w", err)
	}

	for i := range columns {
		col := &columns[i]
		if !workflow.IsCategoricalType(col.Type) || workflow.ShouldSkipColumn(col.Name) {
			continue
		}
		col.SampleValues = f.distinctValues(ctx, col.Table, col.Name)
	}

	return workflow.FormatSchema(columns, views), nil
}

func (f *PgSchemaFetcher) distinctValues(ctx context.Context, table, column string) []string {
	ident := pgx.Identifier{table}.Sanitize()
	col := pgx.Identifier{column}.Sanitize()
	start := time.Now()
	rows, err := config.PgPool.Query(ctx, fmt.Sprintf(
		"SELECT DISTINCT %s::text FROM %s WHERE %s IS NOT NULL LIMIT %d",
		col, ident, col, workflow.MaxCategoricalValues+1))
	metrics.RecordPostgresQuery(time.Since(start), err)
	if err != nil {
		return nil
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil || len(values) > workflow.MaxCategoricalValues {
		return nil
	}
	return values
}

// PgSampler implements workflow.Sampler for the current Postgres schema.
type PgSampler struct {
	querier *PgQuerier
}

// NewPgSampler creates a new PgSampler.
func NewPgSampler() *PgSampler {
	return &PgSampler{querier: NewPgQuerier()}
}

func (s *PgSampler) SampleTables(ctx context.Context, rowsPerTable int) (string, error) {
	start := time.Now()
	rows, err := config.PgPool.Query(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = current_schema()
		  AND table_type = 'BASE TABLE'
		  AND NOT (table_name = ANY($1))
		ORDER BY table_name
	`, internalPgTables)
	metrics.RecordPostgresQuery(time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("failed to list tables: %w", err)
	}
	tables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return "", fmt.Errorf("failed to scan table names: %w", err)
	}

	samples := make(map[string]workflow.QueryResult, len(tables))
	for _, table := range tables {
		res, err := s.querier.Query(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", pgx.Identifier{table}.Sanitize(), rowsPerTable))
		if err != nil {
			return "", fmt.Errorf("failed to sample %s: %w", table, err)
		}
		samples[table] = res
	}
	return workflow.FormatSamples(samples), nil
}

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPStatusError is a non-200 reply from the ClickHouse HTTP interface. The
// server rejected the query, so it is a task error rather than a transport
// failure.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("clickhouse error (%d): %s", e.StatusCode, e.Body)
}

// ClickHouseHTTP reads from ClickHouse over its HTTP interface. It implements
// SchemaFetcher, Querier and Sampler.
type ClickHouseHTTP struct {
	URL      string
	Database string // defaults to "default" if empty
	Username string // optional
	Password string // optional
	Client   *http.Client
}

// NewClickHouseHTTP creates a client for the given base URL.
func NewClickHouseHTTP(baseURL, database, username, password string) *ClickHouseHTTP {
	if database == "" {
		database = "default"
	}
	return &ClickHouseHTTP{
		URL:      strings.TrimRight(baseURL, "/"),
		Database: database,
		Username: username,
		Password: password,
		Client:   &http.Client{Timeout: 2 * time.Minute},
	}
}

type jsonReply struct {
	Meta []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"meta"`
	Data []map[string]any `json:"data"`
}

// doQuery executes a query and returns the response body.
func (c *ClickHouseHTTP) doQuery(ctx context.Context, query string) ([]byte, error) {
	params := url.Values{}
	params.Set("database", c.Database)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/?"+params.Encode(), strings.NewReader(query))
	if err != nil {
		return nil, err
	}
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func (c *ClickHouseHTTP) queryJSON(ctx context.Context, query string) (jsonReply, error) {
	var reply jsonReply
	body, err := c.doQuery(ctx, query+"\nFORMAT JSON")
	if err != nil {
		return reply, err
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return reply, fmt.Errorf("failed to decode clickhouse reply: %w", err)
	}
	return reply, nil
}

// Query executes sql. Rejections by the server are reported in
// QueryResult.Error.
func (c *ClickHouseHTTP) Query(ctx context.Context, sql string) (QueryResult, error) {
	sql = strings.TrimSuffix(strings.TrimSpace(sql), ";")

	reply, err := c.queryJSON(ctx, sql)
	if err != nil {
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) {
			return QueryResult{SQL: sql, Error: statusErr.Body}, nil
		}
		return QueryResult{}, fmt.Errorf("failed to query clickhouse: %w", err)
	}

	columns := make([]string, len(reply.Meta))
	for i, m := range reply.Meta {
		columns[i] = m.Name
	}
	SanitizeRows(reply.Data)
	return QueryResult{
		SQL:       sql,
		Columns:   columns,
		Rows:      reply.Data,
		Count:     len(reply.Data),
		Formatted: FormatRows(columns, reply.Data),
	}, nil
}

// FetchSchema retrieves table columns and view definitions.
func (c *ClickHouseHTTP) FetchSchema(ctx context.Context) (string, error) {
	columns, err := c.fetchColumns(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch columns: %w", err)
	}
	views, err := c.fetchViews(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch views: %w", err)
	}
	c.enrichWithSampleValues(ctx, columns)
	return FormatSchema(columns, views), nil
}

func (c *ClickHouseHTTP) fetchColumns(ctx context.Context) ([]SchemaColumn, error) {
	body, err := c.doQuery(ctx, `
		SELECT table, name, type
		FROM system.columns
		WHERE database = currentDatabase()
		ORDER BY table, position
		FORMAT JSON
	`)
	if err != nil {
		return nil, err
	}
	var result struct {
		Data []SchemaColumn `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

func (c *ClickHouseHTTP) fetchViews(ctx context.Context) ([]SchemaView, error) {
	body, err := c.doQuery(ctx, `
		SELECT name, as_select
		FROM system.tables
		WHERE database = currentDatabase()
		  AND engine = 'View'
		FORMAT JSON
	`)
	if err != nil {
		return nil, err
	}
	var result struct {
		Data []SchemaView `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// enrichWithSampleValues fetches distinct values for categorical columns.
// Failures only leave the column without values.
func (c *ClickHouseHTTP) enrichWithSampleValues(ctx context.Context, columns []SchemaColumn) {
	for i := range columns {
		col := &columns[i]
		if !IsCategoricalType(col.Type) || ShouldSkipColumn(col.Name) {
			continue
		}
		reply, err := c.queryJSON(ctx, fmt.Sprintf(
			"SELECT DISTINCT `%s` AS v FROM `%s` WHERE v IS NOT NULL AND toString(v) != '' LIMIT %d",
			col.Name, col.Table, MaxCategoricalValues+1))
		if err != nil || len(reply.Data) == 0 || len(reply.Data) > MaxCategoricalValues {
			continue
		}
		for _, row := range reply.Data {
			col.SampleValues = append(col.SampleValues, FormatValue(row["v"]))
		}
	}
}

// SampleTables returns the first rowsPerTable rows of every table.
func (c *ClickHouseHTTP) SampleTables(ctx context.Context, rowsPerTable int) (string, error) {
	reply, err := c.queryJSON(ctx, `
		SELECT name
		FROM system.tables
		WHERE database = currentDatabase()
		  AND engine NOT IN ('View', 'MaterializedView')
		ORDER BY name`)
	if err != nil {
		return "", fmt.Errorf("failed to list tables: %w", err)
	}

	samples := make(map[string]QueryResult, len(reply.Data))
	for _, row := range reply.Data {
		table, _ := row["name"].(string)
		if table == "" {
			continue
		}
		res, err := c.Query(ctx, fmt.Sprintf("SELECT * FROM `%s` LIMIT %d", table, rowsPerTable))
		if err != nil {
			return "", fmt.Errorf("failed to sample %s: %w", table, err)
		}
		samples[table] = res
	}
	return FormatSamples(samples), nil
}

// Package report renders finished analyses as standalone HTML documents and
// publishes them to a Store.
package report

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"
)

// Document is everything a rendered report shows.
type Document struct {
	RunID       string
	Title       string
	Request     string
	SQL         string
	Result      string
	Analysis    string
	GeneratedAt time.Time
}

// Store persists rendered reports and returns where they can be found.
type Store interface {
	Put(ctx context.Context, name string, body []byte) (string, error)
}

var page = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 960px; margin: 2rem auto; color: #1f2933; }
h1 { font-size: 1.6rem; }
h2 { font-size: 1.2rem; border-bottom: 1px solid #d9e2ec; padding-bottom: .25rem; }
pre { background: #f5f7fa; padding: 1rem; overflow-x: auto; white-space: pre-wrap; }
.meta { color: #627d98; font-size: .85rem; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p class="meta">Run {{.RunID}} &middot; generated {{.GeneratedAt.UTC.Format "2006-01-02 15:04 MST"}}</p>
<h2>Request</h2>
<pre>{{.Request}}</pre>
{{- if .Analysis}}
<h2>Analysis</h2>
<pre>{{.Analysis}}</pre>
{{- end}}
{{- if .SQL}}
<h2>Query</h2>
<pre>{{.SQL}}</pre>
{{- end}}
{{- if .Result}}
<h2>Result</h2>
<pre>{{.Result}}</pre>
{{- end}}
</body>
</html>
`))

// Render produces the HTML for doc.
func Render(doc Document) ([]byte, error) {
	if doc.Title == "" {
		doc.Title = "Analysis report"
	}
	var buf bytes.Buffer
	if err := page.Execute(&buf, doc); err != nil {
		return nil, fmt.Errorf("failed to render report: %w", err)
	}
	return buf.Bytes(), nil
}

// FileName returns the object name used for a run's report.
func FileName(runID string, at time.Time) string {
	id := strings.TrimSpace(runID)
	if id == "" {
		id = "adhoc"
	}
	return fmt.Sprintf("%s_%s.html", at.UTC().Format("20060102T150405Z"), id)
}

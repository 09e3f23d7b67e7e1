package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_EscapesContent(t *testing.T) {
	t.Parallel()

	html, err := Render(Document{
		RunID:       "run-1",
		Request:     "売上を分析してほしい <script>alert(1)</script>",
		SQL:         "SELECT 1",
		Analysis:    "## Key findings\n- sales grew",
		GeneratedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)

	out := string(html)
	assert.Contains(t, out, "<title>Analysis report</title>")
	assert.Contains(t, out, "売上を分析してほしい")
	assert.NotContains(t, out, "<script>alert(1)</script>")
	assert.Contains(t, out, "&lt;script&gt;")
	assert.Contains(t, out, "SELECT 1")
	assert.Contains(t, out, "2026-01-02 03:04 UTC")
	assert.NotContains(t, out, "<h2>Result</h2>", "empty sections are omitted")
}

func TestFileName(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
	assert.Equal(t, "20261019T083000Z_abc.html", FileName("abc", at))
	assert.Equal(t, "20261019T083000Z_adhoc.html", FileName("  ", at))
}

func TestFileStore_Put(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "reports")
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	location, err := store.Put(t.Context(), "../escape.html", []byte("<html></html>"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "escape.html"), location)

	data, err := os.ReadFile(location)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "<html>"))
}

func TestNewFileStore_RequiresDir(t *testing.T) {
	t.Parallel()

	_, err := NewFileStore("")
	require.Error(t, err)
}

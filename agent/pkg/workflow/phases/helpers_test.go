package phases

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/analyst/agent/pkg/report"
	"github.com/malbeclabs/analyst/agent/pkg/workflow"
)

type llmCall struct {
	System string
	User   string
}

// scriptedLLM answers by matching a substring of the system prompt.
type scriptedLLM struct {
	mu      sync.Mutex
	calls   []llmCall
	replies map[string][]string // system prompt substring -> replies in order
	err     error
}

func (l *scriptedLLM) Complete(_ context.Context, system, user string, _ ...workflow.CompleteOption) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, llmCall{System: system, User: user})
	if l.err != nil {
		return "", l.err
	}
	for marker, replies := range l.replies {
		if !strings.Contains(system, marker) || len(replies) == 0 {
			continue
		}
		reply := replies[0]
		if len(replies) > 1 {
			l.replies[marker] = replies[1:]
		}
		return reply, nil
	}
	return "", nil
}

func (l *scriptedLLM) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

// fakeQuerier fails any query containing a bad fragment.
type fakeQuerier struct {
	mu       sync.Mutex
	executed []string
	bad      string
	err      error
}

func (q *fakeQuerier) Query(_ context.Context, sql string) (workflow.QueryResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.executed = append(q.executed, sql)
	if q.err != nil {
		return workflow.QueryResult{}, q.err
	}
	if q.bad != "" && strings.Contains(sql, q.bad) {
		return workflow.QueryResult{SQL: sql, Error: "Unknown identifier " + q.bad}, nil
	}
	rows := []map[string]any{{"month": "2026-01", "sales": 1200.0}}
	return workflow.QueryResult{
		SQL:       sql,
		Columns:   []string{"month", "sales"},
		Rows:      rows,
		Count:     len(rows),
		Formatted: workflow.FormatRows([]string{"month", "sales"}, rows),
	}, nil
}

type staticSchema string

func (s staticSchema) FetchSchema(context.Context) (string, error) { return string(s), nil }

type staticSampler string

func (s staticSampler) SampleTables(context.Context, int) (string, error) { return string(s), nil }

func testPrompts() *Prompts {
	return &Prompts{
		Interpreter:  "PROMPT:interpreter",
		GapDetector:  "PROMPT:gap_detector",
		SQLGenerator: "PROMPT:sql_generator",
		SQLFixer:     "PROMPT:sql_fixer",
		Analyzer:     "PROMPT:analyzer",
		Coordinator:  "PROMPT:coordinator",
	}
}

func newTestConfig(t *testing.T, llm *scriptedLLM, q *fakeQuerier) *Config {
	t.Helper()
	store, err := report.NewFileStore(t.TempDir())
	require.NoError(t, err)
	cfg := &Config{
		LLM:           llm,
		Querier:       q,
		SchemaFetcher: staticSchema("sales(month String, sales Float64)"),
		Sampler:       staticSampler("sales: 2026-01 | 1200"),
		Prompts:       testPrompts(),
		Reports:       store,
		Clock:         clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)),
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func stateWith(t *testing.T, values map[workflow.Key]string) *workflow.State {
	t.Helper()
	s := workflow.NewState()
	for k, v := range values {
		require.NoError(t, s.Set(k, v))
	}
	return s
}

func collect(events *[]workflow.Event) workflow.Narrator {
	return func(e workflow.Event) { *events = append(*events, e) }
}

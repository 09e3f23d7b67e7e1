//go:build evals

package evals_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/analyst/agent/pkg/report"
	"github.com/malbeclabs/analyst/agent/pkg/workflow"
	"github.com/malbeclabs/analyst/agent/pkg/workflow/controller"
	"github.com/malbeclabs/analyst/agent/pkg/workflow/phases"
	"github.com/malbeclabs/analyst/api/config"
	apitesting "github.com/malbeclabs/analyst/api/testing"
)

var sharedDB *apitesting.ClickHouseDB

func init() {
	_ = godotenv.Load(".env")
}

func TestMain(m *testing.M) {
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		fmt.Fprintln(os.Stderr, "ANTHROPIC_API_KEY not set, skipping evals")
		os.Exit(0)
	}

	var err error
	sharedDB, err = apitesting.NewClickHouseDB(context.Background(), testLogger(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start ClickHouse container: %v\n", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}

func testLogger() *slog.Logger {
	level := slog.LevelInfo
	if _, debug := getDebugLevel(); debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// getDebugLevel parses the DEBUG environment variable.
func getDebugLevel() (int, bool) {
	debugLevel := 0
	switch os.Getenv("DEBUG") {
	case "1", "true", "TRUE":
		debugLevel = 1
	case "2":
		debugLevel = 2
	}
	return debugLevel, debugLevel > 0
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "... (truncated)"
}

// seedSales creates a database for the test with a small sales dataset.
func seedSales(t *testing.T) {
	t.Helper()
	apitesting.SetupTestClickHouse(t, sharedDB)
	ctx := t.Context()

	statements := []string{
		`CREATE TABLE sales (
			order_id UInt64,
			order_date Date,
			region LowCardinality(String),
			product LowCardinality(String),
			quantity UInt32,
			revenue Float64
		) ENGINE = MergeTree ORDER BY order_id`,
		`INSERT INTO sales VALUES
			(1, '2026-01-15', 'emea', 'widget', 10, 1000),
			(2, '2026-01-20', 'apac', 'widget', 5, 500),
			(3, '2026-02-03', 'emea', 'gadget', 2, 800),
			(4, '2026-02-17', 'amer', 'widget', 8, 800),
			(5, '2026-03-09', 'apac', 'gadget', 4, 1600),
			(6, '2026-03-28', 'emea', 'widget', 1, 100)`,
	}
	for _, stmt := range statements {
		require.NoError(t, config.DB.Exec(ctx, stmt), "failed to execute: %s", truncate(stmt, 80))
	}
}

// newController wires the production phases against the test database.
func newController(t *testing.T) *controller.Controller {
	t.Helper()
	prompts, err := phases.LoadPrompts()
	require.NoError(t, err)
	reports, err := report.NewFileStore(t.TempDir())
	require.NoError(t, err)

	ch := workflow.NewClickHouseHTTP(sharedDB.HTTPAddr(), config.Database(), sharedDB.Username(), sharedDB.Password())
	clock := clockwork.NewRealClock()
	log := testLogger()

	var llm workflow.LLMClient = workflow.NewAnthropicLLMClientWithName(anthropic.ModelClaudeHaiku4_5, 4096, "eval-phases")
	if level, debug := getDebugLevel(); debug {
		llm = &debugLLMClient{LLMClient: llm, t: t, debugLevel: level}
	}

	registry, err := phases.NewRegistry(&phases.Config{
		Logger:        log,
		LLM:           llm,
		Querier:       ch,
		SchemaFetcher: ch,
		Sampler:       ch,
		Prompts:       prompts,
		Reports:       reports,
		Clock:         clock,
	})
	require.NoError(t, err)
	oracle, err := phases.NewLLMOracle(llm, prompts, clock)
	require.NoError(t, err)

	ctrl, err := controller.New(&controller.Config{
		Logger:   log,
		Registry: registry,
		Oracle:   oracle,
		Clock:    clock,
	})
	require.NoError(t, err)
	return ctrl
}

func logNarration(t *testing.T) workflow.Narrator {
	return func(e workflow.Event) {
		t.Logf("[%s] %s", e.Author, truncate(e.Text, 300))
	}
}

// Expectation is a fact the evaluator must find in the analysis.
type Expectation struct {
	Description   string
	ExpectedValue string
	Rationale     string
}

// evaluateResponse asks Haiku whether response answers question and meets
// every expectation.
func evaluateResponse(t *testing.T, ctx context.Context, question, response string, expectations ...Expectation) (bool, error) {
	var lines []string
	for i, exp := range expectations {
		line := fmt.Sprintf("%d. %s: %s", i+1, exp.Description, exp.ExpectedValue)
		if exp.Rationale != "" {
			line += fmt.Sprintf(" (%s)", exp.Rationale)
		}
		lines = append(lines, line)
	}

	evalPrompt := fmt.Sprintf(`You are evaluating whether a data analysis correctly answers a user's request.

Current date: %s

Request: %s

Analysis:
%s

Expectations (ALL must be met):
%s

The analysis is based on an internal database; the expectations define the correct values. Do NOT fact-check against external knowledge.
Additional relevant detail is acceptable.

Respond with only "YES" or "NO" followed by a brief explanation.`,
		time.Now().UTC().Format("January 2, 2006"), question, response, strings.Join(lines, "\n"))

	evaluator := workflow.NewAnthropicLLMClientWithName(anthropic.ModelClaudeHaiku4_5, 1024, "eval")
	reply, err := evaluator.Complete(ctx, "You are a test evaluator. Respond with YES or NO followed by a brief explanation.", evalPrompt)
	if err != nil {
		return false, fmt.Errorf("evaluation API call failed: %w", err)
	}

	verdict := strings.ToUpper(strings.TrimSpace(reply))
	switch {
	case strings.HasPrefix(verdict, "YES"):
		t.Logf("Evaluation (PASS): %s", strings.TrimSpace(reply))
		return true, nil
	case strings.HasPrefix(verdict, "NO"):
		t.Logf("Evaluation (FAIL): %s", strings.TrimSpace(reply))
		return false, nil
	}
	t.Logf("Evaluation response was unclear: %s", reply)
	return false, nil
}

// debugLLMClient logs every completion when DEBUG is set.
type debugLLMClient struct {
	workflow.LLMClient
	t          *testing.T
	debugLevel int
}

func (d *debugLLMClient) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...workflow.CompleteOption) (string, error) {
	if d.debugLevel == 1 {
		d.t.Logf("LLM call (system: %d chars, user: %d chars)", len(systemPrompt), len(userPrompt))
	} else {
		d.t.Logf("LLM call\n  System: %s\n  User: %s", truncate(systemPrompt, 200), truncate(userPrompt, 500))
	}
	resp, err := d.LLMClient.Complete(ctx, systemPrompt, userPrompt, opts...)
	if err != nil {
		d.t.Logf("LLM error: %v", err)
		return resp, err
	}
	if d.debugLevel >= 2 {
		d.t.Logf("LLM response:\n%s", resp)
	}
	return resp, nil
}

// Package phases implements the capabilities bound to each workflow phase and
// assembles them into a registry.
package phases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/analyst/agent/pkg/report"
	"github.com/malbeclabs/analyst/agent/pkg/workflow"
)

const (
	// DefaultSampleRows is the number of rows sampled from each table.
	DefaultSampleRows = 5

	// DefaultDialect describes the SQL flavour when none is configured.
	DefaultDialect = "ClickHouse SQL"
)

// Config holds the dependencies shared by all phase capabilities.
type Config struct {
	Logger        *slog.Logger
	LLM           workflow.LLMClient
	Querier       workflow.Querier
	SchemaFetcher workflow.SchemaFetcher
	Sampler       workflow.Sampler
	Prompts       *Prompts
	Reports       report.Store
	Clock         clockwork.Clock

	Dialect     string
	SampleRows  int
	RetryPasses int
}

// Validate checks required dependencies and fills in defaults.
func (c *Config) Validate() error {
	switch {
	case c.LLM == nil:
		return errors.New("LLM client is required")
	case c.Querier == nil:
		return errors.New("querier is required")
	case c.SchemaFetcher == nil:
		return errors.New("schema fetcher is required")
	case c.Sampler == nil:
		return errors.New("sampler is required")
	case c.Prompts == nil:
		return errors.New("prompts are required")
	case c.Reports == nil:
		return errors.New("report store is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Dialect == "" {
		c.Dialect = DefaultDialect
	}
	if c.SampleRows <= 0 {
		c.SampleRows = DefaultSampleRows
	}
	if c.RetryPasses <= 0 {
		c.RetryPasses = workflow.DefaultRetryPasses
	}
	return nil
}

// logInfo logs an info message if a logger is configured.
func (c *Config) logInfo(msg string, args ...any) {
	if c.Logger != nil {
		c.Logger.Info(msg, args...)
	}
}

// complete calls the LLM with a dated system prompt.
func (c *Config) complete(ctx context.Context, basePrompt, schema, userPrompt string) (string, error) {
	system := BuildSystemPrompt(basePrompt, schema, c.Dialect, c.Clock.Now())
	resp, err := c.LLM.Complete(ctx, system, userPrompt, workflow.WithCacheControl())
	if err != nil {
		return "", fmt.Errorf("LLM call failed: %w", err)
	}
	return resp, nil
}

// NewRegistry binds every phase to its capability. The sql_error_handler
// phase is a retry loop of generate, execute, fix and exit-check steps.
func NewRegistry(cfg *Config) (*workflow.Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid phase config: %w", err)
	}

	loop, err := workflow.NewRetryLoop(workflow.KeyQueryExecutionResult,
		workflow.RetryStep{Name: "generate", Capability: &SQLGenerator{cfg: cfg, reuse: true}, OutputKey: workflow.KeySQLQueryInfo},
		workflow.RetryStep{Name: "execute", Capability: &QueryExecutor{cfg: cfg}, OutputKey: workflow.KeyQueryExecutionResult},
		workflow.RetryStep{Name: "fix", Capability: &ErrorFixer{cfg: cfg}, OutputKey: workflow.KeyFixedSQLInfo},
		workflow.RetryStep{Name: "check_exit", Capability: &ExitCheck{}, OutputKey: workflow.KeyRetrievalExit},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build retry loop: %w", err)
	}
	loop.MaxPasses = cfg.RetryPasses

	return workflow.NewRegistry(
		workflow.Descriptor{Phase: workflow.PhaseRequestInterpreter, Capability: &Interpreter{cfg: cfg}, OutputKey: workflow.KeyInterpretedRequest},
		workflow.Descriptor{Phase: workflow.PhaseInformationGapDetector, Capability: &GapDetector{cfg: cfg}, OutputKey: workflow.KeyInformationGapAnalysis},
		workflow.Descriptor{Phase: workflow.PhaseUserConfirmation, Capability: &Clarifier{}, OutputKey: workflow.KeyClarificationRequest},
		workflow.Descriptor{Phase: workflow.PhaseSchemaExplorer, Capability: &SchemaExplorer{cfg: cfg}, OutputKey: workflow.KeySchemaInfo},
		workflow.Descriptor{Phase: workflow.PhaseDataSampler, Capability: &DataSampler{cfg: cfg}, OutputKey: workflow.KeySampleAnalysis},
		workflow.Descriptor{Phase: workflow.PhaseSQLGenerator, Capability: &SQLGenerator{cfg: cfg}, OutputKey: workflow.KeySQLQueryInfo},
		workflow.Descriptor{Phase: workflow.PhaseSQLErrorHandler, Capability: loop, OutputKey: workflow.KeyQueryExecutionResult},
		workflow.Descriptor{Phase: workflow.PhaseDataAnalyzer, Capability: &Analyzer{cfg: cfg}, OutputKey: workflow.KeyAnalysisResults},
		workflow.Descriptor{Phase: workflow.PhaseReportGenerator, Capability: &ReportGenerator{cfg: cfg}, OutputKey: workflow.KeyReportInfo},
	)
}

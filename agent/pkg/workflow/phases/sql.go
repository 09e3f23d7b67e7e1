package phases

import (
	"context"
	"fmt"
	"strings"

	"github.com/malbeclabs/analyst/agent/pkg/workflow"
)

// SQLGenerator writes the analysis query.
//
// As a phase it always generates. Inside the retry loop (reuse) it keeps the
// current query until that query has failed, then adopts the fixer's query
// if it differs, and otherwise regenerates with the error as context.
type SQLGenerator struct {
	cfg   *Config
	reuse bool
}

func (p *SQLGenerator) Execute(ctx context.Context, state workflow.StateReader, narrate workflow.Narrator) (workflow.PhaseOutput, error) {
	author := string(workflow.PhaseSQLGenerator)
	current := workflow.ExtractSQL(state.Get(workflow.KeySQLQueryInfo))
	lastResult := state.Get(workflow.KeyQueryExecutionResult)

	if p.reuse && current != "" {
		if !failedWith(lastResult, current) {
			return workflow.PhaseOutput{Value: fenceSQL(current)}, nil
		}
		if fixed := workflow.ExtractSQL(state.Get(workflow.KeyFixedSQLInfo)); fixed != "" && fixed != current {
			narrate.Say(author, "Using the repaired query")
			return workflow.PhaseOutput{Value: fenceSQL(fixed)}, nil
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Analysis request:\n%s\n", workflow.RequestText(state))
	if samples := state.Get(workflow.KeySampleAnalysis); samples != "" {
		fmt.Fprintf(&sb, "\nSample rows:\n%s\n", samples)
	}
	if workflow.HasSQLError(lastResult) {
		fmt.Fprintf(&sb, "\nThe previous query failed. Avoid the same mistake.\n%s\n", lastResult)
	}

	narrate.Say(author, "Writing the SQL query")
	resp, err := p.cfg.complete(ctx, p.cfg.Prompts.SQLGenerator, state.Get(workflow.KeySchemaInfo), sb.String())
	if err != nil {
		return workflow.PhaseOutput{}, err
	}

	sql := workflow.ExtractSQL(resp)
	if sql == "" {
		narrate.Say(author, "The reply did not contain a query")
		return workflow.PhaseOutput{Value: strings.TrimSpace(resp)}, nil
	}
	p.cfg.logInfo("phases: generated SQL", "sql", sql)
	return workflow.PhaseOutput{Value: fenceSQL(sql)}, nil
}

// QueryExecutor runs the current query. Database rejections become an output
// carrying the SQL error marker; only transport failures are returned.
type QueryExecutor struct {
	cfg *Config
}

func (p *QueryExecutor) Execute(ctx context.Context, state workflow.StateReader, narrate workflow.Narrator) (workflow.PhaseOutput, error) {
	author := string(workflow.PhaseSQLErrorHandler)
	sql := workflow.ExtractSQL(state.Get(workflow.KeySQLQueryInfo))
	if sql == "" {
		narrate.Say(author, "No query to execute")
		return workflow.PhaseOutput{Value: workflow.QueryResult{Error: "no SQL query to execute"}.String()}, nil
	}

	result, err := p.cfg.Querier.Query(ctx, sql)
	if err != nil {
		return workflow.PhaseOutput{}, fmt.Errorf("failed to execute query: %w", err)
	}
	if result.SQL == "" {
		result.SQL = sql
	}
	if result.Error != "" {
		narrate.Say(author, "The query failed: %s", result.Error)
	} else {
		narrate.Say(author, "The query returned %d rows", result.Count)
	}
	return workflow.PhaseOutput{Value: result.String()}, nil
}

// ErrorFixer asks the LLM to repair the last failing query.
type ErrorFixer struct {
	cfg *Config
}

func (p *ErrorFixer) Execute(ctx context.Context, state workflow.StateReader, narrate workflow.Narrator) (workflow.PhaseOutput, error) {
	result := state.Get(workflow.KeyQueryExecutionResult)
	if !workflow.HasSQLError(result) {
		return workflow.PhaseOutput{Value: "No SQL error to fix."}, nil
	}

	user := fmt.Sprintf("Failing query:\n%s\n\nDatabase error:\n%s\n\nAnalysis request:\n%s",
		fenceSQL(workflow.ExtractSQL(state.Get(workflow.KeySQLQueryInfo))),
		workflow.SQLErrorMessage(result),
		workflow.RequestText(state))

	narrate.Say(string(workflow.PhaseSQLErrorHandler), "Repairing the query")
	resp, err := p.cfg.complete(ctx, p.cfg.Prompts.SQLFixer, state.Get(workflow.KeySchemaInfo), user)
	if err != nil {
		return workflow.PhaseOutput{}, err
	}
	return workflow.PhaseOutput{Value: strings.TrimSpace(resp)}, nil
}

// ExitCheck stops the retry loop once a query succeeded.
type ExitCheck struct{}

func (p *ExitCheck) Execute(_ context.Context, state workflow.StateReader, narrate workflow.Narrator) (workflow.PhaseOutput, error) {
	result := state.Get(workflow.KeyQueryExecutionResult)
	if result == "" {
		return workflow.PhaseOutput{Value: "No result yet."}, nil
	}
	if workflow.HasSQLError(result) {
		return workflow.PhaseOutput{Value: "Query failed: " + workflow.SQLErrorMessage(result)}, nil
	}
	narrate.Say(string(workflow.PhaseSQLErrorHandler), "Data retrieved")
	return workflow.PhaseOutput{Value: "Query succeeded.", Stop: true}, nil
}

// failedWith reports whether result is a failed execution of sql.
func failedWith(result, sql string) bool {
	return workflow.HasSQLError(result) && workflow.ExtractSQL(result) == sql
}

func fenceSQL(sql string) string {
	return "```sql\n" + sql + "\n```"
}

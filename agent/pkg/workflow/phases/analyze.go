package phases

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/malbeclabs/analyst/agent/pkg/report"
	"github.com/malbeclabs/analyst/agent/pkg/workflow"
)

// Analyzer interprets the query result.
type Analyzer struct {
	cfg *Config
}

func (p *Analyzer) Execute(ctx context.Context, state workflow.StateReader, narrate workflow.Narrator) (workflow.PhaseOutput, error) {
	author := string(workflow.PhaseDataAnalyzer)
	result := state.Get(workflow.KeyQueryExecutionResult)
	if result == "" || workflow.HasSQLError(result) {
		narrate.Say(author, "No successful query result to analyze")
		return workflow.PhaseOutput{Value: "Analysis skipped: no successful query result."}, nil
	}

	user := fmt.Sprintf("Analysis request:\n%s\n\nQuery result:\n%s", workflow.RequestText(state), result)
	narrate.Say(author, "Analyzing the result")
	resp, err := p.cfg.complete(ctx, p.cfg.Prompts.Analyzer, "", user)
	if err != nil {
		return workflow.PhaseOutput{}, err
	}
	return workflow.PhaseOutput{Value: strings.TrimSpace(resp)}, nil
}

// ReportInfo is stored under html_report_info.
type ReportInfo struct {
	Location string `json:"location"`
	Bytes    int    `json:"bytes"`
}

// ReportGenerator renders and stores the HTML report.
type ReportGenerator struct {
	cfg *Config
}

func (p *ReportGenerator) Execute(ctx context.Context, state workflow.StateReader, narrate workflow.Narrator) (workflow.PhaseOutput, error) {
	runID, _ := workflow.RunIDFromContext(ctx)
	now := p.cfg.Clock.Now()

	html, err := report.Render(report.Document{
		RunID:       runID,
		Request:     workflow.RequestText(state),
		SQL:         workflow.ExtractSQL(state.Get(workflow.KeySQLQueryInfo)),
		Result:      state.Get(workflow.KeyQueryExecutionResult),
		Analysis:    state.Get(workflow.KeyAnalysisResults),
		GeneratedAt: now,
	})
	if err != nil {
		return workflow.PhaseOutput{}, err
	}

	location, err := p.cfg.Reports.Put(ctx, report.FileName(runID, now), html)
	if err != nil {
		return workflow.PhaseOutput{}, fmt.Errorf("failed to store report: %w", err)
	}
	narrate.Say(string(workflow.PhaseReportGenerator), "Report saved to %s", location)

	info, err := json.Marshal(ReportInfo{Location: location, Bytes: len(html)})
	if err != nil {
		return workflow.PhaseOutput{}, fmt.Errorf("failed to encode report info: %w", err)
	}
	return workflow.PhaseOutput{Value: string(info)}, nil
}

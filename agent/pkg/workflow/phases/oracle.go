package phases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/analyst/agent/pkg/workflow"
)

// LLMOracle asks the LLM to choose the next phase from a context summary. It
// returns the raw reply; parsing and fallback happen in the controller.
type LLMOracle struct {
	llm    workflow.LLMClient
	prompt string
	clock  clockwork.Clock
}

// NewLLMOracle creates an oracle using the coordinator prompt.
func NewLLMOracle(llm workflow.LLMClient, prompts *Prompts, clock clockwork.Clock) (*LLMOracle, error) {
	if llm == nil {
		return nil, errors.New("LLM client is required")
	}
	if prompts == nil {
		return nil, errors.New("prompts are required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LLMOracle{llm: llm, prompt: prompts.Coordinator, clock: clock}, nil
}

func (o *LLMOracle) Decide(ctx context.Context, summary workflow.ContextSummary) (string, error) {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode context summary: %w", err)
	}
	user := fmt.Sprintf("Phase %s just finished (cycle %d).\n\nContext summary:\n```json\n%s\n```\n\nChoose the next phase.",
		summary.CurrentPhase, summary.IterationCount, data)

	system := BuildSystemPrompt(o.prompt, "", "", o.clock.Now())
	reply, err := o.llm.Complete(ctx, system, user, workflow.WithCacheControl())
	if err != nil {
		return "", fmt.Errorf("coordinator call failed: %w", err)
	}
	return reply, nil
}

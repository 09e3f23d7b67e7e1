package handlers

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/getsentry/sentry-go"

	"github.com/malbeclabs/analyst/agent/pkg/workflow"
	"github.com/malbeclabs/analyst/api/metrics"
)

// DefaultModel is used for phases and the decision oracle unless overridden
// with ANTHROPIC_MODEL.
const DefaultModel = anthropic.ModelClaudeHaiku4_5

const llmMaxTokens = 4096

// NewLLMClient creates the Anthropic client used by analyses, reporting usage
// to Prometheus and wrapping each call in a Sentry span.
func NewLLMClient(model anthropic.Model, name string) workflow.LLMClient {
	client := workflow.NewAnthropicLLMClientWithName(model, llmMaxTokens, name)
	client.OnUsage = func(u workflow.Usage) {
		metrics.RecordAnthropicRequest("messages", u.Duration, u.Err)
		if u.Err == nil {
			metrics.RecordAnthropicTokens(u.InputTokens, u.OutputTokens)
		}
	}
	return &tracedLLM{inner: client, model: string(model), name: name}
}

// tracedLLM records a gen_ai span around each completion.
type tracedLLM struct {
	inner workflow.LLMClient
	model string
	name  string
}

func (t *tracedLLM) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...workflow.CompleteOption) (string, error) {
	span := sentry.StartSpan(ctx, "gen_ai.chat", sentry.WithDescription(fmt.Sprintf("chat %s", t.model)))
	span.SetData("gen_ai.operation.name", "chat")
	span.SetData("gen_ai.request.model", t.model)
	span.SetData("gen_ai.request.max_tokens", llmMaxTokens)
	span.SetData("analyst.llm.name", t.name)
	if runID, ok := workflow.RunIDFromContext(ctx); ok {
		span.SetTag("run_id", runID)
	}
	defer span.Finish()

	text, err := t.inner.Complete(span.Context(), systemPrompt, userPrompt, opts...)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return "", err
	}
	span.Status = sentry.SpanStatusOK
	span.SetData("gen_ai.response.length", len(text))
	return text, nil
}

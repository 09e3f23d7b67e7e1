package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Usage describes one completed LLM request.
type Usage struct {
	Name         string
	Model        string
	Duration     time.Duration
	InputTokens  int64
	OutputTokens int64
	Err          error
}

// AnthropicLLMClient implements LLMClient using the Anthropic Messages API.
type AnthropicLLMClient struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	name      string

	// OnUsage, when set, is called after every request.
	OnUsage func(Usage)
}

// NewAnthropicLLMClient creates a client that reads ANTHROPIC_API_KEY from the
// environment.
func NewAnthropicLLMClient(model anthropic.Model, maxTokens int64, opts ...option.RequestOption) *AnthropicLLMClient {
	return NewAnthropicLLMClientWithName(model, maxTokens, "workflow", opts...)
}

// NewAnthropicLLMClientWithName creates a client whose usage is reported under name.
func NewAnthropicLLMClientWithName(model anthropic.Model, maxTokens int64, name string, opts ...option.RequestOption) *AnthropicLLMClient {
	return &AnthropicLLMClient{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		name:      name,
	}
}

// Complete sends a single-turn request and returns the concatenated text blocks.
func (c *AnthropicLLMClient) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error) {
	var options CompleteOptions
	for _, opt := range opts {
		opt(&options)
	}

	system := anthropic.TextBlockParam{Type: "text", Text: systemPrompt}
	if options.CacheSystemPrompt {
		system.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{system},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})

	usage := Usage{Name: c.name, Model: string(c.model), Duration: time.Since(start), Err: err}
	if err == nil {
		usage.InputTokens = msg.Usage.InputTokens
		usage.OutputTokens = msg.Usage.OutputTokens
	}
	if c.OnUsage != nil {
		c.OnUsage(usage)
	}
	if err != nil {
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

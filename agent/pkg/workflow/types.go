package workflow

import (
	"context"
	"fmt"
	"strings"
)

// Context keys for workflow tracing
type ctxKeyRunID struct{}

// ContextWithRunID adds the analysis run ID to a context for tracing.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxKeyRunID{}, runID)
}

// RunIDFromContext extracts the run ID from context, if present.
func RunIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyRunID{}).(string)
	return id, ok
}

// CompleteOptions holds options for LLM completion.
type CompleteOptions struct {
	CacheSystemPrompt bool // Enable prompt caching for the system prompt
}

// CompleteOption is a functional option for Complete.
type CompleteOption func(*CompleteOptions)

// WithCacheControl enables prompt caching for the system prompt.
func WithCacheControl() CompleteOption {
	return func(o *CompleteOptions) {
		o.CacheSystemPrompt = true
	}
}

// LLMClient is the interface for interacting with an LLM.
type LLMClient interface {
	// Complete sends a prompt and returns the response text.
	Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error)
}

// Querier executes SQL queries.
//
// A query rejected by the database is reported through QueryResult.Error with a
// nil error. A non-nil error means the datastore could not be reached at all.
type Querier interface {
	Query(ctx context.Context, sql string) (QueryResult, error)
}

// SchemaFetcher retrieves database schema information.
type SchemaFetcher interface {
	// FetchSchema returns a formatted string describing the database schema.
	FetchSchema(ctx context.Context) (string, error)
}

// Sampler returns the first rows of every table so phases can see real values.
type Sampler interface {
	SampleTables(ctx context.Context, rowsPerTable int) (string, error)
}

// PromptsProvider provides access to phase instructions.
type PromptsProvider interface {
	// GetPrompt returns the prompt content for the given name.
	GetPrompt(name string) string
}

// SQLErrorMarker is embedded in a query execution output when the datastore
// rejected the query. Decision logic matches it case-insensitively.
const SQLErrorMarker = "SQL_ERROR"

// QueryResult holds the result of a query execution.
type QueryResult struct {
	SQL       string
	Columns   []string
	Rows      []map[string]any
	Count     int
	Error     string
	Formatted string // Human-readable formatted result
}

// String renders the result as phase output text. Failed queries carry the
// SQLErrorMarker so downstream phases and the oracle can react to them.
func (r QueryResult) String() string {
	var sb strings.Builder
	sb.WriteString("```sql\n")
	sb.WriteString(strings.TrimSpace(r.SQL))
	sb.WriteString("\n```\n\n")
	if r.Error != "" {
		fmt.Fprintf(&sb, "%s: %s\n", SQLErrorMarker, r.Error)
		return sb.String()
	}
	fmt.Fprintf(&sb, "Rows: %d\n", r.Count)
	if r.Formatted != "" {
		sb.WriteString("\n")
		sb.WriteString(r.Formatted)
	}
	return sb.String()
}

// HasSQLError reports whether a phase output carries the SQL error marker.
func HasSQLError(output string) bool {
	return strings.Contains(strings.ToLower(output), strings.ToLower(SQLErrorMarker))
}

// Event is a single narration message emitted while a run progresses.
type Event struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

// Narrator receives narration events in order.
type Narrator func(Event)

// Say emits a narration event, ignoring a nil narrator.
func (n Narrator) Say(author, format string, args ...any) {
	if n == nil {
		return
	}
	text := format
	if len(args) > 0 {
		text = fmt.Sprintf(format, args...)
	}
	n(Event{Author: author, Text: text})
}

// PhaseOutput is what a capability hands back to the controller.
type PhaseOutput struct {
	// Value is stored under the phase's output key.
	Value string
	// Stop asks an enclosing RetryLoop to end after this step.
	Stop bool
	// Delta holds writes to other keys, for composite capabilities whose
	// steps own those keys. It is merged before Value.
	Delta map[Key]string
}

// PhaseCapability is the unit of work bound to a phase.
//
// Implementations read state through the view and never write to it; the
// controller stores the returned output under the descriptor's key.
type PhaseCapability interface {
	Execute(ctx context.Context, state StateReader, narrate Narrator) (PhaseOutput, error)
}

// CapabilityFunc adapts a function to PhaseCapability.
type CapabilityFunc func(ctx context.Context, state StateReader, narrate Narrator) (PhaseOutput, error)

// Execute calls f.
func (f CapabilityFunc) Execute(ctx context.Context, state StateReader, narrate Narrator) (PhaseOutput, error) {
	return f(ctx, state, narrate)
}

// DecisionOracle proposes the next phase given a summary of the run so far.
type DecisionOracle interface {
	Decide(ctx context.Context, summary ContextSummary) (string, error)
}

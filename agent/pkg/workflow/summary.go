package workflow

import (
	"strings"
	"unicode/utf8"
)

// ContextSummary is what the oracle sees when choosing the next phase.
type ContextSummary struct {
	Metadata
	ExecutedPhases []Phase `json:"executed_phases"`
	// Outputs holds each written phase output, truncated for the prompt.
	Outputs map[Key]string `json:"outputs,omitempty"`
}

var complexSchemaTerms = []string{"join", "複数", "関連", "foreign"}

// summaryOutputLimit bounds each output copied into the summary, in runes.
const summaryOutputLimit = 1500

// Summarize builds the context summary for the current cycle.
func Summarize(state StateReader, current Phase, iteration int) ContextSummary {
	executed := state.ExecutedPhases()
	if executed == nil {
		executed = []Phase{}
	}

	summary := ContextSummary{
		Metadata: Metadata{
			CurrentPhase:          current,
			TotalPhasesExecuted:   len(executed),
			HasSQLError:           HasSQLError(state.Get(KeyQueryExecutionResult)),
			InformationSufficient: state.InformationComplete() || HasSufficiencyMarker(state.Get(KeyInformationGapAnalysis)),
			ComplexSchema:         containsAny(strings.ToLower(state.Get(KeySchemaInfo)), complexSchemaTerms),
			IterationCount:        iteration,
		},
		ExecutedPhases: executed,
		Outputs:        make(map[Key]string),
	}

	for _, k := range keyVocabulary {
		if k == KeyPhaseDecision || !state.Has(k) {
			continue
		}
		summary.Outputs[k] = truncateRunes(state.Get(k), summaryOutputLimit)
	}
	return summary
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "\n... (truncated)"
}

package workflow

import (
	"fmt"
	"strings"
)

type questionTopic struct {
	keywords []string
	question string
}

// Topics the clarification phase asks about when the gap analysis flags them.
var questionTopics = []questionTopic{
	{
		keywords: []string{"期間", "period", "date range", "time range", "when"},
		question: "Which period should the analysis cover? (e.g. this month, last month, FY2025, a specific date range)",
	},
	{
		keywords: []string{"粒度", "granularity", "daily", "weekly", "monthly", "集計単位"},
		question: "At what granularity should results be aggregated? (daily, weekly, monthly, yearly)",
	},
	{
		keywords: []string{"対象", "target", "scope", "segment", "product", "region", "store"},
		question: "Which products, regions or segments should be included?",
	},
	{
		keywords: []string{"比較", "comparison", "compare", "baseline", "yoy", "前年"},
		question: "Should the results be compared against anything? (previous year, previous month, targets)",
	},
}

var defaultQuestions = []string{
	"Which period should the analysis cover?",
	"Which metrics matter most for this analysis?",
	"How will the results be used, and by whom?",
}

// ClarificationQuestions derives the questions to ask the user from a gap
// verdict. Each flagged missing or ambiguous point maps onto a standard
// question topic; points matching no topic are asked about verbatim. When the
// verdict flags nothing, a default set is returned.
func ClarificationQuestions(v Verdict) []string {
	var questions []string
	asked := make(map[int]bool)

	points := append(append([]string{}, v.MissingInfo...), v.AmbiguousPoints...)
	for _, point := range points {
		lower := strings.ToLower(point)
		matched := false
		for i, topic := range questionTopics {
			if containsAny(lower, topic.keywords) {
				matched = true
				if !asked[i] {
					asked[i] = true
					questions = append(questions, topic.question)
				}
			}
		}
		if !matched {
			questions = append(questions, fmt.Sprintf("Could you clarify: %s?", strings.TrimRight(point, "?？。.")))
		}
	}

	if len(questions) == 0 {
		return append([]string{}, defaultQuestions...)
	}
	return questions
}

// FormatClarificationRequest renders the message shown to the user when a run
// suspends for input.
func FormatClarificationRequest(originalRequest string, questions []string) string {
	var sb strings.Builder
	sb.WriteString("To run this analysis accurately, a few details are needed.\n\n")
	fmt.Fprintf(&sb, "Request: %s\n\n", strings.TrimSpace(originalRequest))
	sb.WriteString("Questions:\n")
	for i, q := range questions {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, q)
	}
	sb.WriteString("\nAnswer in a single message; anything left unspecified will use sensible defaults.")
	return sb.String()
}

func containsAny(text string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(text, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

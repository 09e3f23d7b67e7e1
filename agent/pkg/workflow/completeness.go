package workflow

import (
	"encoding/json"
	"regexp"
	"strings"
)

// SufficiencyThreshold is the minimum confidence for a request to count as
// complete enough to analyze.
const SufficiencyThreshold = 0.7

// Verdict is the parsed result of the information gap analysis.
type Verdict struct {
	Sufficient          bool     `json:"sufficient"`
	Confidence          float64  `json:"confidence"`
	MissingInfo         []string `json:"missing_info,omitempty"`
	AmbiguousPoints     []string `json:"ambiguous_points,omitempty"`
	AnalysisFeasibility string   `json:"analysis_feasibility,omitempty"`
	Recommendation      string   `json:"recommendation,omitempty"`
}

// verdictWire is the JSON shape produced by the gap detector.
type verdictWire struct {
	Status              string   `json:"status"`
	ConfidenceScore     float64  `json:"confidence_score"`
	MissingInfo         []string `json:"missing_info"`
	AmbiguousPoints     []string `json:"ambiguous_points"`
	AnalysisFeasibility string   `json:"analysis_feasibility"`
	Recommendation      string   `json:"recommendation"`
}

var (
	sufficientTerms   = []string{"sufficient", "十分", "完全", "問題なし"}
	insufficientTerms = []string{"insufficient", "needs_clarification", "不十分", "要確認", "不足", "曖昧"}

	missingInfoPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^\s*[-•*]\s*(.+?(?:が不明|が必要|missing|required).*)$`),
		regexp.MustCompile(`(?m)^\s*(?:不足情報|不足している情報|missing info(?:rmation)?)\s*[:：]\s*(.+)$`),
	}
	ambiguousPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^\s*[-•*]\s*(.+?(?:が曖昧|が不明確|ambiguous|unclear).*)$`),
		regexp.MustCompile(`(?m)^\s*(?:曖昧な点|曖昧な箇所|ambiguous points?)\s*[:：]\s*(.+)$`),
	}
)

// ParseVerdict classifies gap analysis output. It is a pure function: a JSON
// object is read field by field, anything else is scored against the
// sufficiency lexicons, and a malformed object yields an insufficient verdict
// with zero confidence.
func ParseVerdict(text string) Verdict {
	body := strings.TrimSpace(text)
	if block, ok := extractFencedBlock(body, "json"); ok && strings.HasPrefix(block, "{") {
		body = block
	}
	if strings.HasPrefix(body, "{") {
		v, err := parseVerdictJSON(body)
		if err != nil {
			return Verdict{Sufficient: false, Confidence: 0}
		}
		return v
	}
	return parseVerdictText(body)
}

func parseVerdictJSON(body string) (Verdict, error) {
	var w verdictWire
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return Verdict{}, err
	}
	confidence := clamp01(w.ConfidenceScore)
	return Verdict{
		Sufficient:          w.Status == "sufficient" && confidence >= SufficiencyThreshold,
		Confidence:          confidence,
		MissingInfo:         dedupe(w.MissingInfo),
		AmbiguousPoints:     dedupe(w.AmbiguousPoints),
		AnalysisFeasibility: w.AnalysisFeasibility,
		Recommendation:      w.Recommendation,
	}, nil
}

func parseVerdictText(body string) Verdict {
	sufficient, insufficient := countSufficiencyTerms(body)

	confidence := 0.5
	if total := sufficient + insufficient; total > 0 {
		confidence = float64(sufficient) / float64(total)
	}

	return Verdict{
		Sufficient:      sufficient > insufficient && confidence >= SufficiencyThreshold,
		Confidence:      confidence,
		MissingInfo:     matchAll(missingInfoPatterns, body),
		AmbiguousPoints: matchAll(ambiguousPatterns, body),
	}
}

// countSufficiencyTerms counts lexicon hits. Insufficient terms are counted
// and masked first so "insufficient" and "不十分" never score as sufficient.
func countSufficiencyTerms(text string) (sufficient, insufficient int) {
	lower := strings.ToLower(text)
	for _, term := range insufficientTerms {
		insufficient += strings.Count(lower, term)
		lower = strings.ReplaceAll(lower, term, " ")
	}
	for _, term := range sufficientTerms {
		sufficient += strings.Count(lower, term)
	}
	return sufficient, insufficient
}

// HasSufficiencyMarker reports whether text signals a sufficient request
// outside of any insufficiency term.
func HasSufficiencyMarker(text string) bool {
	s, _ := countSufficiencyTerms(text)
	return s > 0
}

func matchAll(patterns []*regexp.Regexp, text string) []string {
	var out []string
	for _, re := range patterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			out = append(out, strings.TrimSpace(m[1]))
		}
	}
	return dedupe(out)
}

func dedupe(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

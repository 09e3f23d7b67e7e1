package workflow

import (
	"fmt"
	"strings"
	"time"
)

type lexiconEntry struct {
	terms []string
	label string
}

// Longer terms come first so 今年度 is not read as 今年.
var (
	periodLexicon = []lexiconEntry{
		{[]string{"今年度", "this fiscal year"}, "今年度"},
		{[]string{"昨年度", "last fiscal year"}, "昨年度"},
		{[]string{"今月", "this month"}, "今月"},
		{[]string{"先月", "last month"}, "先月"},
		{[]string{"今年", "this year"}, "今年"},
		{[]string{"昨年", "last year"}, "昨年"},
	}
	granularityLexicon = []lexiconEntry{
		{[]string{"時間別", "hourly"}, "時間別"},
		{[]string{"日別", "daily", "by day"}, "日別"},
		{[]string{"週別", "weekly", "by week"}, "週別"},
		{[]string{"月別", "monthly", "by month"}, "月別"},
		{[]string{"年別", "yearly", "by year"}, "年別"},
	}
	comparisonLexicon = []lexiconEntry{
		{[]string{"前年同期", "year over year", "year-over-year", "yoy"}, "前年同期比較"},
		{[]string{"前月", "previous month", "month over month"}, "前月比較"},
		{[]string{"目標", "target", "goal"}, "目標値比較"},
	}
)

const defaultRequirementBullet = "• 詳細条件: ユーザー指定の条件に従う"

// ComposeCompletedRequest merges the original request with the user's answer
// into one labeled request that downstream phases read instead of the
// interpretation.
func ComposeCompletedRequest(original, answer string, at time.Time) string {
	var sb strings.Builder
	sb.WriteString("[Completed analysis request]\n\n")
	fmt.Fprintf(&sb, "Original request: %s\n\n", strings.TrimSpace(original))
	fmt.Fprintf(&sb, "Additional information: %s\n\n", strings.TrimSpace(answer))
	sb.WriteString("Integrated requirements:\n")
	for _, bullet := range RequirementBullets(answer) {
		sb.WriteString(bullet)
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nCompleted at: %s\n", at.UTC().Format(time.RFC3339))
	return sb.String()
}

// RequirementBullets extracts period, granularity and comparison terms from an
// answer. It returns a single default bullet when nothing matches.
func RequirementBullets(answer string) []string {
	lower := strings.ToLower(answer)
	var bullets []string
	if label, ok := firstMatch(lower, periodLexicon); ok {
		bullets = append(bullets, "• 分析期間: "+label)
	}
	if label, ok := firstMatch(lower, granularityLexicon); ok {
		bullets = append(bullets, "• 集計粒度: "+label)
	}
	for _, entry := range comparisonLexicon {
		if containsAny(lower, entry.terms) {
			bullets = append(bullets, "• 比較軸: "+entry.label)
		}
	}
	if len(bullets) == 0 {
		return []string{defaultRequirementBullet}
	}
	return bullets
}

func firstMatch(text string, lexicon []lexiconEntry) (string, bool) {
	for _, entry := range lexicon {
		if containsAny(text, entry.terms) {
			return entry.label, true
		}
	}
	return "", false
}

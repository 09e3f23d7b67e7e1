package workflow

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComposeCompletedRequest(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)
	got := ComposeCompletedRequest("売上を分析してほしい", "今年度の月別で前年同期と比較したい", at)

	assert.True(t, strings.HasPrefix(got, "[Completed analysis request]"))
	assert.Contains(t, got, "Original request: 売上を分析してほしい")
	assert.Contains(t, got, "Additional information: 今年度の月別で前年同期と比較したい")
	assert.Contains(t, got, "• 分析期間: 今年度")
	assert.Contains(t, got, "• 集計粒度: 月別")
	assert.Contains(t, got, "• 比較軸: 前年同期比較")
	assert.NotContains(t, got, defaultRequirementBullet)
	assert.Contains(t, got, "Completed at: 2026-10-19T09:30:00Z")
}

func TestRequirementBullets(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		answer string
		want   []string
	}{
		{"fiscal year before year", "今年度のデータ", []string{"• 分析期間: 今年度"}},
		{"english terms", "Last month, daily, against target", []string{"• 分析期間: 先月", "• 集計粒度: 日別", "• 比較軸: 目標値比較"}},
		{"several comparisons", "前年同期と前月の両方", []string{"• 比較軸: 前年同期比較", "• 比較軸: 前月比較"}},
		{"nothing recognised", "全店舗でお願いします", []string{defaultRequirementBullet}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, RequirementBullets(tt.answer))
		})
	}
}

func TestClarificationQuestions(t *testing.T) {
	t.Parallel()

	t.Run("topics are asked once", func(t *testing.T) {
		t.Parallel()
		q := ClarificationQuestions(Verdict{
			MissingInfo:     []string{"analysis period", "date range"},
			AmbiguousPoints: []string{"which region"},
		})
		assert.Len(t, q, 2)
		assert.Contains(t, q[0], "period")
		assert.Contains(t, q[1], "regions")
	})

	t.Run("unmatched points are asked verbatim", func(t *testing.T) {
		t.Parallel()
		q := ClarificationQuestions(Verdict{MissingInfo: []string{"currency?"}})
		assert.Equal(t, []string{"Could you clarify: currency?"}, q)
	})

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, defaultQuestions, ClarificationQuestions(Verdict{}))
	})
}

func TestFormatClarificationRequest(t *testing.T) {
	t.Parallel()

	msg := FormatClarificationRequest(" 売上を分析してほしい ", []string{"A?", "B?"})
	assert.Contains(t, msg, "Request: 売上を分析してほしい\n")
	assert.Contains(t, msg, "1. A?\n2. B?\n")
}

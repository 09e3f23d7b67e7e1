package workflow

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecision_Apply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		in             Decision
		wantAuto       bool
		wantOverridden bool
		wantConfidence float64
	}{
		{"high confidence forces auto", Decision{Confidence: 0.85, AutoProceed: false}, true, true, 0.85},
		{"threshold forces auto", Decision{Confidence: 0.7, AutoProceed: false}, true, true, 0.7},
		{"high confidence already auto", Decision{Confidence: 0.9, AutoProceed: true}, true, false, 0.9},
		{"low confidence keeps manual", Decision{Confidence: 0.5, AutoProceed: false}, false, false, 0.5},
		{"low confidence keeps auto", Decision{Confidence: 0.2, AutoProceed: true}, true, false, 0.2},
		{"clamped above one", Decision{Confidence: 3, AutoProceed: false}, true, true, 1},
		{"clamped below zero", Decision{Confidence: -1, AutoProceed: false}, false, false, 0},
		{"nan is zero", Decision{Confidence: math.NaN(), AutoProceed: false}, false, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, overridden := tt.in.Apply()
			assert.Equal(t, tt.wantAuto, got.AutoProceed)
			assert.Equal(t, tt.wantOverridden, overridden)
			assert.InDelta(t, tt.wantConfidence, got.Confidence, 1e-9)
		})
	}
}

func TestParseDecisionReply(t *testing.T) {
	t.Parallel()

	t.Run("structured", func(t *testing.T) {
		t.Parallel()
		reply := ParseDecisionReply(`{"next_phase":"schema_explorer","confidence":0.8,"reason":"ok","auto_proceed":false}`)
		s, ok := reply.(StructuredReply)
		require.True(t, ok)
		assert.Equal(t, "schema_explorer", s.Decision.NextPhase)
		assert.False(t, s.Decision.AutoProceed)
	})

	t.Run("missing next phase", func(t *testing.T) {
		t.Parallel()
		_, ok := ParseDecisionReply(`{"confidence":0.8}`).(UnstructuredReply)
		assert.True(t, ok)
	})

	t.Run("prose", func(t *testing.T) {
		t.Parallel()
		u, ok := ParseDecisionReply("I think we should explore the schema.").(UnstructuredReply)
		require.True(t, ok)
		assert.Error(t, u.Err)
	})
}

func TestResolveDecision(t *testing.T) {
	t.Parallel()

	t.Run("fenced json is recovered", func(t *testing.T) {
		t.Parallel()
		d, heuristic := ResolveDecision(ParseDecisionReply("Next:\n```json\n{\"next_phase\":\"data_sampler\",\"confidence\":0.6}\n```"))
		assert.True(t, heuristic)
		assert.False(t, d.Fallback)
		assert.Equal(t, "data_sampler", d.NextPhase)
	})

	t.Run("garbage falls back conservatively", func(t *testing.T) {
		t.Parallel()
		d, heuristic := ResolveDecision(ParseDecisionReply("not json at all"))
		assert.True(t, heuristic)
		assert.True(t, d.Fallback)
		assert.Equal(t, TargetComplete, d.Target().Kind)
		assert.False(t, d.AutoProceed)
		assert.Zero(t, d.Confidence)
	})
}

func TestParseDecision_OverridesLowAutoProceed(t *testing.T) {
	t.Parallel()

	d := ParseDecision(`{"next_phase":"sql_generator","confidence":0.85,"auto_proceed":false}`)
	assert.True(t, d.AutoProceed)
	assert.Equal(t, TargetPhase, d.Target().Kind)
	assert.Equal(t, PhaseSQLGenerator, d.Target().Phase)
}

func TestParseTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw   string
		kind  TargetKind
		phase Phase
	}{
		{"complete", TargetComplete, ""},
		{"user_confirmation", TargetUserConfirmation, ""},
		{"retry_sql_generator", TargetRetry, PhaseSQLGenerator},
		{"retry_nonsense", TargetRetry, ""},
		{" data_analyzer ", TargetPhase, PhaseDataAnalyzer},
		{"make_coffee", TargetUnknown, ""},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got := ParseTarget(tt.raw)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.phase, got.Phase)
		})
	}
}

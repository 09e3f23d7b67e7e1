package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// AutoProceedThreshold is the confidence at or above which a decision always
// proceeds without confirmation, whatever the oracle set auto_proceed to.
const AutoProceedThreshold = 0.7

// Decision is the oracle's proposal for the next step.
type Decision struct {
	NextPhase                string   `json:"next_phase"`
	Confidence               float64  `json:"confidence"`
	Reason                   string   `json:"reason"`
	AutoProceed              bool     `json:"auto_proceed"`
	SkipPhases               []string `json:"skip_phases,omitempty"`
	EstimatedRemainingPhases int      `json:"estimated_remaining_phases,omitempty"`

	// Fallback is set when the decision was not produced by the oracle.
	Fallback bool `json:"fallback,omitempty"`
}

// Target classifies NextPhase.
func (d Decision) Target() Target {
	return ParseTarget(d.NextPhase)
}

// Apply clamps the confidence and forces AutoProceed at high confidence. It
// reports whether the oracle's own auto_proceed was overridden.
func (d Decision) Apply() (Decision, bool) {
	d.Confidence = clamp01(d.Confidence)
	if d.Confidence >= AutoProceedThreshold && !d.AutoProceed {
		d.AutoProceed = true
		return d, true
	}
	return d, false
}

// FallbackDecision is used whenever the oracle's reply cannot be decoded.
func FallbackDecision(reason string) Decision {
	return Decision{
		NextPhase:   targetComplete,
		Confidence:  0,
		Reason:      reason,
		AutoProceed: false,
		Fallback:    true,
	}
}

// DecisionReply is the result of decoding an oracle reply: either
// StructuredReply or UnstructuredReply.
type DecisionReply interface {
	decisionReply()
}

// StructuredReply is a reply that decoded strictly as a Decision.
type StructuredReply struct {
	Decision Decision
}

// UnstructuredReply is a reply that did not decode as a Decision.
type UnstructuredReply struct {
	Text string
	Err  error
}

func (StructuredReply) decisionReply()   {}
func (UnstructuredReply) decisionReply() {}

var errMissingNextPhase = errors.New("next_phase is required")

// ParseDecisionReply strictly decodes a reply. Only a bare JSON object with a
// non-empty next_phase counts as structured.
func ParseDecisionReply(text string) DecisionReply {
	d, err := decodeDecision(strings.TrimSpace(text))
	if err != nil {
		return UnstructuredReply{Text: text, Err: err}
	}
	return StructuredReply{Decision: d}
}

// ResolveDecision turns a reply into a decision. Heuristics run only for
// unstructured replies: a fenced json block is tried, and anything else maps
// to FallbackDecision. The returned bool reports whether a heuristic or the
// fallback was used.
func ResolveDecision(reply DecisionReply) (Decision, bool) {
	switch r := reply.(type) {
	case StructuredReply:
		return r.Decision, false
	case UnstructuredReply:
		if block, ok := extractFencedBlock(r.Text, "json"); ok {
			if d, err := decodeDecision(block); err == nil {
				return d, true
			}
		}
		reason := "decision reply could not be parsed"
		if r.Err != nil {
			reason = fmt.Sprintf("%s: %v", reason, r.Err)
		}
		return FallbackDecision(reason), true
	}
	return FallbackDecision("no decision reply"), true
}

// ParseDecision decodes and applies a raw oracle reply.
func ParseDecision(text string) Decision {
	d, _ := ResolveDecision(ParseDecisionReply(text))
	d, _ = d.Apply()
	return d
}

func decodeDecision(text string) (Decision, error) {
	if !strings.HasPrefix(text, "{") {
		return Decision{}, errors.New("reply is not a JSON object")
	}
	var d Decision
	if err := json.Unmarshal([]byte(text), &d); err != nil {
		return Decision{}, fmt.Errorf("failed to decode decision: %w", err)
	}
	if strings.TrimSpace(d.NextPhase) == "" {
		return Decision{}, errMissingNextPhase
	}
	d.NextPhase = strings.TrimSpace(d.NextPhase)
	d.Fallback = false
	return d, nil
}

func clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// extractFencedBlock returns the body of the first ```lang fenced block, or of
// the first unlabeled fence when no labeled one exists.
func extractFencedBlock(text, lang string) (string, bool) {
	fences := []string{"```" + lang}
	if lang != "" {
		fences = append(fences, "```")
	}
	for _, fence := range fences {
		start := strings.Index(text, fence)
		if start == -1 {
			continue
		}
		body := text[start+len(fence):]
		if nl := strings.Index(body, "\n"); nl != -1 && strings.TrimSpace(body[:nl]) == "" {
			body = body[nl+1:]
		} else if fence == "```" && nl != -1 {
			// Unlabeled fence followed by a language tag on the same line.
			body = body[nl+1:]
		}
		end := strings.Index(body, "```")
		if end == -1 {
			continue
		}
		return strings.TrimSpace(body[:end]), true
	}
	return "", false
}

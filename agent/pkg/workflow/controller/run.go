package controller

import (
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/analyst/agent/pkg/workflow"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning           Status = "running"
	StatusSuspendedForInput Status = "suspended_for_input"
	StatusSuspended         Status = "suspended"
	StatusComplete          Status = "complete"
	StatusAborted           Status = "aborted"
)

// Terminal reports whether the controller has stopped driving the run.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuspendedForInput, StatusSuspended, StatusComplete, StatusAborted:
		return true
	}
	return false
}

// Mode selects how the next phase is chosen.
type Mode string

const (
	// ModeFixed runs the pipeline in order with a single branch on the
	// completeness verdict.
	ModeFixed Mode = "fixed"
	// ModeDynamic asks the decision oracle after every phase.
	ModeDynamic Mode = "dynamic"
)

// ParseMode resolves a mode name, defaulting to ModeFixed for "".
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case "", ModeFixed:
		return ModeFixed, true
	case ModeDynamic:
		return ModeDynamic, true
	}
	return "", false
}

// AbortKind classifies why a run was aborted.
type AbortKind string

const (
	AbortBudgetExceeded AbortKind = "budget_exceeded"
	AbortUnknownPhase   AbortKind = "unknown_phase"
	AbortTransport      AbortKind = "transport_error"
)

// Abort describes a fatal stop.
type Abort struct {
	Kind   AbortKind `json:"kind"`
	Detail string    `json:"detail"`
}

// Suspension is persisted when a run waits for the user to answer
// clarification questions.
type Suspension struct {
	OriginalRequest      string    `json:"original_request"`
	OutstandingQuestions []string  `json:"outstanding_questions"`
	SuspendedAt          time.Time `json:"suspended_at"`
}

// Run is one execution of the workflow, from the initial request through any
// number of suspensions and resumptions.
type Run struct {
	ID             uuid.UUID          `json:"id"`
	Mode           Mode               `json:"mode"`
	Status         Status             `json:"status"`
	CurrentPhase   workflow.Phase     `json:"current_phase"`
	IterationCount int                `json:"iteration_count"`
	MaxIterations  int                `json:"max_iterations"`
	History        []workflow.Phase   `json:"history"`
	State          *workflow.State    `json:"state"`
	Suspension     *Suspension        `json:"suspension,omitempty"`
	LastDecision   *workflow.Decision `json:"last_decision,omitempty"`
	Abort          *Abort             `json:"abort,omitempty"`
	StartedAt      time.Time          `json:"started_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
}

// OriginalRequest returns the request the run was started with.
func (r *Run) OriginalRequest() string {
	return r.State.Get(workflow.KeyUserRequest)
}

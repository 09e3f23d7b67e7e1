package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Phase identifies one step of the analytics pipeline.
type Phase string

const (
	PhaseRequestInterpreter     Phase = "request_interpreter"
	PhaseInformationGapDetector Phase = "information_gap_detector"
	PhaseUserConfirmation       Phase = "user_confirmation_agent"
	PhaseSchemaExplorer         Phase = "schema_explorer"
	PhaseDataSampler            Phase = "data_sampler"
	PhaseSQLGenerator           Phase = "sql_generator"
	PhaseSQLErrorHandler        Phase = "sql_error_handler"
	PhaseDataAnalyzer           Phase = "data_analyzer"
	PhaseReportGenerator        Phase = "html_report_generator"
)

// Phases lists every phase in pipeline order.
var Phases = []Phase{
	PhaseRequestInterpreter,
	PhaseInformationGapDetector,
	PhaseUserConfirmation,
	PhaseSchemaExplorer,
	PhaseDataSampler,
	PhaseSQLGenerator,
	PhaseSQLErrorHandler,
	PhaseDataAnalyzer,
	PhaseReportGenerator,
}

// ParsePhase resolves a phase name. Unknown names are rejected.
func ParsePhase(name string) (Phase, bool) {
	p := Phase(strings.TrimSpace(name))
	for _, known := range Phases {
		if p == known {
			return p, true
		}
	}
	return "", false
}

// NextInSequence returns the phase following p on the sufficient path, or
// false when p is the last one. The clarification phase has no successor.
func NextInSequence(p Phase) (Phase, bool) {
	switch p {
	case PhaseRequestInterpreter:
		return PhaseInformationGapDetector, true
	case PhaseInformationGapDetector:
		return PhaseSchemaExplorer, true
	case PhaseSchemaExplorer:
		return PhaseDataSampler, true
	case PhaseDataSampler:
		return PhaseSQLGenerator, true
	case PhaseSQLGenerator:
		return PhaseSQLErrorHandler, true
	case PhaseSQLErrorHandler:
		return PhaseDataAnalyzer, true
	case PhaseDataAnalyzer:
		return PhaseReportGenerator, true
	}
	return "", false
}

// TargetKind classifies the next_phase field of a Decision.
type TargetKind int

const (
	TargetUnknown TargetKind = iota
	TargetPhase
	TargetComplete
	TargetUserConfirmation
	TargetRetry
)

const (
	targetComplete         = "complete"
	targetUserConfirmation = "user_confirmation"
	retryPrefix            = "retry_"
)

// Target is a parsed next_phase value. Phase is set for TargetPhase and for a
// TargetRetry naming a known phase; Raw always holds the original text.
type Target struct {
	Kind  TargetKind
	Phase Phase
	Raw   string
}

// ParseTarget classifies a next_phase identifier.
func ParseTarget(raw string) Target {
	name := strings.TrimSpace(raw)
	t := Target{Raw: name}
	switch {
	case name == targetComplete:
		t.Kind = TargetComplete
	case name == targetUserConfirmation:
		t.Kind = TargetUserConfirmation
	case strings.HasPrefix(name, retryPrefix):
		t.Kind = TargetRetry
		if p, ok := ParsePhase(strings.TrimPrefix(name, retryPrefix)); ok {
			t.Phase = p
		}
	default:
		if p, ok := ParsePhase(name); ok {
			t.Kind = TargetPhase
			t.Phase = p
		}
	}
	return t
}

// Descriptor binds a phase to its capability and output key.
type Descriptor struct {
	Phase      Phase
	Capability PhaseCapability
	OutputKey  Key
}

var (
	ErrUnknownPhase      = errors.New("unknown phase")
	ErrDuplicatePhase    = errors.New("phase already registered")
	ErrDuplicateOutput   = errors.New("output key already owned by another phase")
	ErrPhaseNotAvailable = errors.New("phase has no registered capability")
)

// Registry is the immutable-after-build table of phase descriptors. Each
// output key has exactly one owning phase.
type Registry struct {
	byPhase map[Phase]Descriptor
	owners  map[Key]Phase
}

// NewRegistry builds a registry, rejecting unknown phases, duplicate phases,
// invalid keys and keys claimed by two phases.
func NewRegistry(descriptors ...Descriptor) (*Registry, error) {
	r := &Registry{
		byPhase: make(map[Phase]Descriptor, len(descriptors)),
		owners:  make(map[Key]Phase, len(descriptors)),
	}
	for _, d := range descriptors {
		if _, ok := ParsePhase(string(d.Phase)); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPhase, d.Phase)
		}
		if d.Capability == nil {
			return nil, fmt.Errorf("phase %s: capability is required", d.Phase)
		}
		if !d.OutputKey.Valid() {
			return nil, fmt.Errorf("phase %s: unknown output key %q", d.Phase, d.OutputKey)
		}
		if _, ok := r.byPhase[d.Phase]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePhase, d.Phase)
		}
		if owner, ok := r.owners[d.OutputKey]; ok {
			return nil, fmt.Errorf("%w: %s (owned by %s)", ErrDuplicateOutput, d.OutputKey, owner)
		}
		r.byPhase[d.Phase] = d
		r.owners[d.OutputKey] = d.Phase
	}
	return r, nil
}

// Lookup returns the descriptor for p.
func (r *Registry) Lookup(p Phase) (Descriptor, error) {
	d, ok := r.byPhase[p]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrPhaseNotAvailable, p)
	}
	return d, nil
}

// Has reports whether p has a registered capability.
func (r *Registry) Has(p Phase) bool {
	_, ok := r.byPhase[p]
	return ok
}

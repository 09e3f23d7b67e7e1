package workflow

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Key names a slot in the shared state. The set is closed; see keyVocabulary.
type Key string

const (
	KeyUserRequest            Key = "user_request"
	KeyInterpretedRequest     Key = "interpreted_request"
	KeyInformationGapAnalysis Key = "information_gap_analysis"
	KeyClarificationRequest   Key = "user_confirmation_request"
	KeyCompletedRequest       Key = "completed_request"
	KeySchemaInfo             Key = "schema_info"
	KeySampleAnalysis         Key = "sample_analysis"
	KeySQLQueryInfo           Key = "sql_query_info"
	KeyQueryExecutionResult   Key = "query_execution_result"
	KeyFixedSQLInfo           Key = "fixed_sql_info"
	KeyRetrievalExit          Key = "retrieval_exit"
	KeyAnalysisResults        Key = "analysis_results"
	KeyReportInfo             Key = "html_report_info"
	KeyPhaseDecision          Key = "phase_decision"

	keyExecutedPhases   = "executed_phases"
	keyWorkflowMetadata = "workflow_metadata"
)

var keyVocabulary = []Key{
	KeyUserRequest,
	KeyInterpretedRequest,
	KeyInformationGapAnalysis,
	KeyClarificationRequest,
	KeyCompletedRequest,
	KeySchemaInfo,
	KeySampleAnalysis,
	KeySQLQueryInfo,
	KeyQueryExecutionResult,
	KeyFixedSQLInfo,
	KeyRetrievalExit,
	KeyAnalysisResults,
	KeyReportInfo,
	KeyPhaseDecision,
}

// Valid reports whether k belongs to the state vocabulary.
func (k Key) Valid() bool {
	return slices.Contains(keyVocabulary, k)
}

// Metadata is the controller's view of the run, recomputed every cycle.
type Metadata struct {
	CurrentPhase          Phase `json:"current_phase"`
	TotalPhasesExecuted   int   `json:"total_phases_executed"`
	HasSQLError           bool  `json:"has_sql_error"`
	InformationSufficient bool  `json:"information_sufficient"`
	ComplexSchema         bool  `json:"complex_schema"`
	IterationCount        int   `json:"iteration_count"`
}

// StateReader is the read-only view of the shared state handed to phases and
// the oracle.
type StateReader interface {
	Get(key Key) string
	Has(key Key) bool
	ExecutedPhases() []Phase
	Metadata() Metadata
	InformationComplete() bool
}

// State is the session-scoped store for one run. It is owned by the
// controller and must not be shared between goroutines while a run executes.
type State struct {
	values              map[Key]string
	executed            []Phase
	metadata            Metadata
	informationComplete bool
}

// NewState returns an empty state.
func NewState() *State {
	return &State{values: make(map[Key]string)}
}

// Get returns the value stored under key, or "" if it was never written.
func (s *State) Get(key Key) string {
	return s.values[key]
}

// Has reports whether key has been written.
func (s *State) Has(key Key) bool {
	_, ok := s.values[key]
	return ok
}

// ExecutedPhases returns a copy of the phases executed so far, in order.
func (s *State) ExecutedPhases() []Phase {
	return slices.Clone(s.executed)
}

// Metadata returns the latest workflow metadata.
func (s *State) Metadata() Metadata {
	return s.metadata
}

// Set overwrites key. Keys are never deleted.
func (s *State) Set(key Key, value string) error {
	if !key.Valid() {
		return fmt.Errorf("unknown state key %q", key)
	}
	s.values[key] = value
	return nil
}

// RecordPhase appends p to the executed phase history.
func (s *State) RecordPhase(p Phase) {
	s.executed = append(s.executed, p)
}

// SetMetadata replaces the workflow metadata.
func (s *State) SetMetadata(m Metadata) {
	s.metadata = m
}

// MarkInformationComplete records that the user supplied the missing details,
// which overrides whatever the gap analysis concluded.
func (s *State) MarkInformationComplete() {
	s.informationComplete = true
}

// InformationComplete reports whether MarkInformationComplete was called.
func (s *State) InformationComplete() bool {
	return s.informationComplete
}

// RequestText returns the most complete description of what the user asked
// for: the request composed on resume, the interpretation, or the raw request.
func RequestText(s StateReader) string {
	for _, k := range []Key{KeyCompletedRequest, KeyInterpretedRequest, KeyUserRequest} {
		if v := s.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// MarshalJSON flattens the state into its persisted shape: every written key
// at the top level, plus executed_phases and workflow_metadata.
func (s *State) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.values)+3)
	for k, v := range s.values {
		out[string(k)] = v
	}
	executed := s.executed
	if executed == nil {
		executed = []Phase{}
	}
	out[keyExecutedPhases] = executed
	out[keyWorkflowMetadata] = s.metadata
	if s.informationComplete {
		out["information_complete"] = true
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a state persisted by MarshalJSON.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}

	s.values = make(map[Key]string)
	s.executed = nil
	s.metadata = Metadata{}
	s.informationComplete = false

	for name, value := range raw {
		switch name {
		case keyExecutedPhases:
			if err := json.Unmarshal(value, &s.executed); err != nil {
				return fmt.Errorf("failed to unmarshal executed phases: %w", err)
			}
		case keyWorkflowMetadata:
			if err := json.Unmarshal(value, &s.metadata); err != nil {
				return fmt.Errorf("failed to unmarshal workflow metadata: %w", err)
			}
		case "information_complete":
			if err := json.Unmarshal(value, &s.informationComplete); err != nil {
				return fmt.Errorf("failed to unmarshal information_complete: %w", err)
			}
		default:
			key := Key(name)
			if !key.Valid() {
				continue
			}
			var v string
			if err := json.Unmarshal(value, &v); err != nil {
				return fmt.Errorf("failed to unmarshal state key %s: %w", name, err)
			}
			s.values[key] = v
		}
	}
	return nil
}

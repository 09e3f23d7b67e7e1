package handlers_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/analyst/agent/pkg/workflow"
	"github.com/malbeclabs/analyst/agent/pkg/workflow/controller"
	"github.com/malbeclabs/analyst/api/handlers"
)

const (
	verdictSufficient   = `{"status":"sufficient","confidence_score":0.9}`
	verdictInsufficient = `{"status":"needs_clarification","confidence_score":0.2,"missing_info":["analysis period"]}`
)

var testNow = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

// memStore is an in-memory RunStore. Records are stored as JSON so callers
// never share pointers with a live run.
type memStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID][]byte
	// saves counts Save calls per run.
	saves map[uuid.UUID]int
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[uuid.UUID][]byte), saves: make(map[uuid.UUID]int)}
}

func (s *memStore) Create(_ context.Context, rec *handlers.RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[rec.ID] = data
	return nil
}

func (s *memStore) Save(_ context.Context, rec *handlers.RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rec.ID]; !ok {
		return handlers.ErrRunNotFound
	}
	s.runs[rec.ID] = data
	s.saves[rec.ID]++
	return nil
}

func (s *memStore) Get(_ context.Context, id uuid.UUID) (*handlers.RunRecord, error) {
	s.mu.Lock()
	data, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	rec := &handlers.RunRecord{Run: &controller.Run{}}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *memStore) saveCount(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[id]
}

var outputKeys = map[workflow.Phase]workflow.Key{
	workflow.PhaseRequestInterpreter:     workflow.KeyInterpretedRequest,
	workflow.PhaseInformationGapDetector: workflow.KeyInformationGapAnalysis,
	workflow.PhaseUserConfirmation:       workflow.KeyClarificationRequest,
	workflow.PhaseSchemaExplorer:         workflow.KeySchemaInfo,
	workflow.PhaseDataSampler:            workflow.KeySampleAnalysis,
	workflow.PhaseSQLGenerator:           workflow.KeySQLQueryInfo,
	workflow.PhaseSQLErrorHandler:        workflow.KeyQueryExecutionResult,
	workflow.PhaseDataAnalyzer:           workflow.KeyAnalysisResults,
	workflow.PhaseReportGenerator:        workflow.KeyReportInfo,
}

// stubRegistry writes "<phase> done" for every phase except the gap detector,
// which writes verdict. A phase listed in gates waits for its channel.
func stubRegistry(t *testing.T, verdict string, gates map[workflow.Phase]chan struct{}) *workflow.Registry {
	t.Helper()
	var descs []workflow.Descriptor
	for _, p := range workflow.Phases {
		value := string(p) + " done"
		if p == workflow.PhaseInformationGapDetector {
			value = verdict
		}
		gate := gates[p]
		descs = append(descs, workflow.Descriptor{
			Phase:     p,
			OutputKey: outputKeys[p],
			Capability: workflow.CapabilityFunc(func(ctx context.Context, _ workflow.StateReader, narrate workflow.Narrator) (workflow.PhaseOutput, error) {
				narrate.Say(string(p), "working")
				if gate != nil {
					select {
					case <-gate:
					case <-ctx.Done():
						return workflow.PhaseOutput{}, ctx.Err()
					}
				}
				return workflow.PhaseOutput{Value: value}, nil
			}),
		})
	}
	reg, err := workflow.NewRegistry(descs...)
	require.NoError(t, err)
	return reg
}

// fixedOracle always returns the same reply.
type fixedOracle struct{ reply string }

func (o fixedOracle) Decide(context.Context, workflow.ContextSummary) (string, error) {
	return o.reply, nil
}

func newTestManager(t *testing.T, reg *workflow.Registry, oracle workflow.DecisionOracle) (*handlers.WorkflowManager, *memStore) {
	t.Helper()
	store := newMemStore()
	return newTestManagerWithStore(t, reg, oracle, store), store
}

func newTestManagerWithStore(t *testing.T, reg *workflow.Registry, oracle workflow.DecisionOracle, store handlers.RunStore) *handlers.WorkflowManager {
	t.Helper()
	ctrl, err := controller.New(&controller.Config{
		Registry: reg,
		Oracle:   oracle,
		Clock:    clockwork.NewFakeClockAt(testNow),
	})
	require.NoError(t, err)
	m := handlers.NewWorkflowManager(nil, store, ctrl)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func narrationTexts(events []workflow.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Text
	}
	return out
}

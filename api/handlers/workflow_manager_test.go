package handlers_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/analyst/agent/pkg/workflow"
	"github.com/malbeclabs/analyst/agent/pkg/workflow/controller"
	"github.com/malbeclabs/analyst/api/handlers"
)

func TestManager_StartRunsToCompletion(t *testing.T) {
	m, store := newTestManager(t, stubRegistry(t, verdictSufficient, nil), nil)
	ctx := context.Background()

	rec, err := m.Start(ctx, "Show monthly revenue for this fiscal year", controller.ModeFixed)
	require.NoError(t, err)
	require.Equal(t, controller.StatusRunning, rec.Status)
	m.Wait()

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, controller.StatusComplete, got.Status)
	assert.Equal(t, 8, got.IterationCount)
	assert.Equal(t, "html_report_generator done", got.State.Get(workflow.KeyReportInfo))
	assert.Contains(t, narrationTexts(got.Narration), "Starting fixed analysis run")
	assert.GreaterOrEqual(t, store.saveCount(rec.ID), 8)
	assert.False(t, m.IsRunning(rec.ID))
}

func TestManager_StartRejectsEmptyRequest(t *testing.T) {
	m, _ := newTestManager(t, stubRegistry(t, verdictSufficient, nil), nil)
	_, err := m.Start(context.Background(), "   ", controller.ModeFixed)
	require.Error(t, err)
}

func TestManager_SuspendForInputThenResume(t *testing.T) {
	m, store := newTestManager(t, stubRegistry(t, verdictInsufficient, nil), nil)
	ctx := context.Background()

	rec, err := m.Start(ctx, "Show revenue", controller.ModeFixed)
	require.NoError(t, err)
	m.Wait()

	suspended, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, controller.StatusSuspendedForInput, suspended.Status)
	require.NotNil(t, suspended.Suspension)
	assert.NotEmpty(t, suspended.Suspension.OutstandingQuestions)
	before := len(suspended.Narration)

	_, err = m.Resume(ctx, rec.ID, "今年度の月別で")
	require.NoError(t, err)
	m.Wait()

	done, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, controller.StatusComplete, done.Status)
	assert.True(t, done.State.InformationComplete())
	assert.Contains(t, done.State.Get(workflow.KeyCompletedRequest), "Show revenue")
	require.Greater(t, len(done.Narration), before)
	assert.Equal(t, suspended.Narration, done.Narration[:before], "earlier narration is kept")
	assert.Contains(t, narrationTexts(done.Narration), "Received the additional details. Resuming at schema exploration")
}

func TestManager_ResumeErrors(t *testing.T) {
	m, _ := newTestManager(t, stubRegistry(t, verdictSufficient, nil), nil)
	ctx := context.Background()

	_, err := m.Resume(ctx, uuid.New(), "anything")
	require.ErrorIs(t, err, handlers.ErrRunNotFound)

	rec, err := m.Start(ctx, "Show revenue", controller.ModeFixed)
	require.NoError(t, err)
	m.Wait()

	_, err = m.Resume(ctx, rec.ID, "more detail")
	require.ErrorIs(t, err, controller.ErrNotSuspended)

	_, err = m.Confirm(ctx, rec.ID)
	require.ErrorIs(t, err, controller.ErrNotSuspended)
}

func TestManager_ResumeRejectsEmptyAnswer(t *testing.T) {
	m, _ := newTestManager(t, stubRegistry(t, verdictInsufficient, nil), nil)
	ctx := context.Background()

	rec, err := m.Start(ctx, "Show revenue", controller.ModeFixed)
	require.NoError(t, err)
	m.Wait()

	_, err = m.Resume(ctx, rec.ID, "  ")
	require.ErrorIs(t, err, controller.ErrEmptyAnswer)
}

func TestManager_RejectsConcurrentExecution(t *testing.T) {
	gate := make(chan struct{})
	reg := stubRegistry(t, verdictSufficient, map[workflow.Phase]chan struct{}{
		workflow.PhaseSchemaExplorer: gate,
	})
	m, _ := newTestManager(t, reg, nil)
	ctx := context.Background()

	rec, err := m.Start(ctx, "Show revenue", controller.ModeFixed)
	require.NoError(t, err)
	require.True(t, m.IsRunning(rec.ID))

	_, err = m.Resume(ctx, rec.ID, "more detail")
	require.ErrorIs(t, err, handlers.ErrRunBusy)
	_, err = m.Confirm(ctx, rec.ID)
	require.ErrorIs(t, err, handlers.ErrRunBusy)

	close(gate)
	m.Wait()
	require.False(t, m.IsRunning(rec.ID))
}

func TestManager_SubscriberSeesEveryEventOnce(t *testing.T) {
	gate := make(chan struct{})
	reg := stubRegistry(t, verdictSufficient, map[workflow.Phase]chan struct{}{
		workflow.PhaseSchemaExplorer: gate,
	})
	m, store := newTestManager(t, reg, nil)
	ctx := context.Background()

	rec, err := m.Start(ctx, "Show revenue", controller.ModeFixed)
	require.NoError(t, err)

	sub, replay := m.Subscribe(rec.ID)
	require.NotNil(t, sub)
	defer m.Unsubscribe(rec.ID, sub)

	seen := append([]workflow.Event(nil), replay...)
	var status *handlers.StatusEvent
	released := false
	timeout := time.After(5 * time.Second)

	handle := func(ev handlers.WorkflowEvent) {
		switch ev.Type {
		case handlers.EventNarration:
			e := ev.Data.(workflow.Event)
			seen = append(seen, e)
		case handlers.EventStatus:
			s := ev.Data.(handlers.StatusEvent)
			status = &s
		}
	}

	for _, e := range seen {
		if e.Author == string(workflow.PhaseSchemaExplorer) && !released {
			close(gate)
			released = true
		}
	}

loop:
	for {
		select {
		case ev := <-sub.Events:
			handle(ev)
			if !released && ev.Type == handlers.EventNarration && ev.Data.(workflow.Event).Author == string(workflow.PhaseSchemaExplorer) {
				close(gate)
				released = true
			}
		case <-sub.Done:
			for {
				select {
				case ev := <-sub.Events:
					handle(ev)
				default:
					break loop
				}
			}
		case <-timeout:
			t.Fatal("timed out waiting for run to finish")
		}
	}
	m.Wait()

	require.NotNil(t, status)
	assert.Equal(t, controller.StatusComplete, status.Status)

	stored, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.Narration, seen)

	sub2, _ := m.Subscribe(rec.ID)
	assert.Nil(t, sub2, "finished runs have no live subscription")
}

func TestManager_ConfirmContinuesDynamicRun(t *testing.T) {
	oracle := fixedOracle{reply: `{"next_phase":"schema_explorer","confidence":0.4,"reason":"need the tables","auto_proceed":false}`}
	m, store := newTestManager(t, stubRegistry(t, verdictSufficient, nil), oracle)
	ctx := context.Background()

	rec, err := m.Start(ctx, "Show revenue", controller.ModeDynamic)
	require.NoError(t, err)
	m.Wait()

	waiting, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, controller.StatusSuspended, waiting.Status)
	require.NotNil(t, waiting.LastDecision)
	assert.Equal(t, "schema_explorer", waiting.LastDecision.NextPhase)

	_, err = m.Confirm(ctx, rec.ID)
	require.NoError(t, err)
	m.Wait()

	after, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Contains(t, after.History, workflow.PhaseSchemaExplorer)
	assert.Greater(t, after.IterationCount, waiting.IterationCount)
}

func TestManager_ShutdownAbortsInFlightRun(t *testing.T) {
	gate := make(chan struct{})
	reg := stubRegistry(t, verdictSufficient, map[workflow.Phase]chan struct{}{
		workflow.PhaseSchemaExplorer: gate,
	})
	m, store := newTestManager(t, reg, nil)
	ctx := context.Background()

	rec, err := m.Start(ctx, "Show revenue", controller.ModeFixed)
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, controller.StatusAborted, got.Status)
	require.NotNil(t, got.Abort)
	assert.Equal(t, controller.AbortTransport, got.Abort.Kind)
}

// changingStore rewrites a run on the second Get after arm, the way a
// checkpoint from another execution would land between two reads.
type changingStore struct {
	*memStore
	mu     sync.Mutex
	gets   int
	change func(*handlers.RunRecord)
}

func (s *changingStore) arm(change func(*handlers.RunRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets = 0
	s.change = change
}

func (s *changingStore) Get(ctx context.Context, id uuid.UUID) (*handlers.RunRecord, error) {
	s.mu.Lock()
	s.gets++
	change := s.change
	if s.gets != 2 {
		change = nil
	}
	s.mu.Unlock()
	if change != nil {
		rec, err := s.memStore.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		change(rec)
		if err := s.memStore.Save(ctx, rec); err != nil {
			return nil, err
		}
	}
	return s.memStore.Get(ctx, id)
}

func TestManager_ContinueRejectsRunChangedDuringClaim(t *testing.T) {
	confirmOracle := fixedOracle{reply: `{"next_phase":"schema_explorer","confidence":0.4,"reason":"need the tables","auto_proceed":false}`}

	tests := []struct {
		name       string
		verdict    string
		oracle     workflow.DecisionOracle
		mode       controller.Mode
		wantStatus controller.Status
		cont       func(m *handlers.WorkflowManager, id uuid.UUID) error
	}{
		{
			name:       "resume",
			verdict:    verdictInsufficient,
			mode:       controller.ModeFixed,
			wantStatus: controller.StatusSuspendedForInput,
			cont: func(m *handlers.WorkflowManager, id uuid.UUID) error {
				_, err := m.Resume(context.Background(), id, "今月の売上を日別で")
				return err
			},
		},
		{
			name:       "confirm",
			verdict:    verdictSufficient,
			oracle:     confirmOracle,
			mode:       controller.ModeDynamic,
			wantStatus: controller.StatusSuspended,
			cont: func(m *handlers.WorkflowManager, id uuid.UUID) error {
				_, err := m.Confirm(context.Background(), id)
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &changingStore{memStore: newMemStore()}
			m := newTestManagerWithStore(t, stubRegistry(t, tt.verdict, nil), tt.oracle, store)
			ctx := context.Background()

			rec, err := m.Start(ctx, "売上を分析してほしい", tt.mode)
			require.NoError(t, err)
			m.Wait()

			waiting, err := store.memStore.Get(ctx, rec.ID)
			require.NoError(t, err)
			require.Equal(t, tt.wantStatus, waiting.Status)

			store.arm(func(r *handlers.RunRecord) {
				r.Status = controller.StatusComplete
				r.IterationCount++
			})
			saves := store.saveCount(rec.ID)

			err = tt.cont(m, rec.ID)
			require.ErrorIs(t, err, controller.ErrNotSuspended)
			assert.False(t, m.IsRunning(rec.ID))
			m.Wait()

			got, err := store.memStore.Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, controller.StatusComplete, got.Status)
			assert.Equal(t, waiting.IterationCount+1, got.IterationCount)
			assert.Equal(t, saves+1, store.saveCount(rec.ID), "only the concurrent checkpoint was written")
		})
	}
}

package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/malbeclabs/analyst/agent/pkg/workflow"
	"github.com/malbeclabs/analyst/agent/pkg/workflow/controller"
)

// ErrRunBusy is returned when a run is already executing in this process.
var ErrRunBusy = errors.New("analysis run is already executing")

// Event types sent to subscribers.
const (
	EventNarration = "narration"
	EventStatus    = "status"
)

// WorkflowEvent represents a progress event from a running analysis.
type WorkflowEvent struct {
	Type string // "narration" or "status"
	Data any
}

// StatusEvent is the payload of the terminal "status" event of an execution.
type StatusEvent struct {
	ID             uuid.UUID              `json:"id"`
	Status         controller.Status      `json:"status"`
	CurrentPhase   workflow.Phase         `json:"current_phase"`
	IterationCount int                    `json:"iteration_count"`
	Suspension     *controller.Suspension `json:"suspension,omitempty"`
	LastDecision   *workflow.Decision     `json:"last_decision,omitempty"`
	Abort          *controller.Abort      `json:"abort,omitempty"`
}

func statusEvent(run *controller.Run) StatusEvent {
	abort := run.Abort
	if abort != nil {
		abort = &controller.Abort{Kind: abort.Kind, Detail: SanitizeError(errors.New(abort.Detail))}
	}
	return StatusEvent{
		ID:             run.ID,
		Status:         run.Status,
		CurrentPhase:   run.CurrentPhase,
		IterationCount: run.IterationCount,
		Suspension:     run.Suspension,
		LastDecision:   run.LastDecision,
		Abort:          abort,
	}
}

// WorkflowSubscriber receives events from a running analysis.
type WorkflowSubscriber struct {
	Events chan WorkflowEvent
	Done   chan struct{}
}

// runningWorkflow tracks an execution of a run in the background. A run that
// suspends and is resumed later gets a new runningWorkflow.
type runningWorkflow struct {
	ID          uuid.UUID
	ctx         context.Context
	Cancel      context.CancelFunc
	narration   []workflow.Event
	subscribers map[*WorkflowSubscriber]struct{}
	closed      bool
	mu          sync.RWMutex
}

// addSubscriber registers sub and returns the narration emitted so far, so
// the subscriber can replay it without gaps or duplicates. It reports false
// once the execution has closed its subscribers; sub is not registered then.
func (rw *runningWorkflow) addSubscriber(sub *WorkflowSubscriber) ([]workflow.Event, bool) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.closed {
		return nil, false
	}
	rw.subscribers[sub] = struct{}{}
	return append([]workflow.Event(nil), rw.narration...), true
}

func (rw *runningWorkflow) removeSubscriber(sub *WorkflowSubscriber) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	delete(rw.subscribers, sub)
}

// narrate records e and fans it out under one lock, so a concurrent
// subscriber sees it either in its replay or on its channel, never both.
func (rw *runningWorkflow) narrate(e workflow.Event) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.narration = append(rw.narration, e)
	rw.broadcastLocked(WorkflowEvent{Type: EventNarration, Data: e})
}

func (rw *runningWorkflow) narrationSnapshot() []workflow.Event {
	rw.mu.RLock()
	defer rw.mu.RUnlock()
	return append([]workflow.Event(nil), rw.narration...)
}

func (rw *runningWorkflow) broadcast(event WorkflowEvent) {
	rw.mu.RLock()
	defer rw.mu.RUnlock()
	rw.broadcastLocked(event)
}

func (rw *runningWorkflow) broadcastLocked(event WorkflowEvent) {
	for sub := range rw.subscribers {
		select {
		case sub.Events <- event:
		default:
			slog.Warn("Subscriber buffer full, skipping event", "run_id", rw.ID, "event_type", event.Type)
		}
	}
}

func (rw *runningWorkflow) closeAll() {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	for sub := range rw.subscribers {
		close(sub.Done)
	}
	rw.subscribers = make(map[*WorkflowSubscriber]struct{})
	rw.closed = true
}

// WorkflowManager executes analysis runs in the background, persisting a
// checkpoint after every controller cycle.
type WorkflowManager struct {
	log        *slog.Logger
	store      RunStore
	controller *controller.Controller

	mu      sync.RWMutex
	running map[uuid.UUID]*runningWorkflow
	wg      sync.WaitGroup
}

// Manager is the process-wide manager used by the HTTP handlers. It is set
// at startup.
var Manager *WorkflowManager

// NewWorkflowManager creates a manager.
func NewWorkflowManager(log *slog.Logger, store RunStore, ctrl *controller.Controller) *WorkflowManager {
	if log == nil {
		log = slog.Default()
	}
	return &WorkflowManager{
		log:        log,
		store:      store,
		controller: ctrl,
		running:    make(map[uuid.UUID]*runningWorkflow),
	}
}

// Store returns the run store backing the manager.
func (m *WorkflowManager) Store() RunStore {
	return m.store
}

type driveFunc func(ctx context.Context, run *controller.Run, onEvent workflow.Narrator, onCheckpoint controller.CheckpointCallback) (*controller.Run, error)

// Start persists a new run and begins executing it. It returns as soon as the
// run is stored.
func (m *WorkflowManager) Start(ctx context.Context, request string, mode controller.Mode) (*RunRecord, error) {
	run, err := m.controller.NewRun(request, mode)
	if err != nil {
		return nil, err
	}
	rec := &RunRecord{Run: run, Narration: []workflow.Event{}}
	if err := m.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	snap, err := rec.snapshot()
	if err != nil {
		return nil, err
	}
	rw, err := m.claim(run.ID, rec.Narration)
	if err != nil {
		return nil, err
	}
	m.launch(rw, run, m.controller.StartRun)

	m.log.Info("Started analysis run", "run_id", run.ID, "mode", mode, "request", truncateLog(request, 50))
	return snap, nil
}

// Resume answers a run suspended for input and continues it in the background.
func (m *WorkflowManager) Resume(ctx context.Context, id uuid.UUID, answer string) (*RunRecord, error) {
	rec, err := m.loadIdle(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != controller.StatusSuspendedForInput {
		return nil, fmt.Errorf("%w: run %s is %s", controller.ErrNotSuspended, id, rec.Status)
	}
	if strings.TrimSpace(answer) == "" {
		return nil, controller.ErrEmptyAnswer
	}

	rw, rec, err := m.claimLoaded(ctx, rec, func(r *RunRecord) bool {
		return r.Status == controller.StatusSuspendedForInput
	})
	if err != nil {
		return nil, err
	}
	snap, err := rec.snapshot()
	if err != nil {
		m.release(rw)
		return nil, err
	}
	m.launch(rw, rec.Run, func(ctx context.Context, run *controller.Run, onEvent workflow.Narrator, onCheckpoint controller.CheckpointCallback) (*controller.Run, error) {
		return m.controller.Resume(ctx, run, answer, onEvent, onCheckpoint)
	})

	m.log.Info("Resumed analysis run", "run_id", id)
	return snap, nil
}

// Confirm continues a run waiting for manual confirmation.
func (m *WorkflowManager) Confirm(ctx context.Context, id uuid.UUID) (*RunRecord, error) {
	rec, err := m.loadIdle(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != controller.StatusSuspended || rec.LastDecision == nil {
		return nil, fmt.Errorf("%w: run %s is %s", controller.ErrNotSuspended, id, rec.Status)
	}

	rw, rec, err := m.claimLoaded(ctx, rec, func(r *RunRecord) bool {
		return r.Status == controller.StatusSuspended && r.LastDecision != nil
	})
	if err != nil {
		return nil, err
	}
	snap, err := rec.snapshot()
	if err != nil {
		m.release(rw)
		return nil, err
	}
	m.launch(rw, rec.Run, m.controller.Confirm)

	m.log.Info("Confirmed analysis run", "run_id", id, "next_phase", snap.LastDecision.NextPhase)
	return snap, nil
}

func (m *WorkflowManager) loadIdle(ctx context.Context, id uuid.UUID) (*RunRecord, error) {
	if m.IsRunning(id) {
		return nil, fmt.Errorf("%w: %s", ErrRunBusy, id)
	}
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return rec, nil
}

// claimLoaded claims the run held by rec and re-reads it, so a checkpoint
// written by an execution that finished after rec was loaded is not driven a
// second time. The returned record is the one read under the claim.
func (m *WorkflowManager) claimLoaded(ctx context.Context, rec *RunRecord, resumable func(*RunRecord) bool) (*runningWorkflow, *RunRecord, error) {
	rw, err := m.claim(rec.ID, rec.Narration)
	if err != nil {
		return nil, nil, err
	}
	fresh, err := m.store.Get(ctx, rec.ID)
	if err != nil {
		m.release(rw)
		return nil, nil, err
	}
	if fresh == nil {
		m.release(rw)
		return nil, nil, fmt.Errorf("%w: %s", ErrRunNotFound, rec.ID)
	}
	if !resumable(fresh) || fresh.IterationCount != rec.IterationCount || !fresh.UpdatedAt.Equal(rec.UpdatedAt) {
		m.release(rw)
		return nil, nil, fmt.Errorf("%w: run %s changed while it was being claimed (now %s)", controller.ErrNotSuspended, rec.ID, fresh.Status)
	}
	rw.mu.Lock()
	rw.narration = append([]workflow.Event(nil), fresh.Narration...)
	rw.mu.Unlock()
	return rw, fresh, nil
}

// release undoes a claim whose execution was never launched.
func (m *WorkflowManager) release(rw *runningWorkflow) {
	m.mu.Lock()
	if m.running[rw.ID] == rw {
		delete(m.running, rw.ID)
	}
	m.mu.Unlock()
	rw.Cancel()
	rw.closeAll()
}

// claim registers id as executing, failing if another execution holds it.
func (m *WorkflowManager) claim(id uuid.UUID, narration []workflow.Event) (*runningWorkflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.running[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrRunBusy, id)
	}
	ctx, cancel := context.WithCancel(context.Background())
	rw := &runningWorkflow{
		ID:          id,
		ctx:         ctx,
		Cancel:      cancel,
		narration:   append([]workflow.Event(nil), narration...),
		subscribers: make(map[*WorkflowSubscriber]struct{}),
	}
	m.running[id] = rw
	return rw, nil
}

func (m *WorkflowManager) launch(rw *runningWorkflow, run *controller.Run, drive driveFunc) {
	m.wg.Add(1)
	go m.execute(rw.ctx, rw, run, drive)
}

// execute drives the run and persists every checkpoint.
func (m *WorkflowManager) execute(ctx context.Context, rw *runningWorkflow, run *controller.Run, drive driveFunc) {
	defer m.wg.Done()
	defer func() {
		rw.Cancel()
		m.mu.Lock()
		delete(m.running, rw.ID)
		m.mu.Unlock()
		rw.closeAll()
	}()

	// Checkpoints must land even after cancellation so the abort is recorded.
	saveCtx := context.WithoutCancel(ctx)
	checkpoint := func(r *controller.Run) error {
		return m.store.Save(saveCtx, &RunRecord{Run: r, Narration: rw.narrationSnapshot()})
	}

	final, err := drive(ctx, run, rw.narrate, checkpoint)
	if err != nil {
		m.log.Warn("Analysis run stopped with error", "run_id", rw.ID, "error", err)
	}
	if final == nil {
		final = run
	}
	rw.broadcast(WorkflowEvent{Type: EventStatus, Data: statusEvent(final)})
	m.log.Info("Analysis run execution finished", "run_id", rw.ID, "status", final.Status, "iterations", final.IterationCount)
}

// Subscribe creates a subscriber to receive events from an executing run,
// together with the narration emitted before it subscribed. Returns nil if
// the run is not executing.
func (m *WorkflowManager) Subscribe(id uuid.UUID) (*WorkflowSubscriber, []workflow.Event) {
	m.mu.RLock()
	rw, exists := m.running[id]
	m.mu.RUnlock()

	if !exists {
		return nil, nil
	}

	sub := &WorkflowSubscriber{
		Events: make(chan WorkflowEvent, 100),
		Done:   make(chan struct{}),
	}
	replay, ok := rw.addSubscriber(sub)
	if !ok {
		// The execution ended between the lookup and the registration; the
		// caller falls back to the stored record.
		return nil, nil
	}
	return sub, replay
}

// Unsubscribe removes a subscriber from a run.
func (m *WorkflowManager) Unsubscribe(id uuid.UUID, sub *WorkflowSubscriber) {
	m.mu.RLock()
	rw, exists := m.running[id]
	m.mu.RUnlock()

	if exists {
		rw.removeSubscriber(sub)
	}
}

// IsRunning checks if a run is currently executing in memory.
func (m *WorkflowManager) IsRunning(id uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.running[id]
	return exists
}

// Shutdown cancels every execution and waits for their final checkpoints.
func (m *WorkflowManager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	for _, rw := range m.running {
		rw.Cancel()
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until no execution is in flight.
func (m *WorkflowManager) Wait() {
	m.wg.Wait()
}

func truncateLog(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

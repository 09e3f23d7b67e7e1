package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/analyst/agent/pkg/workflow"
)

const (
	// DefaultMaxIterations is the maximum number of controller cycles per run.
	DefaultMaxIterations = 20

	author = "workflow_controller"
)

var (
	ErrBudgetExceeded = errors.New("budget exceeded")
	ErrNotSuspended   = errors.New("run is not suspended")
	ErrEmptyAnswer    = errors.New("answer is empty")
)

// Observer receives execution telemetry. Implementations must not block.
type Observer interface {
	PhaseCompleted(phase workflow.Phase, duration time.Duration, err error)
	DecisionApplied(decision workflow.Decision, overridden bool)
	RunFinished(status Status, abort *Abort)
}

// Config holds the configuration for the controller.
type Config struct {
	Logger        *slog.Logger
	Registry      *workflow.Registry
	Oracle        workflow.DecisionOracle // Required for ModeDynamic
	Clock         clockwork.Clock
	Observer      Observer
	MaxIterations int
}

// CheckpointCallback is called after every cycle and on every terminal
// transition with the current run. Errors are logged, not fatal.
type CheckpointCallback func(run *Run) error

// Controller drives runs through the phase registry.
type Controller struct {
	cfg           *Config
	clock         clockwork.Clock
	maxIterations int
}

// logInfo logs an info message if a logger is configured.
func (c *Controller) logInfo(msg string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Info(msg, args...)
	}
}

// New creates a controller.
func New(cfg *Config) (*Controller, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("phase registry is required")
	}
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Controller{
		cfg:           cfg,
		clock:         clock,
		maxIterations: maxIterations,
	}, nil
}

// Start creates a run for request and drives it until it completes, suspends
// or aborts. The returned error is non-nil only for transport failures; the
// run is returned in every case.
func (c *Controller) Start(
	ctx context.Context,
	request string,
	mode Mode,
	onEvent workflow.Narrator,
	onCheckpoint CheckpointCallback,
) (*Run, error) {
	run, err := c.NewRun(request, mode)
	if err != nil {
		return nil, err
	}
	return c.StartRun(ctx, run, onEvent, onCheckpoint)
}

// NewRun validates request and returns a fresh run positioned at the first
// phase, without executing anything.
func (c *Controller) NewRun(request string, mode Mode) (*Run, error) {
	if strings.TrimSpace(request) == "" {
		return nil, errors.New("request is empty")
	}
	if mode == ModeDynamic && c.cfg.Oracle == nil {
		return nil, errors.New("dynamic mode requires a decision oracle")
	}

	now := c.clock.Now().UTC()
	state := workflow.NewState()
	if err := state.Set(workflow.KeyUserRequest, request); err != nil {
		return nil, err
	}

	return &Run{
		ID:            uuid.New(),
		Mode:          mode,
		Status:        StatusRunning,
		CurrentPhase:  workflow.PhaseRequestInterpreter,
		MaxIterations: c.maxIterations,
		History:       []workflow.Phase{},
		State:         state,
		StartedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// StartRun drives a run created by the caller, e.g. one whose ID was already
// persisted. The run must be in the running state.
func (c *Controller) StartRun(ctx context.Context, run *Run, onEvent workflow.Narrator, onCheckpoint CheckpointCallback) (*Run, error) {
	if run.Status != StatusRunning {
		return run, fmt.Errorf("run %s is %s, not running", run.ID, run.Status)
	}
	if run.MaxIterations <= 0 {
		run.MaxIterations = c.maxIterations
	}
	ctx = workflow.ContextWithRunID(ctx, run.ID.String())
	c.logInfo("workflow: starting run", "run_id", run.ID, "mode", run.Mode)
	onEvent.Say(author, "Starting %s analysis run", run.Mode)
	return c.drive(ctx, run, onEvent, onCheckpoint)
}

// Resume answers the clarification questions of a run suspended for input
// and continues it at schema exploration. Interpretation and the
// completeness check are not repeated.
func (c *Controller) Resume(
	ctx context.Context,
	run *Run,
	answer string,
	onEvent workflow.Narrator,
	onCheckpoint CheckpointCallback,
) (*Run, error) {
	if run.Status != StatusSuspendedForInput {
		return run, fmt.Errorf("%w: run %s is %s", ErrNotSuspended, run.ID, run.Status)
	}
	if strings.TrimSpace(answer) == "" {
		return run, ErrEmptyAnswer
	}
	if run.Mode == ModeDynamic && c.cfg.Oracle == nil {
		return run, errors.New("dynamic mode requires a decision oracle")
	}

	original := run.OriginalRequest()
	if run.Suspension != nil && run.Suspension.OriginalRequest != "" {
		original = run.Suspension.OriginalRequest
	}
	completed := workflow.ComposeCompletedRequest(original, answer, c.clock.Now())
	if err := run.State.Set(workflow.KeyCompletedRequest, completed); err != nil {
		return run, err
	}
	run.State.MarkInformationComplete()
	md := run.State.Metadata()
	md.InformationSufficient = true
	run.State.SetMetadata(md)

	ctx = workflow.ContextWithRunID(ctx, run.ID.String())
	c.logInfo("workflow: resuming run with user input", "run_id", run.ID, "answer_len", len(answer))
	onEvent.Say(author, "Received the additional details. Resuming at schema exploration")

	run.Suspension = nil
	run.Status = StatusRunning
	run.CurrentPhase = workflow.PhaseSchemaExplorer
	return c.drive(ctx, run, onEvent, onCheckpoint)
}

// Confirm continues a run that stopped for manual confirmation at the phase
// the last decision proposed.
func (c *Controller) Confirm(ctx context.Context, run *Run, onEvent workflow.Narrator, onCheckpoint CheckpointCallback) (*Run, error) {
	if run.Status != StatusSuspended || run.LastDecision == nil {
		return run, fmt.Errorf("%w: run %s is %s", ErrNotSuspended, run.ID, run.Status)
	}
	if c.cfg.Oracle == nil {
		return run, errors.New("dynamic mode requires a decision oracle")
	}
	target := run.LastDecision.Target()
	if target.Kind != workflow.TargetPhase {
		return run, fmt.Errorf("%w: %s", workflow.ErrUnknownPhase, target.Raw)
	}

	ctx = workflow.ContextWithRunID(ctx, run.ID.String())
	onEvent.Say(author, "Confirmed. Proceeding to %s", target.Phase)
	run.Status = StatusRunning
	run.CurrentPhase = target.Phase
	return c.drive(ctx, run, onEvent, onCheckpoint)
}

func (c *Controller) drive(ctx context.Context, run *Run, onEvent workflow.Narrator, onCheckpoint CheckpointCallback) (*Run, error) {
	checkpoint := func() {
		run.UpdatedAt = c.clock.Now().UTC()
		if onCheckpoint == nil {
			return
		}
		if err := onCheckpoint(run); err != nil {
			c.logInfo("workflow: checkpoint failed", "run_id", run.ID, "iteration", run.IterationCount, "error", err)
		}
	}

	var err error
	if run.IterationCount >= run.MaxIterations {
		c.abortBudget(run, onEvent)
	} else if run.Mode == ModeDynamic {
		err = c.driveDynamic(ctx, run, onEvent, checkpoint)
	} else {
		err = c.driveFixed(ctx, run, onEvent, checkpoint)
	}

	if run.Status.Terminal() {
		if run.Status == StatusComplete || run.Status == StatusAborted {
			now := c.clock.Now().UTC()
			run.CompletedAt = &now
		}
		if c.cfg.Observer != nil {
			c.cfg.Observer.RunFinished(run.Status, run.Abort)
		}
		c.logInfo("workflow: run stopped", "run_id", run.ID, "status", run.Status, "iterations", run.IterationCount)
	}
	checkpoint()
	return run, err
}

// driveFixed runs the pipeline in order. The only branch is the completeness
// verdict after gap detection.
func (c *Controller) driveFixed(ctx context.Context, run *Run, onEvent workflow.Narrator, checkpoint func()) error {
	for {
		phase := run.CurrentPhase
		run.IterationCount++
		if err := c.executePhase(ctx, run, phase, onEvent); err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}
		run.State.SetMetadata(workflow.Summarize(run.State, phase, run.IterationCount).Metadata)

		var next workflow.Phase
		switch phase {
		case workflow.PhaseInformationGapDetector:
			verdict := workflow.ParseVerdict(run.State.Get(workflow.KeyInformationGapAnalysis))
			if verdict.Sufficient || run.State.InformationComplete() {
				onEvent.Say(author, "Request is complete (confidence %.2f). Continuing with schema exploration", verdict.Confidence)
				next = workflow.PhaseSchemaExplorer
				break
			}
			onEvent.Say(author, "Request needs clarification (confidence %.2f)", verdict.Confidence)
			if !c.cfg.Registry.Has(workflow.PhaseUserConfirmation) {
				c.suspendForInput(run, onEvent)
				return nil
			}
			next = workflow.PhaseUserConfirmation

		case workflow.PhaseUserConfirmation:
			c.suspendForInput(run, onEvent)
			return nil

		default:
			var ok bool
			next, ok = workflow.NextInSequence(phase)
			if !ok {
				c.complete(run, onEvent, "all phases finished")
				return nil
			}
		}

		if run.IterationCount >= run.MaxIterations {
			c.abortBudget(run, onEvent)
			return nil
		}
		run.CurrentPhase = next
		checkpoint()
	}
}

// driveDynamic asks the oracle for the next phase after every executed phase.
func (c *Controller) driveDynamic(ctx context.Context, run *Run, onEvent workflow.Narrator, checkpoint func()) error {
	for {
		phase := run.CurrentPhase
		run.IterationCount++
		if err := c.executePhase(ctx, run, phase, onEvent); err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}

		summary := workflow.Summarize(run.State, phase, run.IterationCount)
		run.State.SetMetadata(summary.Metadata)

		raw, err := c.cfg.Oracle.Decide(ctx, summary)
		if err != nil {
			c.abortTransport(run, onEvent, fmt.Sprintf("decision oracle failed: %v", err))
			return fmt.Errorf("failed to decide next phase: %w", err)
		}
		if err := run.State.Set(workflow.KeyPhaseDecision, raw); err != nil {
			return err
		}

		decision, heuristic := workflow.ResolveDecision(workflow.ParseDecisionReply(raw))
		if decision.Fallback {
			onEvent.Say(author, "Could not read the phase decision, stopping conservatively: %s", decision.Reason)
		} else if heuristic {
			c.logInfo("workflow: decision recovered from fenced block", "run_id", run.ID)
		}
		decision, overridden := decision.Apply()
		run.LastDecision = &decision
		if c.cfg.Observer != nil {
			c.cfg.Observer.DecisionApplied(decision, overridden)
		}
		c.logInfo("workflow: decision",
			"run_id", run.ID,
			"next_phase", decision.NextPhase,
			"confidence", decision.Confidence,
			"auto_proceed", decision.AutoProceed,
			"overridden", overridden)

		if stop := c.dispatch(run, decision, overridden, onEvent); stop {
			return nil
		}

		if run.IterationCount >= run.MaxIterations {
			c.abortBudget(run, onEvent)
			return nil
		}
		checkpoint()
	}
}

// dispatch applies a decision to the run and reports whether the run stopped.
func (c *Controller) dispatch(run *Run, decision workflow.Decision, overridden bool, onEvent workflow.Narrator) bool {
	target := decision.Target()
	switch target.Kind {
	case workflow.TargetComplete:
		c.complete(run, onEvent, decision.Reason)
		return true

	case workflow.TargetUserConfirmation:
		c.suspendForInput(run, onEvent)
		return true

	case workflow.TargetRetry:
		if target.Phase == "" || !c.cfg.Registry.Has(target.Phase) {
			c.abortUnknownPhase(run, onEvent, target.Raw)
			return true
		}
		onEvent.Say(author, "Retrying %s: %s", target.Phase, decision.Reason)
		run.CurrentPhase = target.Phase
		return false

	case workflow.TargetPhase:
		if !c.cfg.Registry.Has(target.Phase) {
			c.abortUnknownPhase(run, onEvent, target.Raw)
			return true
		}
		if !decision.AutoProceed {
			onEvent.Say(author, "Next phase %s proposed with confidence %.2f. Waiting for confirmation: %s",
				target.Phase, decision.Confidence, decision.Reason)
			run.Status = StatusSuspended
			return true
		}
		if overridden {
			onEvent.Say(author, "High confidence (%.2f), proceeding automatically to %s", decision.Confidence, target.Phase)
		} else {
			onEvent.Say(author, "Proceeding to %s (confidence %.2f): %s", target.Phase, decision.Confidence, decision.Reason)
		}
		run.CurrentPhase = target.Phase
		return false
	}

	c.abortUnknownPhase(run, onEvent, target.Raw)
	return true
}

// executePhase runs one phase and merges its output. A transport failure
// aborts the run and is returned.
func (c *Controller) executePhase(ctx context.Context, run *Run, phase workflow.Phase, onEvent workflow.Narrator) error {
	desc, err := c.cfg.Registry.Lookup(phase)
	if err != nil {
		c.abortUnknownPhase(run, onEvent, string(phase))
		return nil
	}
	if err := ctx.Err(); err != nil {
		c.abortTransport(run, onEvent, fmt.Sprintf("cancelled before %s: %v", phase, err))
		return err
	}

	onEvent.Say(author, "Running %s (cycle %d of %d)", phase, run.IterationCount, run.MaxIterations)
	start := c.clock.Now()
	out, err := desc.Capability.Execute(ctx, run.State, onEvent)
	if c.cfg.Observer != nil {
		c.cfg.Observer.PhaseCompleted(phase, c.clock.Since(start), err)
	}
	if err != nil {
		c.abortTransport(run, onEvent, fmt.Sprintf("%s failed: %v", phase, err))
		return fmt.Errorf("phase %s failed: %w", phase, err)
	}

	for k, v := range out.Delta {
		if err := run.State.Set(k, v); err != nil {
			c.abortTransport(run, onEvent, fmt.Sprintf("%s wrote an invalid key: %v", phase, err))
			return fmt.Errorf("phase %s: %w", phase, err)
		}
	}
	if err := run.State.Set(desc.OutputKey, out.Value); err != nil {
		c.abortTransport(run, onEvent, fmt.Sprintf("%s wrote an invalid key: %v", phase, err))
		return fmt.Errorf("phase %s: %w", phase, err)
	}

	run.State.RecordPhase(phase)
	run.History = append(run.History, phase)
	c.logInfo("workflow: phase complete", "run_id", run.ID, "phase", phase, "iteration", run.IterationCount)
	return nil
}

func (c *Controller) suspendForInput(run *Run, onEvent workflow.Narrator) {
	verdict := workflow.ParseVerdict(run.State.Get(workflow.KeyInformationGapAnalysis))
	questions := workflow.ClarificationQuestions(verdict)

	message := run.State.Get(workflow.KeyClarificationRequest)
	if message == "" {
		message = workflow.FormatClarificationRequest(run.OriginalRequest(), questions)
	}
	onEvent.Say(author, "%s", message)

	run.Suspension = &Suspension{
		OriginalRequest:      run.OriginalRequest(),
		OutstandingQuestions: questions,
		SuspendedAt:          c.clock.Now().UTC(),
	}
	run.Status = StatusSuspendedForInput
}

func (c *Controller) complete(run *Run, onEvent workflow.Narrator, reason string) {
	if reason == "" {
		reason = "analysis finished"
	}
	onEvent.Say(author, "Workflow complete after %d phases: %s", len(run.History), reason)
	run.Status = StatusComplete
}

func (c *Controller) abortBudget(run *Run, onEvent workflow.Narrator) {
	detail := fmt.Sprintf("budget exceeded: reached %d of %d iterations", run.IterationCount, run.MaxIterations)
	onEvent.Say(author, "Stopping: %s", detail)
	run.Abort = &Abort{Kind: AbortBudgetExceeded, Detail: detail}
	run.Status = StatusAborted
}

func (c *Controller) abortUnknownPhase(run *Run, onEvent workflow.Narrator, name string) {
	detail := fmt.Sprintf("unknown phase %q", name)
	onEvent.Say(author, "Stopping: %s", detail)
	run.Abort = &Abort{Kind: AbortUnknownPhase, Detail: detail}
	run.Status = StatusAborted
}

func (c *Controller) abortTransport(run *Run, onEvent workflow.Narrator, detail string) {
	onEvent.Say(author, "Stopping: %s", detail)
	run.Abort = &Abort{Kind: AbortTransport, Detail: detail}
	run.Status = StatusAborted
}

// Err returns the abort reason of a run as an error, or nil.
func (r *Run) Err() error {
	if r.Abort == nil {
		return nil
	}
	switch r.Abort.Kind {
	case AbortBudgetExceeded:
		return fmt.Errorf("%w: %s", ErrBudgetExceeded, r.Abort.Detail)
	case AbortUnknownPhase:
		return fmt.Errorf("%w: %s", workflow.ErrUnknownPhase, r.Abort.Detail)
	}
	return errors.New(r.Abort.Detail)
}

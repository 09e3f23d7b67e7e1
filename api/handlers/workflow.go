package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/analyst/agent/pkg/workflow"
	"github.com/malbeclabs/analyst/agent/pkg/workflow/controller"
	"github.com/malbeclabs/analyst/api/metrics"
)

// ErrRunNotFound is returned when saving a run that was never created.
var ErrRunNotFound = errors.New("analysis run not found")

// RunRecord is a run as persisted between checkpoints, together with the
// narration emitted so far.
type RunRecord struct {
	*controller.Run
	Narration []workflow.Event `json:"narration"`
}

// snapshot returns a deep copy that stays stable while the original run
// executes.
func (rec *RunRecord) snapshot() (*RunRecord, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot run: %w", err)
	}
	out := &RunRecord{Run: &controller.Run{}}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to snapshot run: %w", err)
	}
	return out, nil
}

// RunStore persists analysis runs.
type RunStore interface {
	Create(ctx context.Context, rec *RunRecord) error
	// Save overwrites the stored checkpoint of an existing run.
	Save(ctx context.Context, rec *RunRecord) error
	// Get returns nil, nil when the run does not exist.
	Get(ctx context.Context, id uuid.UUID) (*RunRecord, error)
}

// PgRunStore keeps runs in the analysis_runs table.
type PgRunStore struct {
	pool *pgxpool.Pool
}

// NewPgRunStore creates a run store on pool.
func NewPgRunStore(pool *pgxpool.Pool) *PgRunStore {
	return &PgRunStore{pool: pool}
}

var _ RunStore = (*PgRunStore)(nil)

type runColumns struct {
	history, state, suspension, lastDecision, abort, narration []byte
}

// nullableJSON encodes v, mapping nil pointers to SQL NULL.
func nullableJSON[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func encodeRun(rec *RunRecord) (runColumns, error) {
	var cols runColumns
	var err error
	history := rec.History
	if history == nil {
		history = []workflow.Phase{}
	}
	if cols.history, err = json.Marshal(history); err != nil {
		return cols, fmt.Errorf("failed to marshal history: %w", err)
	}
	state := rec.State
	if state == nil {
		state = workflow.NewState()
	}
	if cols.state, err = json.Marshal(state); err != nil {
		return cols, fmt.Errorf("failed to marshal state: %w", err)
	}
	if cols.suspension, err = nullableJSON(rec.Suspension); err != nil {
		return cols, fmt.Errorf("failed to marshal suspension: %w", err)
	}
	if cols.lastDecision, err = nullableJSON(rec.LastDecision); err != nil {
		return cols, fmt.Errorf("failed to marshal last decision: %w", err)
	}
	if cols.abort, err = nullableJSON(rec.Abort); err != nil {
		return cols, fmt.Errorf("failed to marshal abort: %w", err)
	}
	narration := rec.Narration
	if narration == nil {
		narration = []workflow.Event{}
	}
	if cols.narration, err = json.Marshal(narration); err != nil {
		return cols, fmt.Errorf("failed to marshal narration: %w", err)
	}
	return cols, nil
}

// Create inserts a new run.
func (s *PgRunStore) Create(ctx context.Context, rec *RunRecord) error {
	cols, err := encodeRun(rec)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO analysis_runs (
			id, status, mode, current_phase, iteration_count, max_iterations,
			history, state, suspension, last_decision, abort, narration,
			started_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, rec.ID, rec.Status, rec.Mode, rec.CurrentPhase, rec.IterationCount, rec.MaxIterations,
		cols.history, cols.state, cols.suspension, cols.lastDecision, cols.abort, cols.narration,
		rec.StartedAt, rec.UpdatedAt, rec.CompletedAt)
	metrics.RecordPostgresQuery(time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to create analysis run: %w", err)
	}
	return nil
}

// Save updates the checkpoint of a run.
func (s *PgRunStore) Save(ctx context.Context, rec *RunRecord) error {
	cols, err := encodeRun(rec)
	if err != nil {
		return err
	}
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE analysis_runs SET
			status = $2,
			current_phase = $3,
			iteration_count = $4,
			max_iterations = $5,
			history = $6,
			state = $7,
			suspension = $8,
			last_decision = $9,
			abort = $10,
			narration = $11,
			updated_at = $12,
			completed_at = $13
		WHERE id = $1
	`, rec.ID, rec.Status, rec.CurrentPhase, rec.IterationCount, rec.MaxIterations,
		cols.history, cols.state, cols.suspension, cols.lastDecision, cols.abort, cols.narration,
		rec.UpdatedAt, rec.CompletedAt)
	metrics.RecordPostgresQuery(time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to save analysis run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, rec.ID)
	}
	return nil
}

// Get loads a run by ID.
func (s *PgRunStore) Get(ctx context.Context, id uuid.UUID) (*RunRecord, error) {
	run := &controller.Run{}
	var cols runColumns
	start := time.Now()
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, mode, current_phase, iteration_count, max_iterations,
		       history, state, suspension, last_decision, abort, narration,
		       started_at, updated_at, completed_at
		FROM analysis_runs
		WHERE id = $1
	`, id).Scan(
		&run.ID, &run.Status, &run.Mode, &run.CurrentPhase, &run.IterationCount, &run.MaxIterations,
		&cols.history, &cols.state, &cols.suspension, &cols.lastDecision, &cols.abort, &cols.narration,
		&run.StartedAt, &run.UpdatedAt, &run.CompletedAt,
	)
	metrics.RecordPostgresQuery(time.Since(start), err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis run: %w", err)
	}
	return decodeRun(run, cols)
}

func decodeRun(run *controller.Run, cols runColumns) (*RunRecord, error) {
	if err := json.Unmarshal(cols.history, &run.History); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	run.State = workflow.NewState()
	if err := json.Unmarshal(cols.state, run.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if len(cols.suspension) > 0 {
		run.Suspension = &controller.Suspension{}
		if err := json.Unmarshal(cols.suspension, run.Suspension); err != nil {
			return nil, fmt.Errorf("failed to unmarshal suspension: %w", err)
		}
	}
	if len(cols.lastDecision) > 0 {
		run.LastDecision = &workflow.Decision{}
		if err := json.Unmarshal(cols.lastDecision, run.LastDecision); err != nil {
			return nil, fmt.Errorf("failed to unmarshal last decision: %w", err)
		}
	}
	if len(cols.abort) > 0 {
		run.Abort = &controller.Abort{}
		if err := json.Unmarshal(cols.abort, run.Abort); err != nil {
			return nil, fmt.Errorf("failed to unmarshal abort: %w", err)
		}
	}
	rec := &RunRecord{Run: run}
	if err := json.Unmarshal(cols.narration, &rec.Narration); err != nil {
		return nil, fmt.Errorf("failed to unmarshal narration: %w", err)
	}
	return rec, nil
}

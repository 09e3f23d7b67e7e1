package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
)

// DefaultRetryPasses bounds the generate/execute/fix/check cycle.
const DefaultRetryPasses = 5

// RetryStep is one capability inside a RetryLoop.
type RetryStep struct {
	Name       string
	Capability PhaseCapability
	OutputKey  Key
}

// RetryLoop repeats its steps in order until a step returns Stop or MaxPasses
// passes have run. Every pass overwrites the same keys, so the last values
// win. The loop is itself a PhaseCapability: it returns ResultKey as its value
// and every other step output as a delta.
type RetryLoop struct {
	Steps     []RetryStep
	ResultKey Key
	MaxPasses int
	Author    string
}

// RetryResult reports how a loop ended.
type RetryResult struct {
	Passes  int
	Stopped bool
	Writes  map[Key]string
}

// NewRetryLoop validates steps and applies defaults.
func NewRetryLoop(resultKey Key, steps ...RetryStep) (*RetryLoop, error) {
	if len(steps) == 0 {
		return nil, errors.New("retry loop needs at least one step")
	}
	if !resultKey.Valid() {
		return nil, fmt.Errorf("unknown result key %q", resultKey)
	}
	produced := false
	for _, s := range steps {
		if s.Capability == nil {
			return nil, fmt.Errorf("retry step %s: capability is required", s.Name)
		}
		if !s.OutputKey.Valid() {
			return nil, fmt.Errorf("retry step %s: unknown output key %q", s.Name, s.OutputKey)
		}
		if s.OutputKey == resultKey {
			produced = true
		}
	}
	if !produced {
		return nil, fmt.Errorf("no retry step writes result key %s", resultKey)
	}
	return &RetryLoop{
		Steps:     steps,
		ResultKey: resultKey,
		MaxPasses: DefaultRetryPasses,
		Author:    string(PhaseSQLErrorHandler),
	}, nil
}

// Run drives the loop over a private overlay of state. It stops early only on
// an explicit Stop from a step, or on a transport error.
func (l *RetryLoop) Run(ctx context.Context, state StateReader, narrate Narrator) (RetryResult, error) {
	maxPasses := l.MaxPasses
	if maxPasses <= 0 {
		maxPasses = DefaultRetryPasses
	}

	view := &overlay{base: state, writes: make(map[Key]string)}
	result := RetryResult{}

	for pass := 1; pass <= maxPasses; pass++ {
		result.Passes = pass
		narrate.Say(l.Author, "Retrieval pass %d of %d", pass, maxPasses)

		for _, step := range l.Steps {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			out, err := step.Capability.Execute(ctx, view, narrate)
			if err != nil {
				return result, fmt.Errorf("retry step %s failed on pass %d: %w", step.Name, pass, err)
			}
			for k, v := range out.Delta {
				view.writes[k] = v
			}
			view.writes[step.OutputKey] = out.Value
			if out.Stop {
				result.Stopped = true
				result.Writes = view.writes
				narrate.Say(l.Author, "Stop signal from %s after pass %d", step.Name, pass)
				return result, nil
			}
		}
	}

	narrate.Say(l.Author, "Reached the limit of %d passes without a stop signal", maxPasses)
	result.Writes = view.writes
	return result, nil
}

// Execute runs the loop as a phase.
func (l *RetryLoop) Execute(ctx context.Context, state StateReader, narrate Narrator) (PhaseOutput, error) {
	res, err := l.Run(ctx, state, narrate)
	if err != nil {
		return PhaseOutput{}, err
	}
	delta := maps.Clone(res.Writes)
	value := delta[l.ResultKey]
	delete(delta, l.ResultKey)
	return PhaseOutput{Value: value, Delta: delta}, nil
}

// overlay layers a loop's uncommitted writes over the run state.
type overlay struct {
	base   StateReader
	writes map[Key]string
}

func (o *overlay) Get(key Key) string {
	if v, ok := o.writes[key]; ok {
		return v
	}
	return o.base.Get(key)
}

func (o *overlay) Has(key Key) bool {
	if _, ok := o.writes[key]; ok {
		return true
	}
	return o.base.Has(key)
}

func (o *overlay) ExecutedPhases() []Phase   { return o.base.ExecutedPhases() }
func (o *overlay) Metadata() Metadata        { return o.base.Metadata() }
func (o *overlay) InformationComplete() bool { return o.base.InformationComplete() }

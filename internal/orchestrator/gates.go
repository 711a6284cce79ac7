package orchestrator

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/synthd/internal/checkpoint"
	"github.com/fyrsmithlabs/synthd/internal/synth"
)

// Gate validates a run before a stage executes. A non-nil error vetoes the
// stage and fails the run without retry.
type Gate interface {
	Name() string
	Check(ctx context.Context, rec *checkpoint.RunRecord, next synth.Stage) error
}

// OrderGate enforces the fixed stage order: no skip, no repeat.
type OrderGate struct{}

// Name returns the gate identifier
func (OrderGate) Name() string { return "stage-order" }

// Check implements Gate.
func (OrderGate) Check(_ context.Context, rec *checkpoint.RunRecord, next synth.Stage) error {
	if rec.CanTransition(next) {
		return nil
	}
	want, ok := rec.NextStage()
	if !ok {
		return fmt.Errorf("run %s already has every stage, cannot run %s", rec.ID, next)
	}
	return fmt.Errorf("run %s expects %s next, not %s", rec.ID, want, next)
}

// OutputGate requires a stage to have produced findings before another
// stage may run.
type OutputGate struct {
	Stage    synth.Stage
	Requires synth.Stage
}

// NewOutputGate returns a gate that blocks stage until requires has
// findings.
func NewOutputGate(stage, requires synth.Stage) *OutputGate {
	return &OutputGate{Stage: stage, Requires: requires}
}

// Name returns the gate identifier
func (g *OutputGate) Name() string {
	return fmt.Sprintf("%s-requires-%s", g.Stage, g.Requires)
}

// Check implements Gate.
func (g *OutputGate) Check(_ context.Context, rec *checkpoint.RunRecord, next synth.Stage) error {
	if next != g.Stage {
		return nil
	}
	out, ok := rec.Output(g.Requires)
	if !ok {
		return fmt.Errorf("%s has not run", g.Requires)
	}
	if out.Payload.NoFindings {
		return fmt.Errorf("%s produced no findings", g.Requires)
	}
	return nil
}

// DefaultGates are installed by New: stage order, publication needs a
// discussion to publish, and evaluation needs a publication to grade.
func DefaultGates() []Gate {
	return []Gate{
		OrderGate{},
		NewOutputGate(synth.StagePublication, synth.StageDiscussion),
		NewOutputGate(synth.StageEvaluation, synth.StagePublication),
	}
}

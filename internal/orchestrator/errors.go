package orchestrator

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/synthd/internal/synth"
)

var (
	// ErrRunFailed matches every *RunError.
	ErrRunFailed = errors.New("run failed")

	// ErrBatchInFlight is returned when the same batch is already running.
	ErrBatchInFlight = errors.New("batch already in flight")

	// ErrEmptyBatch is returned for a batch with no documents.
	ErrEmptyBatch = errors.New("batch has no documents")

	// ErrNoRunner is returned by New when a stage has no runner.
	ErrNoRunner = errors.New("no runner for stage")

	// ErrGateViolation is returned when a gate vetoes a stage.
	ErrGateViolation = errors.New("gate violation")

	// ErrNoGrade is returned when evaluation produced no grade.
	ErrNoGrade = errors.New("evaluation produced no grade")
)

// RunError describes a failed run.
type RunError struct {
	RunID    synth.RunID
	BatchID  string
	Stage    synth.Stage
	Attempts int
	Err      error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s (batch %s) failed at %s after %d attempt(s): %v",
		e.RunID, e.BatchID, e.Stage, e.Attempts, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrRunFailed) true for any RunError.
func (e *RunError) Is(target error) bool { return target == ErrRunFailed }

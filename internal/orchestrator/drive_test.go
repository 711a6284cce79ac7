package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/synthd/internal/agents"
	"github.com/fyrsmithlabs/synthd/internal/checkpoint"
	"github.com/fyrsmithlabs/synthd/internal/synth"
)

type sliceSource struct {
	docs    []synth.Document
	fetches int
	err     error
}

func (s *sliceSource) FetchBatch(_ context.Context, _ string, limit, offset int) ([]synth.Document, error) {
	s.fetches++
	if s.err != nil {
		return nil, s.err
	}
	if offset >= len(s.docs) {
		return nil, nil
	}
	end := min(offset+limit, len(s.docs))
	return s.docs[offset:end], nil
}

func (s *sliceSource) Close() error { return nil }

func TestDrive_PagesUntilExhausted(t *testing.T) {
	src := &sliceSource{docs: docs("1", "2", "3", "4", "5")}
	h := newHarness(t, nil, func(d *Deps) { d.Source = src })

	res, err := h.orch.Drive(context.Background(), DriveOptions{Topic: "sodium", BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, DriveResult{Batches: 3, Completed: 3, Offset: 5}, res)
	assert.Equal(t, 5, h.state.Offset("sodium"))
	assert.Zero(t, h.state.Offset("coffee"))

	// The offset is persisted, so a second pass finds nothing new.
	res, err = h.orch.Drive(context.Background(), DriveOptions{Topic: "sodium", BatchSize: 2})
	require.NoError(t, err)
	assert.Zero(t, res.Batches)
	assert.Equal(t, 5, res.Offset)

	runs, err := h.runs.List(context.Background(), &checkpoint.ListRequest{})
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestDrive_MaxBatchesAndFailures(t *testing.T) {
	src := &sliceSource{docs: docs("1", "2", "3", "4", "5")}
	h := newHarness(t, nil, func(d *Deps) { d.Source = src })
	h.runners[synth.StageAudit].fn = func(_ context.Context, req agents.Request) (checkpoint.StageOutput, error) {
		if req.Batch.Documents[0].ID == "1" {
			return checkpoint.StageOutput{}, errTransient
		}
		return okOutput(req, checkpoint.Payload{Text: "audited"}), nil
	}

	res, err := h.orch.Drive(context.Background(), DriveOptions{Topic: "sodium", BatchSize: 2, MaxBatches: 2})
	require.NoError(t, err)
	assert.Equal(t, DriveResult{Batches: 2, Completed: 1, Failed: 1, Offset: 4}, res)
	assert.Equal(t, 4, h.state.Offset("sodium"))
}

func TestDrive_Errors(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.Drive(context.Background(), DriveOptions{Topic: "x", BatchSize: 2})
	assert.Error(t, err, "no source configured")

	src := &sliceSource{err: errors.New("db down")}
	h = newHarness(t, nil, func(d *Deps) { d.Source = src })
	_, err = h.orch.Drive(context.Background(), DriveOptions{Topic: "x", BatchSize: 0})
	assert.Error(t, err)
	assert.Zero(t, src.fetches)

	_, err = h.orch.Drive(context.Background(), DriveOptions{Topic: "x", BatchSize: 2})
	assert.ErrorContains(t, err, "db down")
	assert.Zero(t, h.state.Offset("x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.orch.Drive(ctx, DriveOptions{Topic: "x", BatchSize: 2})
	assert.ErrorIs(t, err, context.Canceled)
}

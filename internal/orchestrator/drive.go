package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/synthd/internal/synth"
)

// DriveOptions page the document source.
type DriveOptions struct {
	Topic      string
	BatchSize  int
	MaxBatches int // zero means until the source runs dry
}

// DriveResult counts what a Drive call did.
type DriveResult struct {
	Batches   int `json:"batches"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Offset    int `json:"offset"`
}

// Drive fetches batches for a topic from the persisted offset and runs
// them one after another. The offset advances after every batch whether
// the run completed or failed. It stops on an empty page, at MaxBatches or
// when ctx is done.
func (o *Orchestrator) Drive(ctx context.Context, opts DriveOptions) (DriveResult, error) {
	var res DriveResult
	if o.deps.Source == nil {
		return res, errors.New("no document source configured")
	}
	if opts.BatchSize <= 0 {
		return res, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}

	for opts.MaxBatches <= 0 || res.Batches < opts.MaxBatches {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		offset := o.deps.State.Offset(opts.Topic)
		res.Offset = offset
		docs, err := o.deps.Source.FetchBatch(ctx, opts.Topic, opts.BatchSize, offset)
		if err != nil {
			return res, fmt.Errorf("fetching batch at offset %d: %w", offset, err)
		}
		if len(docs) == 0 {
			o.logger.Info(ctx, "document source exhausted", zap.String("topic", opts.Topic), zap.Int("offset", offset))
			return res, nil
		}

		res.Batches++
		_, runErr := o.Run(ctx, synth.NewBatch(docs))
		if runErr != nil {
			res.Failed++
			o.logger.Warn(ctx, "batch failed, moving on", zap.Int("offset", offset), zap.Error(runErr))
		} else {
			res.Completed++
		}

		next := offset + len(docs)
		if err := o.deps.State.SetOffset(context.WithoutCancel(ctx), opts.Topic, next); err != nil {
			return res, fmt.Errorf("persisting offset: %w", err)
		}
		res.Offset = next
	}
	return res, nil
}

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/synthd/internal/orchestrator"
	"github.com/fyrsmithlabs/synthd/internal/services"
	"github.com/fyrsmithlabs/synthd/internal/snapshot"
	"github.com/fyrsmithlabs/synthd/internal/source"
)

type runOptions struct {
	topic      string
	limit      int
	maxBatches int
	fresh      bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run document batches through the pipeline",
		Long: `Fetch batches for the research topic, starting at the saved offset, and
run each through every stage. The offset advances after every batch.

Examples:
  # Run until the source is exhausted
  synth run

  # Three batches of ten on a specific topic
  synth run --topic "sodium, hypertension" --limit 10 --max-batches 3

  # Snapshot the current artifacts into experiments/, then start clean
  synth run --new`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.topic, "topic", "", "research topic (default from taxonomy file, then pipeline.topic)")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "documents per batch (default pipeline.batch_size)")
	cmd.Flags().IntVar(&opts.maxBatches, "max-batches", 0, "stop after this many batches (0 runs until the source is empty)")
	cmd.Flags().BoolVar(&opts.fresh, "new", false, "snapshot and reset the artifacts before running")
	return cmd
}

func runPipeline(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	if opts.limit < 0 {
		return fmt.Errorf("--limit must be positive, got %d", opts.limit)
	}
	if opts.maxBatches < 0 {
		return fmt.Errorf("--max-batches must not be negative, got %d", opts.maxBatches)
	}
	ctx := cmd.Context()

	cfg, err := root.load()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if opts.fresh {
		paths := services.PathsFor(cfg)
		mgr := snapshot.New(paths.Dir, paths.Experiments, zap.NewNop())
		snap, err := mgr.Reset(ctx, mgr.DefaultName())
		if err != nil {
			return fmt.Errorf("resetting workspace: %w", err)
		}
		fmt.Fprintf(out, "Saved %d files to %s, workspace reset\n", snap.Files, snap.Path)
	}

	topic, err := source.ResolveTopic(opts.topic, cfg.Pipeline.TaxonomyFile, cfg.Pipeline.Topic)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "taxonomy unreadable, using %q: %v\n", topic, err)
	}
	batchSize := opts.limit
	if batchSize == 0 {
		batchSize = cfg.Pipeline.BatchSize
	}

	reg, err := services.Build(ctx, cfg, services.BuildOptions{Version: version, Pipeline: true, LogToStderr: true})
	if err != nil {
		return fmt.Errorf("initializing services: %w", err)
	}
	defer reg.Close(ctx)

	orch := reg.Orchestrator()
	if !root.jsonOutput {
		orch.OnProgress(progressPrinter(out))
		fmt.Fprintf(out, "Topic %q, batches of %d\n", topic, batchSize)
	}

	res, err := orch.Drive(ctx, orchestrator.DriveOptions{
		Topic:      topic,
		BatchSize:  batchSize,
		MaxBatches: opts.maxBatches,
	})
	if err != nil {
		return fmt.Errorf("drive: %w", err)
	}

	if root.jsonOutput {
		return json.NewEncoder(out).Encode(res)
	}
	fmt.Fprintf(out, "%d batches: %d completed, %d failed. Next offset %d.\n",
		res.Batches, res.Completed, res.Failed, res.Offset)
	if stats := reg.Knowledge().Stats(); stats.Claims > 0 {
		gaps, _ := reg.Knowledge().OpenGaps(ctx)
		fmt.Fprintf(out, "Knowledge graph: %d claims, %d protocols, %d open gaps.\n",
			stats.Claims, stats.Protocols, len(gaps))
	}
	return nil
}

func progressPrinter(w io.Writer) orchestrator.ProgressCallback {
	return func(p orchestrator.Progress) {
		fmt.Fprintf(w, "  %s %-16s %-9s %3d%% %s\n", p.RunID, p.Stage, p.Status, p.Percentage, p.Message)
	}
}

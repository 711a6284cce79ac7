package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/synthd/internal/agents"
	"github.com/fyrsmithlabs/synthd/internal/checkpoint"
	"github.com/fyrsmithlabs/synthd/internal/directive"
	"github.com/fyrsmithlabs/synthd/internal/events"
	"github.com/fyrsmithlabs/synthd/internal/knowledge"
	"github.com/fyrsmithlabs/synthd/internal/logging"
	"github.com/fyrsmithlabs/synthd/internal/memory"
	"github.com/fyrsmithlabs/synthd/internal/source"
	"github.com/fyrsmithlabs/synthd/internal/synth"
)

// Deps are the collaborators of an Orchestrator. Memory, Events and Source
// are optional.
type Deps struct {
	Runners   map[synth.Stage]agents.Runner
	Knowledge KnowledgeStore
	Ledger    DirectiveLedger
	Memory    Memory
	Runs      checkpoint.Service
	State     StateStore
	Events    events.Publisher
	Source    source.Source

	Tracer trace.Tracer
	Meter  metric.Meter
	Logger *zap.Logger
}

// Orchestrator runs batches through the stage pipeline.
type Orchestrator struct {
	deps    Deps
	cfg     Config
	logger  *logging.Logger
	tracer  trace.Tracer
	metrics *metrics
	now     func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
	gates    []Gate
	progress ProgressCallback
}

// New validates deps and returns an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	for _, stage := range synth.AllStages() {
		if deps.Runners[stage] == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoRunner, stage)
		}
	}
	switch {
	case deps.Knowledge == nil:
		return nil, errors.New("knowledge store is required")
	case deps.Ledger == nil:
		return nil, errors.New("directive ledger is required")
	case deps.Runs == nil:
		return nil, errors.New("checkpoint service is required")
	case deps.State == nil:
		return nil, errors.New("state store is required")
	}
	if deps.Events == nil {
		deps.Events = events.NopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return &Orchestrator{
		deps:     deps,
		cfg:      cfg.withDefaults(),
		logger:   logging.Wrap(deps.Logger).Named("orchestrator"),
		tracer:   tracer,
		metrics:  newMetrics(deps.Meter, deps.Logger),
		now:      time.Now,
		inFlight: make(map[string]struct{}),
		gates:    DefaultGates(),
	}, nil
}

// RegisterGate adds a gate checked before every stage.
func (o *Orchestrator) RegisterGate(g Gate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gates = append(o.gates, g)
}

// OnProgress sets the progress callback.
func (o *Orchestrator) OnProgress(cb ProgressCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = cb
}

func (o *Orchestrator) acquire(batchID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[batchID]; busy {
		return false
	}
	o.inFlight[batchID] = struct{}{}
	return true
}

func (o *Orchestrator) release(batchID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, batchID)
}

// Run executes every stage for batch. On failure the returned record holds
// the outputs persisted so far and the error is a *RunError.
func (o *Orchestrator) Run(ctx context.Context, batch synth.Batch) (*checkpoint.RunRecord, error) {
	if len(batch.Documents) == 0 {
		return nil, ErrEmptyBatch
	}
	if batch.ID == "" {
		batch = synth.NewBatch(batch.Documents)
	}
	if !o.acquire(batch.ID) {
		return nil, fmt.Errorf("%w: %s", ErrBatchInFlight, batch.ID)
	}
	defer o.release(batch.ID)

	runID, err := o.deps.State.NextRunID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocating run id: %w", err)
	}
	directives := o.deps.Ledger.ActiveDirectives(ctx, runID)

	rec := &checkpoint.RunRecord{
		ID:          runID,
		BatchID:     batch.ID,
		DocumentIDs: batch.DocumentIDs(),
		Topic:       topicOf(batch),
		Status:      checkpoint.StatusRunning,
		StartedAt:   o.now().UTC(),
	}
	for _, d := range directives {
		rec.DirectivesApplied = append(rec.DirectivesApplied, d.ID)
	}

	ctx = logging.WithRun(ctx, runID.String(), batch.ID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("run_id", runID.String()),
		attribute.String("batch_id", batch.ID),
		attribute.Int("documents", len(batch.Documents)),
		attribute.Int("directives", len(directives)),
	))
	defer span.End()

	o.logger.Info(ctx, "run started",
		zap.Int("documents", len(batch.Documents)),
		zap.Strings("directives", rec.DirectivesApplied),
	)
	if err := o.deps.Runs.Save(ctx, rec); err != nil {
		return o.fail(ctx, span, rec, synth.StageIngestion, 0, fmt.Errorf("checkpointing run: %w", err))
	}
	o.publish(ctx, events.Event{Kind: events.KindStarted, RunID: runID, BatchID: batch.ID})

	var (
		recalled []memory.Match
		gaps     []knowledge.Claim
		stages   = synth.AllStages()
	)
	for i, stage := range stages {
		if err := o.checkGates(ctx, rec, stage); err != nil {
			return o.fail(ctx, span, rec, stage, 0, err)
		}

		switch stage {
		case synth.StageMemoryRetrieval:
			recalled = o.recall(ctx, rec)
		case synth.StageInvention:
			if gaps, err = o.deps.Knowledge.OpenGaps(ctx); err != nil {
				return o.fail(ctx, span, rec, stage, 0, fmt.Errorf("reading open gaps: %w", err))
			}
		}

		req := agents.Request{
			Stage: stage,
			RunID: runID,
			Batch: batch,
			Context: agents.Context{
				Prior:    append([]checkpoint.StageOutput(nil), rec.Stages...),
				Memory:   recalled,
				OpenGaps: gaps,
			},
			Directives: directives,
		}
		out, attempts, err := o.runStage(ctx, req)
		if err != nil {
			return o.fail(ctx, span, rec, stage, attempts, err)
		}
		if err := o.applyWrites(ctx, out); err != nil {
			return o.fail(ctx, span, rec, stage, attempts, err)
		}

		out.Attempts = attempts
		rec.Stages = append(rec.Stages, out)
		if err := o.deps.Runs.Save(ctx, rec); err != nil {
			return o.fail(ctx, span, rec, stage, attempts, fmt.Errorf("checkpointing run: %w", err))
		}
		if stage == synth.StageIngestion {
			o.remember(ctx, runID, out)
		}

		o.publish(ctx, events.Event{
			Kind: events.KindStage, RunID: runID, BatchID: batch.ID,
			Stage: stage, Attempts: attempts, NoFinding: out.Payload.NoFindings,
		})
		o.report(Progress{
			RunID: runID, BatchID: batch.ID, Stage: stage, Status: "completed",
			Message:    fmt.Sprintf("%s done after %d attempt(s)", stage, attempts),
			Percentage: (i + 1) * 100 / len(stages),
		})
	}

	if err := o.finish(ctx, rec); err != nil {
		return o.fail(ctx, span, rec, synth.StageEvaluation, rec.Stages[len(rec.Stages)-1].Attempts, err)
	}

	o.metrics.run(ctx, string(checkpoint.StatusCompleted))
	o.publish(ctx, events.Event{Kind: events.KindCompleted, RunID: runID, BatchID: batch.ID})
	span.SetStatus(codes.Ok, "")
	o.logger.Info(ctx, "run completed", zap.Duration("duration", rec.FinishedAt.Sub(rec.StartedAt)))
	return rec, nil
}

// runStage invokes the stage runner with retries. It returns the number of
// attempts made.
func (o *Orchestrator) runStage(ctx context.Context, req agents.Request) (checkpoint.StageOutput, int, error) {
	stage := req.Stage
	ctx = logging.WithStage(ctx, string(stage))
	ctx, span := o.tracer.Start(ctx, "orchestrator.stage."+string(stage), trace.WithAttributes(
		attribute.String("stage", string(stage)),
	))
	defer span.End()
	start := time.Now()
	defer func() { o.metrics.stage(ctx, stage, time.Since(start)) }()

	runner := o.deps.Runners[stage]
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.InitialBackoff
	b.MaxInterval = o.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.cfg.MaxAttempts-1)), ctx)

	var (
		out      checkpoint.StageOutput
		attempts int
	)
	op := func() error {
		attempts++
		actx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancel()

		res, err := runner.Run(actx, req)
		o.metrics.attempt(ctx, stage, err)
		if err == nil {
			out = res
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, knowledge.ErrDataConflict) {
			return backoff.Permanent(err)
		}
		o.logger.Warn(ctx, "stage attempt failed",
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", o.cfg.MaxAttempts),
			zap.Error(err),
		)
		return err
	}

	err := backoff.Retry(op, policy)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return checkpoint.StageOutput{}, attempts, err
	}
	o.logger.Debug(ctx, "stage completed", zap.Int("attempts", attempts), zap.Bool("no_findings", out.Payload.NoFindings))
	return out, attempts, nil
}

// applyWrites moves the stage's claims or protocols into the knowledge
// graph. A rejected write is not retried.
func (o *Orchestrator) applyWrites(ctx context.Context, out checkpoint.StageOutput) error {
	switch {
	case len(out.Payload.Claims) > 0:
		if err := o.deps.Knowledge.AddClaims(ctx, out.Payload.Claims); err != nil {
			return fmt.Errorf("writing claims: %w", err)
		}
	case len(out.Payload.Protocols) > 0:
		if err := o.deps.Knowledge.AddProtocols(ctx, out.Payload.Protocols); err != nil {
			return fmt.Errorf("writing protocols: %w", err)
		}
	}
	return nil
}

// finish commits the end of a run: the knowledge graph and publication are
// saved first, then the grade is recorded and the ledger saved, and last the
// run record is checkpointed as completed. If anything after RecordGrade
// fails the grade is withdrawn, so a failed run never steers later runs.
func (o *Orchestrator) finish(ctx context.Context, rec *checkpoint.RunRecord) error {
	eval, ok := rec.Output(synth.StageEvaluation)
	if !ok || eval.Payload.Grade == nil {
		return ErrNoGrade
	}
	grade := *eval.Payload.Grade
	grade.RunID = rec.ID

	if o.cfg.KnowledgePath != "" {
		if err := o.deps.Knowledge.Save(o.cfg.KnowledgePath); err != nil {
			return fmt.Errorf("saving knowledge graph: %w", err)
		}
	}
	if text, ok := rec.Publication(); ok {
		path, err := o.deps.Runs.SavePublication(ctx, rec.ID, text)
		if err != nil {
			return fmt.Errorf("saving publication: %w", err)
		}
		o.logger.Info(ctx, "publication written", zap.String("path", path))
	}

	if err := o.deps.Ledger.RecordGrade(ctx, grade); err != nil {
		return fmt.Errorf("recording grade: %w", err)
	}
	if err := o.saveLedger(); err != nil {
		o.withdraw(ctx, grade, false)
		return fmt.Errorf("saving directive ledger: %w", err)
	}

	now := o.now().UTC()
	rec.Status = checkpoint.StatusCompleted
	rec.FinishedAt = &now
	if err := o.deps.Runs.Save(ctx, rec); err != nil {
		rec.Status = checkpoint.StatusRunning
		rec.FinishedAt = nil
		o.withdraw(ctx, grade, true)
		return fmt.Errorf("checkpointing run: %w", err)
	}
	return nil
}

func (o *Orchestrator) saveLedger() error {
	if o.cfg.LedgerPath == "" {
		return nil
	}
	return o.deps.Ledger.Save(o.cfg.LedgerPath)
}

// withdraw undoes the grade recorded by finish. persisted reports whether
// the ledger file already holds it.
func (o *Orchestrator) withdraw(ctx context.Context, g directive.Grade, persisted bool) {
	if err := o.deps.Ledger.Withdraw(ctx, g.RunID, g.Source); err != nil {
		o.logger.Error(ctx, "withdrawing grade", zap.Error(err))
		return
	}
	if !persisted {
		return
	}
	if err := o.saveLedger(); err != nil {
		o.logger.Error(ctx, "saving ledger after withdrawing grade", zap.Error(err))
	}
}

// fail marks rec failed, persists it and returns the RunError.
func (o *Orchestrator) fail(ctx context.Context, span trace.Span, rec *checkpoint.RunRecord, stage synth.Stage, attempts int, err error) (*checkpoint.RunRecord, error) {
	now := o.now().UTC()
	rec.Status = checkpoint.StatusFailed
	rec.FailedStage = stage
	rec.Attempts = attempts
	rec.Error = err.Error()
	rec.FinishedAt = &now

	// The caller's context may already be cancelled; the failure must
	// still be recorded.
	persistCtx := context.WithoutCancel(ctx)
	if saveErr := o.deps.Runs.Save(persistCtx, rec); saveErr != nil {
		o.logger.Error(ctx, "failed to checkpoint failed run", zap.Error(saveErr))
	}

	runErr := &RunError{RunID: rec.ID, BatchID: rec.BatchID, Stage: stage, Attempts: attempts, Err: err}
	o.logger.Error(ctx, "run failed",
		zap.String("failed_stage", string(stage)),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	o.metrics.run(persistCtx, string(checkpoint.StatusFailed))
	o.publish(persistCtx, events.Event{
		Kind: events.KindFailed, RunID: rec.ID, BatchID: rec.BatchID,
		Stage: stage, Attempts: attempts, Error: err.Error(),
	})
	o.report(Progress{RunID: rec.ID, BatchID: rec.BatchID, Stage: stage, Status: "failed", Message: err.Error()})
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return rec, runErr
}

func (o *Orchestrator) checkGates(ctx context.Context, rec *checkpoint.RunRecord, stage synth.Stage) error {
	o.mu.Lock()
	gates := append([]Gate(nil), o.gates...)
	o.mu.Unlock()

	for _, g := range gates {
		if err := g.Check(ctx, rec, stage); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrGateViolation, g.Name(), err)
		}
	}
	return nil
}

// memoryID names the memory entry for a summary.
func memoryID(runID synth.RunID, documentID string) string {
	return runID.String() + "/" + documentID
}

// remember stores ingestion summaries in memory. Failures only degrade
// later recall.
func (o *Orchestrator) remember(ctx context.Context, runID synth.RunID, out checkpoint.StageOutput) {
	if o.deps.Memory == nil {
		return
	}
	for _, s := range out.Payload.Summaries {
		if err := o.deps.Memory.Upsert(ctx, memoryID(runID, s.DocumentID), s.Text); err != nil {
			o.logger.Warn(ctx, "memory upsert failed", zap.String("document_id", s.DocumentID), zap.Error(err))
		}
	}
}

// recall queries memory with this run's summaries and drops the run's own
// entries.
func (o *Orchestrator) recall(ctx context.Context, rec *checkpoint.RunRecord) []memory.Match {
	if o.deps.Memory == nil {
		return nil
	}
	ingest, ok := rec.Output(synth.StageIngestion)
	if !ok || len(ingest.Payload.Summaries) == 0 {
		return nil
	}
	texts := make([]string, len(ingest.Payload.Summaries))
	for i, s := range ingest.Payload.Summaries {
		texts[i] = s.Text
	}

	k := o.cfg.MemoryK
	matches, err := o.deps.Memory.Query(ctx, strings.Join(texts, "\n\n"), k+len(texts))
	if err != nil {
		o.logger.Warn(ctx, "memory query failed", zap.Error(err))
		return nil
	}
	own := rec.ID.String() + "/"
	out := make([]memory.Match, 0, k)
	for _, m := range matches {
		if strings.HasPrefix(m.ID, own) {
			continue
		}
		out = append(out, m)
		if len(out) == k {
			break
		}
	}
	return out
}

func (o *Orchestrator) publish(ctx context.Context, ev events.Event) {
	ev.At = o.now().UTC()
	if err := o.deps.Events.Publish(ctx, ev); err != nil {
		o.logger.Warn(ctx, "event publish failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

func (o *Orchestrator) report(p Progress) {
	o.mu.Lock()
	cb := o.progress
	o.mu.Unlock()
	if cb != nil {
		cb(p)
	}
}

// RunAll runs batches concurrently under the worker limit. A failed batch
// does not cancel the others. Records are returned in batch order; the
// error joins every run failure.
func (o *Orchestrator) RunAll(ctx context.Context, batches []synth.Batch) ([]*checkpoint.RunRecord, error) {
	records := make([]*checkpoint.RunRecord, len(batches))
	errs := make([]error, len(batches))

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for i, b := range batches {
		g.Go(func() error {
			records[i], errs[i] = o.Run(ctx, b)
			return nil
		})
	}
	_ = g.Wait()
	return records, errors.Join(errs...)
}

func topicOf(b synth.Batch) string {
	for _, d := range b.Documents {
		if d.Topic != "" {
			return d.Topic
		}
	}
	return ""
}

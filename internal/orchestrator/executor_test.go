package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/synthd/internal/agents"
	"github.com/fyrsmithlabs/synthd/internal/cache"
	"github.com/fyrsmithlabs/synthd/internal/checkpoint"
	"github.com/fyrsmithlabs/synthd/internal/directive"
	"github.com/fyrsmithlabs/synthd/internal/events"
	"github.com/fyrsmithlabs/synthd/internal/knowledge"
	"github.com/fyrsmithlabs/synthd/internal/llm"
	"github.com/fyrsmithlabs/synthd/internal/memory"
	"github.com/fyrsmithlabs/synthd/internal/synth"
	"github.com/fyrsmithlabs/synthd/internal/telemetry"
)

var errTransient = errors.New("model overloaded")

func stagesOf(rec *checkpoint.RunRecord) []synth.Stage {
	out := make([]synth.Stage, len(rec.Stages))
	for i, o := range rec.Stages {
		out[i] = o.Stage
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t, nil)
	runners := map[synth.Stage]agents.Runner{}
	for stage, r := range h.runners {
		runners[stage] = r
	}
	delete(runners, synth.StageDiscussion)

	_, err := New(Deps{Runners: runners, Knowledge: h.knowledge, Ledger: h.ledger, Runs: h.runs, State: h.state}, DefaultConfig())
	assert.ErrorIs(t, err, ErrNoRunner)

	runners[synth.StageDiscussion] = h.runners[synth.StageDiscussion]
	_, err = New(Deps{Runners: runners, Ledger: h.ledger, Runs: h.runs, State: h.state}, DefaultConfig())
	assert.Error(t, err)
}

func TestRun_StagesInOrderExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	var progress []Progress
	h.orch.OnProgress(func(p Progress) { progress = append(progress, p) })

	rec, err := h.orch.Run(context.Background(), synth.NewBatch(docs("a", "b")))
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusCompleted, rec.Status)
	assert.Equal(t, synth.AllStages(), stagesOf(rec))
	for _, stage := range synth.AllStages() {
		assert.EqualValues(t, 1, h.runners[stage].calls.Load(), stage)
	}
	for _, o := range rec.Stages {
		assert.Equal(t, 1, o.Attempts)
	}
	require.NotNil(t, rec.FinishedAt)
	assert.Equal(t, synth.RunID(1), rec.ID)
	assert.Equal(t, []string{"a", "b"}, rec.DocumentIDs)
	assert.Equal(t, "sodium", rec.Topic)

	stored, err := h.runs.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, stored.Status)
	assert.Len(t, stored.Stages, len(synth.AllStages()))

	require.Len(t, progress, len(synth.AllStages()))
	assert.Equal(t, 100, progress[len(progress)-1].Percentage)

	assert.Len(t, h.ledger.Grades(context.Background()), 1)
	assert.FileExists(t, h.orch.cfg.KnowledgePath)
	assert.FileExists(t, h.orch.cfg.LedgerPath)

	kinds := h.events.kinds()
	require.Len(t, kinds, len(synth.AllStages())+2)
	assert.Equal(t, events.KindStarted, kinds[0])
	assert.Equal(t, events.KindCompleted, kinds[len(kinds)-1])
}

func TestRun_PriorOutputsFlowForward(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.Run(context.Background(), synth.NewBatch(docs("a")))
	require.NoError(t, err)

	req := h.runners[synth.StagePublication].lastRequest()
	got := make([]synth.Stage, len(req.Context.Prior))
	for i, o := range req.Context.Prior {
		got[i] = o.Stage
	}
	assert.Equal(t, synth.AllStages()[:synth.StagePublication.Index()], got)
}

func TestRun_RetriesTransientFailure(t *testing.T) {
	audit := &MockRunner{stage: synth.StageAudit}
	ok := checkpoint.StageOutput{Stage: synth.StageAudit, ProducedBy: synth.RoleAuditor, Payload: checkpoint.Payload{Text: "audited"}}
	audit.On("Run", mock.Anything, mock.Anything).Return(checkpoint.StageOutput{}, errTransient).Twice()
	audit.On("Run", mock.Anything, mock.Anything).Return(ok, nil).Once()

	h := newHarness(t, map[synth.Stage]agents.Runner{synth.StageAudit: audit})
	rec, err := h.orch.Run(context.Background(), synth.NewBatch(docs("a")))
	require.NoError(t, err)

	out, found := rec.Output(synth.StageAudit)
	require.True(t, found)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, "audited", out.Payload.Text)
	audit.AssertNumberOfCalls(t, "Run", 3)
	assert.Equal(t, checkpoint.StatusCompleted, rec.Status)
}

func TestRun_RetriesExhausted(t *testing.T) {
	audit := &MockRunner{stage: synth.StageAudit}
	audit.On("Run", mock.Anything, mock.Anything).Return(checkpoint.StageOutput{}, errTransient)

	h := newHarness(t, map[synth.Stage]agents.Runner{synth.StageAudit: audit})
	rec, err := h.orch.Run(context.Background(), synth.NewBatch(docs("a", "b")))
	require.Error(t, err)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.ErrorIs(t, err, ErrRunFailed)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, synth.StageAudit, runErr.Stage)
	assert.Equal(t, 3, runErr.Attempts)
	audit.AssertNumberOfCalls(t, "Run", 3)

	for _, stage := range synth.AllStages()[2:] {
		assert.Zero(t, h.runners[stage].calls.Load(), stage)
	}

	stored, err := h.runs.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, stored.Status)
	assert.Equal(t, synth.StageAudit, stored.FailedStage)
	assert.Equal(t, 3, stored.Attempts)
	assert.Equal(t, []synth.Stage{synth.StageIngestion}, stagesOf(stored))
	assert.Contains(t, stored.Error, "model overloaded")
	assert.Empty(t, h.ledger.Grades(context.Background()))
	assert.Contains(t, h.events.kinds(), events.KindFailed)
}

func TestRun_DataConflictNotRetried(t *testing.T) {
	t.Run("runner error", func(t *testing.T) {
		h := newHarness(t, nil)
		h.runners[synth.StageLogicCheck].fn = func(context.Context, agents.Request) (checkpoint.StageOutput, error) {
			return checkpoint.StageOutput{}, fmt.Errorf("bad claim: %w", knowledge.ErrDataConflict)
		}
		_, err := h.orch.Run(context.Background(), synth.NewBatch(docs("a")))
		assert.ErrorIs(t, err, knowledge.ErrDataConflict)
		assert.EqualValues(t, 1, h.runners[synth.StageLogicCheck].calls.Load())
	})

	t.Run("rejected write", func(t *testing.T) {
		h := newHarness(t, nil)
		h.runners[synth.StageLogicCheck].fn = func(_ context.Context, req agents.Request) (checkpoint.StageOutput, error) {
			return okOutput(req, checkpoint.Payload{Text: "x", Claims: []knowledge.Claim{
				{Subject: "Study a", Predicate: "makes a causal claim", EvidenceRef: "a", Confidence: 0.3},
				{Subject: "Study b", Predicate: "makes a causal claim", Confidence: 0.3},
			}}), nil
		}
		_, err := h.orch.Run(context.Background(), synth.NewBatch(docs("a", "b")))
		var runErr *RunError
		require.ErrorAs(t, err, &runErr)
		assert.Equal(t, synth.StageLogicCheck, runErr.Stage)
		assert.ErrorIs(t, err, knowledge.ErrDataConflict)

		claims, err := h.knowledge.Claims(context.Background())
		require.NoError(t, err)
		assert.Empty(t, claims)
	})
}

func TestRun_Rejections(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.Run(context.Background(), synth.Batch{ID: "empty"})
	assert.ErrorIs(t, err, ErrEmptyBatch)

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	h.runners[synth.StageIngestion].fn = func(_ context.Context, req agents.Request) (checkpoint.StageOutput, error) {
		once.Do(func() { close(entered) })
		<-release
		return okOutput(req, checkpoint.Payload{}), nil
	}

	batch := synth.NewBatch(docs("a", "b"))
	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(context.Background(), batch)
		done <- err
	}()
	<-entered

	_, err = h.orch.Run(context.Background(), batch)
	assert.ErrorIs(t, err, ErrBatchInFlight)

	close(release)
	require.NoError(t, <-done)

	// Once the first run is done the batch may run again.
	_, err = h.orch.Run(context.Background(), batch)
	assert.NoError(t, err)
}

func TestRun_AppliesEarlierDirectives(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.state.NextRunID(ctx)
	require.NoError(t, err)
	require.NoError(t, h.ledger.RecordGrade(ctx, directive.Grade{
		RunID:  first,
		Source: directive.SourceHuman,
		Scores: directive.Scores{Synthesis: 2, Criticality: 5, Voice: 4},
	}))
	active := h.ledger.ActiveDirectives(ctx, first+1)
	require.NotEmpty(t, active)

	rec, err := h.orch.Run(ctx, synth.NewBatch(docs("a")))
	require.NoError(t, err)
	assert.Equal(t, first+1, rec.ID)
	require.Len(t, rec.DirectivesApplied, len(active))
	assert.Equal(t, active[0].ID, rec.DirectivesApplied[0])

	for _, stage := range synth.AllStages() {
		req := h.runners[stage].lastRequest()
		require.NotEmpty(t, req.Directives, stage)
		assert.Equal(t, directive.DimensionSynthesis, req.Directives[0].Dimension)
	}
}

func TestRun_CancelMidStage(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.runners[synth.StageLogicCheck].fn = func(ctx context.Context, _ agents.Request) (checkpoint.StageOutput, error) {
		cancel()
		<-ctx.Done()
		return checkpoint.StageOutput{}, ctx.Err()
	}

	rec, err := h.orch.Run(ctx, synth.NewBatch(docs("a")))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, h.runners[synth.StageLogicCheck].calls.Load())
	assert.Zero(t, h.runners[synth.StageInvention].calls.Load())

	claims, err := h.knowledge.Claims(context.Background())
	require.NoError(t, err)
	assert.Empty(t, claims)

	stored, err := h.runs.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, stored.Status)
	assert.Equal(t, synth.StageLogicCheck, stored.FailedStage)
}

func TestRun_GateVetoesEvaluationWithoutPublication(t *testing.T) {
	h := newHarness(t, nil)
	h.runners[synth.StagePublication].fn = func(_ context.Context, req agents.Request) (checkpoint.StageOutput, error) {
		return okOutput(req, checkpoint.NoFindings()), nil
	}

	_, err := h.orch.Run(context.Background(), synth.NewBatch(docs("a")))
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.ErrorIs(t, err, ErrGateViolation)
	assert.Equal(t, synth.StageEvaluation, runErr.Stage)
	assert.Zero(t, runErr.Attempts)
	assert.Zero(t, h.runners[synth.StageEvaluation].calls.Load())
}

func TestRun_GateVetoesPublicationWithoutDiscussion(t *testing.T) {
	h := newHarness(t, nil)
	h.runners[synth.StageDiscussion].fn = func(_ context.Context, req agents.Request) (checkpoint.StageOutput, error) {
		return okOutput(req, checkpoint.NoFindings()), nil
	}

	rec, err := h.orch.Run(context.Background(), synth.NewBatch(docs("a")))
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.ErrorIs(t, err, ErrGateViolation)
	assert.ErrorContains(t, err, "discussion produced no findings")
	assert.Equal(t, synth.StagePublication, runErr.Stage)
	assert.Zero(t, h.runners[synth.StagePublication].calls.Load())
	assert.Empty(t, h.ledger.Grades(context.Background()))
	assert.Equal(t, checkpoint.StatusFailed, rec.Status)
}

type vetoGate struct{ stage synth.Stage }

func (g vetoGate) Name() string { return "veto" }

func (g vetoGate) Check(_ context.Context, _ *checkpoint.RunRecord, next synth.Stage) error {
	if next == g.stage {
		return errors.New("not today")
	}
	return nil
}

func TestRun_RegisteredGate(t *testing.T) {
	h := newHarness(t, nil)
	h.orch.RegisterGate(vetoGate{stage: synth.StageDiscussion})

	_, err := h.orch.Run(context.Background(), synth.NewBatch(docs("a")))
	require.ErrorIs(t, err, ErrGateViolation)
	assert.Contains(t, err.Error(), "not today")
	assert.Zero(t, h.runners[synth.StageDiscussion].calls.Load())
}

func TestRun_MissingGradeFails(t *testing.T) {
	h := newHarness(t, nil)
	h.runners[synth.StageEvaluation].fn = func(_ context.Context, req agents.Request) (checkpoint.StageOutput, error) {
		out := okOutput(req, checkpoint.Payload{Text: "graded"})
		out.Payload.Grade = nil
		return out, nil
	}
	_, err := h.orch.Run(context.Background(), synth.NewBatch(docs("a")))
	assert.ErrorIs(t, err, ErrNoGrade)
}

// failingCompleteRuns refuses to checkpoint a completed run.
type failingCompleteRuns struct {
	checkpoint.Service
}

func (f failingCompleteRuns) Save(ctx context.Context, rec *checkpoint.RunRecord) error {
	if rec.Status == checkpoint.StatusCompleted {
		return errors.New("disk full")
	}
	return f.Service.Save(ctx, rec)
}

func TestRun_FailedCommitLeavesNoGrade(t *testing.T) {
	tests := []struct {
		name   string
		block  string
		mutate func(*Deps)
		errMsg string
	}{
		{name: "knowledge graph save fails", block: "knowledge_graph.json", errMsg: "saving knowledge graph"},
		{name: "ledger save fails", block: "directives.json", errMsg: "saving directive ledger"},
		{
			name:   "run checkpoint fails",
			mutate: func(d *Deps) { d.Runs = failingCompleteRuns{d.Runs} },
			errMsg: "checkpointing run",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mutate []func(*Deps)
			if tt.mutate != nil {
				mutate = append(mutate, tt.mutate)
			}
			h := newHarness(t, nil, mutate...)
			if tt.block != "" {
				// A non-empty directory cannot be replaced by the atomic rename.
				require.NoError(t, os.MkdirAll(filepath.Join(h.dir, tt.block, "keep"), 0o755))
			}
			h.runners[synth.StageEvaluation].fn = func(_ context.Context, req agents.Request) (checkpoint.StageOutput, error) {
				return okOutput(req, checkpoint.Payload{Text: "graded", Grade: &directive.Grade{
					RunID: req.RunID, Source: directive.SourceJudge,
					Scores: directive.Scores{Synthesis: 2, Criticality: 2, Voice: 2}, Critique: "thin",
				}}), nil
			}

			ctx := context.Background()
			rec, err := h.orch.Run(ctx, synth.NewBatch(docs("a")))
			require.ErrorIs(t, err, ErrRunFailed)
			assert.ErrorContains(t, err, tt.errMsg)
			assert.Equal(t, checkpoint.StatusFailed, rec.Status)

			assert.Empty(t, h.ledger.Grades(ctx))
			assert.Empty(t, h.ledger.Directives(ctx))
			assert.Empty(t, h.ledger.ActiveDirectives(ctx, rec.ID+1))

			if tt.block == "" {
				saved, err := directive.Open(filepath.Join(h.dir, "directives.json"), directive.DefaultThresholds(), nil)
				require.NoError(t, err)
				assert.Empty(t, saved.Grades(ctx), "ledger file rewritten without the grade")
			}
		})
	}
}

func TestRun_MemoryRecall(t *testing.T) {
	mem := &fakeMemory{matches: []memory.Match{
		{ID: "run-000001/a", Score: 0.99, Text: "this run"},
		{ID: "run-000000/x", Score: 0.9, Text: "older finding"},
		{ID: "run-000000/y", Score: 0.8, Text: "another"},
		{ID: "run-000000/z", Score: 0.7, Text: "cut by k"},
	}}
	h := newHarness(t, nil, func(d *Deps) { d.Memory = mem })

	_, err := h.orch.Run(context.Background(), synth.NewBatch(docs("a", "b")))
	require.NoError(t, err)

	assert.Contains(t, mem.upserts, "run-000001/a")
	assert.Contains(t, mem.upserts, "run-000001/b")
	assert.Equal(t, 2+2, mem.asked)

	req := h.runners[synth.StageMemoryRetrieval].lastRequest()
	require.Len(t, req.Context.Memory, 2)
	assert.Equal(t, "run-000000/x", req.Context.Memory[0].ID)
	assert.Equal(t, "run-000000/y", req.Context.Memory[1].ID)
}

func TestRunAll_OneFailureDoesNotStopOthers(t *testing.T) {
	h := newHarness(t, nil)
	h.runners[synth.StageAudit].fn = func(_ context.Context, req agents.Request) (checkpoint.StageOutput, error) {
		if req.Batch.Documents[0].ID == "bad" {
			return checkpoint.StageOutput{}, errTransient
		}
		return okOutput(req, checkpoint.Payload{Text: "audited"}), nil
	}

	batches := []synth.Batch{
		synth.NewBatch(docs("a")),
		synth.NewBatch(docs("bad")),
		synth.NewBatch(docs("c")),
	}
	records, err := h.orch.RunAll(context.Background(), batches)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunFailed)
	require.Len(t, records, 3)
	assert.Equal(t, checkpoint.StatusCompleted, records[0].Status)
	assert.Equal(t, checkpoint.StatusFailed, records[1].Status)
	assert.Equal(t, checkpoint.StatusCompleted, records[2].Status)

	ids := map[synth.RunID]bool{}
	for _, r := range records {
		ids[r.ID] = true
	}
	assert.Len(t, ids, 3, "run ids must be distinct")
}

func TestRun_Telemetry(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	audit := &MockRunner{stage: synth.StageAudit}
	ok := checkpoint.StageOutput{Stage: synth.StageAudit, Payload: checkpoint.Payload{Text: "audited"}}
	audit.On("Run", mock.Anything, mock.Anything).Return(checkpoint.StageOutput{}, errTransient).Once()
	audit.On("Run", mock.Anything, mock.Anything).Return(ok, nil).Once()

	h := newHarness(t, map[synth.Stage]agents.Runner{synth.StageAudit: audit}, func(d *Deps) {
		d.Tracer = tel.Tracer(instrumentationName)
		d.Meter = tel.Meter(instrumentationName)
	})
	_, err := h.orch.Run(context.Background(), synth.NewBatch(docs("a")))
	require.NoError(t, err)

	assert.NotNil(t, tel.SpanByName("orchestrator.run"))
	assert.NotNil(t, tel.SpanByName("orchestrator.stage.audit"))
	tel.AssertSpanAttribute(t, "orchestrator.stage.audit", "attempts", int64(2))

	assert.EqualValues(t, 1, tel.CounterTotal(t, "synthd.pipeline.runs_total", attribute.String("status", "completed")))
	assert.EqualValues(t, 1, tel.CounterTotal(t, "synthd.pipeline.stage_attempts_total",
		attribute.String("stage", "audit"), attribute.String("result", "error")))
	assert.EqualValues(t, len(synth.AllStages()), tel.CounterTotal(t, "synthd.pipeline.stage_attempts_total",
		attribute.String("result", "ok")))
}

// pipelineGenerator plays every role for the prompt-driven runners.
type pipelineGenerator struct {
	mu    sync.Mutex
	calls int
	// garbledJudge is how many judge answers come back without scores.
	garbledJudge int
	judgeCalls   int
}

var gapIDPattern = regexp.MustCompile(`id=([0-9a-f]{16})`)

func (g *pipelineGenerator) Generate(_ context.Context, p llm.Prompt) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()

	switch u := p.User; {
	case strings.Contains(u, "Extract structured data"):
		return `[{"title_claims_narrative": "coffee lowers mortality",
			"study_methodology_summary": "cohort",
			"actual_findings_narrative": "association only",
			"epistemic_check": {"title_claim_type": "Causal", "study_design_type": "Observational",
				"intervention_type": "Structural", "data_source_type": "Objective", "gap_severity": "Low"}}]`, nil
	case strings.Contains(u, "senior auditor"):
		return "PASS", nil
	case strings.Contains(u, "evidence gaps are open"):
		m := gapIDPattern.FindStringSubmatch(u)
		if m == nil {
			return "[]", nil
		}
		return fmt.Sprintf(`[{"target_gap_ids": [%q], "design_summary": "RCT of sodium reduction with 24h urine sodium"}]`, m[1]), nil
	case strings.Contains(u, "review board"):
		return "PASS", nil
	case strings.Contains(u, "RUBRIC"):
		g.mu.Lock()
		defer g.mu.Unlock()
		g.judgeCalls++
		if g.garbledJudge > 0 {
			g.garbledJudge--
			return "The draft reads well overall.", nil
		}
		return `{"scores": {"synthesis": 4, "criticality": 4, "voice": 5}, "critique": "solid", "hallucination_warning": false}`, nil
	default:
		return "Prose about the evidence.", nil
	}
}

func TestRun_EndToEndWithPromptRunners(t *testing.T) {
	gen := &pipelineGenerator{}
	runners, err := agents.NewRunners(agents.Deps{Generator: gen, Model: "test-model"})
	require.NoError(t, err)

	h := newHarness(t, runners)
	rec, err := h.orch.Run(context.Background(), synth.NewBatch(docs("d1", "d2", "d3")))
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusCompleted, rec.Status)
	assert.Equal(t, synth.AllStages(), stagesOf(rec))

	claims, err := h.knowledge.Claims(context.Background())
	require.NoError(t, err)
	require.Len(t, claims, 3)
	for _, c := range claims {
		assert.True(t, c.Gap)
		assert.Equal(t, knowledge.SeverityHigh, c.Severity)
		assert.Equal(t, agents.GapTitleBait, c.GapKind)
		assert.Equal(t, rec.ID, c.RunID)
	}

	protocols, err := h.knowledge.Protocols(context.Background())
	require.NoError(t, err)
	require.Len(t, protocols, 1)
	gaps, err := h.knowledge.OpenGaps(context.Background())
	require.NoError(t, err)
	assert.Len(t, gaps, 2)

	mem, ok := rec.Output(synth.StageMemoryRetrieval)
	require.True(t, ok)
	assert.True(t, mem.Payload.NoFindings)

	grades := h.ledger.Grades(context.Background())
	require.Len(t, grades, 1)
	assert.Equal(t, rec.ID, grades[0].RunID)
	assert.Equal(t, 5, grades[0].Scores.Voice)

	text, ok := rec.Publication()
	require.True(t, ok)
	assert.Equal(t, "Prose about the evidence.", text)
}

func TestRun_UnparseableJudgeRetriedPastCache(t *testing.T) {
	gen := &pipelineGenerator{garbledJudge: 1}
	gw := cache.NewGateway(cache.NewMemoryBackend(256, time.Hour), cache.Options{})
	runners, err := agents.NewRunners(agents.Deps{Generator: gen, Gateway: gw, Model: "test-model"})
	require.NoError(t, err)

	h := newHarness(t, runners)
	rec, err := h.orch.Run(context.Background(), synth.NewBatch(docs("d1")))
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, rec.Status)

	eval, ok := rec.Output(synth.StageEvaluation)
	require.True(t, ok)
	assert.Equal(t, 2, eval.Attempts)
	assert.Equal(t, 2, gen.judgeCalls, "the garbled answer was not served from cache")

	grades := h.ledger.Grades(context.Background())
	require.Len(t, grades, 1)
	assert.Equal(t, 5, grades[0].Scores.Voice)
}

func TestRunError(t *testing.T) {
	err := &RunError{RunID: 7, BatchID: "b", Stage: synth.StageAudit, Attempts: 3, Err: errTransient}
	assert.ErrorIs(t, err, ErrRunFailed)
	assert.ErrorIs(t, err, errTransient)
	assert.Contains(t, err.Error(), "audit")
	assert.Contains(t, err.Error(), "run-000007")

	wrapped := fmt.Errorf("outer: %w", err)
	var target *RunError
	require.True(t, errors.As(wrapped, &target))
	assert.Equal(t, 3, target.Attempts)
}

func TestRun_TimeoutPerAttempt(t *testing.T) {
	h := newHarness(t, nil)
	h.orch.cfg.StageTimeout = 20 * time.Millisecond
	var calls int
	h.runners[synth.StageDiscussion].fn = func(ctx context.Context, req agents.Request) (checkpoint.StageOutput, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return checkpoint.StageOutput{}, ctx.Err()
		}
		return okOutput(req, checkpoint.Payload{Text: "discussed"}), nil
	}

	rec, err := h.orch.Run(context.Background(), synth.NewBatch(docs("a")))
	require.NoError(t, err)
	out, _ := rec.Output(synth.StageDiscussion)
	assert.Equal(t, 2, out.Attempts)
}

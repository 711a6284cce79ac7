package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/synthd/internal/agents"
	"github.com/fyrsmithlabs/synthd/internal/checkpoint"
	"github.com/fyrsmithlabs/synthd/internal/directive"
	"github.com/fyrsmithlabs/synthd/internal/events"
	"github.com/fyrsmithlabs/synthd/internal/knowledge"
	"github.com/fyrsmithlabs/synthd/internal/memory"
	"github.com/fyrsmithlabs/synthd/internal/synth"
)

// stubRunner answers with fn, or a plain successful output.
type stubRunner struct {
	stage synth.Stage
	fn    func(ctx context.Context, req agents.Request) (checkpoint.StageOutput, error)
	calls atomic.Int32

	mu   sync.Mutex
	reqs []agents.Request
}

func (s *stubRunner) Role() synth.Role {
	r, _ := agents.RoleFor(s.stage)
	return r
}

func (s *stubRunner) Run(ctx context.Context, req agents.Request) (checkpoint.StageOutput, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, req)
	}
	return okOutput(req, checkpoint.Payload{Text: "ok " + string(req.Stage)}), nil
}

func (s *stubRunner) lastRequest() agents.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[len(s.reqs)-1]
}

func okOutput(req agents.Request, p checkpoint.Payload) checkpoint.StageOutput {
	role, _ := agents.RoleFor(req.Stage)
	if req.Stage == synth.StageEvaluation && p.Grade == nil {
		p.Grade = &directive.Grade{
			RunID:  req.RunID,
			Source: directive.SourceJudge,
			Scores: directive.Scores{Synthesis: 4, Criticality: 4, Voice: 4},
		}
	}
	if req.Stage == synth.StageIngestion && p.Summaries == nil {
		for _, d := range req.Batch.Documents {
			p.Summaries = append(p.Summaries, checkpoint.Summary{DocumentID: d.ID, Text: "summary of " + d.Title})
		}
	}
	return checkpoint.StageOutput{
		ID:         fmt.Sprintf("%s.%s", req.RunID, req.Stage),
		RunID:      req.RunID,
		BatchID:    req.Batch.ID,
		Stage:      req.Stage,
		ProducedBy: role,
		Payload:    p,
		CreatedAt:  time.Now().UTC(),
	}
}

// MockRunner is a testify mock of agents.Runner.
type MockRunner struct {
	mock.Mock
	stage synth.Stage
}

func (m *MockRunner) Role() synth.Role {
	r, _ := agents.RoleFor(m.stage)
	return r
}

func (m *MockRunner) Run(ctx context.Context, req agents.Request) (checkpoint.StageOutput, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(checkpoint.StageOutput), args.Error(1)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Kind, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Kind
	}
	return out
}

type fakeMemory struct {
	mu      sync.Mutex
	upserts map[string]string
	matches []memory.Match
	asked   int
}

func (f *fakeMemory) Upsert(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upserts == nil {
		f.upserts = map[string]string{}
	}
	f.upserts[id] = text
	return nil
}

func (f *fakeMemory) Query(_ context.Context, _ string, k int) ([]memory.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = k
	return f.matches, nil
}

type harness struct {
	orch      *Orchestrator
	runners   map[synth.Stage]*stubRunner
	knowledge *knowledge.Store
	ledger    *directive.Ledger
	runs      checkpoint.Service
	state     *checkpoint.StateStore
	events    *recordingPublisher
	dir       string
}

// newHarness wires real stores under a temp dir around stub runners.
// override replaces runners for specific stages.
func newHarness(t *testing.T, override map[synth.Stage]agents.Runner, mutate ...func(*Deps)) *harness {
	t.Helper()
	dir := t.TempDir()

	runs, err := checkpoint.NewService(&checkpoint.Config{Dir: dir}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = runs.Close() })
	state, err := checkpoint.OpenState(filepath.Join(dir, "pipeline_state.json"), nil)
	require.NoError(t, err)

	h := &harness{
		runners:   map[synth.Stage]*stubRunner{},
		knowledge: knowledge.NewStore(nil),
		ledger:    directive.NewLedger(directive.DefaultThresholds(), nil),
		runs:      runs,
		state:     state,
		events:    &recordingPublisher{},
		dir:       dir,
	}
	runners := map[synth.Stage]agents.Runner{}
	for _, stage := range synth.AllStages() {
		if r, ok := override[stage]; ok {
			runners[stage] = r
			continue
		}
		s := &stubRunner{stage: stage}
		h.runners[stage] = s
		runners[stage] = s
	}

	deps := Deps{
		Runners:   runners,
		Knowledge: h.knowledge,
		Ledger:    h.ledger,
		Runs:      runs,
		State:     state,
		Events:    h.events,
	}
	for _, m := range mutate {
		m(&deps)
	}
	h.orch, err = New(deps, Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		StageTimeout:   5 * time.Second,
		Workers:        2,
		MemoryK:        2,
		KnowledgePath:  filepath.Join(dir, "knowledge_graph.json"),
		LedgerPath:     filepath.Join(dir, "directives.json"),
	})
	require.NoError(t, err)
	return h
}

func docs(ids ...string) []synth.Document {
	out := make([]synth.Document, len(ids))
	for i, id := range ids {
		out[i] = synth.Document{ID: id, Title: "Study " + id, Abstract: "Abstract of " + id, Topic: "sodium"}
	}
	return out
}

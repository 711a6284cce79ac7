package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/synthd/internal/config"
	"github.com/fyrsmithlabs/synthd/internal/events"
	"github.com/fyrsmithlabs/synthd/internal/source"
	"github.com/fyrsmithlabs/synthd/internal/vectorstore"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	papers := filepath.Join(dir, "papers.jsonl")
	require.NoError(t, os.WriteFile(papers, []byte(
		`{"id": 1, "title": "Sodium intake and blood pressure", "authors": ["A. Smith"], "abstract": "Cohort study."}`+"\n"), 0o600))

	cfg := config.Default()
	cfg.Artifacts.Dir = filepath.Join(dir, "data")
	cfg.Artifacts.ExperimentsDir = filepath.Join(dir, "experiments")
	cfg.Source.File = papers
	cfg.Memory.ChromemPath = filepath.Join(dir, "memory")
	cfg.Embeddings.Provider = "hash"
	cfg.Embeddings.Dimension = 32
	cfg.Secrets.ScrubPrompts = false
	cfg.LLM.APIKey = "sk-test"
	return cfg
}

func TestPathsFor(t *testing.T) {
	cfg := config.Default()
	cfg.Artifacts.Dir = "data"
	cfg.Artifacts.ExperimentsDir = "experiments"

	p := PathsFor(cfg)
	assert.Equal(t, filepath.Join("data", "knowledge_graph.json"), p.Knowledge)
	assert.Equal(t, filepath.Join("data", "directives.json"), p.Ledger)
	assert.Equal(t, filepath.Join("data", "pipeline_state.json"), p.State)
	assert.Equal(t, "experiments", p.Experiments)
}

func TestBuild_StoresOnly(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	reg, err := Build(ctx, cfg, BuildOptions{Version: "test", LogToStderr: true})
	require.NoError(t, err)

	assert.Same(t, cfg, reg.Config())
	assert.NotNil(t, reg.Runs())
	assert.NotNil(t, reg.State())
	assert.NotNil(t, reg.Knowledge())
	assert.NotNil(t, reg.Ledger())
	assert.NotNil(t, reg.Snapshots())
	assert.False(t, reg.Scrubber().IsEnabled())
	assert.Nil(t, reg.Orchestrator())
	assert.Nil(t, reg.Source())
	assert.DirExists(t, filepath.Join(cfg.Artifacts.Dir, "runs"))

	require.NoError(t, reg.Close(ctx))
}

func TestBuild_Pipeline(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	reg, err := Build(ctx, cfg, BuildOptions{Pipeline: true, LogToStderr: true})
	require.NoError(t, err)
	defer func() { require.NoError(t, reg.Close(ctx)) }()

	require.NotNil(t, reg.Orchestrator())
	require.NotNil(t, reg.Roles())
	assert.IsType(t, events.NopPublisher{}, reg.Events())

	docs, err := reg.Source().FetchBatch(ctx, "sodium", 5, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestBuild_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := Build(ctx, nil, BuildOptions{})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	cfg := testConfig(t)
	cfg.Source.File = filepath.Join(t.TempDir(), "missing.jsonl")
	_, err = Build(ctx, cfg, BuildOptions{Pipeline: true, LogToStderr: true})
	assert.ErrorContains(t, err, "opening document source")

	cfg = testConfig(t)
	cfg.Memory.Backend = "faiss"
	start := time.Now()
	_, err = Build(ctx, cfg, BuildOptions{Pipeline: true, LogToStderr: true})
	assert.ErrorIs(t, err, vectorstore.ErrInvalidConfig)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConnect(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop()

	t.Run("zero budget dials once", func(t *testing.T) {
		calls := 0
		err := connect(ctx, 0, log, "x", func() error { calls++; return errors.New("refused") })
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("transient failures are retried", func(t *testing.T) {
		calls := 0
		err := connect(ctx, 10*time.Second, log, "x", func() error {
			calls++
			if calls < 3 {
				return errors.New("connection refused")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("config errors are permanent", func(t *testing.T) {
		calls := 0
		err := connect(ctx, 10*time.Second, log, "x", func() error {
			calls++
			return source.ErrInvalidConfig
		})
		assert.ErrorIs(t, err, source.ErrInvalidConfig)
		assert.Equal(t, 1, calls)
	})

	t.Run("budget runs out", func(t *testing.T) {
		err := connect(ctx, 300*time.Millisecond, log, "x", func() error { return errors.New("timeout") })
		assert.ErrorContains(t, err, "timeout")
	})
}

func TestRegistry_CloseOrder(t *testing.T) {
	var order []string
	closer := func(name string, err error) Closer {
		return Closer{Name: name, Close: func(context.Context) error {
			order = append(order, name)
			return err
		}}
	}
	reg := NewRegistry(Options{Closers: []Closer{
		closer("first", nil),
		closer("second", errors.New("boom")),
		closer("third", nil),
	}})

	err := reg.Close(context.Background())
	assert.ErrorContains(t, err, "second close: boom")
	assert.Equal(t, []string{"third", "second", "first"}, order)

	require.NoError(t, reg.Close(context.Background()))
	assert.Len(t, order, 3)
}

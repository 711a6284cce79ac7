package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/synthd/internal/embeddings"
	"github.com/fyrsmithlabs/synthd/internal/logging"
	"github.com/fyrsmithlabs/synthd/internal/reranker"
	"github.com/fyrsmithlabs/synthd/internal/vectorstore"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// fakeStore returns canned hits and records what it was asked.
type fakeStore struct {
	records  []vectorstore.Record
	hits     []vectorstore.Hit
	count    int
	queryErr error
	asked    int
}

func (f *fakeStore) Upsert(_ context.Context, rec vectorstore.Record) error {
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeStore) Query(_ context.Context, _ []float32, k int) ([]vectorstore.Hit, error) {
	f.asked = k
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if k < len(f.hits) {
		return f.hits[:k], nil
	}
	return f.hits, nil
}

func (f *fakeStore) Count(context.Context) (int, error) { return f.count, nil }
func (f *fakeStore) Close() error                       { return nil }

func hashEmbedder(t *testing.T) embeddings.Provider {
	t.Helper()
	p, err := embeddings.NewHashProvider(64)
	require.NoError(t, err)
	return p
}

func TestQuery_TieBreaksOnRecency(t *testing.T) {
	store := &fakeStore{
		count: 5,
		hits: []vectorstore.Hit{
			{ID: "old", Score: 0.9, Seq: 1},
			{ID: "top", Score: 0.95, Seq: 2},
			{ID: "new", Score: 0.9, Seq: 5},
			{ID: "b", Score: 0.5, Seq: 3},
			{ID: "a", Score: 0.5, Seq: 3},
		},
	}
	a, err := New(store, hashEmbedder(t), Options{})
	require.NoError(t, err)

	got, err := a.Query(context.Background(), "anything", 2)
	require.NoError(t, err)
	assert.Equal(t, 4, store.asked, "over-fetches 2k")
	require.Len(t, got, 2)
	assert.Equal(t, "top", got[0].ID)
	assert.Equal(t, "new", got[1].ID)
}

func TestQuery_Reranked(t *testing.T) {
	store := &fakeStore{
		count: 3,
		hits: []vectorstore.Hit{
			{ID: "run-000001/a", Score: 0.9, Seq: 1, Content: "sodium intake cohort"},
			{ID: "run-000002/b", Score: 0.8, Seq: 2, Content: "sleep and memory consolidation"},
			{ID: "run-000003/c", Score: 0.7, Seq: 3, Content: "unrelated protocol notes"},
		},
	}
	rr, err := reranker.NewLexical(0.5)
	require.NoError(t, err)
	a, err := New(store, hashEmbedder(t), Options{Reranker: rr})
	require.NoError(t, err)

	got, err := a.Query(context.Background(), "sleep memory", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "run-000002/b", got[0].ID)
	assert.Equal(t, int64(2), got[0].Seq)
	assert.InDelta(t, 0.9, got[0].Score, 1e-6)
	assert.Equal(t, "run-000001/a", got[1].ID)
}

func TestQuery_OverFetchCappedByCount(t *testing.T) {
	store := &fakeStore{count: 3, hits: []vectorstore.Hit{{ID: "x", Score: 1}}}
	a, err := New(store, hashEmbedder(t), Options{})
	require.NoError(t, err)

	_, err = a.Query(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.Equal(t, 3, store.asked)
}

func TestQuery_InvalidKAndEmpty(t *testing.T) {
	a, err := New(&fakeStore{}, hashEmbedder(t), Options{})
	require.NoError(t, err)

	_, err = a.Query(context.Background(), "q", 0)
	assert.ErrorIs(t, err, ErrInvalidK)

	got, err := a.Query(context.Background(), "q", 3)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestQuery_DegradesOnBackendFailure(t *testing.T) {
	tl := logging.NewTestLogger()
	store := &fakeStore{count: 2, queryErr: errors.New("connection refused")}
	a, err := New(store, hashEmbedder(t), Options{Logger: tl.Underlying()})
	require.NoError(t, err)

	before := testutil.ToFloat64(queriesTotal.WithLabelValues("degraded"))
	got, err := a.Query(context.Background(), "q", 2)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, before+1, testutil.ToFloat64(queriesTotal.WithLabelValues("degraded")))
	tl.AssertLogged(t, zapcore.WarnLevel, "memory query degraded")
}

func TestUpsert_RecordsRunAndIncreasingSeq(t *testing.T) {
	store := &fakeStore{}
	a, err := New(store, hashEmbedder(t), Options{})
	require.NoError(t, err)

	ctx := logging.WithRun(context.Background(), "run-000004", "batch")
	require.NoError(t, a.Upsert(ctx, "s1", "first summary"))
	require.NoError(t, a.Upsert(ctx, "s2", "second summary"))

	require.Len(t, store.records, 2)
	assert.Equal(t, "run-000004", store.records[0].RunID)
	assert.Equal(t, "first summary", store.records[0].Content)
	assert.Greater(t, store.records[1].Seq, store.records[0].Seq)
	assert.Greater(t, store.records[0].Seq, time.Now().Add(-time.Hour).UnixNano())
}

func TestUpsert_EmbeddingFailure(t *testing.T) {
	a, err := New(&fakeStore{}, hashEmbedder(t), Options{})
	require.NoError(t, err)
	assert.ErrorIs(t, a.Upsert(context.Background(), "s", ""), embeddings.ErrEmptyInput)
}

func TestAdapter_WithChromem(t *testing.T) {
	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Collection: "memory_test", Dimension: 64}, nil)
	require.NoError(t, err)
	a, err := New(store, hashEmbedder(t), Options{})
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	require.NoError(t, a.Upsert(ctx, "salt", "Dietary sodium restriction lowers systolic blood pressure"))
	require.NoError(t, a.Upsert(ctx, "sleep", "Sleep deprivation impairs working memory in adolescents"))
	require.NoError(t, a.Upsert(ctx, "exercise", "Aerobic exercise improves mood in older adults"))

	got, err := a.Query(ctx, "sodium and blood pressure", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "salt", got[0].ID)
	assert.Contains(t, got[0].Text, "sodium")
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, hashEmbedder(t), Options{})
	assert.Error(t, err)
	_, err = New(&fakeStore{}, nil, Options{})
	assert.Error(t, err)
}

// Package memory gives pipeline stages semantic recall over everything
// ingested by earlier runs.
//
// The Adapter embeds text through an embeddings.Provider and stores it in a
// vectorstore.Store. Queries degrade instead of failing: a broken backend
// yields an empty result and a warning, never a stage failure.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/synthd/internal/embeddings"
	"github.com/fyrsmithlabs/synthd/internal/logging"
	"github.com/fyrsmithlabs/synthd/internal/reranker"
	"github.com/fyrsmithlabs/synthd/internal/vectorstore"
	"go.uber.org/zap"
)

// DefaultTimeout bounds each Upsert and Query.
const DefaultTimeout = 10 * time.Second

// ErrInvalidK is returned by Query for k <= 0.
var ErrInvalidK = errors.New("k must be positive")

// Match is one recalled memory.
type Match struct {
	ID    string  `json:"id"`
	Score float32 `json:"score"`
	Text  string  `json:"text"`
	Seq   int64   `json:"seq"`
}

// Options configures an Adapter.
type Options struct {
	Timeout time.Duration
	Logger  *zap.Logger
	// Reranker, when set, reorders the over-fetched candidates before the
	// top k are kept.
	Reranker reranker.Reranker
}

// Adapter stores and recalls text by meaning.
type Adapter struct {
	store    vectorstore.Store
	embedder embeddings.Provider
	timeout  time.Duration
	rerank   reranker.Reranker
	logger   *logging.Logger
	seq      atomic.Int64
}

// New creates an Adapter. Sequence numbers start at the current time in
// nanoseconds so they keep increasing across restarts.
func New(store vectorstore.Store, embedder embeddings.Provider, opts Options) (*Adapter, error) {
	if store == nil {
		return nil, fmt.Errorf("vector store cannot be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder cannot be nil")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	a := &Adapter{
		store:    store,
		embedder: embedder,
		timeout:  opts.Timeout,
		rerank:   opts.Reranker,
		logger:   logging.Wrap(opts.Logger).Named("memory"),
	}
	a.seq.Store(time.Now().UnixNano())
	return a, nil
}

// Upsert embeds text and stores it under id. The run id is taken from ctx
// (see logging.WithRun). Errors are returned; callers treat them as
// non-fatal.
func (a *Adapter) Upsert(ctx context.Context, id, text string) (err error) {
	defer func() { recordUpsert(err) }()
	if text == "" {
		return fmt.Errorf("%w: %s has no text", embeddings.ErrEmptyInput, id)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	vec, err := a.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return fmt.Errorf("embedding %s: %w", id, err)
	}
	if len(vec) != 1 {
		return fmt.Errorf("embedding %s: got %d vectors", id, len(vec))
	}
	runID, _ := logging.RunFromContext(ctx)
	rec := vectorstore.Record{
		ID:      id,
		Vector:  vec[0],
		Content: text,
		Seq:     a.seq.Add(1),
		RunID:   runID,
	}
	if err := a.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("storing %s: %w", id, err)
	}
	return nil
}

// Query returns the k memories closest to text: highest score first, ties
// broken by the more recent insertion and then by id. Backend and embedding
// failures are logged and produce an empty result.
func (a *Adapter) Query(ctx context.Context, text string, k int) ([]Match, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if text == "" {
		return []Match{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	matches, err := a.query(ctx, text, k)
	if err != nil {
		queriesTotal.WithLabelValues("degraded").Inc()
		a.logger.Warn(ctx, "memory query degraded to empty result", zap.Error(err))
		return []Match{}, nil
	}
	queriesTotal.WithLabelValues("ok").Inc()
	return matches, nil
}

func (a *Adapter) query(ctx context.Context, text string, k int) ([]Match, error) {
	n, err := a.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting: %w", err)
	}
	if n == 0 {
		return []Match{}, nil
	}
	// Over-fetch so equal scores just past k still compete on recency.
	fetch := 2 * k
	if fetch > n {
		fetch = n
	}

	vec, err := a.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	hits, err := a.store.Query(ctx, vec, fetch)
	if err != nil {
		return nil, fmt.Errorf("querying: %w", err)
	}

	matches := make([]Match, len(hits))
	for i, h := range hits {
		matches[i] = Match{ID: h.ID, Score: h.Score, Text: h.Content, Seq: h.Seq}
	}
	SortMatches(matches)
	if a.rerank != nil {
		return a.reorder(ctx, text, matches, k)
	}
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// reorder reranks sorted matches; Score becomes the combined score.
func (a *Adapter) reorder(ctx context.Context, text string, matches []Match, k int) ([]Match, error) {
	docs := make([]reranker.Document, len(matches))
	bySeq := make(map[string]int64, len(matches))
	for i, m := range matches {
		docs[i] = reranker.Document{ID: m.ID, Content: m.Text, Score: m.Score}
		bySeq[m.ID] = m.Seq
	}
	scored, err := a.rerank.Rerank(ctx, text, docs, k)
	if err != nil {
		return nil, fmt.Errorf("reranking: %w", err)
	}
	out := make([]Match, len(scored))
	for i, s := range scored {
		out[i] = Match{ID: s.ID, Score: s.Combined, Text: s.Content, Seq: bySeq[s.ID]}
	}
	return out, nil
}

// SortMatches orders by score descending, then seq descending, then id.
func SortMatches(m []Match) {
	sort.SliceStable(m, func(i, j int) bool {
		if m[i].Score != m[j].Score {
			return m[i].Score > m[j].Score
		}
		if m[i].Seq != m[j].Seq {
			return m[i].Seq > m[j].Seq
		}
		return m[i].ID < m[j].ID
	})
}

// Close releases the store and the embedder.
func (a *Adapter) Close() error {
	return errors.Join(a.store.Close(), a.embedder.Close())
}

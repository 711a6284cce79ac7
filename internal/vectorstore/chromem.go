package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("synthd.vectorstore.chromem")

// ChromemConfig holds configuration for the embedded chromem-go store.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path string

	// Compress gzips persisted documents.
	Compress bool

	// Collection defaults to "synth_memory".
	Collection string

	// Dimension is the expected vector length. Zero accepts any length.
	Dimension int
}

// ChromemStore implements Store on chromem-go.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	config     ChromemConfig
	logger     *zap.Logger
}

// noEmbedding is handed to chromem so a reloaded collection never falls back
// to its default OpenAI embedder; this store only ever receives vectors.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem store requires precomputed embeddings")
}

// NewChromemStore opens (or creates) the collection described by cfg.
func NewChromemStore(cfg ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Collection == "" {
		cfg.Collection = "synth_memory"
	}
	if err := ValidateCollectionName(cfg.Collection); err != nil {
		return nil, err
	}
	if cfg.Dimension < 0 {
		return nil, fmt.Errorf("%w: negative dimension", ErrInvalidConfig)
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = openChromemDB(path, cfg.Compress, logger)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
		cfg.Path = path
	}

	col, err := db.GetOrCreateCollection(cfg.Collection, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("getting collection %s: %w", cfg.Collection, err)
	}

	logger.Info("chromem store ready",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
		zap.Int("documents", col.Count()),
	)
	return &ChromemStore{db: db, collection: col, config: cfg, logger: logger}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func (s *ChromemStore) Upsert(ctx context.Context, rec Record) (err error) {
	defer observe("chromem", "upsert", time.Now(), &err)
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("id", rec.ID))

	if err := validateRecord(rec, s.config.Dimension); err != nil {
		return err
	}
	doc := chromem.Document{
		ID:      rec.ID,
		Content: rec.Content,
		Metadata: map[string]string{
			"seq":    strconv.FormatInt(rec.Seq, 10),
			"run_id": rec.RunID,
		},
		Embedding: rec.Vector,
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding document %s: %w", rec.ID, err)
	}
	return nil
}

func (s *ChromemStore) Query(ctx context.Context, vector []float32, k int) (hits []Hit, err error) {
	defer observe("chromem", "query", time.Now(), &err)
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if err := validateQuery(vector, k, s.config.Dimension); err != nil {
		return nil, err
	}
	// chromem requires nResults <= document count.
	n := s.collection.Count()
	if n == 0 {
		return []Hit{}, nil
	}
	if k > n {
		k = n
	}

	results, err := s.collection.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", s.config.Collection, err)
	}

	hits = make([]Hit, len(results))
	for i, r := range results {
		seq, _ := strconv.ParseInt(r.Metadata["seq"], 10, 64)
		hits[i] = Hit{
			ID:      r.ID,
			Score:   r.Similarity,
			Content: r.Content,
			Seq:     seq,
			RunID:   r.Metadata["run_id"],
		}
	}
	span.SetAttributes(attribute.Int("results", len(hits)))
	return hits, nil
}

func (s *ChromemStore) Count(context.Context) (int, error) {
	return s.collection.Count(), nil
}

// Close is a no-op; chromem persists every write immediately.
func (s *ChromemStore) Close() error { return nil }

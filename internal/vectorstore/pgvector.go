package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var pgvectorTracer = otel.Tracer("synthd.vectorstore.pgvector")

// PgvectorConfig configures the Postgres-backed store.
type PgvectorConfig struct {
	DSN        string
	Collection string
	Dimension  int
}

// PgvectorStore implements Store on the memory_vectors table. Rows are
// partitioned by collection so several memories can share one database.
type PgvectorStore struct {
	pool   *pgxpool.Pool
	config PgvectorConfig
	logger *zap.Logger
}

// NewPgvectorStore enables the vector extension, creates the table and
// returns a pooled store. The extension must exist before the pool
// connects so its types are registered on every connection.
func NewPgvectorStore(ctx context.Context, cfg PgvectorConfig, logger *zap.Logger) (*PgvectorStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: postgres DSN required", ErrInvalidConfig)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension required", ErrInvalidConfig)
	}
	if cfg.Collection == "" {
		cfg.Collection = "synth_memory"
	}
	if err := ValidateCollectionName(cfg.Collection); err != nil {
		return nil, err
	}

	bootstrap, err := pgx.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	_, err = bootstrap.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	_ = bootstrap.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("enabling vector extension: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing DSN: %v", ErrInvalidConfig, err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	s := &PgvectorStore{pool: pool, config: cfg, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("pgvector store ready",
		zap.String("collection", cfg.Collection),
		zap.Int("dimension", cfg.Dimension),
	)
	return s, nil
}

func (s *PgvectorStore) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_vectors (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	content    TEXT NOT NULL,
	seq        BIGINT NOT NULL,
	run_id     TEXT NOT NULL DEFAULT '',
	embedding  vector(%d) NOT NULL,
	PRIMARY KEY (collection, id)
)`, s.config.Dimension)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("creating memory_vectors: %w", err)
	}
	return nil
}

func (s *PgvectorStore) Upsert(ctx context.Context, rec Record) (err error) {
	defer observe("pgvector", "upsert", time.Now(), &err)
	ctx, span := pgvectorTracer.Start(ctx, "PgvectorStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("id", rec.ID))

	if err := validateRecord(rec, s.config.Dimension); err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO memory_vectors (collection, id, content, seq, run_id, embedding)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (collection, id) DO UPDATE
SET content = EXCLUDED.content, seq = EXCLUDED.seq, run_id = EXCLUDED.run_id, embedding = EXCLUDED.embedding`,
		s.config.Collection, rec.ID, rec.Content, rec.Seq, rec.RunID, pgvector.NewVector(rec.Vector))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PgvectorStore) Query(ctx context.Context, vector []float32, k int) (hits []Hit, err error) {
	defer observe("pgvector", "query", time.Now(), &err)
	ctx, span := pgvectorTracer.Start(ctx, "PgvectorStore.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if err := validateQuery(vector, k, s.config.Dimension); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, content, seq, run_id, 1 - (embedding <=> $1) AS score
FROM memory_vectors
WHERE collection = $2
ORDER BY embedding <=> $1
LIMIT $3`, pgvector.NewVector(vector), s.config.Collection, k)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying memory_vectors: %w", err)
	}
	defer rows.Close()

	hits = []Hit{}
	for rows.Next() {
		var h Hit
		var score float64
		if err := rows.Scan(&h.ID, &h.Content, &h.Seq, &h.RunID, &score); err != nil {
			return nil, fmt.Errorf("scanning hit: %w", err)
		}
		h.Score = float32(score)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading hits: %w", err)
	}
	return hits, nil
}

func (s *PgvectorStore) Count(ctx context.Context) (n int, err error) {
	defer observe("pgvector", "count", time.Now(), &err)
	err = s.pool.QueryRow(ctx,
		"SELECT count(*) FROM memory_vectors WHERE collection = $1", s.config.Collection,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting memory_vectors: %w", err)
	}
	return n, nil
}

func (s *PgvectorStore) Close() error {
	s.pool.Close()
	return nil
}

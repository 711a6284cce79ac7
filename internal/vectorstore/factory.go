package vectorstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Settings selects and configures a backend. Fields irrelevant to the
// chosen backend are ignored.
type Settings struct {
	// Backend is chromem (default), qdrant or pgvector.
	Backend    string
	Collection string
	Dimension  int

	// chromem
	Path     string
	Compress bool

	// qdrant
	QdrantHost string
	QdrantPort int
	QdrantTLS  bool

	// pgvector
	PostgresDSN string
}

// NewStore creates the backend named in s.
func NewStore(ctx context.Context, s Settings, logger *zap.Logger) (Store, error) {
	var (
		store Store
		err   error
	)
	switch s.Backend {
	case "chromem", "":
		store, err = NewChromemStore(ChromemConfig{
			Path:       s.Path,
			Compress:   s.Compress,
			Collection: s.Collection,
			Dimension:  s.Dimension,
		}, logger)
	case "qdrant":
		store, err = NewQdrantStore(ctx, QdrantConfig{
			Host:       s.QdrantHost,
			Port:       s.QdrantPort,
			UseTLS:     s.QdrantTLS,
			Collection: s.Collection,
			Dimension:  s.Dimension,
		}, logger)
	case "pgvector":
		store, err = NewPgvectorStore(ctx, PgvectorConfig{
			DSN:        s.PostgresDSN,
			Collection: s.Collection,
			Dimension:  s.Dimension,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: unsupported backend %q (supported: chromem, qdrant, pgvector)", ErrInvalidConfig, s.Backend)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

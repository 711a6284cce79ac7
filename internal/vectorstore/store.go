package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed indicates the backend could not be reached.
	ErrConnectionFailed = errors.New("vector store connection failed")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrDimensionMismatch indicates a vector whose length differs from the store's.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrInvalidRecord indicates a record without id or vector.
	ErrInvalidRecord = errors.New("invalid record")
)

// Record is one stored vector. Seq orders insertions across restarts.
type Record struct {
	ID      string
	Vector  []float32
	Content string
	Seq     int64
	RunID   string
}

// Hit is a query result.
type Hit struct {
	ID      string
	Score   float32
	Content string
	Seq     int64
	RunID   string
}

// Store is implemented by every vector backend.
type Store interface {
	// Upsert writes rec, replacing any record with the same ID.
	Upsert(ctx context.Context, rec Record) error

	// Query returns up to k hits nearest to vector, best first. An empty
	// store returns no hits and no error.
	Query(ctx context.Context, vector []float32, k int) ([]Hit, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)

	Close() error
}

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName rejects names that are unsafe as directory or
// table suffixes: only lowercase letters, digits and underscores, 1-64 chars.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

func validateRecord(rec Record, dim int) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalidRecord)
	}
	if len(rec.Vector) == 0 {
		return fmt.Errorf("%w: vector required", ErrInvalidRecord)
	}
	if dim > 0 && len(rec.Vector) != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(rec.Vector), dim)
	}
	return nil
}

func validateQuery(vector []float32, k, dim int) error {
	if k <= 0 {
		return fmt.Errorf("k must be positive, got %d", k)
	}
	if dim > 0 && len(vector) != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), dim)
	}
	return nil
}

package vectorstore

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("plain"), false},
		{status.Error(grpccodes.Unavailable, "down"), true},
		{status.Error(grpccodes.DeadlineExceeded, "slow"), true},
		{status.Error(grpccodes.ResourceExhausted, "busy"), true},
		{status.Error(grpccodes.InvalidArgument, "bad"), false},
		{status.Error(grpccodes.NotFound, "missing"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTransientError(tt.err), "%v", tt.err)
	}
}

func TestQdrantConfig(t *testing.T) {
	cfg := QdrantConfig{Dimension: 384}
	cfg.ApplyDefaults()
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 6334, cfg.Port)
	assert.Equal(t, "synth_memory", cfg.Collection)
	assert.Equal(t, 3, cfg.MaxRetries)
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Dimension = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = cfg
	bad.Port = 70000
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = cfg
	bad.Collection = "../escape"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidCollectionName)

	_, err := NewQdrantStore(context.Background(), QdrantConfig{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPointIDIsStableUUID(t *testing.T) {
	a := pointID("summary-1").GetUuid()
	assert.Equal(t, a, pointID("summary-1").GetUuid())
	assert.NotEqual(t, a, pointID("summary-2").GetUuid())
	_, err := uuid.Parse(a)
	assert.NoError(t, err)
}

func TestHitFromPoint(t *testing.T) {
	rec := Record{ID: "doc-1", Content: "text", Seq: 42, RunID: "run-000003"}
	h := hitFromPoint(&qdrant.ScoredPoint{Score: 0.75, Payload: recordPayload(rec)})
	assert.Equal(t, Hit{ID: "doc-1", Score: 0.75, Content: "text", Seq: 42, RunID: "run-000003"}, h)
}

func TestCircuitBreaker(t *testing.T) {
	s := &QdrantStore{config: QdrantConfig{CircuitBreakerThreshold: 2}}
	assert.False(t, s.circuitOpen())
	s.recordFailure()
	s.recordFailure()
	assert.True(t, s.circuitOpen())

	err := s.retry(context.Background(), "query", func() error { return nil })
	assert.ErrorContains(t, err, "circuit breaker open")

	s.resetBreaker()
	assert.False(t, s.circuitOpen())
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	s := &QdrantStore{config: QdrantConfig{CircuitBreakerThreshold: 5, MaxRetries: 3}}
	calls := 0
	err := s.retry(context.Background(), "upsert", func() error {
		calls++
		return status.Error(grpccodes.InvalidArgument, "bad vector")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryTransientThenSuccess(t *testing.T) {
	s := &QdrantStore{config: QdrantConfig{CircuitBreakerThreshold: 5, MaxRetries: 3, RetryBackoff: 1}}
	calls := 0
	err := s.retry(context.Background(), "upsert", func() error {
		calls++
		if calls < 3 {
			return status.Error(grpccodes.Unavailable, "restarting")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.False(t, s.circuitOpen())
}

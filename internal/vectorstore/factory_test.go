package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	s, err := NewStore(ctx, Settings{Path: t.TempDir(), Collection: "memory", Dimension: 8}, nil)
	require.NoError(t, err)
	assert.IsType(t, &ChromemStore{}, s)
	require.NoError(t, s.Close())

	_, err = NewStore(ctx, Settings{Backend: "faiss"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewStore(ctx, Settings{Backend: "pgvector", Dimension: 8}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

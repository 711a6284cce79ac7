package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates the provider could not produce vectors.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider produces embeddings. Documents and queries are embedded separately
// because asymmetric models prefix them differently.
type Provider interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Close() error
}

// Settings selects and configures a provider.
type Settings struct {
	Provider  string
	Model     string
	BaseURL   string
	APIKey    string
	CacheDir  string
	Dimension int
	Logger    *zap.Logger
}

// NewProvider builds the provider named in s.
func NewProvider(s Settings) (Provider, error) {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	var (
		p   Provider
		err error
	)
	switch s.Provider {
	case "hash", "":
		p, err = NewHashProvider(s.Dimension)
	case "fastembed":
		p, err = NewFastEmbedProvider(FastEmbedConfig{Model: s.Model, CacheDir: s.CacheDir})
	case "tei":
		p, err = NewTEIProvider(TEIConfig{
			BaseURL:   s.BaseURL,
			Model:     s.Model,
			Dimension: dimensionFor(s),
			Logger:    s.Logger,
		})
	case "openai":
		p, err = NewOpenAIProvider(OpenAIConfig{
			BaseURL:   s.BaseURL,
			Model:     s.Model,
			APIKey:    s.APIKey,
			Dimension: dimensionFor(s),
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, s.Provider)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func dimensionFor(s Settings) int {
	if s.Dimension > 0 {
		return s.Dimension
	}
	return detectDimensionFromModel(s.Model)
}

// detectDimensionFromModel guesses a dimension from well-known model names,
// defaulting to 384 (bge-small).
func detectDimensionFromModel(model string) int {
	if dim, ok := knownModelDimensions[model]; ok {
		return dim
	}
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "text-embedding-3-large"):
		return 3072
	case strings.Contains(m, "text-embedding"):
		return 1536
	case strings.Contains(m, "large"):
		return 1024
	case strings.Contains(m, "base"):
		return 768
	default:
		return 384
	}
}

var knownModelDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
	"text-embedding-ada-002":                 1536,
}

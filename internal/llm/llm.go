// Package llm talks to an OpenAI-compatible text generation endpoint.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/synthd/internal/secrets"
)

// Default configuration values.
const (
	defaultMaxTokens   = 8192
	defaultTimeout     = 300 * time.Second
	defaultMaxRetries  = 3
	defaultBaseBackoff = time.Second
	defaultRateLimit   = 2.0
	defaultBurst       = 4
)

var (
	// ErrEmptyResponse is returned when the endpoint answers without text.
	ErrEmptyResponse = errors.New("empty response from generation endpoint")

	// ErrInvalidConfig wraps configuration problems.
	ErrInvalidConfig = errors.New("invalid llm configuration")
)

// Prompt is one generation request.
type Prompt struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// Settings selects and configures a Generator.
type Settings struct {
	Provider          string // openai or langchain
	BaseURL           string
	Model             string
	APIKey            string
	Timeout           time.Duration
	MaxTokens         int
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
}

// New builds the configured generator. When scrubber is enabled, prompts
// are redacted before they are sent.
func New(s Settings, scrubber secrets.Scrubber, logger *zap.Logger) (Generator, error) {
	var (
		g   Generator
		err error
	)
	switch s.Provider {
	case "", "openai":
		g, err = NewOpenAIClient(s)
	case "langchain":
		g, err = NewLangchainGenerator(s)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, s.Provider)
	}
	if err != nil {
		return nil, err
	}
	if scrubber != nil && scrubber.IsEnabled() {
		g = NewScrubbingGenerator(g, scrubber, logger)
	}
	return g, nil
}

// retryableError marks failures worth another attempt.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// IsRetryable reports whether err is a transient endpoint failure.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

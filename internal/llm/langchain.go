package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// LangchainGenerator generates through langchaingo's OpenAI model.
type LangchainGenerator struct {
	model     llms.Model
	maxTokens int
}

// NewLangchainGenerator creates a generator for s.
func NewLangchainGenerator(s Settings) (*LangchainGenerator, error) {
	if s.BaseURL == "" || s.Model == "" {
		return nil, fmt.Errorf("%w: base URL and model required", ErrInvalidConfig)
	}
	token := s.APIKey
	if token == "" {
		// langchaingo refuses an empty token; local compatible servers ignore it.
		token = "placeholder"
	}
	m, err := openai.New(
		openai.WithBaseURL(s.BaseURL),
		openai.WithModel(s.Model),
		openai.WithToken(token),
	)
	if err != nil {
		return nil, fmt.Errorf("creating langchain model: %w", err)
	}
	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &LangchainGenerator{model: m, maxTokens: maxTokens}, nil
}

// Generate sends p as a system and a human message.
func (g *LangchainGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	var msgs []llms.MessageContent
	if p.System != "" {
		msgs = append(msgs, llms.TextParts(schema.ChatMessageTypeSystem, p.System))
	}
	msgs = append(msgs, llms.TextParts(schema.ChatMessageTypeHuman, p.User))

	maxTokens := g.maxTokens
	if p.MaxTokens > 0 {
		maxTokens = p.MaxTokens
	}
	resp, err := g.model.GenerateContent(ctx, msgs,
		llms.WithTemperature(p.Temperature),
		llms.WithMaxTokens(maxTokens),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", &retryableError{err: fmt.Errorf("langchain generate: %w", err)}
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Content, nil
}

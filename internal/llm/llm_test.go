package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/synthd/internal/secrets"
)

func chatServer(t *testing.T, handler func(w http.ResponseWriter, req chatRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		handler(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func reply(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":` + strings.TrimSpace(mustJSON(text)) + `}}]}`))
}

func mustJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func testClient(t *testing.T, url string, retries int) *OpenAIClient {
	t.Helper()
	c, err := NewOpenAIClient(Settings{BaseURL: url, Model: "gpt-test", APIKey: "sk-test", MaxRetries: retries, RequestsPerSecond: 1000, Burst: 100})
	require.NoError(t, err)
	c.baseBackoff = time.Millisecond
	return c
}

func TestOpenAIClient_Generate(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if !assert.Len(t, req.Messages, 2) {
			return
		}
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "You are an auditor.", req.Messages[0].Content)
		assert.Equal(t, "user", req.Messages[1].Role)
		assert.Equal(t, "gpt-test", req.Model)
		assert.InDelta(t, 0.2, req.Temperature, 1e-9)
		assert.Equal(t, 100, req.MaxTokens)
		reply(w, "PASS")
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 0)
	out, err := c.Generate(context.Background(), Prompt{System: "You are an auditor.", User: "Check this.", Temperature: 0.2, MaxTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, "PASS", out)
	assert.Equal(t, "Bearer sk-test", auth)
}

func TestOpenAIClient_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, func(w http.ResponseWriter, _ chatRequest) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			reply(w, "ok")
		}
	})

	out, err := testClient(t, srv.URL, 3).Generate(context.Background(), Prompt{User: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenAIClient_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, func(w http.ResponseWriter, _ chatRequest) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := testClient(t, srv.URL, 2).Generate(context.Background(), Prompt{User: "hi"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenAIClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, func(w http.ResponseWriter, _ chatRequest) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model"}}`))
	})

	_, err := testClient(t, srv.URL, 3).Generate(context.Background(), Prompt{User: "hi"})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "bad model")
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIClient_EmptyChoices(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, _ chatRequest) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})
	_, err := testClient(t, srv.URL, 0).Generate(context.Background(), Prompt{User: "hi"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestNew(t *testing.T) {
	_, err := New(Settings{Provider: "mystery", BaseURL: "http://x", Model: "m"}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Settings{Provider: "openai"}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	g, err := New(Settings{Provider: "openai", BaseURL: "http://localhost:1", Model: "m"}, secrets.NoopScrubber{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, g)

	g, err = New(Settings{Provider: "langchain", BaseURL: "http://localhost:1", Model: "m"}, &fakeScrubber{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &ScrubbingGenerator{}, g)
}

func TestLangchainGenerator_Generate(t *testing.T) {
	type wireMessage struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	var got []wireMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req struct {
			Messages []wireMessage `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		got = req.Messages
		reply(w, "PASS")
	}))
	defer srv.Close()

	g, err := NewLangchainGenerator(Settings{BaseURL: srv.URL, Model: "gpt-test", APIKey: "sk-test"})
	require.NoError(t, err)
	out, err := g.Generate(context.Background(), Prompt{System: "You are an auditor.", User: "Check this.", Temperature: 0.2})
	require.NoError(t, err)
	assert.Equal(t, "PASS", out)

	require.Len(t, got, 2)
	assert.Equal(t, "system", got[0].Role)
	assert.Contains(t, string(got[0].Content), "You are an auditor.")
	assert.Equal(t, "user", got[1].Role)
	assert.Contains(t, string(got[1].Content), "Check this.")

	_, err = NewLangchainGenerator(Settings{Model: "gpt-test"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

type fakeScrubber struct{}

func (fakeScrubber) Scrub(content string) *secrets.Result {
	res := &secrets.Result{Scrubbed: content, ByRule: map[string]int{}}
	if strings.Contains(content, "sk-live-123") {
		res.Scrubbed = strings.ReplaceAll(content, "sk-live-123", "[REDACTED]")
		res.Findings = []secrets.Finding{{RuleID: "test-key", Match: "sk-live-123"}}
		res.ByRule["test-key"] = 1
	}
	return res
}

func (fakeScrubber) IsEnabled() bool { return true }

type recordingGenerator struct {
	got Prompt
}

func (r *recordingGenerator) Generate(_ context.Context, p Prompt) (string, error) {
	r.got = p
	return "done", nil
}

func TestScrubbingGenerator(t *testing.T) {
	next := &recordingGenerator{}
	g := NewScrubbingGenerator(next, fakeScrubber{}, nil)

	out, err := g.Generate(context.Background(), Prompt{System: "clean", User: "token sk-live-123 in methods", Temperature: 0.5})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, "clean", next.got.System)
	assert.Equal(t, "token [REDACTED] in methods", next.got.User)
	assert.InDelta(t, 0.5, next.got.Temperature, 1e-9)
}

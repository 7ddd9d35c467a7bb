package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/railguard/railguard/types"
)

func testRequest() *ChatRequest {
	return &ChatRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: RoleUser, Content: "Hello"}},
	}
}

func newTestProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIProvider(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
	}, zap.NewNop())
}

func TestOpenAICompletion(t *testing.T) {
	var gotAuth, gotPath string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path

		var body openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o", body.Model)
		assert.False(t, body.Stream)

		json.NewEncoder(w).Encode(openAIResponse{
			ID:    "chatcmpl-123",
			Model: "gpt-4o",
			Choices: []openAIChoice{{
				Message:      &Message{Role: RoleAssistant, Content: "Hi there"},
				FinishReason: "stop",
			}},
			Usage: &Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
		})
	})

	resp, err := p.Completion(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-123", resp.ID)
	assert.Equal(t, "Hi there", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 8, resp.Usage.TotalTokens)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "/v1/chat/completions", gotPath)
}

func TestOpenAICompletionRetriesUpstreamFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(openAIResponse{
			ID:      "chatcmpl-retry",
			Choices: []openAIChoice{{Message: &Message{Content: "ok"}}},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{
		BaseURL:    srv.URL,
		MaxRetries: 2,
		Timeout:    5 * time.Second,
	}, zap.NewNop())

	resp, err := p.Completion(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAICompletionDoesNotRetryBadRequest(t *testing.T) {
	var calls atomic.Int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"model not found"}}`, http.StatusNotFound)
	})
	p.cfg.MaxRetries = 3

	_, err := p.Completion(context.Background(), testRequest())
	require.Error(t, err)

	var te *types.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, types.ErrInvalidRequest, te.Code)
	assert.Contains(t, te.Message, "model not found")
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIRateLimitMapsToTypedError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"quota exceeded"}}`, http.StatusTooManyRequests)
	})

	_, err := p.Completion(context.Background(), testRequest())
	var te *types.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, types.ErrRateLimited, te.Code)
	assert.True(t, te.Retryable)
}

func TestOpenAIStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, text := range []string{"Hel", "lo ", "world"} {
			event, _ := json.Marshal(openAIResponse{
				Model:   "gpt-4o",
				Choices: []openAIChoice{{Delta: &Message{Content: text}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", event)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	deltas, err := p.Stream(context.Background(), testRequest())
	require.NoError(t, err)

	var got string
	var done bool
	for d := range deltas {
		require.NoError(t, d.Err)
		if d.Done {
			done = true
			break
		}
		got += d.Content
	}
	assert.Equal(t, "Hello world", got)
	assert.True(t, done)
}

func TestOpenAIStreamRejectedBeforeFirstByte(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid key"}}`, http.StatusUnauthorized)
	})

	_, err := p.Stream(context.Background(), testRequest())
	var te *types.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, types.ErrUnauthorized, te.Code)
}

func TestOpenAIStreamMalformedEventSurfacesError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {not json}\n\n")
	})

	deltas, err := p.Stream(context.Background(), testRequest())
	require.NoError(t, err)

	var sawErr bool
	for d := range deltas {
		if d.Err != nil {
			sawErr = true
		}
	}
	assert.True(t, sawErr)
}

func TestOpenAIDefaultModelApplied(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body openAIRequest
		json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model
		json.NewEncoder(w).Encode(openAIResponse{
			Choices: []openAIChoice{{Message: &Message{Content: "ok"}}},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, DefaultModel: "gpt-4o-mini"}, nil)
	_, err := p.Completion(context.Background(), &ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", gotModel)
}

package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/railguard/railguard/api"
	"github.com/railguard/railguard/llm"
	"github.com/railguard/railguard/streaming"
	"github.com/railguard/railguard/types"
)

// stubEngine scripts the Generator surface for handler tests.
type stubEngine struct {
	resp         *llm.ChatResponse
	err          error
	streamChunks []string
	lastReq      *llm.ChatRequest
}

func (s *stubEngine) Generate(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	s.lastReq = req
	return s.resp, s.err
}

func (s *stubEngine) GenerateStream(ctx context.Context, req *llm.ChatRequest, h *streaming.Handler) (*llm.ChatResponse, error) {
	s.lastReq = req
	if s.err != nil && s.resp == nil {
		h.Finish()
		return nil, s.err
	}
	for _, c := range s.streamChunks {
		h.Push(c)
	}
	h.Finish()
	return s.resp, s.err
}

func postJSON(t *testing.T, handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleCompletion(t *testing.T) {
	engine := &stubEngine{resp: &llm.ChatResponse{
		ID:      "cmpl-1",
		Model:   "gpt-4o",
		Content: "Hello!",
		Usage:   llm.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}}
	h := NewChatHandler(engine, zap.NewNop())

	rec := postJSON(t, h.HandleCompletion,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello!", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 5, resp.Usage.TotalTokens)

	require.NotNil(t, engine.lastReq)
	assert.Equal(t, "gpt-4o", engine.lastReq.Model)
}

func TestHandleCompletionValidation(t *testing.T) {
	h := NewChatHandler(&stubEngine{}, zap.NewNop())

	tests := []struct {
		name string
		body string
	}{
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`},
		{"empty messages", `{"model":"gpt-4o","messages":[]}`},
		{"bad temperature", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"temperature":3}`},
		{"malformed json", `{"model":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, h.HandleCompletion, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleCompletionRejectsWrongContentType(t *testing.T) {
	h := NewChatHandler(&stubEngine{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("model=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.HandleCompletion(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestHandleCompletionQueueFullIs429(t *testing.T) {
	engine := &stubEngine{err: types.NewError(types.ErrQueueFull, "generation queue is at capacity").WithRetryable()}
	h := NewChatHandler(engine, zap.NewNop())

	rec := postJSON(t, h.HandleCompletion,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var env Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NotNil(t, env.Error)
	assert.Equal(t, "QUEUE_FULL", env.Error.Code)
	assert.True(t, env.Error.Retryable)
}

func TestHandleCompletionGuardrailsIs403(t *testing.T) {
	engine := &stubEngine{err: types.NewError(types.ErrGuardrailsViolated, "PROMPT_INJECTION: instruction override attempt")}
	h := NewChatHandler(engine, zap.NewNop())

	rec := postJSON(t, h.HandleCompletion,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleStreamEmitsSSE(t *testing.T) {
	engine := &stubEngine{
		streamChunks: []string{"Hel", "lo ", "world"},
		resp: &llm.ChatResponse{
			ID:      "cmpl-2",
			Model:   "gpt-4o",
			Content: "Hello world",
			Usage:   llm.Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5},
		},
	}
	h := NewChatHandler(engine, zap.NewNop())

	rec := postJSON(t, h.HandleCompletion,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var content strings.Builder
	var sawDone bool
	var finish string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			continue
		}
		var chunk api.ChatResponse
		require.NoError(t, json.Unmarshal([]byte(payload), &chunk))
		assert.Equal(t, "chat.completion.chunk", chunk.Object)
		require.Len(t, chunk.Choices, 1)
		if chunk.Choices[0].Delta != nil {
			content.WriteString(chunk.Choices[0].Delta.Content)
		}
		if chunk.Choices[0].FinishReason != "" {
			finish = chunk.Choices[0].FinishReason
		}
	}

	assert.Equal(t, "Hello world", content.String())
	assert.Equal(t, "stop", finish)
	assert.True(t, sawDone)
}

func TestHandleStreamEarlyRejectionIsJSONError(t *testing.T) {
	engine := &stubEngine{err: types.NewError(types.ErrGuardrailsViolated, "blocked")}
	h := NewChatHandler(engine, zap.NewNop())

	rec := postJSON(t, h.HandleCompletion,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	var env Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NotNil(t, env.Error)
	assert.Equal(t, "GUARDRAILS_VIOLATED", env.Error.Code)
}

func TestHandleStreamContentFilterFinishReason(t *testing.T) {
	engine := &stubEngine{
		streamChunks: []string{"leaky text"},
		resp: &llm.ChatResponse{
			ID:           "cmpl-3",
			Model:        "gpt-4o",
			Content:      "leaky text",
			FinishReason: "content_filter",
		},
		err: types.NewError(types.ErrContentFiltered, "blocked by output rails"),
	}
	h := NewChatHandler(engine, zap.NewNop())

	rec := postJSON(t, h.HandleCompletion,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "leaky text")
	assert.Contains(t, body, `"finish_reason":"content_filter"`)
	assert.Contains(t, body, "[DONE]")
}

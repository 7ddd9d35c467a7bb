package handlers

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/railguard/railguard/api"
	"github.com/railguard/railguard/llm"
	"github.com/railguard/railguard/types"
)

func dialWS(t *testing.T, engine Generator) *websocket.Conn {
	t.Helper()
	h := NewWSHandler(engine, zap.NewNop())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func TestWSStreamDeltasAndDone(t *testing.T) {
	engine := &stubEngine{
		streamChunks: []string{"Hel", "lo"},
		resp: &llm.ChatResponse{
			Model:   "gpt-4o",
			Content: "Hello",
			Usage:   llm.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
		},
	}
	conn := dialWS(t, engine)
	ctx := context.Background()

	require.NoError(t, wsjson.Write(ctx, conn, api.ChatRequest{
		Model:    "gpt-4o",
		Messages: []api.ChatMessage{{Role: "user", Content: "hi"}},
	}))

	var content strings.Builder
	for {
		var ev WSEvent
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
		if ev.Type == "delta" {
			content.WriteString(ev.Delta)
			continue
		}
		require.Equal(t, "done", ev.Type)
		assert.Equal(t, "stop", ev.Finish)
		require.NotNil(t, ev.Usage)
		assert.Equal(t, 2, ev.Usage.TotalTokens)
		break
	}
	assert.Equal(t, "Hello", content.String())
}

func TestWSStreamInvalidRequest(t *testing.T) {
	conn := dialWS(t, &stubEngine{})
	ctx := context.Background()

	require.NoError(t, wsjson.Write(ctx, conn, api.ChatRequest{Model: ""}))

	var ev WSEvent
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, "error", ev.Type)
	assert.Equal(t, "INVALID_REQUEST", ev.Code)
}

func TestWSStreamRejection(t *testing.T) {
	engine := &stubEngine{err: types.NewError(types.ErrQueueFull, "generation queue is at capacity")}
	conn := dialWS(t, engine)
	ctx := context.Background()

	require.NoError(t, wsjson.Write(ctx, conn, api.ChatRequest{
		Model:    "gpt-4o",
		Messages: []api.ChatMessage{{Role: "user", Content: "hi"}},
	}))

	var ev WSEvent
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, "error", ev.Type)
	assert.Equal(t, "QUEUE_FULL", ev.Code)
}

package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/railguard/railguard/api"
	"github.com/railguard/railguard/llm"
	"github.com/railguard/railguard/streaming"
	"github.com/railguard/railguard/types"
)

// WSEvent is one message of the websocket chat stream protocol. Exactly one
// of Delta, Error or Done is meaningful per message.
type WSEvent struct {
	Type    string         `json:"type"` // "delta", "done", "error"
	Delta   string         `json:"delta,omitempty"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Usage   *api.ChatUsage `json:"usage,omitempty"`
	Finish  string         `json:"finish_reason,omitempty"`
}

// WSHandler serves chat completions over a websocket: the client sends one
// ChatRequest, receives delta events, and a final done event with usage.
type WSHandler struct {
	engine Generator
	logger *zap.Logger
}

// NewWSHandler creates a websocket chat handler.
func NewWSHandler(engine Generator, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		engine: engine,
		logger: logger.With(zap.String("component", "ws_handler")),
	}
}

// ServeHTTP implements http.Handler.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleStream(w, r)
}

// HandleStream serves GET /v1/chat/stream.
func (h *WSHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	var req api.ChatRequest
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		h.logger.Debug("websocket read failed", zap.Error(err))
		return
	}
	if verr := validateChatRequest(&req); verr != nil {
		_ = wsjson.Write(ctx, conn, WSEvent{Type: "error", Code: string(verr.Code), Message: verr.Message})
		_ = conn.Close(websocket.StatusPolicyViolation, "invalid request")
		return
	}

	sh := streaming.New(h.logger)

	type result struct {
		resp *llm.ChatResponse
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := h.engine.GenerateStream(ctx, toLLMRequest(&req), sh)
		resCh <- result{resp, err}
	}()

	for {
		chunk, err := sh.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			<-resCh
			return
		}
		if chunk.End {
			break
		}
		if err := wsjson.Write(ctx, conn, WSEvent{Type: "delta", Delta: chunk.Text}); err != nil {
			h.logger.Debug("websocket write failed, client gone", zap.Error(err))
			<-resCh
			return
		}
	}

	res := <-resCh
	if res.err != nil && res.resp == nil {
		var te *types.Error
		if !errors.As(res.err, &te) {
			te = types.NewError(types.ErrInternalError, "internal error")
		}
		_ = wsjson.Write(ctx, conn, WSEvent{Type: "error", Code: string(te.Code), Message: te.Message})
		_ = conn.Close(websocket.StatusInternalError, string(te.Code))
		return
	}

	usage := api.ChatUsage(res.resp.Usage)
	_ = wsjson.Write(ctx, conn, WSEvent{
		Type:   "done",
		Usage:  &usage,
		Finish: finishReasonOf(res.resp),
	})
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/railguard/railguard/api"
	"github.com/railguard/railguard/llm"
	"github.com/railguard/railguard/streaming"
	"github.com/railguard/railguard/types"
)

// Generator is the guarded generation surface the chat handler needs.
// *guard.Engine satisfies it.
type Generator interface {
	Generate(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
	GenerateStream(ctx context.Context, req *llm.ChatRequest, h *streaming.Handler) (*llm.ChatResponse, error)
}

// ChatHandler serves the OpenAI-compatible chat completion endpoints.
type ChatHandler struct {
	engine Generator
	logger *zap.Logger
}

// NewChatHandler creates a chat handler over a guarded engine.
func NewChatHandler(engine Generator, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		engine: engine,
		logger: logger.With(zap.String("component", "chat_handler")),
	}
}

// HandleCompletion serves POST /v1/chat/completions. Requests with
// "stream": true are answered as an SSE stream, everything else as one
// JSON response.
func (h *ChatHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := validateChatRequest(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if req.Stream {
		h.streamCompletion(w, r, &req)
		return
	}

	start := time.Now()
	resp, err := h.engine.Generate(r.Context(), toLLMRequest(&req))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("chat completion",
		zap.String("model", req.Model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("duration", time.Since(start)),
	)

	WriteJSON(w, http.StatusOK, api.NewCompletionResponse(
		resp.ID, resp.Model, resp.Content, finishReasonOf(resp), api.ChatUsage(resp.Usage)))
}

// streamCompletion relays the guarded stream as SSE. Headers are written
// lazily: an admission or input-rail failure that happens before any chunk
// was emitted still gets a proper JSON error status.
func (h *ChatHandler) streamCompletion(w http.ResponseWriter, r *http.Request, req *api.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError,
			"streaming not supported", h.logger)
		return
	}

	sh := streaming.New(h.logger)

	type result struct {
		resp *llm.ChatResponse
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := h.engine.GenerateStream(r.Context(), toLLMRequest(req), sh)
		resCh <- result{resp, err}
	}()

	headersSent := false
	sendHeaders := func() {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		headersSent = true
	}

	streamID := sh.UID()
	for {
		chunk, err := sh.Next(r.Context())
		if err == io.EOF {
			break
		}
		if err != nil {
			// Client went away; the engine finishes on its own.
			h.logger.Debug("stream consumer cancelled", zap.Error(err))
			<-resCh
			return
		}
		if chunk.End {
			break
		}
		if !headersSent {
			sendHeaders()
		}
		h.writeSSE(w, flusher, api.NewStreamChunk(streamID, req.Model, chunk.Text, ""))
	}

	res := <-resCh
	if res.err != nil && res.resp == nil {
		if !headersSent {
			WriteError(w, res.err, h.logger)
			return
		}
		h.writeSSEError(w, flusher, res.err)
		return
	}
	if !headersSent {
		sendHeaders()
	}

	final := api.NewStreamChunk(streamID, req.Model, "", finishReasonOf(res.resp))
	usage := api.ChatUsage(res.resp.Usage)
	final.Usage = &usage
	h.writeSSE(w, flusher, final)

	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

func (h *ChatHandler) writeSSE(w http.ResponseWriter, flusher http.Flusher, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal SSE chunk", zap.Error(err))
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
	flusher.Flush()
}

func (h *ChatHandler) writeSSEError(w http.ResponseWriter, flusher http.Flusher, err error) {
	var te *types.Error
	if !errors.As(err, &te) {
		te = types.NewError(types.ErrInternalError, "internal error")
	}
	payload, _ := json.Marshal(map[string]string{
		"code":    string(te.Code),
		"message": te.Message,
	})
	_, _ = w.Write([]byte("event: error\ndata: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
	flusher.Flush()
}

func validateChatRequest(req *api.ChatRequest) *types.Error {
	if req.Model == "" {
		return types.NewError(types.ErrInvalidRequest, "model is required")
	}
	if len(req.Messages) == 0 {
		return types.NewError(types.ErrInvalidRequest, "messages cannot be empty")
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return types.NewError(types.ErrInvalidRequest, "temperature must be between 0 and 2")
	}
	if req.TopP < 0 || req.TopP > 1 {
		return types.NewError(types.ErrInvalidRequest, "top_p must be between 0 and 1")
	}
	return nil
}

func toLLMRequest(req *api.ChatRequest) *llm.ChatRequest {
	messages := make([]llm.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = llm.Message{
			Role:    llm.Role(m.Role),
			Content: m.Content,
			Name:    m.Name,
		}
	}
	return &llm.ChatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}
}

func finishReasonOf(resp *llm.ChatResponse) string {
	if resp.FinishReason != "" {
		return resp.FinishReason
	}
	return "stop"
}

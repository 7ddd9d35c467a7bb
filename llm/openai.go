package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/railguard/railguard/types"
)

// OpenAIConfig configures an OpenAI-compatible HTTP provider. Any backend
// that speaks the /v1/chat/completions wire format works through it, so a
// single adapter covers OpenAI itself plus compatible gateways.
type OpenAIConfig struct {
	// Name identifies the provider in logs and metrics. Defaults to "openai".
	Name string

	// APIKey is sent as a Bearer token on every request.
	APIKey string

	// BaseURL is the API root, e.g. "https://api.openai.com".
	BaseURL string

	// DefaultModel is used when a request does not name one.
	DefaultModel string

	// Timeout bounds each HTTP call. Defaults to 2 minutes, which has to
	// cover a full streamed completion, not just the first byte.
	Timeout time.Duration

	// MaxRetries retries blocking completions on retryable upstream
	// failures. Streams are never retried.
	MaxRetries int
}

// OpenAIProvider implements Provider against an OpenAI-compatible API.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
	logger *zap.Logger
}

// NewOpenAIProvider creates a provider for an OpenAI-compatible backend.
func NewOpenAIProvider(cfg OpenAIConfig, logger *zap.Logger) *OpenAIProvider {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("provider", cfg.Name)),
	}
}

// Name returns the configured provider name.
func (p *OpenAIProvider) Name() string { return p.cfg.Name }

// wire format for /v1/chat/completions

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
	TopP        float32   `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type openAIChoice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Message `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (p *OpenAIProvider) endpoint() string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/chat/completions"
}

func (p *OpenAIProvider) buildBody(req *ChatRequest, stream bool) openAIRequest {
	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}
	return openAIRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
}

func (p *OpenAIProvider) do(ctx context.Context, body openAIRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "upstream request failed").
			WithRetryable().WithCause(err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, mapUpstreamError(resp, p.cfg.Name)
	}
	return resp, nil
}

// Completion performs a blocking chat completion. Retryable upstream errors
// are retried up to MaxRetries with a short linear backoff.
func (p *OpenAIProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body := p.buildBody(req, false)

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
			p.logger.Debug("retrying completion", zap.Int("attempt", attempt))
		}

		resp, err := p.do(ctx, body)
		if err != nil {
			lastErr = err
			var te *types.Error
			if errors.As(err, &te) && te.Retryable {
				continue
			}
			return nil, err
		}

		result, err := decodeCompletion(resp, p.cfg.Name)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, lastErr
}

func decodeCompletion(resp *http.Response, provider string) (*ChatResponse, error) {
	defer resp.Body.Close()

	var oa openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&oa); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, provider+" returned a malformed response").
			WithRetryable().WithCause(err)
	}
	if len(oa.Choices) == 0 {
		return nil, types.NewError(types.ErrUpstreamError, provider+" returned no choices")
	}

	choice := oa.Choices[0]
	out := &ChatResponse{
		ID:           oa.ID,
		Model:        oa.Model,
		FinishReason: choice.FinishReason,
	}
	if choice.Message != nil {
		out.Content = choice.Message.Content
	}
	if oa.Usage != nil {
		out.Usage = *oa.Usage
	}
	return out, nil
}

// Stream starts a streaming completion over SSE. The returned channel is
// closed after the final Delta; upstream failures arrive in-band via Err.
func (p *OpenAIProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan Delta, error) {
	resp, err := p.do(ctx, p.buildBody(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan Delta)
	go p.readSSE(ctx, resp.Body, ch)
	return ch, nil
}

// readSSE parses "data:" lines until [DONE] or EOF. A parse or read failure
// is sent as the last Delta so a consumer draining the channel sees it in
// stream order.
func (p *OpenAIProvider) readSSE(ctx context.Context, body io.ReadCloser, ch chan<- Delta) {
	defer body.Close()
	defer close(ch)

	send := func(d Delta) bool {
		select {
		case <-ctx.Done():
			return false
		case ch <- d:
			return true
		}
	}

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				send(Delta{Err: types.NewError(types.ErrUpstreamError, "stream read failed").
					WithRetryable().WithCause(err)})
				return
			}
			send(Delta{Done: true})
			return
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			send(Delta{Done: true})
			return
		}

		var oa openAIResponse
		if err := json.Unmarshal([]byte(data), &oa); err != nil {
			send(Delta{Err: types.NewError(types.ErrUpstreamError, "malformed stream event").WithCause(err)})
			return
		}
		for _, choice := range oa.Choices {
			if choice.Delta == nil || choice.Delta.Content == "" {
				continue
			}
			if !send(Delta{Content: choice.Delta.Content, Meta: map[string]any{"model": oa.Model}}) {
				return
			}
		}
	}
}

// mapUpstreamError converts an HTTP error response into a typed error,
// preserving the upstream message when the body carries one.
func mapUpstreamError(resp *http.Response, provider string) *types.Error {
	msg := readErrorMessage(resp.Body)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return types.NewError(types.ErrUnauthorized, fmt.Sprintf("%s rejected credentials: %s", provider, msg)).
			WithHTTPStatus(http.StatusBadGateway)
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimited, fmt.Sprintf("%s rate limited: %s", provider, msg)).
			WithRetryable()
	case resp.StatusCode >= 500:
		return types.NewError(types.ErrUpstreamError, fmt.Sprintf("%s error: %s", provider, msg)).
			WithRetryable()
	default:
		return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("%s rejected request: %s", provider, msg))
	}
}

func readErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	var oa openAIResponse
	if json.Unmarshal(raw, &oa) == nil && oa.Error != nil {
		return oa.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

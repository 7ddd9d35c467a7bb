// Package llm defines the provider contract consumed by the guard engine,
// plus an OpenAI-compatible HTTP adapter. The engine only requires
// something that can complete and stream chat requests.
package llm

import (
	"context"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest is a provider-agnostic chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
	TopP        float32   `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// Usage reports token accounting for one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is a provider-agnostic chat completion response.
type ChatResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// Delta is one increment of a streamed completion. Err is delivered in-band
// so a consumer draining the channel observes upstream failures in order.
type Delta struct {
	Content string         `json:"content"`
	Meta    map[string]any `json:"meta,omitempty"`
	Done    bool           `json:"done,omitempty"`
	Err     error          `json:"-"`
}

// Provider is the minimal surface the engine needs from an LLM backend.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string
	// Completion performs a blocking chat completion.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// Stream starts a streaming completion. The returned channel is closed
	// after the final Delta (Done or Err set).
	Stream(ctx context.Context, req *ChatRequest) (<-chan Delta, error)
}

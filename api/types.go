// Package api defines the wire types of the public HTTP API. The chat
// surface follows the OpenAI chat completions shape so existing clients
// work against it unchanged.
package api

import "time"

// ChatMessage is one conversation turn on the wire.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	TopP        float32       `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// ChatChoice is one completion alternative. Message is set on blocking
// responses, Delta on stream chunks.
type ChatChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

// ChatUsage reports token accounting.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is a chat completion response or stream chunk. Object is
// "chat.completion" for blocking responses and "chat.completion.chunk" for
// stream chunks.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}

// NewCompletionResponse builds a blocking chat completion response.
func NewCompletionResponse(id, model, content, finishReason string, usage ChatUsage) *ChatResponse {
	return &ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{{
			Message:      &ChatMessage{Role: "assistant", Content: content},
			FinishReason: finishReason,
		}},
		Usage: &usage,
	}
}

// NewStreamChunk builds one SSE stream chunk.
func NewStreamChunk(id, model, content, finishReason string) *ChatResponse {
	chunk := &ChatResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{{
			Delta:        &ChatMessage{Content: content},
			FinishReason: finishReason,
		}},
	}
	return chunk
}

// Package mocks provides test doubles for the llm.Provider contract.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/railguard/railguard/llm"
)

// MockProvider is a configurable llm.Provider for tests. Zero value is not
// usable; create it with NewMockProvider and chain With* builders.
type MockProvider struct {
	mu sync.RWMutex

	name         string
	response     string
	streamChunks []string
	streamMeta   map[string]any
	err          error
	delay        time.Duration

	promptTokens     int
	completionTokens int
	reportUsage      bool

	calls []*llm.ChatRequest

	completionFunc func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
	streamFunc     func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.Delta, error)
}

// NewMockProvider creates a provider returning "Mock response" for every
// completion and streaming it word-by-word.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		name:         "mock",
		response:     "Mock response",
		streamChunks: []string{"Mock ", "response"},
	}
}

// WithResponse sets the fixed completion content.
func (m *MockProvider) WithResponse(response string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithStreamChunks sets the chunk sequence Stream emits.
func (m *MockProvider) WithStreamChunks(chunks ...string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamChunks = chunks
	return m
}

// WithStreamMeta attaches metadata to every streamed delta.
func (m *MockProvider) WithStreamMeta(meta map[string]any) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamMeta = meta
	return m
}

// WithError makes every call fail with err.
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithDelay makes Completion sleep before responding, to hold queue slots
// open in concurrency tests.
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithUsage makes responses carry provider-reported token usage.
func (m *MockProvider) WithUsage(prompt, completion int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptTokens = prompt
	m.completionTokens = completion
	m.reportUsage = true
	return m
}

// WithCompletionFunc overrides Completion entirely.
func (m *MockProvider) WithCompletionFunc(fn func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completionFunc = fn
	return m
}

// WithStreamFunc overrides Stream entirely.
func (m *MockProvider) WithStreamFunc(fn func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.Delta, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamFunc = fn
	return m
}

// Calls returns a copy of every request seen so far.
func (m *MockProvider) Calls() []*llm.ChatRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*llm.ChatRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of requests seen so far.
func (m *MockProvider) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

func (m *MockProvider) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.name
}

func (m *MockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	fn := m.completionFunc
	err := m.err
	delay := m.delay
	response := m.response
	usage := llm.Usage{}
	if m.reportUsage {
		usage = llm.Usage{
			PromptTokens:     m.promptTokens,
			CompletionTokens: m.completionTokens,
			TotalTokens:      m.promptTokens + m.completionTokens,
		}
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{
		ID:           uuid.NewString(),
		Model:        req.Model,
		Content:      response,
		FinishReason: "stop",
		Usage:        usage,
	}, nil
}

func (m *MockProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.Delta, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	fn := m.streamFunc
	err := m.err
	chunks := make([]string, len(m.streamChunks))
	copy(chunks, m.streamChunks)
	meta := m.streamMeta
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	out := make(chan llm.Delta, len(chunks)+1)
	go func() {
		defer close(out)
		for _, c := range chunks {
			select {
			case out <- llm.Delta{Content: c, Meta: meta}:
			case <-ctx.Done():
				out <- llm.Delta{Err: ctx.Err()}
				return
			}
		}
		out <- llm.Delta{Done: true}
	}()
	return out, nil
}

// Package railguard provides a top-level convenience entry point for
// creating a guarded generation engine with minimal boilerplate.
//
// Usage:
//
//	import "github.com/railguard/railguard"
//
//	eng, err := railguard.New(railguard.WithOpenAI("gpt-4o-mini"))
//	eng, err := railguard.New(railguard.WithProvider(myProvider))
//
// The returned engine is not started; call Start before submitting work
// and Close when done.
package railguard

import (
	"errors"
	"os"

	"go.uber.org/zap"

	"github.com/railguard/railguard/guard"
	"github.com/railguard/railguard/llm"
)

// Option configures the engine created by [New].
type Option func(*builder)

type builder struct {
	provider    llm.Provider
	openaiModel string
	apiKey      string
	cfg         guard.Config
	logger      *zap.Logger
}

// WithProvider sets a pre-built LLM provider.
func WithProvider(p llm.Provider) Option {
	return func(b *builder) { b.provider = p }
}

// WithOpenAI selects an OpenAI provider for the given model. The API key
// comes from [WithAPIKey] or the OPENAI_API_KEY environment variable.
func WithOpenAI(model string) Option {
	return func(b *builder) { b.openaiModel = model }
}

// WithAPIKey overrides the API key for provider shortcuts.
func WithAPIKey(key string) Option {
	return func(b *builder) { b.apiKey = key }
}

// WithConfig replaces the default guard configuration.
func WithConfig(cfg guard.Config) Option {
	return func(b *builder) { b.cfg = cfg }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *builder) { b.logger = logger }
}

// New creates a [guard.Engine] with default rails and queue settings.
// At minimum a provider must be specified via [WithOpenAI] or
// [WithProvider].
func New(opts ...Option) (*guard.Engine, error) {
	b := &builder{
		cfg:    guard.DefaultConfig(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.provider == nil && b.openaiModel != "" {
		key := b.apiKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		b.provider = llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:       key,
			DefaultModel: b.openaiModel,
		}, b.logger)
	}
	if b.provider == nil {
		return nil, errors.New("railguard: a provider is required, use WithOpenAI or WithProvider")
	}
	return guard.New(b.provider, b.cfg, b.logger), nil
}

package guard

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/railguard/railguard/llm"
)

const defaultSelfCheckPrompt = `You are a content policy checker.
Should the following message be blocked? Answer with a single word: yes or no.

Message:
%s`

// SelfCheckRail asks an LLM whether content should be blocked. The check
// call goes directly to the provider, outside the generation queue: a rail
// verdict must not compete for generation slots with the request it guards.
type SelfCheckRail struct {
	provider llm.Provider
	model    string
	prompt   string
	priority int
	logger   *zap.Logger
}

// NewSelfCheckRail creates a self-check rail. An empty prompt selects the
// default policy prompt; the prompt must contain one %s verb for the content.
func NewSelfCheckRail(provider llm.Provider, model, prompt string, priority int, logger *zap.Logger) *SelfCheckRail {
	if prompt == "" {
		prompt = defaultSelfCheckPrompt
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SelfCheckRail{
		provider: provider,
		model:    model,
		prompt:   prompt,
		priority: priority,
		logger:   logger.With(zap.String("component", "self_check_rail")),
	}
}

func (s *SelfCheckRail) Name() string  { return "self_check" }
func (s *SelfCheckRail) Priority() int { return s.priority }

func (s *SelfCheckRail) Check(ctx context.Context, content string) (*RailResult, error) {
	resp, err := s.provider.Completion(ctx, &llm.ChatRequest{
		Model: s.model,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: fmt.Sprintf(s.prompt, content)},
		},
		MaxTokens:   4,
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("self check completion: %w", err)
	}

	result := NewRailResult()
	answer := strings.ToLower(strings.TrimSpace(resp.Content))
	if strings.HasPrefix(answer, "yes") {
		result.AddViolation(Violation{
			Code:     "SELF_CHECK_BLOCKED",
			Message:  "model policy check blocked the content",
			Severity: SeverityHigh,
		})
	} else if !strings.HasPrefix(answer, "no") {
		s.logger.Warn("self check returned unparseable verdict, allowing",
			zap.String("verdict", answer))
	}
	return result, nil
}

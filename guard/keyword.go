package guard

import (
	"context"
	"fmt"
	"strings"
)

// KeywordRail blocks content containing any of a configured set of terms.
// Matching is case-insensitive.
type KeywordRail struct {
	terms    []string
	priority int
}

// NewKeywordRail creates a blocklist rail.
func NewKeywordRail(terms []string, priority int) *KeywordRail {
	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t != "" {
			lowered = append(lowered, strings.ToLower(t))
		}
	}
	return &KeywordRail{terms: lowered, priority: priority}
}

func (k *KeywordRail) Name() string  { return "keyword_blocklist" }
func (k *KeywordRail) Priority() int { return k.priority }

func (k *KeywordRail) Check(ctx context.Context, content string) (*RailResult, error) {
	result := NewRailResult()
	lowered := strings.ToLower(content)
	for _, term := range k.terms {
		if strings.Contains(lowered, term) {
			result.AddViolation(Violation{
				Code:     "BLOCKED_TERM",
				Message:  fmt.Sprintf("content contains blocked term %q", term),
				Severity: SeverityHigh,
			})
		}
	}
	return result, nil
}

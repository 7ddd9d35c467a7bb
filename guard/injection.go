package guard

import (
	"context"
	"regexp"
)

// injectionPattern pairs a compiled pattern with its report metadata.
type injectionPattern struct {
	re          *regexp.Regexp
	description string
	severity    string
}

var defaultInjectionPatterns = []injectionPattern{
	{regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`), "instruction override attempt", SeverityCritical},
	{regexp.MustCompile(`(?i)disregard\s+(the\s+)?(system\s+)?(prompt|instructions)`), "instruction override attempt", SeverityCritical},
	{regexp.MustCompile(`(?i)(reveal|show|print|repeat)\s+(your\s+)?(system\s+)?prompt`), "system prompt extraction attempt", SeverityHigh},
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|in)\s+`), "role reassignment attempt", SeverityMedium},
	{regexp.MustCompile(`(?i)pretend\s+(to\s+be|you\s+are)`), "role reassignment attempt", SeverityMedium},
	{regexp.MustCompile(`(?i)\b(jailbreak|dan\s+mode|developer\s+mode)\b`), "known jailbreak phrasing", SeverityHigh},
	{regexp.MustCompile(`(?i)\bBEGIN\s+SYSTEM\s+PROMPT\b`), "prompt frame forgery", SeverityHigh},
}

// InjectionRail detects prompt-injection phrasing in user input.
type InjectionRail struct {
	patterns []injectionPattern
	priority int
}

// NewInjectionRail creates an injection detector with the default pattern
// set plus any extra patterns (compiled case-insensitively; invalid extras
// are skipped).
func NewInjectionRail(extra []string, priority int) *InjectionRail {
	patterns := make([]injectionPattern, len(defaultInjectionPatterns))
	copy(patterns, defaultInjectionPatterns)
	for _, p := range extra {
		if re, err := regexp.Compile("(?i)" + p); err == nil {
			patterns = append(patterns, injectionPattern{re, "custom pattern", SeverityHigh})
		}
	}
	return &InjectionRail{patterns: patterns, priority: priority}
}

func (d *InjectionRail) Name() string  { return "injection_detector" }
func (d *InjectionRail) Priority() int { return d.priority }

func (d *InjectionRail) Check(ctx context.Context, content string) (*RailResult, error) {
	result := NewRailResult()
	for _, p := range d.patterns {
		if p.re.MatchString(content) {
			result.AddViolation(Violation{
				Code:     "PROMPT_INJECTION",
				Message:  p.description,
				Severity: p.severity,
			})
		}
	}
	return result, nil
}

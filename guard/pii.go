package guard

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// PIIAction selects what a PIIRail does when it finds sensitive data.
type PIIAction string

const (
	// PIIActionMask rewrites the content with matches masked out.
	PIIActionMask PIIAction = "mask"
	// PIIActionReject blocks the content.
	PIIActionReject PIIAction = "reject"
	// PIIActionWarn records a warning and lets the content pass unchanged.
	PIIActionWarn PIIAction = "warn"
)

// PIIType identifies a category of sensitive data.
type PIIType string

const (
	PIITypeEmail      PIIType = "email"
	PIITypePhone      PIIType = "phone"
	PIITypeSSN        PIIType = "ssn"
	PIITypeCreditCard PIIType = "credit_card"
	PIITypeIPAddress  PIIType = "ip_address"
)

var piiPatterns = map[PIIType]*regexp.Regexp{
	PIITypeEmail:      regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	PIITypePhone:      regexp.MustCompile(`\+?\d{1,3}[-. ]?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`),
	PIITypeSSN:        regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	PIITypeCreditCard: regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
	PIITypeIPAddress:  regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
}

// PIIRail detects sensitive data and masks, rejects or flags it.
type PIIRail struct {
	action   PIIAction
	types    []PIIType
	priority int
}

// NewPIIRail creates a PII rail. An empty type list enables every known type.
func NewPIIRail(action PIIAction, types []PIIType, priority int) *PIIRail {
	if action == "" {
		action = PIIActionMask
	}
	if len(types) == 0 {
		types = []PIIType{PIITypeEmail, PIITypePhone, PIITypeSSN, PIITypeCreditCard, PIITypeIPAddress}
	}
	return &PIIRail{action: action, types: types, priority: priority}
}

func (p *PIIRail) Name() string  { return "pii_detector" }
func (p *PIIRail) Priority() int { return p.priority }

func (p *PIIRail) Check(ctx context.Context, content string) (*RailResult, error) {
	result := NewRailResult()

	found := map[PIIType]int{}
	masked := content
	for _, t := range p.types {
		re, ok := piiPatterns[t]
		if !ok {
			continue
		}
		matches := re.FindAllString(masked, -1)
		if len(matches) == 0 {
			continue
		}
		found[t] = len(matches)
		if p.action == PIIActionMask {
			masked = re.ReplaceAllStringFunc(masked, maskValue)
		}
	}
	if len(found) == 0 {
		return result, nil
	}

	for t, n := range found {
		result.Metadata["pii_"+string(t)] = n
	}
	switch p.action {
	case PIIActionReject:
		result.AddViolation(Violation{
			Code:     "PII_DETECTED",
			Message:  fmt.Sprintf("content contains sensitive data (%d categories)", len(found)),
			Severity: SeverityHigh,
		})
	case PIIActionMask:
		result.Transformed = masked
		result.Warnings = append(result.Warnings, "sensitive data masked")
	case PIIActionWarn:
		result.Warnings = append(result.Warnings, "sensitive data detected")
	}
	return result, nil
}

// maskValue hides the middle of a match, keeping a short head and tail for
// traceability.
func maskValue(v string) string {
	if len(v) <= 4 {
		return strings.Repeat("*", len(v))
	}
	return v[:2] + strings.Repeat("*", len(v)-4) + v[len(v)-2:]
}

package guard

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// RailMode selects how a pipeline executes its rails.
type RailMode string

const (
	// RailModeFailFast stops at the first rail reporting a violation.
	RailModeFailFast RailMode = "fail_fast"
	// RailModeCollectAll runs every rail and aggregates all violations.
	RailModeCollectAll RailMode = "collect_all"
	// RailModeParallel runs all rails concurrently. Content transforms are
	// not applied in this mode since there is no deterministic order.
	RailModeParallel RailMode = "parallel"
)

// Severity levels for violations.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Violation describes one rule a rail found broken.
type Violation struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// RailResult is the outcome of checking content against one rail or a whole
// pipeline.
type RailResult struct {
	Allowed     bool           `json:"allowed"`
	Violations  []Violation    `json:"violations,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
	Transformed string         `json:"transformed,omitempty"` // set when the rail rewrote the content
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewRailResult returns an allowed, empty result.
func NewRailResult() *RailResult {
	return &RailResult{Allowed: true, Metadata: map[string]any{}}
}

// AddViolation records a violation and marks the result as blocked.
func (r *RailResult) AddViolation(v Violation) {
	r.Allowed = false
	r.Violations = append(r.Violations, v)
}

// Merge folds another result into this one.
func (r *RailResult) Merge(other *RailResult) {
	if other == nil {
		return
	}
	if !other.Allowed {
		r.Allowed = false
	}
	r.Violations = append(r.Violations, other.Violations...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	for k, v := range other.Metadata {
		r.Metadata[k] = v
	}
}

// Rail checks content against one guardrail policy.
type Rail interface {
	// Name identifies the rail in logs and violation metadata.
	Name() string
	// Priority orders rails within a pipeline; lower runs first.
	Priority() int
	// Check evaluates the content. A non-nil error means the rail itself
	// failed, not that the content violated it.
	Check(ctx context.Context, content string) (*RailResult, error)
}

// Pipeline executes an ordered set of rails against content.
type Pipeline struct {
	mode  RailMode
	mu    sync.RWMutex
	rails []Rail
}

// NewPipeline creates an empty pipeline with the given mode.
func NewPipeline(mode RailMode) *Pipeline {
	if mode == "" {
		mode = RailModeCollectAll
	}
	return &Pipeline{mode: mode}
}

// Add registers a rail and keeps the set ordered by priority.
func (p *Pipeline) Add(r Rail) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rails = append(p.rails, r)
	sort.SliceStable(p.rails, func(i, j int) bool {
		return p.rails[i].Priority() < p.rails[j].Priority()
	})
	return p
}

// Len reports the number of registered rails.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.rails)
}

// Run checks content against every rail. It returns the aggregate result and
// the content after any transforms (masking); in parallel mode the content is
// returned unchanged.
func (p *Pipeline) Run(ctx context.Context, content string) (*RailResult, string, error) {
	p.mu.RLock()
	rails := make([]Rail, len(p.rails))
	copy(rails, p.rails)
	mode := p.mode
	p.mu.RUnlock()

	agg := NewRailResult()
	if len(rails) == 0 {
		return agg, content, nil
	}

	if mode == RailModeParallel {
		results := make([]*RailResult, len(rails))
		g, gctx := errgroup.WithContext(ctx)
		for i, r := range rails {
			i, r := i, r
			g.Go(func() error {
				res, err := r.Check(gctx, content)
				if err != nil {
					return err
				}
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, content, err
		}
		for _, res := range results {
			agg.Merge(res)
		}
		return agg, content, nil
	}

	current := content
	for _, r := range rails {
		res, err := r.Check(ctx, current)
		if err != nil {
			return nil, current, err
		}
		agg.Merge(res)
		if res.Transformed != "" {
			current = res.Transformed
		}
		if !res.Allowed && mode == RailModeFailFast {
			break
		}
	}
	return agg, current, nil
}

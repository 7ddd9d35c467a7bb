package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/railguard/railguard/internal/metrics"
	"github.com/railguard/railguard/internal/queue"
	"github.com/railguard/railguard/llm"
	"github.com/railguard/railguard/streaming"
	"github.com/railguard/railguard/types"
)

// Rail priorities within a stage pipeline. Keyword filtering is cheapest and
// runs first; the self-check rail makes an LLM call and runs last.
const (
	priorityKeyword   = 10
	priorityInjection = 20
	priorityPII       = 30
	prioritySelfCheck = 40
)

// Engine is the guarded generation facade. It runs input rails over the
// user's message, dispatches the provider call through a bounded work queue,
// and runs output rails over the completion before it reaches the caller.
type Engine struct {
	cfg      Config
	logger   *zap.Logger
	provider llm.Provider
	queue    *queue.Queue[*llm.ChatResponse]
	input    *Pipeline
	output   *Pipeline
	metrics  *metrics.Collector
	cache    *VerdictCache
	tracer   trace.Tracer

	countersMu sync.Mutex
	counters   map[string]*llm.TokenCounter
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCache attaches a verdict cache. Verdict-only rails are wrapped so
// repeated content skips re-checking.
func WithCache(c *VerdictCache) Option {
	return func(e *Engine) { e.cache = c }
}

// New creates an engine over the given provider. The engine owns its work
// queue; Close shuts it down.
func New(provider llm.Provider, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "guard_engine")),
		provider: provider,
		tracer:   otel.Tracer("github.com/railguard/railguard/guard"),
		counters: map[string]*llm.TokenCounter{},
	}
	for _, opt := range opts {
		opt(e)
	}

	e.queue = queue.New[*llm.ChatResponse](cfg.Queue, logger)
	e.input = e.buildPipeline(cfg.Input)
	e.output = e.buildPipeline(cfg.Output)

	e.logger.Info("engine configured",
		zap.String("provider", provider.Name()),
		zap.Int("input_rails", e.input.Len()),
		zap.Int("output_rails", e.output.Len()),
		zap.Int("max_concurrency", cfg.Queue.MaxConcurrency),
		zap.Int("max_queue_size", cfg.Queue.MaxQueueSize),
	)
	return e
}

func (e *Engine) buildPipeline(rc RailsConfig) *Pipeline {
	p := NewPipeline(rc.Mode)
	if len(rc.BlockedTerms) > 0 {
		p.Add(e.cached(NewKeywordRail(rc.BlockedTerms, priorityKeyword)))
	}
	if rc.InjectionCheck {
		p.Add(e.cached(NewInjectionRail(rc.InjectionExtra, priorityInjection)))
	}
	if rc.PIIEnabled {
		// Not cached: the masking transform must run against live content.
		p.Add(NewPIIRail(rc.PIIAction, rc.PIITypes, priorityPII))
	}
	if rc.SelfCheck.Enabled {
		p.Add(e.cached(NewSelfCheckRail(e.provider, rc.SelfCheck.Model, rc.SelfCheck.Prompt, prioritySelfCheck, e.logger)))
	}
	return p
}

func (e *Engine) cached(r Rail) Rail {
	if e.cache == nil {
		return r
	}
	return NewCachedRail(r, e.cache,
		func() { e.metrics.RecordCacheHit("verdict") },
		func() { e.metrics.RecordCacheMiss("verdict") },
	)
}

// Start brings the work queue up. Optional: Submit starts it lazily.
func (e *Engine) Start() {
	e.queue.Start()
}

// Close drains and stops the work queue.
func (e *Engine) Close() error {
	return e.queue.Close()
}

// QueueStats is a point-in-time snapshot of the generation queue.
type QueueStats struct {
	Depth       int  `json:"depth"`
	BusyWorkers int  `json:"busy_workers"`
	Running     bool `json:"running"`
	Full        bool `json:"full"`
}

// QueueStats reports current queue occupancy and refreshes the gauges.
func (e *Engine) QueueStats() QueueStats {
	s := QueueStats{
		Depth:       e.queue.QueueLen(),
		BusyWorkers: e.queue.NumBusyWorkers(),
		Running:     e.queue.IsRunning(),
		Full:        e.queue.IsQueueFull(),
	}
	e.metrics.SetQueueState(e.cfg.Queue.Name, s.Depth, s.BusyWorkers)
	return s
}

// Generate performs a guarded blocking completion. The caller's context
// bounds waiting for a queue slot and for the result; a task that already
// started is not interrupted by the caller.
func (e *Engine) Generate(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	ctx, span := e.tracer.Start(ctx, "guard.generate",
		trace.WithAttributes(attribute.String("llm.model", req.Model)))
	defer span.End()

	req, err := e.applyInputRails(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	start := time.Now()
	resp, err := e.submitCompletion(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	e.metrics.RecordLLMRequest(e.provider.Name(), req.Model, "success",
		time.Since(start), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	resp, err = e.applyOutputRails(ctx, req, resp)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp, nil
}

// GenerateStream performs a guarded streaming completion, relaying deltas
// through h. The returned response carries the final completion after
// envelope stripping and stop-sequence truncation. Output rails run on the
// final text: violations cannot unsend streamed chunks, so a blocked stream
// is reported via the response's finish reason and the returned error.
func (e *Engine) GenerateStream(ctx context.Context, req *llm.ChatRequest, h *streaming.Handler) (*llm.ChatResponse, error) {
	ctx, span := e.tracer.Start(ctx, "guard.generate_stream",
		trace.WithAttributes(attribute.String("llm.model", req.Model)))
	defer span.End()

	req, err := e.applyInputRails(ctx, req)
	if err != nil {
		h.Finish()
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if e.cfg.Stream.Prefix != "" || e.cfg.Stream.Suffix != "" {
		h.SetPattern(e.cfg.Stream.Prefix, e.cfg.Stream.Suffix)
	}
	if stop := append(append([]string{}, e.cfg.Stream.Stop...), req.Stop...); len(stop) > 0 {
		h.SetStop(stop)
	}

	start := time.Now()
	resp, err := e.submitStream(ctx, req, h)
	if err != nil {
		h.Finish()
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	e.metrics.RecordLLMRequest(e.provider.Name(), req.Model, "success",
		time.Since(start), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	resp, err = e.applyOutputRails(ctx, req, resp)
	if err != nil {
		resp2, ok := errResponse(err, resp)
		if !ok {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		e.logger.Warn("streamed completion blocked by output rails",
			zap.String("stream_uid", h.UID()))
		return resp2, err
	}
	return resp, nil
}

// errResponse marks a response blocked after its content already streamed.
func errResponse(err error, resp *llm.ChatResponse) (*llm.ChatResponse, bool) {
	var te *types.Error
	if !errors.As(err, &te) || te.Code != types.ErrContentFiltered {
		return nil, false
	}
	resp.FinishReason = "content_filter"
	return resp, true
}

func (e *Engine) applyInputRails(ctx context.Context, req *llm.ChatRequest) (*llm.ChatRequest, error) {
	if e.input.Len() == 0 {
		return req, nil
	}
	ctx, span := e.tracer.Start(ctx, "guard.input_rails")
	defer span.End()

	content := lastUserContent(req)
	start := time.Now()
	res, transformed, err := e.input.Run(ctx, content)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "input rail check failed").WithCause(err)
	}
	e.metrics.RecordRailCheck("input", res.Allowed, time.Since(start))
	if !res.Allowed {
		e.logger.Info("request blocked by input rails",
			zap.String("model", req.Model),
			zap.Int("violations", len(res.Violations)))
		return nil, violationError(types.ErrGuardrailsViolated, res)
	}
	if transformed != content {
		req = withLastUserContent(req, transformed)
	}
	return req, nil
}

func (e *Engine) applyOutputRails(ctx context.Context, req *llm.ChatRequest, resp *llm.ChatResponse) (*llm.ChatResponse, error) {
	if e.output.Len() > 0 {
		ctx, span := e.tracer.Start(ctx, "guard.output_rails")
		defer span.End()

		start := time.Now()
		res, transformed, err := e.output.Run(ctx, resp.Content)
		if err != nil {
			return nil, types.NewError(types.ErrInternalError, "output rail check failed").WithCause(err)
		}
		e.metrics.RecordRailCheck("output", res.Allowed, time.Since(start))
		if !res.Allowed {
			e.logger.Info("completion blocked by output rails",
				zap.String("model", req.Model),
				zap.Int("violations", len(res.Violations)))
			return resp, violationError(types.ErrContentFiltered, res)
		}
		if transformed != resp.Content {
			resp.Content = transformed
			resp.Usage.CompletionTokens = 0
			resp.Usage.TotalTokens = 0
		}
	}
	e.counterFor(req.Model).FillUsage(req, resp)
	return resp, nil
}

// submitCompletion runs the provider call through the bounded queue,
// translating admission failures and passing task errors through verbatim.
func (e *Engine) submitCompletion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	ctx, span := e.tracer.Start(ctx, "guard.llm_call")
	defer span.End()

	resp, err := e.queue.Submit(ctx, func(qctx context.Context) (*llm.ChatResponse, error) {
		return e.provider.Completion(qctx, req)
	})
	return e.admitted(resp, err)
}

func (e *Engine) submitStream(ctx context.Context, req *llm.ChatRequest, h *streaming.Handler) (*llm.ChatResponse, error) {
	ctx, span := e.tracer.Start(ctx, "guard.llm_stream")
	defer span.End()

	resp, err := e.queue.Submit(ctx, func(qctx context.Context) (*llm.ChatResponse, error) {
		deltas, err := e.provider.Stream(qctx, req)
		if err != nil {
			return nil, err
		}
		chunks := 0
		for d := range deltas {
			if d.Err != nil {
				return nil, d.Err
			}
			if d.Done {
				break
			}
			if d.Meta != nil {
				h.PushWithMeta(d.Content, d.Meta)
			} else {
				h.Push(d.Content)
			}
			chunks++
		}
		h.Finish()
		e.metrics.RecordStreamChunks(req.Model, chunks)

		completion, err := h.Wait(qctx)
		if err != nil {
			return nil, err
		}
		return &llm.ChatResponse{
			ID:           h.UID(),
			Model:        req.Model,
			Content:      completion,
			FinishReason: "stop",
		}, nil
	})
	return e.admitted(resp, err)
}

// admitted translates a Submit outcome. ErrQueueFull becomes a retryable
// backpressure error; everything else is the task's own error, unchanged.
func (e *Engine) admitted(resp *llm.ChatResponse, err error) (*llm.ChatResponse, error) {
	name := e.cfg.Queue.Name
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			e.metrics.RecordQueueSubmission(name, "rejected")
			e.logger.Warn("generation rejected, queue at capacity")
			return nil, types.NewError(types.ErrQueueFull, "generation queue is at capacity").
				WithRetryable().WithCause(err)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.metrics.RecordQueueSubmission(name, "cancelled")
			return nil, err
		}
		e.metrics.RecordQueueSubmission(name, "admitted")
		return nil, err
	}
	e.metrics.RecordQueueSubmission(name, "admitted")
	return resp, nil
}

func (e *Engine) counterFor(model string) *llm.TokenCounter {
	e.countersMu.Lock()
	defer e.countersMu.Unlock()
	c, ok := e.counters[model]
	if !ok {
		c = llm.NewTokenCounter(model)
		e.counters[model] = c
	}
	return c
}

// violationError summarizes a blocked rail result as a typed error.
func violationError(code types.ErrorCode, res *RailResult) *types.Error {
	msgs := make([]string, 0, len(res.Violations))
	for _, v := range res.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Code, v.Message))
	}
	msg := "content blocked by guardrails"
	if len(msgs) > 0 {
		msg = strings.Join(msgs, "; ")
	}
	return types.NewError(code, msg)
}

// lastUserContent returns the content of the most recent user message, which
// is what the input rails judge.
func lastUserContent(req *llm.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

// withLastUserContent returns a shallow copy of req with the most recent
// user message replaced. The caller's request is never mutated.
func withLastUserContent(req *llm.ChatRequest, content string) *llm.ChatRequest {
	out := *req
	out.Messages = make([]llm.Message, len(req.Messages))
	copy(out.Messages, req.Messages)
	for i := len(out.Messages) - 1; i >= 0; i-- {
		if out.Messages[i].Role == llm.RoleUser {
			out.Messages[i].Content = content
			break
		}
	}
	return &out
}

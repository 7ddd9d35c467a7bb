// Package streaming provides a single-consumer token relay with pattern
// stripping, stop-sequence truncation, buffering and pipe composition.
package streaming

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler relays pushed text chunks to a single consumer. Producers never
// block: the inbound queue is unbounded. A Handler is created per generation
// request and is not reusable after the stream finishes.
//
// The processing pipeline applied to each pushed chunk:
//
//  1. While a prefix is pending, accumulate until the stream starts with it,
//     then strip it once and forward the remainder.
//  2. While a suffix or stop sequences are configured, withhold any tail that
//     partially matches one of them so a match split across chunk boundaries
//     is never emitted.
//  3. Stop sequences are matched against the cumulative completion; on a
//     match the completion is truncated, pending text before the match is
//     flushed as one final chunk, and the stream finishes.
//  4. Emission goes to exactly one sink: the pipe target, the debug log, or
//     the consumer queue.
type Handler struct {
	uid    string
	logger *zap.Logger

	mu      sync.Mutex
	updated chan struct{} // closed and replaced on every state change

	// Consumer queue. An End chunk marks exhaustion.
	pending []Chunk

	// completion accumulates all non-buffering text before stop truncation.
	completion strings.Builder
	// emitted counts completion bytes already flushed to the sink, so the
	// final flush before a stop sequence knows what is still outstanding.
	emitted int
	// current holds partially matched prefix/suffix/stop text not yet safe
	// to emit.
	current string

	prefix string // consumed once, cleared after the match
	suffix string // consumed once, cleared after the match
	stop   []string

	buffering bool
	buffer    string

	pipeTo      *Handler
	debugPrint  bool
	includeMeta bool
	meta        map[string]any

	finished bool
	done     chan struct{}
}

// New creates a Handler ready to receive chunks.
func New(logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	uid := uuid.NewString()
	return &Handler{
		uid:     uid,
		logger:  logger.With(zap.String("component", "streaming_handler"), zap.String("handler", uid[:8])),
		updated: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// UID returns the handler's identifier.
func (h *Handler) UID() string { return h.uid }

// SetPattern configures a prefix and suffix to strip from the logical start
// and end of the stream. Each is consumed at most once.
func (h *Handler) SetPattern(prefix, suffix string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prefix = prefix
	h.suffix = suffix
}

// SetStop configures stop sequences. When any of them appears in the
// cumulative completion, the stream is truncated and finished.
func (h *Handler) SetStop(stop []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stop = append([]string(nil), stop...)
}

// SetPipeTo redirects all subsequent processed output into another handler
// instead of this handler's own consumer queue.
func (h *Handler) SetPipeTo(other *Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pipeTo = other
}

// EnableMetadata turns on per-chunk metadata accumulation; metadata maps
// passed to PushWithMeta are merged additively and attached to every emitted
// chunk.
func (h *Handler) EnableMetadata() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.includeMeta = true
	if h.meta == nil {
		h.meta = make(map[string]any)
	}
}

// EnableDebugPrint routes emission to the debug log instead of the consumer
// queue.
func (h *Handler) EnableDebugPrint() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.debugPrint = true
}

// EnableBuffering switches the handler to accumulate-without-emit mode.
func (h *Handler) EnableBuffering() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buffering = true
}

// DisableBuffering leaves buffering mode and flushes the accumulated buffer
// through the normal processing pipeline as one chunk.
func (h *Handler) DisableBuffering() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.buffering {
		return
	}
	h.buffering = false
	text := h.buffer
	h.buffer = ""
	if text != "" {
		h.processLocked(text)
	}
	h.broadcastLocked()
}

// Push feeds one text chunk into the handler. Pushes after the stream has
// finished are dropped silently; late chunks from a cancelled upstream
// producer are expected and must not error.
func (h *Handler) Push(text string) {
	h.PushWithMeta(text, nil)
}

// PushWithMeta feeds one text chunk with optional metadata.
func (h *Handler) PushWithMeta(text string, meta map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		h.logger.Info("chunk pushed after stream finished, dropping")
		return
	}
	if h.includeMeta {
		for k, v := range meta {
			h.meta[k] = v
		}
	}
	if h.buffering {
		h.buffer += text
		h.broadcastLocked()
		return
	}
	h.processLocked(text)
	h.broadcastLocked()
}

// PushEnd signals end-of-stream. Idempotent.
func (h *Handler) PushEnd() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	h.endLocked()
	h.broadcastLocked()
}

// Finish flushes any outstanding partial chunk (minus a fully matched
// trailing suffix) and signals end-of-stream.
func (h *Handler) Finish() {
	h.PushEnd()
}

// Next returns the next emitted chunk, blocking until one is available.
// It returns io.EOF once the stream has ended and all chunks were consumed.
func (h *Handler) Next(ctx context.Context) (Chunk, error) {
	for {
		h.mu.Lock()
		if len(h.pending) > 0 {
			c := h.pending[0]
			h.pending = h.pending[1:]
			h.mu.Unlock()
			if c.End {
				return Chunk{}, io.EOF
			}
			return c, nil
		}
		if h.finished {
			h.mu.Unlock()
			return Chunk{}, io.EOF
		}
		wait := h.updated
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		case <-wait:
		}
	}
}

// Chunks returns a channel over the emitted chunks; the channel closes when
// the stream ends or ctx is cancelled.
func (h *Handler) Chunks(ctx context.Context) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		for {
			c, err := h.Next(ctx)
			if err != nil {
				return
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Wait blocks until the stream finishes and returns the full accumulated
// completion (after any stop truncation).
func (h *Handler) Wait(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completion.String(), nil
}

// WaitTopKNonemptyLines blocks until at least k non-empty, non-comment lines
// are buffered, then atomically removes and returns them joined by newline.
// Comment lines (prefixed with "#") do not count toward k and are retained
// in the buffer. If the stream finishes first, whatever is buffered is
// returned.
func (h *Handler) WaitTopKNonemptyLines(ctx context.Context, k int) (string, error) {
	for {
		h.mu.Lock()
		if taken, remainder, ok := splitTopKLines(h.buffer, k); ok {
			h.buffer = remainder
			h.mu.Unlock()
			return taken, nil
		}
		if h.finished {
			taken := h.buffer
			h.buffer = ""
			h.mu.Unlock()
			return taken, nil
		}
		wait := h.updated
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wait:
		}
	}
}

// splitTopKLines extracts the first k non-empty, non-comment lines of the
// buffer. Skipped comment and blank lines stay in the remainder, in their
// original order ahead of the rest. Returns ok=false when fewer than k
// terminated lines are available.
func splitTopKLines(buffer string, k int) (taken, remainder string, ok bool) {
	if k <= 0 {
		return "", buffer, true
	}
	lines := strings.Split(buffer, "\n")
	var counted, kept []string
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			kept = append(kept, line)
			continue
		}
		// The final split element is a partial line unless the buffer
		// ended with a newline; require a terminated line.
		if i == len(lines)-1 && !strings.HasSuffix(buffer, "\n") {
			break
		}
		counted = append(counted, line)
		if len(counted) == k {
			rest := append(kept, lines[i+1:]...)
			return strings.Join(counted, "\n"), strings.Join(rest, "\n"), true
		}
	}
	return "", buffer, false
}

// processLocked runs one chunk of text through the pattern pipeline.
func (h *Handler) processLocked(text string) {
	if h.prefix != "" {
		h.current += text
		if strings.HasPrefix(h.current, h.prefix) {
			rest := h.current[len(h.prefix):]
			h.current = ""
			h.prefix = "" // consumed
			if rest != "" {
				h.processBodyLocked(rest)
			}
			return
		}
		if len(h.current) >= len(h.prefix) {
			// The stream can no longer start with the prefix; give up on it
			// and treat everything accumulated as body.
			rest := h.current
			h.current = ""
			h.prefix = ""
			h.processBodyLocked(rest)
		}
		return
	}
	h.processBodyLocked(text)
}

func (h *Handler) processBodyLocked(text string) {
	h.completion.WriteString(text)

	if h.suffix == "" && len(h.stop) == 0 {
		h.emitLocked(text)
		h.emitted += len(text)
		return
	}

	h.current += text

	// Stop sequences are matched against the cumulative completion; a match
	// may span multiple pushed chunks.
	full := h.completion.String()
	for _, s := range h.stop {
		if s == "" {
			continue
		}
		if idx := strings.Index(full, s); idx >= 0 {
			if idx > h.emitted {
				h.emitLocked(full[h.emitted:idx])
				h.emitted = idx
			}
			truncated := full[:idx]
			h.completion.Reset()
			h.completion.WriteString(truncated)
			h.current = ""
			h.endLocked()
			return
		}
	}

	// Withhold the longest tail that is still a partial match for the suffix
	// or any stop sequence, so a match is never split across emissions.
	withhold := h.partialTailLocked(h.current)
	safe := h.current[:len(h.current)-withhold]
	h.current = h.current[len(h.current)-withhold:]
	if safe != "" {
		h.emitLocked(safe)
		h.emitted += len(safe)
	}
}

// partialTailLocked returns the length of the longest tail of s that is a
// proper prefix of the suffix or of any stop sequence.
func (h *Handler) partialTailLocked(s string) int {
	longest := 0
	candidates := h.stop
	if h.suffix != "" {
		candidates = append(append([]string(nil), h.stop...), h.suffix)
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		max := len(c)
		if max > len(s) {
			max = len(s)
		}
		for n := max; n > longest; n-- {
			if strings.HasPrefix(c, s[len(s)-n:]) {
				longest = n
				break
			}
		}
	}
	return longest
}

// endLocked flushes the outstanding partial chunk and finishes the stream.
func (h *Handler) endLocked() {
	if h.finished {
		return
	}
	if h.current != "" {
		rest := h.current
		h.current = ""
		if h.prefix != "" {
			// The stream ended before the prefix could match; the leftover
			// is body text and counts toward the completion.
			h.prefix = ""
			h.completion.WriteString(rest)
		}
		if h.suffix != "" && strings.HasSuffix(rest, h.suffix) {
			rest = strings.TrimSuffix(rest, h.suffix)
			h.suffix = "" // consumed
		}
		if rest != "" {
			h.emitLocked(rest)
			h.emitted += len(rest)
		}
	}
	h.finished = true
	h.pending = append(h.pending, Chunk{End: true})
	close(h.done)
	if h.pipeTo != nil {
		h.pipeTo.PushEnd()
	}
}

// emitLocked delivers processed text to exactly one sink.
func (h *Handler) emitLocked(text string) {
	if h.buffering {
		h.buffer += text
		return
	}
	if h.pipeTo != nil {
		if h.includeMeta {
			h.pipeTo.PushWithMeta(text, h.metaSnapshotLocked())
		} else {
			h.pipeTo.Push(text)
		}
		return
	}
	if h.debugPrint {
		h.logger.Debug("chunk", zap.String("text", text))
		return
	}
	c := Chunk{Text: text}
	if h.includeMeta {
		c.Meta = h.metaSnapshotLocked()
	}
	h.pending = append(h.pending, c)
}

func (h *Handler) metaSnapshotLocked() map[string]any {
	if len(h.meta) == 0 {
		return nil
	}
	snap := make(map[string]any, len(h.meta))
	for k, v := range h.meta {
		snap[k] = v
	}
	return snap
}

func (h *Handler) broadcastLocked() {
	close(h.updated)
	h.updated = make(chan struct{})
}

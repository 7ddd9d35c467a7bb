package streaming

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// How a text is split into pushed chunks must never change the processed
// output: prefix stripping, stop truncation and suffix handling all operate
// on the logical stream, not on chunk boundaries.
func TestHandlerChunkBoundaryInvariance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		prefix := rapid.SampledFrom([]string{"", "Bot: ", ">> "}).Draw(t, "prefix")
		stop := rapid.SampledFrom([]string{"", "STOP", "<|end|>"}).Draw(t, "stop")
		body := rapid.StringMatching(`[a-zA-Z <>|OPST]{0,40}`).Draw(t, "body")
		text := prefix + body

		reference := runHandler(t, text, prefix, stop, []int{len(text)})

		// Random split points.
		n := rapid.IntRange(1, 5).Draw(t, "splits")
		sizes := make([]int, 0, n+1)
		remaining := len(text)
		for i := 0; i < n && remaining > 0; i++ {
			cut := rapid.IntRange(0, remaining).Draw(t, "cut")
			sizes = append(sizes, cut)
			remaining -= cut
		}
		if remaining > 0 {
			sizes = append(sizes, remaining)
		}

		split := runHandler(t, text, prefix, stop, sizes)

		if reference != split {
			t.Fatalf("split changed output: whole=%q split=%q (text=%q sizes=%v)",
				reference, split, text, sizes)
		}
	})
}

func runHandler(t *rapid.T, text, prefix, stop string, sizes []int) string {
	h := New(zap.NewNop())
	if prefix != "" {
		h.SetPattern(prefix, "")
	}
	if stop != "" {
		h.SetStop([]string{stop})
	}

	pos := 0
	for _, size := range sizes {
		end := pos + size
		if end > len(text) {
			end = len(text)
		}
		h.Push(text[pos:end])
		pos = end
	}
	if pos < len(text) {
		h.Push(text[pos:])
	}
	h.Finish()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var sb strings.Builder
	for {
		c, err := h.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		sb.WriteString(c.Text)
	}
	return sb.String()
}

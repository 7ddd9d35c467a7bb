package streaming

// Chunk is one unit of streamed output. End-of-stream is a tagged variant
// rather than a sentinel value, so an empty Text remains a legitimate chunk.
type Chunk struct {
	// Text is the chunk payload.
	Text string `json:"text"`
	// Meta carries accumulated per-chunk metadata when metadata mode is
	// enabled on the producing handler.
	Meta map[string]any `json:"meta,omitempty"`
	// End marks the end of the stream. A Chunk with End set carries no
	// payload and is never delivered to consumers; iteration simply stops.
	End bool `json:"end,omitempty"`
}

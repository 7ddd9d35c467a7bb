package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens for usage accounting when a provider does not
// report usage itself. It is tiktoken-backed with a character-based fallback
// for models without a known encoding.
type TokenCounter struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
}

var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// NewTokenCounter creates a counter for the given model. Unknown models fall
// back to the cl100k_base encoding.
func NewTokenCounter(model string) *TokenCounter {
	encoding, ok := modelEncodings[model]
	if !ok {
		for prefix, e := range modelEncodings {
			if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
				encoding, ok = e, true
				break
			}
		}
	}
	if !ok {
		encoding = "cl100k_base"
	}
	return &TokenCounter{encoding: encoding}
}

// init lazily loads the encoding; tiktoken may fetch data on first use.
func (t *TokenCounter) init() {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err == nil {
			t.enc = enc
		}
	})
}

// CountText returns the token count of a text.
func (t *TokenCounter) CountText(text string) int {
	if text == "" {
		return 0
	}
	t.init()
	if t.enc == nil {
		// Rough estimate when the encoding data is unavailable.
		n := len(text) / 4
		if n == 0 {
			n = 1
		}
		return n
	}
	return len(t.enc.Encode(text, nil, nil))
}

// CountMessages returns the token count of a conversation, including the
// per-message role/separator overhead.
func (t *TokenCounter) CountMessages(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += t.CountText(msg.Content) + 4
	}
	return total + 3
}

// FillUsage populates missing usage fields on a response from the request
// and response content. Provider-reported numbers are never overwritten.
func (t *TokenCounter) FillUsage(req *ChatRequest, resp *ChatResponse) {
	if resp == nil {
		return
	}
	if resp.Usage.PromptTokens == 0 && req != nil {
		resp.Usage.PromptTokens = t.CountMessages(req.Messages)
	}
	if resp.Usage.CompletionTokens == 0 {
		resp.Usage.CompletionTokens = t.CountText(resp.Content)
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
}

package llm

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens for usage and price accounting. It prefers
// tiktoken's exact byte-pair encoding and falls back to a rune-ratio
// estimator when the model's encoding is unknown or unavailable offline.
type TokenCounter struct {
	model string

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

func NewTokenCounter(model string) *TokenCounter {
	return &TokenCounter{model: model}
}

func (c *TokenCounter) init() {
	c.once.Do(func() {
		c.enc, c.initErr = tiktoken.EncodingForModel(c.model)
		if c.initErr != nil {
			c.enc, c.initErr = tiktoken.GetEncoding("cl100k_base")
		}
	})
}

// Count returns the token count of text.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.init()
	if c.initErr != nil || c.enc == nil {
		return estimateTokens(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessages returns the token count of a message sequence, including the
// fixed per-message framing overhead used by chat-format models.
func (c *TokenCounter) CountMessages(messages []Message) int {
	const perMessageOverhead = 4
	total := 0
	for _, m := range messages {
		total += perMessageOverhead
		total += c.Count(m.Content)
		total += c.Count(string(m.Role))
		for _, tc := range m.ToolCalls {
			total += c.Count(tc.Name)
			total += c.Count(string(tc.Arguments))
		}
	}
	return total
}

// estimateTokens approximates a token count from rune classes: CJK runs
// around 1.5 chars per token, everything else around 4.
func estimateTokens(text string) int {
	totalChars := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	n := int(float64(cjk)/1.5 + float64(totalChars-cjk)/4.0)
	if n == 0 {
		n = 1
	}
	return n
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF, // CJK Unified Ideographs
		r >= 0x3400 && r <= 0x4DBF, // Extension A
		r >= 0x3040 && r <= 0x30FF, // Hiragana, Katakana
		r >= 0xAC00 && r <= 0xD7AF: // Hangul
		return true
	}
	return false
}

// Package utils provides tiktoken-based token counting and budget trimming
// for prompt context.
package utils

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts tokens with the GPT-4 encoding. Other providers'
// tokenizers differ, but the counts are close enough for budgeting.
type TokenCounter struct {
	codec tokenizer.Codec
}

var (
	sharedOnce    sync.Once
	sharedCounter *TokenCounter
)

// NewTokenCounter returns a counter for model. Every model currently maps
// to the GPT-4 encoding.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// SharedCounter returns a process-wide counter. When the codec cannot be
// loaded the counter falls back to a character estimate.
func SharedCounter() *TokenCounter {
	sharedOnce.Do(func() {
		tc, err := NewTokenCounter("default")
		if err != nil {
			tc = &TokenCounter{}
		}
		sharedCounter = tc
	})
	return sharedCounter
}

// CountTokens returns the number of tokens in text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// CountTokensSimple counts with the shared counter.
func CountTokensSimple(text string) int {
	return SharedCounter().CountTokens(text)
}

// ValidateTokenLimit reports whether text fits in limit tokens.
func (tc *TokenCounter) ValidateTokenLimit(text string, limit int) bool {
	return tc.CountTokens(text) <= limit
}

// TruncateToTokenLimit cuts text to roughly limit tokens, keeping the start.
// It truncates by characters, so the boundary is approximate.
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	current := tc.CountTokens(text)
	if current <= limit {
		return text
	}
	ratio := float64(limit) / float64(current)
	charLimit := int(float64(len(text)) * ratio * 0.9)
	if charLimit >= len(text) {
		return text
	}
	return text[:charLimit] + "..."
}

// TruncateTail keeps roughly the last limit tokens of text, for output where
// the end (e.g. a traceback's final line) matters most.
func (tc *TokenCounter) TruncateTail(text string, limit int) string {
	current := tc.CountTokens(text)
	if current <= limit {
		return text
	}
	ratio := float64(limit) / float64(current)
	keep := int(float64(len(text)) * ratio * 0.9)
	if keep >= len(text) {
		return text
	}
	return "..." + text[len(text)-keep:]
}

// KeepRecent returns the longest suffix of entries whose combined token count
// fits in budget, preserving order. The newest entry is always kept, trimmed
// from the front if it alone exceeds the budget.
func (tc *TokenCounter) KeepRecent(entries []string, budget int) []string {
	if len(entries) == 0 {
		return nil
	}
	if budget <= 0 {
		return []string{}
	}
	used := 0
	start := len(entries)
	for i := len(entries) - 1; i >= 0; i-- {
		n := tc.CountTokens(entries[i])
		if used+n > budget {
			break
		}
		used += n
		start = i
	}
	if start == len(entries) {
		return []string{tc.TruncateTail(entries[len(entries)-1], budget)}
	}
	out := make([]string, len(entries)-start)
	copy(out, entries[start:])
	return out
}

package utils

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// ============================================================================
// TOKEN UTILITIES
// ============================================================================

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// CountTokens counts tokens using the cl100k_base encoding.
// Falls back to EstimateTokens when the encoding cannot be loaded
// (e.g. no cached BPE data available).
func CountTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return EstimateTokens(text)
	}
	return len(encoding.Encode(text, nil, nil))
}

// EstimateTokens provides a rough token estimation
func EstimateTokens(text string) int {
	// Rough estimation: 4 characters per token
	return EstimateTokensFromChars(len(text))
}

// EstimateTokensFromChars estimates tokens from a character count using the
// same 4-chars-per-token rule.
func EstimateTokensFromChars(chars int) int {
	return chars / 4
}

package assemble

import (
	"github.com/keepsake-ai/keepsake/internal/types"
)

// Token accounting is deliberately coarse. We estimate ~4 chars per token
// and round up, so the packed context always fits a tokenizer that counts
// the same text slightly differently. Structural overhead per item covers
// role labels, separators, and formatting the caller adds around each entry.
const (
	charsPerToken   = 4
	messageOverhead = 8
	factOverhead    = 6
)

// EstimateTokens returns a conservative token count for raw text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// EstimateMessageTokens estimates the packed cost of one session message.
func EstimateMessageTokens(m types.SessionMessage) int {
	return EstimateTokens(m.Content) + EstimateTokens(m.Role) + messageOverhead
}

// EstimateFactTokens estimates the packed cost of one fact entry.
func EstimateFactTokens(f *types.Fact) int {
	return EstimateTokens(f.Content) + EstimateTokens(string(f.Type)) + factOverhead
}

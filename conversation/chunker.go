package conversation

import (
	"fmt"
	"strings"

	"github.com/apibridge/apibridge/config"
)

// ============================================================================
// MESSAGE CHUNKING
// ============================================================================

// breakPatterns are tried in order when splitting context-aware: paragraph,
// line, sentence, clause, word.
var breakPatterns = []string{"\n\n", "\n", ". ", ", ", " "}

// Chunker splits a single oversized message into a sequence of continuation
// messages, each under the per-message budget. Tool results are never
// chunked; they go through the truncation tiers instead, because splitting
// them would break tool_use/tool_result pairing.
type Chunker struct {
	maxSize  int
	strategy string
}

// NewChunker returns a Chunker for the configured budget and strategy.
func NewChunker(cfg *config.ConversationConfig) *Chunker {
	return &Chunker{maxSize: cfg.MaxMessageSize, strategy: cfg.ChunkingStrategy}
}

// ShouldChunk reports whether the message needs splitting.
func (c *Chunker) ShouldChunk(m *Message) bool {
	if m.IsToolResultMessage() || len(m.Blocks) > 0 || m.HasToolUse() {
		return false
	}
	return len(m.Text) > c.maxSize
}

// Split breaks the message into ordered chunks, each prefixed with its
// position. Messages that do not need splitting come back as a single
// element. ToolCallID is propagated to every chunk.
func (c *Chunker) Split(m Message) []Message {
	if !c.ShouldChunk(&m) {
		return []Message{m}
	}

	// Leave room for the "[CHUNK n/total] " prefix.
	budget := c.maxSize - 24
	if budget < 1 {
		budget = c.maxSize
	}

	var pieces []string
	switch c.strategy {
	case config.ChunkingContextAware:
		pieces = splitContextAware(m.Text, budget)
	default:
		pieces = splitSimple(m.Text, budget)
	}

	chunks := make([]Message, 0, len(pieces))
	for i, piece := range pieces {
		chunk := m
		chunk.Text = fmt.Sprintf("[CHUNK %d/%d] %s", i+1, len(pieces), piece)
		chunks = append(chunks, chunk)
	}
	return chunks
}

// splitSimple cuts at fixed size boundaries.
func splitSimple(text string, size int) []string {
	var pieces []string
	for len(text) > size {
		pieces = append(pieces, text[:size])
		text = text[size:]
	}
	if len(text) > 0 {
		pieces = append(pieces, text)
	}
	return pieces
}

// splitContextAware prefers natural boundaries. For each chunk it searches a
// window at the tail of the candidate slice for the last occurrence of each
// break pattern, falling back to a hard cut.
func splitContextAware(text string, size int) []string {
	var pieces []string
	for len(text) > size {
		end := size
		windowStart := size / 2
		if alt := size - size/4; alt > windowStart {
			windowStart = alt
		}

		cut := -1
		for _, pattern := range breakPatterns {
			if idx := strings.LastIndex(text[windowStart:end], pattern); idx >= 0 {
				cut = windowStart + idx + len(pattern)
				break
			}
		}
		if cut <= 0 {
			cut = end
		}

		pieces = append(pieces, text[:cut])
		text = text[cut:]
	}
	if len(text) > 0 {
		pieces = append(pieces, text)
	}
	return pieces
}

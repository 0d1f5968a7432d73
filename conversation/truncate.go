package conversation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/apibridge/apibridge/config"
)

// ============================================================================
// TWO-TIER TOOL RESULT TRUNCATION
// ============================================================================

// truncatedMarker makes truncation idempotent: content carrying it is never
// truncated again.
const truncatedMarker = "[TOOL RESULT TRUNCATED"

// jsonTruncatedNote is the tail appended to structurally truncated JSON.
const jsonTruncatedNote = "…truncated (%d more items)"

// groupShrinkFactor shrinks the per-member target when a trailing run of
// tool results from one assistant turn is truncated as a group.
const groupShrinkFactor = 0.8

// Truncator applies the two-tier size policy to tool results: a generous
// budget for results produced in the current turn, a tight one for results
// already in history.
type Truncator struct {
	cfg *config.ConversationConfig
}

// NewTruncator returns a Truncator over the conversation budgets.
func NewTruncator(cfg *config.ConversationConfig) *Truncator {
	return &Truncator{cfg: cfg}
}

// TruncateLargeToolResults rewrites oversized tool results in place. The
// trailing run of tool-result messages (the current turn's fresh responses)
// gets the new-response tier, everything earlier the history tier. The
// operation is idempotent.
func (t *Truncator) TruncateLargeToolResults(messages []Message) []Message {
	result := make([]Message, len(messages))
	copy(result, messages)

	// Find the trailing tool-result group.
	groupStart := len(result)
	for groupStart > 0 && result[groupStart-1].IsToolResultMessage() {
		groupStart--
	}
	groupSize := len(result) - groupStart

	// History tier for everything before the group.
	for i := 0; i < groupStart; i++ {
		if result[i].IsToolResultMessage() {
			result[i] = truncateToolResult(result[i], t.cfg.HistoryThreshold, t.cfg.HistoryTarget)
		}
	}

	// New-response tier for the group, sharing the target across members.
	if groupSize > 0 {
		target := t.cfg.NewResponseTarget
		if groupSize > 1 {
			target = int(float64(t.cfg.NewResponseTarget) * groupShrinkFactor / float64(groupSize))
		}
		for i := groupStart; i < len(result); i++ {
			result[i] = truncateToolResult(result[i], t.cfg.NewResponseThreshold, target)
		}
	}
	return result
}

// TruncateHistoryTier applies the history-tier budget to every tool result,
// including the trailing group. Used during context-length recovery.
func (t *Truncator) TruncateHistoryTier(messages []Message) []Message {
	result := make([]Message, len(messages))
	copy(result, messages)
	for i := range result {
		if result[i].IsToolResultMessage() {
			result[i] = truncateToolResult(result[i], t.cfg.HistoryThreshold, t.cfg.HistoryTarget)
		}
	}
	return result
}

// truncateToolResult rewrites the tool-result content of m when it exceeds
// threshold. The message is copied; block slices are not shared.
func truncateToolResult(m Message, threshold, target int) Message {
	if len(m.Blocks) > 0 {
		blocks := make([]Block, len(m.Blocks))
		copy(blocks, m.Blocks)
		for i := range blocks {
			if blocks[i].Type == BlockToolResult && len(blocks[i].Content) > threshold {
				blocks[i].Content = TruncateContent(blocks[i].Content, target)
			}
		}
		m.Blocks = blocks
		return m
	}
	if len(m.Text) > threshold {
		m.Text = TruncateContent(m.Text, target)
	}
	return m
}

// TruncateContent reduces content to roughly target characters. JSON content
// keeps a structured head with an explicit tail note; plain text keeps the
// leading and trailing portions with a marker header. Content already
// carrying a truncation marker is returned unchanged.
func TruncateContent(content string, target int) string {
	if len(content) <= target {
		return content
	}
	if strings.Contains(content, truncatedMarker) || strings.Contains(content, "…truncated (") {
		return content
	}

	if structured, ok := truncateJSON(content, target); ok {
		return structured
	}
	return truncateText(content, target)
}

// truncateJSON keeps the leading elements of a root array or the first
// fields of a root object while the compact serialization fits the target.
func truncateJSON(content string, target int) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) == 0 || (trimmed[0] != '[' && trimmed[0] != '{') {
		return "", false
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
			return "", false
		}
		kept, size := 0, 2
		for _, item := range items {
			if size+len(item)+1 > target {
				break
			}
			size += len(item) + 1
			kept++
		}
		if kept == len(items) {
			return content, true
		}
		head := make([]json.RawMessage, 0, kept+1)
		head = append(head, items[:kept]...)
		note, _ := json.Marshal(fmt.Sprintf(jsonTruncatedNote, len(items)-kept))
		head = append(head, json.RawMessage(note))
		out, err := json.Marshal(head)
		if err != nil {
			return "", false
		}
		return string(out), true

	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
			return "", false
		}
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		head := make(map[string]json.RawMessage, len(fields))
		size := 2
		kept := 0
		for _, k := range keys {
			entry := len(k) + len(fields[k]) + 4
			if size+entry > target {
				break
			}
			size += entry
			head[k] = fields[k]
			kept++
		}
		if kept == len(keys) {
			return content, true
		}
		note, _ := json.Marshal(fmt.Sprintf(jsonTruncatedNote, len(keys)-kept))
		head["_truncated"] = json.RawMessage(note)
		out, err := json.Marshal(head)
		if err != nil {
			return "", false
		}
		return string(out), true
	}
	return "", false
}

// truncateText keeps the first 40% and last 10% of the target budget with an
// explanatory header so the model understands what happened.
func truncateText(content string, target int) string {
	lines := strings.Count(content, "\n") + 1
	header := fmt.Sprintf("[TOOL RESULT TRUNCATED - Original size: %d chars, %d lines]\n\n",
		len(content), lines)
	footer := "\n\nRECOMMENDATION: Use filtering or pagination to reduce response size."

	headLen := target * 40 / 100
	tailLen := target * 10 / 100
	if headLen+tailLen >= len(content) {
		return header + content + footer
	}

	return header +
		content[:headLen] +
		"\n\n... [content truncated] ...\n\n" +
		content[len(content)-tailLen:] +
		footer
}

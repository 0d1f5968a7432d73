package conversation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/apibridge/apibridge/config"
)

// ============================================================================
// EVICTION STRATEGIES
// ============================================================================

// maxPairExpansionRounds bounds the iterative selection expansion that keeps
// tool_use/tool_result pairs together.
const maxPairExpansionRounds = 10

// ApplyStrategy reduces messages to at most maxMessages using the named
// strategy, then runs the pair-preserving finalizer. The returned slice is
// always free of orphaned tool blocks.
func ApplyStrategy(messages []Message, strategy string, maxMessages int, preserveSystem bool) []Message {
	if len(messages) <= maxMessages {
		return RemoveOrphanedToolResults(messages)
	}

	var selected map[int]bool
	summarizeBelow := -1
	switch strategy {
	case config.StrategySlidingWindow:
		selected = selectSlidingWindow(messages, maxMessages, preserveSystem)
	case config.StrategySmartPrune:
		selected, summarizeBelow = selectSmartPrune(messages, maxMessages, preserveSystem)
	default:
		selected = selectTruncate(messages, maxMessages, preserveSystem)
	}

	selected = ensureToolPairs(messages, selected)
	selected = dropIncompletePairs(messages, selected)

	result := make([]Message, 0, len(selected))
	for i := range messages {
		if !selected[i] {
			continue
		}
		m := messages[i]
		// Older assistant replies kept by smart_prune survive as summary
		// lines; the recent window stays verbatim.
		if i < summarizeBelow && m.Role == RoleAssistant && !m.HasToolUse() && m.Text != "" {
			m.Text = SummarizeForPrune(m.Text)
		}
		result = append(result, m)
	}
	return RemoveOrphanedToolResults(result)
}

// selectTruncate keeps the most recent maxMessages, dropping oldest first.
func selectTruncate(messages []Message, maxMessages int, preserveSystem bool) map[int]bool {
	selected := make(map[int]bool)
	budget := maxMessages

	if preserveSystem && len(messages) > 0 && messages[0].Role == RoleSystem {
		selected[0] = true
		budget--
	}

	for i := len(messages) - 1; i >= 0 && budget > 0; i-- {
		if selected[i] {
			continue
		}
		selected[i] = true
		budget--
	}
	return selected
}

// selectSlidingWindow keeps the system prompt plus the most recent window.
func selectSlidingWindow(messages []Message, maxMessages int, preserveSystem bool) map[int]bool {
	return selectTruncate(messages, maxMessages, preserveSystem)
}

// selectSmartPrune keeps the system prompt and the most recent exchanges,
// and fills any remaining budget with older assistant messages. The returned
// cutoff marks the start of the recent window; everything kept below it is
// summarized by the caller.
func selectSmartPrune(messages []Message, maxMessages int, preserveSystem bool) (map[int]bool, int) {
	selected := make(map[int]bool)
	budget := maxMessages

	if preserveSystem && len(messages) > 0 && messages[0].Role == RoleSystem {
		selected[0] = true
		budget--
	}

	// Recent window gets two thirds of the budget.
	recent := budget * 2 / 3
	if recent < 1 {
		recent = 1
	}
	cutoff := len(messages) - recent
	for i := len(messages) - 1; i >= 0 && i >= cutoff; i-- {
		if !selected[i] {
			selected[i] = true
			budget--
		}
	}

	// Remaining budget: older assistant replies, newest first.
	for i := cutoff - 1; i >= 0 && budget > 0; i-- {
		if selected[i] || messages[i].Role != RoleAssistant || messages[i].HasToolUse() {
			continue
		}
		selected[i] = true
		budget--
	}
	return selected, cutoff
}

// SummarizeForPrune reduces an assistant message's text to its first
// sentence, used when smart_prune keeps an older reply as context.
func SummarizeForPrune(text string) string {
	for _, sep := range []string{". ", "!\n", "?\n", "\n"} {
		if idx := strings.Index(text, sep); idx > 0 {
			return text[:idx+1]
		}
	}
	if len(text) > 200 {
		return text[:200]
	}
	return text
}

// ============================================================================
// PAIR-PRESERVING FINALIZER
// ============================================================================

// ensureToolPairs iteratively expands the selection until every selected
// tool_use has its tool_result selected and vice versa. Expansion is bounded;
// anything still unpaired afterwards is handled by dropIncompletePairs.
func ensureToolPairs(messages []Message, selected map[int]bool) map[int]bool {
	useIndex, resultIndex := indexToolIDs(messages)

	for round := 0; round < maxPairExpansionRounds; round++ {
		changed := false
		for i := range messages {
			if !selected[i] {
				continue
			}
			for _, id := range messages[i].ToolUseIDs() {
				if j, ok := resultIndex[id]; ok && !selected[j] {
					selected[j] = true
					changed = true
				}
			}
			for _, id := range messages[i].ToolResultIDs() {
				if j, ok := useIndex[id]; ok && !selected[j] {
					selected[j] = true
					changed = true
				}
			}
		}
		if !changed {
			break
		}
	}
	return selected
}

// dropIncompletePairs removes both sides of any pair whose mate could not be
// selected (e.g. the mate does not exist in the source history).
func dropIncompletePairs(messages []Message, selected map[int]bool) map[int]bool {
	useIndex, resultIndex := indexToolIDs(messages)

	for i := range messages {
		if !selected[i] {
			continue
		}
		for _, id := range messages[i].ToolUseIDs() {
			j, ok := resultIndex[id]
			if !ok || !selected[j] {
				delete(selected, i)
				if ok {
					delete(selected, j)
				}
				break
			}
		}
	}
	for i := range messages {
		if !selected[i] {
			continue
		}
		for _, id := range messages[i].ToolResultIDs() {
			j, ok := useIndex[id]
			if !ok || !selected[j] {
				delete(selected, i)
				break
			}
		}
	}
	return selected
}

// indexToolIDs maps tool ids to the message index carrying the tool_use and
// tool_result side respectively.
func indexToolIDs(messages []Message) (useIndex, resultIndex map[string]int) {
	useIndex = make(map[string]int)
	resultIndex = make(map[string]int)
	for i := range messages {
		for _, id := range messages[i].ToolUseIDs() {
			useIndex[id] = i
		}
		for _, id := range messages[i].ToolResultIDs() {
			resultIndex[id] = i
		}
	}
	return useIndex, resultIndex
}

// RemoveOrphanedToolResults drops tool_result messages (or blocks) whose
// originating tool_use is no longer present, and assistant tool_use blocks
// whose results are gone. Final cleanup pass before any snapshot is handed
// out.
func RemoveOrphanedToolResults(messages []Message) []Message {
	useIDs := make(map[string]bool)
	resultIDs := make(map[string]bool)
	for i := range messages {
		for _, id := range messages[i].ToolUseIDs() {
			useIDs[id] = true
		}
		for _, id := range messages[i].ToolResultIDs() {
			resultIDs[id] = true
		}
	}

	result := make([]Message, 0, len(messages))
	for i := range messages {
		m := messages[i]

		if len(m.Blocks) > 0 {
			kept := make([]Block, 0, len(m.Blocks))
			for _, b := range m.Blocks {
				switch b.Type {
				case BlockToolResult:
					if useIDs[b.ToolUseID] {
						kept = append(kept, b)
					}
				case BlockToolUse:
					if resultIDs[b.ID] {
						kept = append(kept, b)
					}
				default:
					kept = append(kept, b)
				}
			}
			if len(kept) == 0 {
				continue
			}
			m.Blocks = kept
		}

		if len(m.ToolCalls) > 0 {
			kept := make([]ToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				if resultIDs[tc.ID] {
					kept = append(kept, tc)
				}
			}
			m.ToolCalls = kept
			if len(kept) == 0 && m.Text == "" {
				continue
			}
		}

		if (m.Role == RoleTool || m.IsToolResult) && m.ToolCallID != "" && !useIDs[m.ToolCallID] {
			continue
		}

		result = append(result, m)
	}
	return result
}

// VerifyPairIntegrity returns an error when any tool_use lacks its
// tool_result or vice versa. A failure here is a programming error; callers
// refuse to hand the history to the model.
func VerifyPairIntegrity(messages []Message) error {
	useIDs := make(map[string]int)
	resultIDs := make(map[string]int)
	for i := range messages {
		for _, id := range messages[i].ToolUseIDs() {
			useIDs[id]++
		}
		for _, id := range messages[i].ToolResultIDs() {
			resultIDs[id]++
		}
	}

	var orphans []string
	for id := range useIDs {
		if resultIDs[id] == 0 {
			orphans = append(orphans, "tool_use "+id)
		}
	}
	for id := range resultIDs {
		if useIDs[id] == 0 {
			orphans = append(orphans, "tool_result "+id)
		}
	}
	if len(orphans) > 0 {
		sort.Strings(orphans)
		return fmt.Errorf("pair integrity violated: orphaned %s", strings.Join(orphans, ", "))
	}
	return nil
}

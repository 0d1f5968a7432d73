package conversation

// ============================================================================
// AGGRESSIVE CONTEXT-WINDOW FALLBACK
// ============================================================================

// Thresholds for the ultra-aggressive path, reached when a conversation has
// grown far past what a single request can carry (usually after chunking).
const (
	ultraMessageCount = 50
	ultraTotalChars   = 500000
	ultraContentCap   = 10000
	ultraContentKeep  = 1000
)

// AggressiveFallback reduces messages to the bare minimum after a
// context-window error: the system prompt, the most recent exchanges, and
// the latest tool interaction. The result never contains orphaned tool
// blocks.
func AggressiveFallback(messages []Message, maxMessages int, preserveSystem bool) []Message {
	totalChars := 0
	for i := range messages {
		totalChars += messages[i].ContentLength()
	}

	var limit int
	if len(messages) > ultraMessageCount || totalChars > ultraTotalChars {
		limit = maxMessages / 10
		if limit < 1 {
			limit = 1
		}
		if limit > 3 {
			limit = 3
		}
	} else {
		limit = maxMessages / 3
		if limit < 5 {
			limit = 5
		}
	}

	var result []Message
	remaining := messages
	maxRemaining := limit

	if preserveSystem && len(messages) > 0 && messages[0].Role == RoleSystem {
		result = append(result, messages[0])
		remaining = messages[1:]
		maxRemaining = limit - 1
	}

	// Keep non-tool messages; remember the latest tool interaction so the
	// model retains the freshest evidence.
	var filtered []Message
	var lastToolResult *Message

	for i := range remaining {
		m := remaining[i]
		if m.IsToolResultMessage() {
			lastToolResult = &remaining[i]
			continue
		}
		filtered = append(filtered, m)
	}

	if lastToolResult != nil {
		filtered = append(filtered, *lastToolResult)
	}

	// Ultra-aggressive mode also caps individual message sizes.
	if len(messages) > ultraMessageCount {
		for i := range filtered {
			if filtered[i].ContentLength() > ultraContentCap && len(filtered[i].Text) > ultraContentKeep {
				filtered[i].Text = filtered[i].Text[:ultraContentKeep] + "...[truncated due to size]"
			}
		}
	}

	if len(filtered) > maxRemaining && maxRemaining > 0 {
		filtered = filtered[len(filtered)-maxRemaining:]
	}
	result = append(result, filtered...)

	return RemoveOrphanedToolResults(result)
}

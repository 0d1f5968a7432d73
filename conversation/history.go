package conversation

import (
	"fmt"
	"sync"
	"time"

	"github.com/apibridge/apibridge/config"
	"github.com/apibridge/apibridge/utils"
)

// ============================================================================
// ERROR TYPES
// ============================================================================

// HistoryError represents an error in conversation history management
type HistoryError struct {
	SessionID string
	Operation string
	Message   string
	Err       error
	Timestamp time.Time
}

func (e *HistoryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("conversation %s [%s]: %s: %v", e.Operation, e.SessionID, e.Message, e.Err)
	}
	return fmt.Sprintf("conversation %s [%s]: %s", e.Operation, e.SessionID, e.Message)
}

func (e *HistoryError) Unwrap() error {
	return e.Err
}

func newHistoryError(sessionID, operation, message string, err error) *HistoryError {
	return &HistoryError{
		SessionID: sessionID,
		Operation: operation,
		Message:   message,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// ============================================================================
// HISTORY
// ============================================================================

// Stats summarizes a history for the stats surface and logging.
type Stats struct {
	MessageCount    int          `json:"message_count"`
	TotalChars      int          `json:"total_chars"`
	EstimatedTokens int          `json:"estimated_tokens"`
	ByRole          map[Role]int `json:"by_role"`
}

// History is the per-session ordered message store. All mutation goes
// through it; the orchestrator calls it only while holding the session gate.
type History struct {
	mu        sync.RWMutex
	sessionID string
	messages  []Message

	cfg       *config.ConversationConfig
	chunker   *Chunker
	truncator *Truncator
}

// NewHistory creates an empty history for the session. When a system prompt
// is configured it is seeded as the first message.
func NewHistory(sessionID string, cfg *config.ConversationConfig) *History {
	h := &History{
		sessionID: sessionID,
		cfg:       cfg,
		chunker:   NewChunker(cfg),
		truncator: NewTruncator(cfg),
	}
	if cfg.SystemPrompt != "" {
		h.messages = append(h.messages, NewText(RoleSystem, cfg.SystemPrompt))
	}
	return h
}

// SessionID returns the owning session id.
func (h *History) SessionID() string {
	return h.sessionID
}

// Append adds a message, chunking oversized plain messages first and then
// trimming the raw store to max_history_length. Chunking happens before any
// eviction and never splits tool blocks.
func (h *History) Append(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if h.cfg.EnableMessageChunking != nil && *h.cfg.EnableMessageChunking {
		for _, chunk := range h.chunker.Split(msg) {
			h.messages = append(h.messages, chunk)
		}
	} else {
		h.messages = append(h.messages, msg)
	}

	h.trimLocked()
}

// AppendAll adds several messages atomically, preserving order.
func (h *History) AppendAll(msgs []Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, msg := range msgs {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		h.messages = append(h.messages, msg)
	}
	h.trimLocked()
}

// trimLocked drops the oldest non-system messages once the raw store
// exceeds max_history_length, then removes any orphans that created.
func (h *History) trimLocked() {
	maxLen := h.cfg.MaxHistoryLength
	if maxLen <= 0 || len(h.messages) <= maxLen {
		return
	}

	preserve := h.cfg.PreserveSystemMessage != nil && *h.cfg.PreserveSystemMessage
	excess := len(h.messages) - maxLen

	if preserve && len(h.messages) > 0 && h.messages[0].Role == RoleSystem {
		kept := make([]Message, 0, maxLen)
		kept = append(kept, h.messages[0])
		kept = append(kept, h.messages[1+excess:]...)
		h.messages = kept
	} else {
		h.messages = h.messages[excess:]
	}

	h.messages = RemoveOrphanedToolResults(h.messages)
}

// Messages returns a copy of the raw history.
func (h *History) Messages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the raw message count.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Clear drops all messages, re-seeding the system prompt when configured.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = nil
	if h.cfg.SystemPrompt != "" {
		h.messages = append(h.messages, NewText(RoleSystem, h.cfg.SystemPrompt))
	}
}

// Stats computes summary statistics for the raw history.
func (h *History) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := Stats{ByRole: make(map[Role]int)}
	for i := range h.messages {
		stats.MessageCount++
		chars := h.messages[i].ContentLength()
		stats.TotalChars += chars
		stats.ByRole[h.messages[i].Role]++
	}
	stats.EstimatedTokens = utils.EstimateTokensFromChars(stats.TotalChars)
	return stats
}

// SnapshotForLLM produces the view handed to the model: strategy-reduced,
// pair-complete and size-truncated. Pair integrity is re-verified before
// returning; a violation is a programming error and aborts the snapshot.
func (h *History) SnapshotForLLM() ([]Message, error) {
	h.mu.RLock()
	raw := make([]Message, len(h.messages))
	copy(raw, h.messages)
	h.mu.RUnlock()

	preserve := h.cfg.PreserveSystemMessage != nil && *h.cfg.PreserveSystemMessage

	snapshot := ApplyStrategy(raw, h.cfg.Strategy, h.cfg.MaxConversationMessages, preserve)
	snapshot = h.truncator.TruncateLargeToolResults(snapshot)
	snapshot = RemoveOrphanedToolResults(snapshot)

	if err := VerifyPairIntegrity(snapshot); err != nil {
		return nil, newHistoryError(h.sessionID, "snapshot", "refusing to hand out inconsistent history", err)
	}
	return snapshot, nil
}

// ShrinkForRetry produces a reduced snapshot after a context-window error:
// history-tier truncation everywhere, then the aggressive fallback.
func (h *History) ShrinkForRetry() ([]Message, error) {
	snapshot, err := h.SnapshotForLLM()
	if err != nil {
		return nil, err
	}

	preserve := h.cfg.PreserveSystemMessage != nil && *h.cfg.PreserveSystemMessage

	snapshot = h.truncator.TruncateHistoryTier(snapshot)
	snapshot = AggressiveFallback(snapshot, h.cfg.MaxConversationMessages, preserve)

	if err := VerifyPairIntegrity(snapshot); err != nil {
		return nil, newHistoryError(h.sessionID, "shrink", "refusing to hand out inconsistent history", err)
	}
	return snapshot, nil
}

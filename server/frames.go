// Package server exposes the WebSocket channel and drives the per-session
// turn loop.
package server

import (
	"time"

	"github.com/apibridge/apibridge/conversation"
	"github.com/apibridge/apibridge/tools"
)

// ============================================================================
// FRAME TYPES
// ============================================================================

// Client -> server frame types.
const (
	FrameAuth    = "auth"
	FrameLogout  = "logout"
	FrameChat    = "chat"
	FramePing    = "ping"
	FrameHistory = "history"
	FrameClear   = "clear"
)

// Server -> client frame types.
const (
	FrameConnectionEstablished = "connection_established"
	FrameAuthConfigured        = "auth_configured"
	FrameAuthFailed            = "auth_failed"
	FrameLogoutSuccess         = "logout_success"
	FrameTyping                = "typing"
	FrameAIResponse            = "ai_response"
	FramePong                  = "pong"
	FrameHistoryReply          = "history"
	FrameHistoryCleared        = "history_cleared"
	FrameBusy                  = "busy"
	FrameError                 = "error"
)

// OutboundFrame is the server->client wire record. Unused fields are
// omitted per frame type.
type OutboundFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	AuthType  string `json:"auth_type,omitempty"`
	Message   string `json:"message,omitempty"`

	ToolCalls   []conversation.ToolCall `json:"tool_calls,omitempty"`
	ToolResults []tools.Result          `json:"tool_results,omitempty"`

	Messages []HistoryEntry `json:"messages,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`
}

// HistoryEntry is the client-facing transcript record.
type HistoryEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

func stamped(frame OutboundFrame) OutboundFrame {
	frame.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return frame
}

func errorFrame(message string) OutboundFrame {
	return stamped(OutboundFrame{Type: FrameError, Message: message})
}

func historyEntries(messages []conversation.Message) []HistoryEntry {
	entries := make([]HistoryEntry, 0, len(messages))
	for i := range messages {
		m := &messages[i]
		if m.Role == conversation.RoleSystem || m.IsToolResultMessage() {
			continue
		}
		text := m.DisplayText()
		if text == "" {
			continue
		}
		entry := HistoryEntry{Role: string(m.Role), Content: text}
		if !m.Timestamp.IsZero() {
			entry.Timestamp = m.Timestamp.UTC().Format(time.RFC3339)
		}
		entries = append(entries, entry)
	}
	return entries
}

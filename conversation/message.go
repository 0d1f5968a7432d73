// Package conversation owns the ordered message history for a session and
// enforces the invariants required before a history is handed to the model:
// tool_use/tool_result pair integrity and size budgets.
package conversation

import (
	"encoding/json"
	"time"
)

// ============================================================================
// ROLES AND BLOCK KINDS
// ============================================================================

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockType identifies a Claude-style content block kind.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one element of a Claude-style content list.
type Block struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ToolCall is a GPT-style tool invocation request attached to an assistant
// message.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ============================================================================
// MESSAGE
// ============================================================================

// Message is the family-neutral history record. Exactly one content shape is
// populated per family: Blocks for Claude-style, Text (+ToolCalls/ToolCallID)
// for GPT-style, Text (+IsToolResult) for Llama-style. Eviction and
// truncation operate only on this abstract form; family-specific
// serialization lives in the model adapters.
type Message struct {
	Role      Role       `json:"role"`
	Text      string     `json:"content,omitempty"`
	Blocks    []Block    `json:"blocks,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a GPT-style tool message to its originating call.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// IsToolResult marks Llama-style tool results, which are plain user
	// messages on the wire.
	IsToolResult bool `json:"is_tool_result,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
}

// NewText returns a plain text message.
func NewText(role Role, text string) Message {
	return Message{Role: role, Text: text, Timestamp: time.Now()}
}

// ============================================================================
// POLYMORPHIC PREDICATES
// ============================================================================

// IsToolResultMessage reports whether the message carries a tool result in
// any family's encoding: GPT tool role, Claude tool_result block, or the
// Llama marker.
func (m *Message) IsToolResultMessage() bool {
	if m.Role == RoleTool {
		return true
	}
	if m.IsToolResult {
		return true
	}
	for i := range m.Blocks {
		if m.Blocks[i].Type == BlockToolResult {
			return true
		}
	}
	return false
}

// HasToolUse reports whether the message requests any tool invocation.
func (m *Message) HasToolUse() bool {
	if len(m.ToolCalls) > 0 {
		return true
	}
	for i := range m.Blocks {
		if m.Blocks[i].Type == BlockToolUse {
			return true
		}
	}
	return false
}

// ToolUseIDs returns the ids of all tool invocations requested by the
// message, in emission order.
func (m *Message) ToolUseIDs() []string {
	var ids []string
	for i := range m.Blocks {
		if m.Blocks[i].Type == BlockToolUse {
			ids = append(ids, m.Blocks[i].ID)
		}
	}
	for i := range m.ToolCalls {
		ids = append(ids, m.ToolCalls[i].ID)
	}
	return ids
}

// ToolResultIDs returns the ids of all tool results the message carries.
func (m *Message) ToolResultIDs() []string {
	var ids []string
	for i := range m.Blocks {
		if m.Blocks[i].Type == BlockToolResult {
			ids = append(ids, m.Blocks[i].ToolUseID)
		}
	}
	if (m.Role == RoleTool || m.IsToolResult) && m.ToolCallID != "" {
		ids = append(ids, m.ToolCallID)
	}
	return ids
}

// ContentLength returns the serialized character count of the message
// content, used for budget accounting.
func (m *Message) ContentLength() int {
	total := len(m.Text)
	for i := range m.Blocks {
		b := &m.Blocks[i]
		total += len(b.Text) + len(b.Content)
		if b.Input != nil {
			if raw, err := json.Marshal(b.Input); err == nil {
				total += len(raw)
			}
		}
	}
	for i := range m.ToolCalls {
		if raw, err := json.Marshal(m.ToolCalls[i].Arguments); err == nil {
			total += len(raw)
		}
	}
	return total
}

// DisplayText returns the human-readable portion of the message.
func (m *Message) DisplayText() string {
	if m.Text != "" {
		return m.Text
	}
	var out string
	for i := range m.Blocks {
		if m.Blocks[i].Type == BlockText {
			out += m.Blocks[i].Text
		}
	}
	return out
}

// ToolUseRequests returns the tool invocations requested by the message as
// family-neutral calls, preserving emission order.
func (m *Message) ToolUseRequests() []ToolCall {
	var calls []ToolCall
	for i := range m.Blocks {
		if m.Blocks[i].Type == BlockToolUse {
			calls = append(calls, ToolCall{
				ID:        m.Blocks[i].ID,
				Name:      m.Blocks[i].Name,
				Arguments: m.Blocks[i].Input,
			})
		}
	}
	calls = append(calls, m.ToolCalls...)
	return calls
}

package llms

import (
	"encoding/json"
	"fmt"

	"github.com/apibridge/apibridge/config"
	"github.com/apibridge/apibridge/conversation"
	"github.com/apibridge/apibridge/tools"
)

// ============================================================================
// CLAUDE FAMILY
// ============================================================================

// anthropicVersion is required by the invocation service for Claude models.
const anthropicVersion = "bedrock-2023-05-31"

// ClaudeAdapter implements the Claude wire format: content-block messages
// with a top-level system prompt, tool_use blocks on assistant messages and
// tool_result blocks on user messages.
type ClaudeAdapter struct{}

var _ Adapter = (*ClaudeAdapter)(nil)

// ClaudeRequest represents a request to a Claude-family model
type ClaudeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	Temperature      float64         `json:"temperature,omitempty"`
	System           string          `json:"system,omitempty"`
	Messages         []ClaudeMessage `json:"messages"`
	Tools            []ClaudeTool    `json:"tools,omitempty"`
	StopSequences    []string        `json:"stop_sequences,omitempty"`
}

// ClaudeMessage is one wire message with block content
type ClaudeMessage struct {
	Role    string        `json:"role"`
	Content []ClaudeBlock `json:"content"`
}

// ClaudeBlock is one content block
type ClaudeBlock struct {
	Type string `json:"type"`

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

// ClaudeTool describes a callable tool
type ClaudeTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ClaudeResponse represents the model reply
type ClaudeResponse struct {
	Content    []ClaudeBlock `json:"content"`
	StopReason string        `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *ClaudeAdapter) Family() string {
	return config.FamilyClaude
}

// FormatRequest lifts system messages into the top-level system field and
// renders everything else as block content.
func (a *ClaudeAdapter) FormatRequest(messages []conversation.Message, descriptors []*tools.Descriptor, cfg *config.LLMConfig) ([]byte, error) {
	req := ClaudeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        cfg.MaxTokens,
		Temperature:      cfg.Temperature,
		StopSequences:    cfg.StopSequences,
	}

	for i := range messages {
		m := &messages[i]
		if m.Role == conversation.RoleSystem {
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += m.Text
			continue
		}
		req.Messages = append(req.Messages, ClaudeMessage{
			Role:    claudeRole(m.Role),
			Content: claudeBlocks(m),
		})
	}

	for _, d := range descriptors {
		req.Tools = append(req.Tools, ClaudeTool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema(),
		})
	}

	return json.Marshal(req)
}

func claudeRole(role conversation.Role) string {
	if role == conversation.RoleAssistant {
		return "assistant"
	}
	// Tool results travel as user messages in this family.
	return "user"
}

func claudeBlocks(m *conversation.Message) []ClaudeBlock {
	if len(m.Blocks) > 0 {
		blocks := make([]ClaudeBlock, 0, len(m.Blocks))
		for _, b := range m.Blocks {
			blocks = append(blocks, ClaudeBlock{
				Type:      string(b.Type),
				Text:      b.Text,
				ID:        b.ID,
				Name:      b.Name,
				Input:     b.Input,
				ToolUseID: b.ToolUseID,
				Content:   b.Content,
				IsError:   b.IsError,
			})
		}
		return blocks
	}
	return []ClaudeBlock{{Type: "text", Text: m.Text}}
}

// ParseResponse extracts text and tool_use blocks.
func (a *ClaudeAdapter) ParseResponse(body []byte) (*Reply, error) {
	var resp ClaudeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse claude response: %w", err)
	}

	reply := &Reply{
		StopReason:   resp.StopReason,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if reply.Text != "" {
				reply.Text += "\n"
			}
			reply.Text += block.Text
		case "tool_use":
			reply.ToolCalls = append(reply.ToolCalls, conversation.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}

	reply.Text = stripReasoning(reply.Text)
	return reply, nil
}

// AssistantMessage renders the reply as assistant block content, keeping
// tool_use blocks so pairing survives in history.
func (a *ClaudeAdapter) AssistantMessage(reply *Reply) conversation.Message {
	m := conversation.Message{Role: conversation.RoleAssistant}

	if len(reply.ToolCalls) == 0 {
		m.Text = reply.Text
		return m
	}

	if reply.Text != "" {
		m.Blocks = append(m.Blocks, conversation.Block{
			Type: conversation.BlockText, Text: reply.Text,
		})
	}
	for _, call := range reply.ToolCalls {
		m.Blocks = append(m.Blocks, conversation.Block{
			Type:  conversation.BlockToolUse,
			ID:    call.ID,
			Name:  call.Name,
			Input: call.Arguments,
		})
	}
	return m
}

// ToolResultMessages packs all results into one user message of tool_result
// blocks, preserving order.
func (a *ClaudeAdapter) ToolResultMessages(results []tools.Result) []conversation.Message {
	if len(results) == 0 {
		return nil
	}

	m := conversation.Message{Role: conversation.RoleUser}
	for _, r := range results {
		m.Blocks = append(m.Blocks, conversation.Block{
			Type:      conversation.BlockToolResult,
			ToolUseID: r.ID,
			Content:   r.Content,
			IsError:   r.IsError,
		})
	}
	return []conversation.Message{m}
}

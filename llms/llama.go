package llms

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/apibridge/apibridge/config"
	"github.com/apibridge/apibridge/conversation"
	"github.com/apibridge/apibridge/tools"
)

// ============================================================================
// LLAMA FAMILY
// ============================================================================

// LlamaAdapter implements the Llama prompt format: a single text prompt with
// header tokens, tool calls parsed back out of the generation as
// <tool_call>name({...})</tool_call> markers, and tool results rendered as
// user text.
type LlamaAdapter struct{}

var _ Adapter = (*LlamaAdapter)(nil)

// LlamaRequest represents a request to a Llama-family model
type LlamaRequest struct {
	Prompt      string  `json:"prompt"`
	MaxGenLen   int     `json:"max_gen_len,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// LlamaResponse represents the model reply
type LlamaResponse struct {
	Generation           string `json:"generation"`
	StopReason           string `json:"stop_reason"`
	PromptTokenCount     int    `json:"prompt_token_count"`
	GenerationTokenCount int    `json:"generation_token_count"`
}

// toolCallPattern matches tool invocations embedded in the generation.
var toolCallPattern = regexp.MustCompile(`<tool_call>([\w_]+)\((.*?)\)</tool_call>`)

func (a *LlamaAdapter) Family() string {
	return config.FamilyLlama
}

// FormatRequest builds the single prompt string. Tool descriptors are
// described in the system section since this family has no native tool
// surface.
func (a *LlamaAdapter) FormatRequest(messages []conversation.Message, descriptors []*tools.Descriptor, cfg *config.LLMConfig) ([]byte, error) {
	var b strings.Builder
	b.WriteString("<|begin_of_text|>")

	system := a.systemSection(messages, descriptors)
	if system != "" {
		b.WriteString("<|start_header_id|>system<|end_header_id|>\n\n")
		b.WriteString(system)
		b.WriteString("<|eot_id|>")
	}

	for i := range messages {
		m := &messages[i]
		if m.Role == conversation.RoleSystem {
			continue
		}
		role := "user"
		if m.Role == conversation.RoleAssistant {
			role = "assistant"
		}
		b.WriteString("<|start_header_id|>")
		b.WriteString(role)
		b.WriteString("<|end_header_id|>\n\n")
		b.WriteString(m.DisplayText())
		b.WriteString("<|eot_id|>")
	}

	b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")

	return json.Marshal(LlamaRequest{
		Prompt:      b.String(),
		MaxGenLen:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	})
}

// systemSection merges the system prompt with tool usage instructions.
func (a *LlamaAdapter) systemSection(messages []conversation.Message, descriptors []*tools.Descriptor) string {
	var parts []string
	for i := range messages {
		if messages[i].Role == conversation.RoleSystem {
			parts = append(parts, messages[i].Text)
		}
	}

	if len(descriptors) > 0 {
		var b strings.Builder
		b.WriteString("You can call the following tools. To call one, reply with ")
		b.WriteString("<tool_call>tool_name({\"arg\": \"value\"})</tool_call> and nothing else.\n")
		for _, d := range descriptors {
			schema, _ := json.Marshal(d.InputSchema())
			fmt.Fprintf(&b, "- %s: %s %s\n", d.Name, d.Description, schema)
		}
		parts = append(parts, b.String())
	}

	return strings.Join(parts, "\n\n")
}

// ParseResponse extracts embedded tool calls with synthetic ids and strips
// the markers from the surfaced text.
func (a *LlamaAdapter) ParseResponse(body []byte) (*Reply, error) {
	var resp LlamaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse llama response: %w", err)
	}

	reply := &Reply{
		StopReason:   resp.StopReason,
		InputTokens:  resp.PromptTokenCount,
		OutputTokens: resp.GenerationTokenCount,
	}

	matches := toolCallPattern.FindAllStringSubmatch(resp.Generation, -1)
	for i, match := range matches {
		args := make(map[string]interface{})
		if raw := strings.TrimSpace(match[2]); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				args = map[string]interface{}{}
			}
		}
		reply.ToolCalls = append(reply.ToolCalls, conversation.ToolCall{
			ID:        fmt.Sprintf("llama-tool-%d", i),
			Name:      match[1],
			Arguments: args,
		})
	}

	text := toolCallPattern.ReplaceAllString(resp.Generation, "")
	reply.Text = stripReasoning(strings.TrimSpace(text))
	return reply, nil
}

// AssistantMessage records the raw generation, re-embedding tool call
// markers so pairing can be tracked in history.
func (a *LlamaAdapter) AssistantMessage(reply *Reply) conversation.Message {
	return conversation.Message{
		Role:      conversation.RoleAssistant,
		Text:      reply.Text,
		ToolCalls: reply.ToolCalls,
	}
}

// ToolResultMessages renders each result as a user message with the
// out-of-band tool-result marker.
func (a *LlamaAdapter) ToolResultMessages(results []tools.Result) []conversation.Message {
	out := make([]conversation.Message, 0, len(results))
	for _, r := range results {
		out = append(out, conversation.Message{
			Role:         conversation.RoleUser,
			Text:         fmt.Sprintf("[Tool Result for %s(%s)]\n%s", r.Name, r.ID, r.Content),
			ToolCallID:   r.ID,
			IsToolResult: true,
		})
	}
	return out
}

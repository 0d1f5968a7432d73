package llms

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/apibridge/apibridge/config"
	"github.com/apibridge/apibridge/conversation"
	"github.com/apibridge/apibridge/tools"
)

// ============================================================================
// GPT FAMILY
// ============================================================================

// GPTAdapter implements the GPT-style wire format: a flat message list with
// tool_calls on assistant messages and tool-role messages carrying a
// tool_call_id. Function arguments travel as JSON strings.
type GPTAdapter struct{}

var _ Adapter = (*GPTAdapter)(nil)

// GPTRequest represents a request to a GPT-style model
type GPTRequest struct {
	Messages    []GPTMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
	Tools       []GPTTool    `json:"tools,omitempty"`
	Stop        []string     `json:"stop,omitempty"`
}

// GPTMessage is one wire message
type GPTMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []GPTToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// GPTToolCall is a function invocation request on an assistant message
type GPTToolCall struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Function GPTFunction `json:"function"`
}

// GPTFunction carries the function name and JSON-string arguments
type GPTFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// GPTTool describes a callable function
type GPTTool struct {
	Type     string          `json:"type"`
	Function GPTFunctionSpec `json:"function"`
}

// GPTFunctionSpec is the advertised function signature
type GPTFunctionSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// GPTResponse represents the model reply
type GPTResponse struct {
	Choices []struct {
		Message      GPTMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (a *GPTAdapter) Family() string {
	return config.FamilyGPT
}

// FormatRequest renders the flat message list. All text is sanitized to
// valid UTF-8 first; some models reject unpaired surrogates outright.
func (a *GPTAdapter) FormatRequest(messages []conversation.Message, descriptors []*tools.Descriptor, cfg *config.LLMConfig) ([]byte, error) {
	req := GPTRequest{
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Stop:        cfg.StopSequences,
	}

	for i := range messages {
		m := &messages[i]
		wire := GPTMessage{
			Role:       string(m.Role),
			Content:    sanitizeText(m.DisplayText()),
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolUseRequests() {
			args, err := json.Marshal(call.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			wire.ToolCalls = append(wire.ToolCalls, GPTToolCall{
				ID:   call.ID,
				Type: "function",
				Function: GPTFunction{
					Name:      call.Name,
					Arguments: string(args),
				},
			})
		}
		req.Messages = append(req.Messages, wire)
	}

	for _, d := range descriptors {
		req.Tools = append(req.Tools, GPTTool{
			Type: "function",
			Function: GPTFunctionSpec{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.InputSchema(),
			},
		})
	}

	return json.Marshal(req)
}

// ParseResponse extracts the first choice's text and tool calls, decoding
// the JSON-string arguments.
func (a *GPTAdapter) ParseResponse(body []byte) (*Reply, error) {
	var resp GPTResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse gpt response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("gpt response has no choices")
	}

	choice := resp.Choices[0]
	reply := &Reply{
		Text:         stripReasoning(choice.Message.Content),
		StopReason:   choice.FinishReason,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}

	for _, tc := range choice.Message.ToolCalls {
		args := make(map[string]interface{})
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				// Malformed arguments become an empty call; the tool's
				// own validation reports the problem back to the model.
				args = map[string]interface{}{}
			}
		}
		reply.ToolCalls = append(reply.ToolCalls, conversation.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return reply, nil
}

// AssistantMessage keeps tool calls in the GPT shape on the history record.
func (a *GPTAdapter) AssistantMessage(reply *Reply) conversation.Message {
	return conversation.Message{
		Role:      conversation.RoleAssistant,
		Text:      reply.Text,
		ToolCalls: reply.ToolCalls,
	}
}

// ToolResultMessages emits one tool-role message per result, each carrying
// its tool_call_id.
func (a *GPTAdapter) ToolResultMessages(results []tools.Result) []conversation.Message {
	out := make([]conversation.Message, 0, len(results))
	for _, r := range results {
		out = append(out, conversation.Message{
			Role:       conversation.RoleTool,
			Text:       r.Content,
			ToolCallID: r.ID,
		})
	}
	return out
}

// sanitizeText drops invalid UTF-8 and unpaired surrogate code points.
func sanitizeText(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, utf8.RuneError) {
		return s
	}
	return strings.ToValidUTF8(strings.Map(func(r rune) rune {
		if r >= 0xD800 && r <= 0xDFFF {
			return -1
		}
		return r
	}, s), "")
}

// Package llms formats conversation history for the configured model
// family, invokes the model service and parses replies, with retry,
// rate limiting and context-window recovery.
package llms

import (
	"fmt"
	"strings"
	"time"

	"github.com/apibridge/apibridge/config"
	"github.com/apibridge/apibridge/conversation"
	"github.com/apibridge/apibridge/tools"
)

// ============================================================================
// REPLY
// ============================================================================

// Reply is the parsed model response: a possibly-empty text portion plus
// zero or more tool invocation requests.
type Reply struct {
	Text      string
	ToolCalls []conversation.ToolCall

	StopReason   string
	InputTokens  int
	OutputTokens int
}

// HasToolCalls reports whether the model requested tool execution.
func (r *Reply) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// ============================================================================
// ERROR CLASSIFICATION
// ============================================================================

// ErrorKind classifies a model invocation failure for retry policy.
type ErrorKind string

const (
	KindTransient      ErrorKind = "transient"
	KindRateLimited    ErrorKind = "rate_limited"
	KindContextTooLong ErrorKind = "context_too_long"
	KindAuthFailed     ErrorKind = "auth_failed"
	KindFatal          ErrorKind = "fatal"
)

// InvokeError is a classified model invocation failure.
type InvokeError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *InvokeError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("model invocation failed (%s, HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("model invocation failed (%s): %s", e.Kind, e.Message)
}

func (e *InvokeError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the pipeline may retry this failure.
func (e *InvokeError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// contextWindowMarkers are the provider message fragments that indicate the
// request exceeded the model's context window or body limits.
var contextWindowMarkers = []string{
	"Input is too long",
	"input is too long",
	"max_tokens must be at least 1",
	"length limit exceeded",
	"Failed to buffer the request body",
	"expecting start token",
	"Unexpected token",
	"context window",
	"too many tokens",
}

// IsContextWindowMessage reports whether a provider error message indicates
// a context-length problem.
func IsContextWindowMessage(message string) bool {
	for _, marker := range contextWindowMarkers {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}

// ============================================================================
// ADAPTER
// ============================================================================

// Adapter maps between the family-neutral conversation model and one model
// family's wire format.
type Adapter interface {
	// Family returns the family tag this adapter serves.
	Family() string

	// FormatRequest renders history plus tool descriptors into the
	// request body for the invocation service.
	FormatRequest(messages []conversation.Message, descriptors []*tools.Descriptor, cfg *config.LLMConfig) ([]byte, error)

	// ParseResponse extracts the text portion and tool calls from a raw
	// response body.
	ParseResponse(body []byte) (*Reply, error)

	// AssistantMessage converts a parsed reply into the history record
	// for the assistant turn, in this family's content shape.
	AssistantMessage(reply *Reply) conversation.Message

	// ToolResultMessages converts executed tool results into the history
	// records this family expects, preserving result order.
	ToolResultMessages(results []tools.Result) []conversation.Message
}

// NewAdapter returns the adapter for the configured family.
func NewAdapter(family string) (Adapter, error) {
	switch family {
	case config.FamilyClaude:
		return &ClaudeAdapter{}, nil
	case config.FamilyGPT:
		return &GPTAdapter{}, nil
	case config.FamilyLlama:
		return &LlamaAdapter{}, nil
	default:
		return nil, fmt.Errorf("unknown model family %q", family)
	}
}

// reasoningTag strips <reasoning>…</reasoning> spans from display text; the
// raw text stays in history in case the model expects its own reasoning
// back.
func stripReasoning(text string) string {
	for {
		start := strings.Index(text, "<reasoning>")
		if start < 0 {
			return text
		}
		end := strings.Index(text[start:], "</reasoning>")
		if end < 0 {
			return strings.TrimSpace(text[:start])
		}
		text = text[:start] + text[start+end+len("</reasoning>"):]
		text = strings.TrimSpace(text)
	}
}

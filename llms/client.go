package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/apibridge/apibridge/config"
	"github.com/apibridge/apibridge/internal/httpclient"
)

// ============================================================================
// INVOCATION CLIENT
// ============================================================================

// maxErrorBodyBytes bounds how much of an error response is read for
// classification.
const maxErrorBodyBytes = 64 << 10

// InvokeClient talks to the model-invocation service: JSON in, JSON out,
// one model per call. The underlying HTTP client is shared across sessions.
type InvokeClient struct {
	cfg    *config.LLMConfig
	client *http.Client
}

// NewInvokeClient creates the invocation client.
func NewInvokeClient(cfg *config.LLMConfig, client *http.Client) *InvokeClient {
	return &InvokeClient{cfg: cfg, client: client}
}

// Invoke posts the formatted request body for the configured model and
// returns the raw response body. Failures come back as *InvokeError with a
// classification the pipeline's retry policy understands.
func (c *InvokeClient) Invoke(ctx context.Context, body []byte) ([]byte, error) {
	target := fmt.Sprintf("%s/model/%s/invoke",
		strings.TrimSuffix(c.cfg.Endpoint, "/"), url.PathEscape(c.cfg.ModelID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, &InvokeError{Kind: KindFatal, Message: "building request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &InvokeError{Kind: KindFatal, Message: "invocation canceled", Err: ctx.Err()}
		}
		kind := KindFatal
		if httpclient.IsRetryableTransportError(err) {
			kind = KindTransient
		}
		return nil, &InvokeError{Kind: kind, Message: "transport error", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &InvokeError{Kind: KindTransient, Message: "reading response", Err: err}
		}
		return payload, nil
	}

	errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return nil, classifyHTTPError(resp, errBody)
}

// classifyHTTPError maps a non-200 invocation response onto an ErrorKind.
func classifyHTTPError(resp *http.Response, body []byte) *InvokeError {
	message := extractErrorMessage(body)

	e := &InvokeError{
		StatusCode: resp.StatusCode,
		Message:    message,
		RetryAfter: httpclient.ParseRetryAfter(resp.Header),
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests ||
		strings.Contains(message, "ThrottlingException") ||
		strings.Contains(message, "TooManyRequests"):
		e.Kind = KindRateLimited

	case resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusForbidden ||
		strings.Contains(message, "AccessDeniedException"):
		e.Kind = KindAuthFailed

	case IsContextWindowMessage(message) ||
		resp.StatusCode == http.StatusRequestEntityTooLarge:
		e.Kind = KindContextTooLong

	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		e.Kind = KindTransient

	default:
		// ValidationException and other 4xx are not retryable.
		e.Kind = KindFatal
	}
	return e
}

// extractErrorMessage digs the human-readable message out of the common
// error body shapes: {"message": ...} and {"error": {"message": ...}}.
func extractErrorMessage(body []byte) string {
	var envelope struct {
		Message string `json:"message"`
		Type    string `json:"__type"`
		Error   struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		parts := make([]string, 0, 2)
		if envelope.Type != "" {
			parts = append(parts, envelope.Type)
		} else if envelope.Error.Type != "" {
			parts = append(parts, envelope.Error.Type)
		}
		if envelope.Message != "" {
			parts = append(parts, envelope.Message)
		} else if envelope.Error.Message != "" {
			parts = append(parts, envelope.Error.Message)
		}
		if len(parts) > 0 {
			return strings.Join(parts, ": ")
		}
	}
	return string(body)
}

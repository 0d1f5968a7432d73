package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/apibridge/apibridge/auth"
	"github.com/apibridge/apibridge/config"
	"github.com/apibridge/apibridge/conversation"
	"github.com/apibridge/apibridge/internal/httpclient"
	"github.com/apibridge/apibridge/internal/metrics"
)

// ============================================================================
// EXECUTOR
// ============================================================================

const (
	// Transport retries per tool call; the OAuth2 401 retry is separate.
	toolMaxRetries = 2

	toolRetryBase = 500 * time.Millisecond
	toolRetryCap  = 10 * time.Second

	// Response bodies past this size are cut before they ever reach the
	// conversation truncation tiers.
	maxResponseBytes = 10 << 20
)

// Result is the outcome of one tool invocation, ready for insertion into
// history.
type Result struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// SessionContext is the per-session state a tool execution may consult.
type SessionContext struct {
	Store *auth.Store

	// Stats supplies the owning session's conversation statistics for the
	// built-in stats tool; nil disables it.
	Stats func() conversation.Stats
}

// Executor turns tool calls into authenticated HTTP requests against the
// target API. It is stateless; all per-session state arrives through the
// SessionContext.
type Executor struct {
	table   *Table
	cfg     *config.ToolsConfig
	client  *http.Client
	metrics *metrics.Metrics
}

// NewExecutor creates an executor over the descriptor table. The client
// should have redirects disabled for non-safe methods
// (httpclient.NewNoUnsafeRedirects). m may be nil.
func NewExecutor(table *Table, cfg *config.ToolsConfig, client *http.Client, m *metrics.Metrics) *Executor {
	return &Executor{
		table:   table,
		cfg:     cfg,
		client:  client,
		metrics: m,
	}
}

// Table exposes the descriptor table for advertising tools to the model.
func (e *Executor) Table() *Table {
	return e.table
}

// ExecuteAll runs the calls of one assistant turn, fanning out up to the
// configured per-turn concurrency. Results come back in call order no matter
// which HTTP response arrived first.
func (e *Executor) ExecuteAll(ctx context.Context, calls []conversation.ToolCall, sctx *SessionContext) []Result {
	results := make([]Result, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxToolCallsPerTurn)

	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.Execute(gctx, call, sctx)
			return nil
		})
	}
	g.Wait()

	return results
}

// Execute runs a single tool call end to end: descriptor lookup, argument
// validation, request build, auth, HTTP with retries, response decode.
// Failures are returned as error results, never as Go errors, so the model
// can react to them.
func (e *Executor) Execute(ctx context.Context, call conversation.ToolCall, sctx *SessionContext) Result {
	started := time.Now()
	result := e.execute(ctx, call, sctx)

	outcome := "ok"
	if result.IsError {
		outcome = "error"
	}
	if e.metrics != nil {
		e.metrics.ToolCallsTotal.WithLabelValues(call.Name, outcome).Inc()
	}
	slog.Debug("tool executed",
		"tool", call.Name, "outcome", outcome, "duration", time.Since(started))
	return result
}

func (e *Executor) execute(ctx context.Context, call conversation.ToolCall, sctx *SessionContext) Result {
	if builtin := e.lookupBuiltin(call.Name); builtin != nil {
		return builtin(ctx, call, sctx)
	}

	descriptor, ok := e.table.Get(call.Name)
	if !ok {
		return Result{ID: call.ID, Name: call.Name, IsError: true,
			Content: fmt.Sprintf("unknown tool: %s", call.Name)}
	}

	if err := validateArguments(descriptor, call.Arguments); err != nil {
		return Result{ID: call.ID, Name: call.Name, IsError: true, Content: err.Error()}
	}

	content, isError := e.invoke(ctx, descriptor, call.Arguments, sctx)
	return Result{ID: call.ID, Name: call.Name, Content: content, IsError: isError}
}

// invoke issues the HTTP call with bounded retries. A 401 against an OAuth2
// credential invalidates the cached token and retries exactly once.
func (e *Executor) invoke(ctx context.Context, d *Descriptor, args map[string]interface{}, sctx *SessionContext) (string, bool) {
	refreshed := false

	for attempt := 0; ; attempt++ {
		req, err := e.buildRequest(ctx, d, args, sctx)
		if err != nil {
			return err.Error(), true
		}

		resp, err := e.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return "tool call canceled: " + ctx.Err().Error(), true
			}
			if httpclient.IsRetryableTransportError(err) && attempt < toolMaxRetries {
				e.sleep(ctx, e.backoff(attempt, 0))
				continue
			}
			return fmt.Sprintf("request failed: %v", err), true
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if readErr != nil {
			return fmt.Sprintf("reading response failed: %v", readErr), true
		}

		// One token refresh per call when the API rejects an OAuth2 token.
		if resp.StatusCode == http.StatusUnauthorized && !refreshed &&
			sctx != nil && sctx.Store != nil && sctx.Store.Type() == auth.TypeOAuth2 {
			sctx.Store.Invalidate()
			refreshed = true
			continue
		}

		if httpclient.IsRetryableStatus(resp.StatusCode) && attempt < toolMaxRetries {
			e.sleep(ctx, e.backoff(attempt, httpclient.ParseRetryAfter(resp.Header)))
			continue
		}

		return renderResponse(resp.StatusCode, body)
	}
}

// buildRequest substitutes path parameters, attaches the query string,
// serializes the body and applies authentication.
func (e *Executor) buildRequest(ctx context.Context, d *Descriptor, args map[string]interface{}, sctx *SessionContext) (*http.Request, error) {
	path := d.PathTemplate
	query := url.Values{}
	body := make(map[string]interface{})

	bodyAllowed := d.Method == http.MethodPost || d.Method == http.MethodPut || d.Method == http.MethodPatch

	for _, p := range d.Parameters {
		value, present := args[p.Name]
		if !present {
			continue
		}
		switch {
		case p.In == InPath:
			path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(stringify(value)))
		case p.In == InQuery || !bodyAllowed:
			query.Set(p.Name, stringify(value))
		default:
			body[p.Name] = value
		}
	}

	target := strings.TrimSuffix(e.cfg.BaseURL, "/") + path
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	var reader io.Reader
	if bodyAllowed && len(body) > 0 {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, newToolError(d.Name, "execute", "encoding request body", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, d.Method, target, reader)
	if err != nil {
		return nil, newToolError(d.Name, "execute", "building request", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if sctx != nil && sctx.Store != nil {
		if err := sctx.Store.Apply(req.Header, d.AuthHint); err != nil {
			return nil, newToolError(d.Name, "execute", "applying authentication", err)
		}
	}
	return req, nil
}

// renderResponse prepares the tool_result content: JSON re-serialized
// compactly, anything else verbatim; non-2xx statuses are surfaced in the
// content so the model can react.
func renderResponse(statusCode int, body []byte) (string, bool) {
	content := string(body)

	var decoded interface{}
	if json.Unmarshal(body, &decoded) == nil {
		if compact, err := json.Marshal(decoded); err == nil {
			content = string(compact)
		}
	}

	if statusCode < 200 || statusCode >= 300 {
		return fmt.Sprintf("HTTP %d: %s", statusCode, content), true
	}
	return content, false
}

// validateArguments checks required parameters, basic types and unrecognized
// names, reporting every problem at once. Unrecognized arguments fail the
// call: buildRequest would drop them silently, and a model that invented a
// parameter should hear about it rather than get a confusing success.
func validateArguments(d *Descriptor, args map[string]interface{}) error {
	var missing []string
	var badTypes []string

	for _, p := range d.Parameters {
		value, present := args[p.Name]
		if !present {
			if p.Required {
				missing = append(missing, p.Name)
			}
			continue
		}
		if !typeMatches(p.Type, value) {
			badTypes = append(badTypes, fmt.Sprintf("%s (expected %s)", p.Name, p.Type))
		}
	}

	known := make(map[string]bool, len(d.Parameters))
	for _, p := range d.Parameters {
		known[p.Name] = true
	}
	var unknown []string
	for name := range args {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}

	if len(missing) == 0 && len(badTypes) == 0 && len(unknown) == 0 {
		return nil
	}

	var parts []string
	if len(missing) > 0 {
		sort.Strings(missing)
		parts = append(parts, "missing required parameters: "+strings.Join(missing, ", "))
	}
	if len(badTypes) > 0 {
		sort.Strings(badTypes)
		parts = append(parts, "invalid parameter types: "+strings.Join(badTypes, ", "))
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		parts = append(parts, "unknown parameters: "+strings.Join(unknown, ", "))
	}
	return fmt.Errorf("tool %s: %s", d.Name, strings.Join(parts, "; "))
}

func typeMatches(expected string, value interface{}) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "number":
		switch value.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	}
	return true
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

// backoff computes the retry delay: exponential with 10-30% jitter, capped,
// with any server-provided hint taking precedence. The top-level rand
// functions are used because calls retry concurrently within a turn.
func (e *Executor) backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	delay := toolRetryBase * (1 << attempt)
	if delay > toolRetryCap {
		delay = toolRetryCap
	}
	jitter := time.Duration(float64(delay) * (0.1 + 0.2*rand.Float64()))
	return delay + jitter
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

package llms

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/apibridge/apibridge/config"
	"github.com/apibridge/apibridge/conversation"
	"github.com/apibridge/apibridge/internal/metrics"
	"github.com/apibridge/apibridge/tools"
	"github.com/apibridge/apibridge/utils"
)

// ============================================================================
// PIPELINE
// ============================================================================

// Invoker abstracts the invocation transport so tests can substitute the
// model service.
type Invoker interface {
	Invoke(ctx context.Context, body []byte) ([]byte, error)
}

// SystemPromptFunc overrides the system prompt right before invocation.
// Returning an empty string leaves the history's own system message alone.
type SystemPromptFunc func(sessionID string) string

// Request is one model invocation on behalf of a session.
type Request struct {
	SessionID   string
	Messages    []conversation.Message
	Descriptors []*tools.Descriptor

	// Limiter is the session's token bucket; the pipeline waits on it
	// before every attempt so retries cannot self-induce throttling.
	Limiter *rate.Limiter

	// Shrink supplies a reduced history after a context-window error.
	Shrink func() ([]conversation.Message, error)
}

// Pipeline formats, invokes, parses and retries. One pipeline is shared by
// all sessions; per-session state (the limiter, the shrink callback) arrives
// with each request.
type Pipeline struct {
	adapter Adapter
	invoker Invoker
	cfg     *config.LLMConfig
	metrics *metrics.Metrics

	systemPromptFn SystemPromptFunc
}

// NewPipeline creates the pipeline. m may be nil.
func NewPipeline(adapter Adapter, invoker Invoker, cfg *config.LLMConfig, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		adapter: adapter,
		invoker: invoker,
		cfg:     cfg,
		metrics: m,
	}
}

// Adapter returns the family adapter in use.
func (p *Pipeline) Adapter() Adapter {
	return p.adapter
}

// SetSystemPromptFunc installs the pre-invocation system prompt override.
func (p *Pipeline) SetSystemPromptFunc(fn SystemPromptFunc) {
	p.systemPromptFn = fn
}

// Converse runs one model invocation with the full retry and recovery
// policy. The returned error, when non-nil, is an *InvokeError whose kind
// tells the orchestrator whether to surface it as a fatal reply.
func (p *Pipeline) Converse(ctx context.Context, req *Request) (*Reply, error) {
	messages := p.applySystemPrompt(req)

	// Preemptive shrink when the estimate already exceeds the window.
	if req.Shrink != nil && p.estimateTokens(messages) > p.cfg.ContextWindowTokens {
		if shrunk, err := req.Shrink(); err == nil {
			messages = shrunk
		}
	}

	shrunk := false
	var lastErr error

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if req.Limiter != nil {
			if err := req.Limiter.Wait(ctx); err != nil {
				return nil, &InvokeError{Kind: KindFatal, Message: "rate gate wait canceled", Err: err}
			}
		}

		body, err := p.adapter.FormatRequest(messages, req.Descriptors, p.cfg)
		if err != nil {
			return nil, &InvokeError{Kind: KindFatal, Message: "formatting request", Err: err}
		}

		started := time.Now()
		raw, err := p.invoker.Invoke(ctx, body)
		if p.metrics != nil {
			p.metrics.LLMDuration.Observe(time.Since(started).Seconds())
		}

		if err == nil {
			return p.adapter.ParseResponse(raw)
		}
		lastErr = err

		var invokeErr *InvokeError
		if !errors.As(err, &invokeErr) {
			return nil, err
		}

		switch {
		case invokeErr.Kind == KindContextTooLong && !shrunk && req.Shrink != nil:
			// One local recovery: shrink the history and go again.
			reduced, shrinkErr := req.Shrink()
			if shrinkErr != nil {
				return nil, invokeErr
			}
			slog.Warn("context window exceeded, retrying with reduced history",
				"session_id", req.SessionID,
				"messages_before", len(messages), "messages_after", len(reduced))
			messages = reduced
			shrunk = true
			continue

		case invokeErr.Retryable() && attempt < p.cfg.MaxRetries:
			delay := p.backoff(attempt, invokeErr.RetryAfter)
			if p.metrics != nil {
				p.metrics.LLMRetries.Inc()
			}
			slog.Warn("model invocation failed, retrying",
				"session_id", req.SessionID, "attempt", attempt+1,
				"kind", invokeErr.Kind, "delay", delay)
			if !p.sleep(ctx, delay) {
				return nil, &InvokeError{Kind: KindFatal, Message: "retry wait canceled", Err: ctx.Err()}
			}
			continue

		default:
			return nil, invokeErr
		}
	}

	return nil, lastErr
}

// applySystemPrompt runs the override hook, replacing or inserting the
// leading system message.
func (p *Pipeline) applySystemPrompt(req *Request) []conversation.Message {
	messages := req.Messages
	if p.systemPromptFn == nil {
		return messages
	}
	prompt := p.systemPromptFn(req.SessionID)
	if prompt == "" {
		return messages
	}

	out := make([]conversation.Message, 0, len(messages)+1)
	out = append(out, conversation.NewText(conversation.RoleSystem, prompt))
	for i := range messages {
		if messages[i].Role == conversation.RoleSystem {
			continue
		}
		out = append(out, messages[i])
	}
	return out
}

func (p *Pipeline) estimateTokens(messages []conversation.Message) int {
	chars := 0
	for i := range messages {
		chars += messages[i].ContentLength()
	}
	return utils.EstimateTokensFromChars(chars)
}

// backoff is min(base * 2^attempt, cap) with 10-30% jitter; a server hint
// wins outright. Jitter comes from the goroutine-safe top-level rand since
// one pipeline serves every session.
func (p *Pipeline) backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	base := time.Duration(p.cfg.RetryBaseDelay * float64(time.Second))
	cap := time.Duration(p.cfg.RetryMaxDelay * float64(time.Second))

	delay := base * (1 << attempt)
	if delay > cap {
		delay = cap
	}
	jitter := time.Duration(float64(delay) * (0.1 + 0.2*rand.Float64()))
	delay += jitter
	if delay > cap {
		delay = cap
	}
	return delay
}

// sleep waits for d or until ctx is canceled; returns false on cancel.
func (p *Pipeline) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

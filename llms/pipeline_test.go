package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apibridge/apibridge/config"
	"github.com/apibridge/apibridge/conversation"
)

// fakeInvoker replays a scripted sequence of responses and errors.
type fakeInvoker struct {
	responses []fakeResponse
	calls     int
	bodies    [][]byte
}

type fakeResponse struct {
	body []byte
	err  error
}

func (f *fakeInvoker) Invoke(_ context.Context, body []byte) ([]byte, error) {
	f.bodies = append(f.bodies, body)
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	r := f.responses[i]
	return r.body, r.err
}

func claudeTextResponse(t *testing.T, text string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"content":     []map[string]interface{}{{"type": "text", "text": text}},
		"stop_reason": "end_turn",
	})
	require.NoError(t, err)
	return raw
}

func pipelineLLMConfig() *config.LLMConfig {
	cfg := &config.LLMConfig{
		ModelID:        "anthropic.claude-3-sonnet",
		MaxRetries:     3,
		RetryBaseDelay: 0.001,
		RetryMaxDelay:  0.005,
	}
	cfg.SetDefaults()
	cfg.RetryBaseDelay = 0.001
	cfg.RetryMaxDelay = 0.005
	return cfg
}

func newTestPipeline(invoker Invoker, cfg *config.LLMConfig) *Pipeline {
	return NewPipeline(&ClaudeAdapter{}, invoker, cfg, nil)
}

func userRequest(text string) *Request {
	return &Request{
		SessionID: "s-1",
		Messages:  []conversation.Message{conversation.NewText(conversation.RoleUser, text)},
	}
}

func TestConverse_Success(t *testing.T) {
	invoker := &fakeInvoker{responses: []fakeResponse{
		{body: claudeTextResponse(t, "hello")},
	}}
	p := newTestPipeline(invoker, pipelineLLMConfig())

	reply, err := p.Converse(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello", reply.Text)
	assert.Equal(t, 1, invoker.calls)
}

func TestConverse_RetriesTransientThenSucceeds(t *testing.T) {
	invoker := &fakeInvoker{responses: []fakeResponse{
		{err: &InvokeError{Kind: KindTransient, Message: "502"}},
		{err: &InvokeError{Kind: KindRateLimited, Message: "throttled", RetryAfter: time.Millisecond}},
		{body: claudeTextResponse(t, "eventually")},
	}}
	p := newTestPipeline(invoker, pipelineLLMConfig())

	reply, err := p.Converse(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "eventually", reply.Text)
	assert.Equal(t, 3, invoker.calls)
}

func TestConverse_FatalNotRetried(t *testing.T) {
	invoker := &fakeInvoker{responses: []fakeResponse{
		{err: &InvokeError{Kind: KindFatal, Message: "ValidationException"}},
	}}
	p := newTestPipeline(invoker, pipelineLLMConfig())

	_, err := p.Converse(context.Background(), userRequest("hi"))
	require.Error(t, err)
	assert.Equal(t, 1, invoker.calls)

	var invokeErr *InvokeError
	require.ErrorAs(t, err, &invokeErr)
	assert.Equal(t, KindFatal, invokeErr.Kind)
}

func TestConverse_RetriesExhausted(t *testing.T) {
	invoker := &fakeInvoker{responses: []fakeResponse{
		{err: &InvokeError{Kind: KindTransient, Message: "502"}},
	}}
	cfg := pipelineLLMConfig()
	cfg.MaxRetries = 2
	p := newTestPipeline(invoker, cfg)

	_, err := p.Converse(context.Background(), userRequest("hi"))
	require.Error(t, err)
	assert.Equal(t, 3, invoker.calls, "initial attempt plus two retries")
}

func TestConverse_ContextTooLongShrinksOnce(t *testing.T) {
	invoker := &fakeInvoker{responses: []fakeResponse{
		{err: &InvokeError{Kind: KindContextTooLong, Message: "Input is too long"}},
		{body: claudeTextResponse(t, "recovered")},
	}}
	p := newTestPipeline(invoker, pipelineLLMConfig())

	shrinks := 0
	req := userRequest("hi")
	req.Shrink = func() ([]conversation.Message, error) {
		shrinks++
		return []conversation.Message{conversation.NewText(conversation.RoleUser, "hi")}, nil
	}

	reply, err := p.Converse(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply.Text)
	assert.Equal(t, 1, shrinks)
	assert.Equal(t, 2, invoker.calls)
}

func TestConverse_SecondContextTooLongIsTerminal(t *testing.T) {
	invoker := &fakeInvoker{responses: []fakeResponse{
		{err: &InvokeError{Kind: KindContextTooLong, Message: "Input is too long"}},
	}}
	p := newTestPipeline(invoker, pipelineLLMConfig())

	req := userRequest("hi")
	req.Shrink = func() ([]conversation.Message, error) {
		return []conversation.Message{conversation.NewText(conversation.RoleUser, "hi")}, nil
	}

	_, err := p.Converse(context.Background(), req)
	require.Error(t, err)

	var invokeErr *InvokeError
	require.ErrorAs(t, err, &invokeErr)
	assert.Equal(t, KindContextTooLong, invokeErr.Kind)
	assert.Equal(t, 2, invoker.calls, "one shrink recovery, then give up")
}

func TestConverse_PreemptiveShrink(t *testing.T) {
	invoker := &fakeInvoker{responses: []fakeResponse{
		{body: claudeTextResponse(t, "ok")},
	}}
	cfg := pipelineLLMConfig()
	cfg.ContextWindowTokens = 10
	p := newTestPipeline(invoker, cfg)

	shrinks := 0
	req := userRequest(strings.Repeat("x", 1000))
	req.Shrink = func() ([]conversation.Message, error) {
		shrinks++
		return []conversation.Message{conversation.NewText(conversation.RoleUser, "short")}, nil
	}

	_, err := p.Converse(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, shrinks, "estimate above the window triggers a shrink before the first attempt")
}

func TestConverse_SystemPromptOverride(t *testing.T) {
	invoker := &fakeInvoker{responses: []fakeResponse{
		{body: claudeTextResponse(t, "ok")},
	}}
	p := newTestPipeline(invoker, pipelineLLMConfig())
	p.SetSystemPromptFunc(func(sessionID string) string {
		return "override for " + sessionID
	})

	req := &Request{
		SessionID: "s-9",
		Messages: []conversation.Message{
			conversation.NewText(conversation.RoleSystem, "original"),
			conversation.NewText(conversation.RoleUser, "hi"),
		},
	}

	_, err := p.Converse(context.Background(), req)
	require.NoError(t, err)

	var sent ClaudeRequest
	require.NoError(t, json.Unmarshal(invoker.bodies[0], &sent))
	assert.Equal(t, "override for s-9", sent.System)
}

func TestConverse_CanceledContext(t *testing.T) {
	invoker := &fakeInvoker{responses: []fakeResponse{
		{err: &InvokeError{Kind: KindTransient, Message: "502", RetryAfter: time.Minute}},
	}}
	p := newTestPipeline(invoker, pipelineLLMConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := p.Converse(ctx, userRequest("hi"))
	require.Error(t, err)

	var invokeErr *InvokeError
	require.ErrorAs(t, err, &invokeErr)
	assert.Equal(t, KindFatal, invokeErr.Kind)
}

// throttledInvoker fails the first N calls with a transient error, from any
// goroutine.
type throttledInvoker struct {
	mu    sync.Mutex
	fails int
	body  []byte
}

func (c *throttledInvoker) Invoke(_ context.Context, _ []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fails > 0 {
		c.fails--
		return nil, &InvokeError{Kind: KindTransient, Message: "502"}
	}
	return c.body, nil
}

func TestConverse_ConcurrentSessionsShareOnePipeline(t *testing.T) {
	// Several sessions retry through the same pipeline at once; run with
	// the race detector to cover the shared backoff jitter source.
	invoker := &throttledInvoker{fails: 3, body: claudeTextResponse(t, "ok")}
	p := newTestPipeline(invoker, pipelineLLMConfig())

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.Converse(context.Background(), userRequest(fmt.Sprintf("hi-%d", i)))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "session %d", i)
	}
}

func TestBackoff(t *testing.T) {
	cfg := pipelineLLMConfig()
	cfg.RetryBaseDelay = 1
	cfg.RetryMaxDelay = 4
	p := newTestPipeline(&fakeInvoker{}, cfg)

	assert.Equal(t, 250*time.Millisecond, p.backoff(0, 250*time.Millisecond), "server hint wins")

	for attempt := 0; attempt < 6; attempt++ {
		d := p.backoff(attempt, 0)
		assert.GreaterOrEqual(t, d, time.Second, "attempt %d", attempt)
		assert.LessOrEqual(t, d, 4*time.Second, "attempt %d never exceeds the cap", attempt)
	}
}

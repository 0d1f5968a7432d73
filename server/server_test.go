package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apibridge/apibridge/config"
	"github.com/apibridge/apibridge/llms"
	"github.com/apibridge/apibridge/session"
	"github.com/apibridge/apibridge/tools"
)

// scriptedInvoker replays canned model responses, one per invocation.
type scriptedInvoker struct {
	mu        sync.Mutex
	responses [][]byte
	delay     time.Duration
	calls     int
}

func (f *scriptedInvoker) Invoke(ctx context.Context, body []byte) ([]byte, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, &llms.InvokeError{Kind: llms.KindFatal, Message: "canceled", Err: ctx.Err()}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	return f.responses[i], nil
}

func claudeText(t *testing.T, text string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"content":     []map[string]interface{}{{"type": "text", "text": text}},
		"stop_reason": "end_turn",
	})
	require.NoError(t, err)
	return raw
}

func claudeToolUse(t *testing.T, id, name string, input map[string]interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": "Let me check."},
			{"type": "tool_use", "id": id, "name": name, "input": input},
		},
		"stop_reason": "tool_use",
	})
	require.NoError(t, err)
	return raw
}

// bridge is the assembled server under test plus the pieces the assertions
// need to reach.
type bridge struct {
	cfg     *config.Config
	server  *httptest.Server
	invoker *scriptedInvoker
}

func newBridge(t *testing.T, apiURL string, invoker *scriptedInvoker, mutate func(*config.Config)) *bridge {
	t.Helper()

	cfg := &config.Config{}
	cfg.LLM.ModelID = "anthropic.claude-3-sonnet"
	cfg.Tools.BaseURL = apiURL
	cfg.Tools.OpenAPIFile = "unused.yaml"
	cfg.SetDefaults()
	cfg.LLM.RateLimitRPS = 1000
	cfg.LLM.RateLimitBurst = 1000
	if mutate != nil {
		mutate(cfg)
	}

	table := tools.NewTable([]tools.Descriptor{{
		Name: "get_weather", Method: "GET", PathTemplate: "/weather",
		Parameters: []tools.Parameter{{Name: "city", In: tools.InQuery, Type: "string", Required: true}},
	}})
	executor := tools.NewExecutor(table, &cfg.Tools, http.DefaultClient, nil)

	pipeline := llms.NewPipeline(&llms.ClaudeAdapter{}, invoker, &cfg.LLM, nil)
	sessions := session.NewManager(cfg, http.DefaultClient, nil)
	t.Cleanup(sessions.Stop)

	srv := New(cfg, sessions, pipeline, executor, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &bridge{cfg: cfg, server: ts, invoker: invoker}
}

func (b *bridge) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) OutboundFrame {
	t.Helper()
	var frame OutboundFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// awaitFrame skips frames until one of the wanted type arrives.
func awaitFrame(t *testing.T, conn *websocket.Conn, frameType string) OutboundFrame {
	t.Helper()
	for {
		frame := readFrame(t, conn)
		if frame.Type == frameType {
			return frame
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, frame map[string]interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func TestWebSocket_ConnectionEstablished(t *testing.T) {
	b := newBridge(t, "http://unused", &scriptedInvoker{responses: [][]byte{claudeText(t, "hi")}}, nil)
	conn := b.dial(t)

	frame := readFrame(t, conn)
	assert.Equal(t, FrameConnectionEstablished, frame.Type)
	assert.NotEmpty(t, frame.SessionID)
	assert.NotEmpty(t, frame.Timestamp)
}

func TestWebSocket_PingPong(t *testing.T) {
	b := newBridge(t, "http://unused", &scriptedInvoker{responses: [][]byte{claudeText(t, "hi")}}, nil)
	conn := b.dial(t)
	readFrame(t, conn)

	send(t, conn, map[string]interface{}{"type": "ping"})
	frame := readFrame(t, conn)
	assert.Equal(t, FramePong, frame.Type)
}

func TestWebSocket_AuthLifecycle(t *testing.T) {
	b := newBridge(t, "http://unused", &scriptedInvoker{responses: [][]byte{claudeText(t, "hi")}}, nil)
	conn := b.dial(t)
	readFrame(t, conn)

	send(t, conn, map[string]interface{}{
		"type": "auth", "auth_type": "bearer_token", "token": "T",
	})
	frame := readFrame(t, conn)
	assert.Equal(t, FrameAuthConfigured, frame.Type)
	assert.Equal(t, "bearer_token", frame.AuthType)

	// Invalid credentials are rejected without dropping the connection.
	send(t, conn, map[string]interface{}{
		"type": "auth", "auth_type": "basic_auth", "username": "u",
	})
	frame = readFrame(t, conn)
	assert.Equal(t, FrameAuthFailed, frame.Type)
	assert.Contains(t, frame.Message, "basic_auth")

	send(t, conn, map[string]interface{}{"type": "logout"})
	frame = readFrame(t, conn)
	assert.Equal(t, FrameLogoutSuccess, frame.Type)
	assert.Equal(t, "Credentials cleared", frame.Message)
}

func TestWebSocket_AuthDisabled(t *testing.T) {
	b := newBridge(t, "http://unused", &scriptedInvoker{responses: [][]byte{claudeText(t, "hi")}},
		func(cfg *config.Config) {
			off := false
			cfg.Tools.EnableToolAuth = &off
		})
	conn := b.dial(t)
	readFrame(t, conn)

	send(t, conn, map[string]interface{}{
		"type": "auth", "auth_type": "bearer_token", "token": "T",
	})
	frame := readFrame(t, conn)
	assert.Equal(t, FrameAuthFailed, frame.Type)
	assert.Contains(t, frame.Message, "disabled")
}

func TestWebSocket_ChatWithToolRound(t *testing.T) {
	var gotAuth, gotQuery string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"temp": "21C", "sky": "clear"}`))
	}))
	defer api.Close()

	invoker := &scriptedInvoker{responses: [][]byte{
		claudeToolUse(t, "tc-1", "get_weather", map[string]interface{}{"city": "Oslo"}),
		claudeText(t, "It is 21C and clear in Oslo."),
	}}
	b := newBridge(t, api.URL, invoker, nil)
	conn := b.dial(t)
	readFrame(t, conn)

	send(t, conn, map[string]interface{}{
		"type": "auth", "auth_type": "bearer_token", "token": "user-token",
	})
	awaitFrame(t, conn, FrameAuthConfigured)

	send(t, conn, map[string]interface{}{"type": "chat", "message": "weather in Oslo?"})

	typing := awaitFrame(t, conn, FrameTyping)
	assert.Equal(t, "AI is thinking...", typing.Message)

	reply := awaitFrame(t, conn, FrameAIResponse)
	assert.Equal(t, "It is 21C and clear in Oslo.", reply.Message)
	require.Len(t, reply.ToolCalls, 1)
	assert.Equal(t, "get_weather", reply.ToolCalls[0].Name)
	require.Len(t, reply.ToolResults, 1)
	assert.Contains(t, reply.ToolResults[0].Content, "21C")
	assert.False(t, reply.ToolResults[0].IsError)

	// The session's credentials reached the API, per-user.
	assert.Equal(t, "Bearer user-token", gotAuth)
	assert.Equal(t, "city=Oslo", gotQuery)
	assert.Equal(t, 2, invoker.calls)
}

func TestWebSocket_ChatRequiresAuthWhenConfigured(t *testing.T) {
	b := newBridge(t, "http://unused", &scriptedInvoker{responses: [][]byte{claudeText(t, "hi")}},
		func(cfg *config.Config) {
			cfg.Tools.RequireToolAuth = true
		})
	conn := b.dial(t)
	readFrame(t, conn)

	send(t, conn, map[string]interface{}{"type": "chat", "message": "hello"})
	frame := readFrame(t, conn)
	assert.Equal(t, FrameAuthFailed, frame.Type)
	assert.Contains(t, frame.Message, "authentication required")
}

func TestWebSocket_EmptyChatMessage(t *testing.T) {
	b := newBridge(t, "http://unused", &scriptedInvoker{responses: [][]byte{claudeText(t, "hi")}}, nil)
	conn := b.dial(t)
	readFrame(t, conn)

	send(t, conn, map[string]interface{}{"type": "chat"})
	frame := readFrame(t, conn)
	assert.Equal(t, FrameError, frame.Type)
}

func TestWebSocket_BusyReject(t *testing.T) {
	invoker := &scriptedInvoker{
		responses: [][]byte{claudeText(t, "slow reply")},
		delay:     300 * time.Millisecond,
	}
	b := newBridge(t, "http://unused", invoker, nil)
	conn := b.dial(t)
	readFrame(t, conn)

	send(t, conn, map[string]interface{}{"type": "chat", "message": "first"})
	awaitFrame(t, conn, FrameTyping)

	send(t, conn, map[string]interface{}{"type": "chat", "message": "second"})
	frame := awaitFrame(t, conn, FrameBusy)
	assert.Contains(t, frame.Message, "in progress")

	// The first turn still completes.
	reply := awaitFrame(t, conn, FrameAIResponse)
	assert.Equal(t, "slow reply", reply.Message)
}

func TestWebSocket_BusyQueueRunsBothTurns(t *testing.T) {
	invoker := &scriptedInvoker{
		responses: [][]byte{claudeText(t, "answer")},
		delay:     100 * time.Millisecond,
	}
	b := newBridge(t, "http://unused", invoker, func(cfg *config.Config) {
		cfg.Session.BusyPolicy = config.BusyQueue
	})
	conn := b.dial(t)
	readFrame(t, conn)

	send(t, conn, map[string]interface{}{"type": "chat", "message": "first"})
	awaitFrame(t, conn, FrameTyping)
	send(t, conn, map[string]interface{}{"type": "chat", "message": "second"})

	awaitFrame(t, conn, FrameAIResponse)
	awaitFrame(t, conn, FrameAIResponse)
	assert.Equal(t, 2, invoker.calls)
}

func TestWebSocket_HistoryAndClear(t *testing.T) {
	invoker := &scriptedInvoker{responses: [][]byte{claudeText(t, "hello there")}}
	b := newBridge(t, "http://unused", invoker, nil)
	conn := b.dial(t)
	readFrame(t, conn)

	send(t, conn, map[string]interface{}{"type": "chat", "message": "hi"})
	awaitFrame(t, conn, FrameAIResponse)

	send(t, conn, map[string]interface{}{"type": "history"})
	frame := awaitFrame(t, conn, FrameHistoryReply)
	require.Len(t, frame.Messages, 2)
	assert.Equal(t, "user", frame.Messages[0].Role)
	assert.Equal(t, "hi", frame.Messages[0].Content)
	assert.Equal(t, "assistant", frame.Messages[1].Role)

	send(t, conn, map[string]interface{}{"type": "clear"})
	awaitFrame(t, conn, FrameHistoryCleared)

	send(t, conn, map[string]interface{}{"type": "history"})
	frame = awaitFrame(t, conn, FrameHistoryReply)
	assert.Empty(t, frame.Messages)
}

func TestWebSocket_UnknownFrameType(t *testing.T) {
	b := newBridge(t, "http://unused", &scriptedInvoker{responses: [][]byte{claudeText(t, "hi")}}, nil)
	conn := b.dial(t)
	readFrame(t, conn)

	send(t, conn, map[string]interface{}{"type": "teleport"})
	frame := readFrame(t, conn)
	assert.Equal(t, FrameError, frame.Type)
	assert.Contains(t, frame.Message, "teleport")
}

func TestHTTP_Healthz(t *testing.T) {
	b := newBridge(t, "http://unused", &scriptedInvoker{responses: [][]byte{claudeText(t, "hi")}}, nil)

	resp, err := http.Get(b.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "healthy", payload["status"])
}

func TestHTTP_SessionStats(t *testing.T) {
	b := newBridge(t, "http://unused", &scriptedInvoker{responses: [][]byte{claudeText(t, "hi")}}, nil)
	conn := b.dial(t)
	established := readFrame(t, conn)

	resp, err := http.Get(b.server.URL + "/sessions/" + established.SessionID + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, established.SessionID, payload["session_id"])
	assert.Equal(t, "none", payload["auth_type"])

	resp, err = http.Get(b.server.URL + "/sessions/does-not-exist/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocket_SessionRemovedOnClose(t *testing.T) {
	b := newBridge(t, "http://unused", &scriptedInvoker{responses: [][]byte{claudeText(t, "hi")}}, nil)
	conn := b.dial(t)
	established := readFrame(t, conn)

	statsURL := b.server.URL + "/sessions/" + established.SessionID + "/stats"
	resp, err := http.Get(statsURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	conn.Close()

	require.Eventually(t, func() bool {
		resp, err := http.Get(statsURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusNotFound
	}, 3*time.Second, 50*time.Millisecond, "closing the channel destroys the session")
}

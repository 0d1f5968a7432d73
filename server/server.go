package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"

	"github.com/apibridge/apibridge/auth"
	"github.com/apibridge/apibridge/config"
	"github.com/apibridge/apibridge/internal/metrics"
	"github.com/apibridge/apibridge/llms"
	"github.com/apibridge/apibridge/session"
	"github.com/apibridge/apibridge/tools"
)

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP surface: the WebSocket chat channel plus health,
// metrics and a per-session stats endpoint.
type Server struct {
	cfg      *config.Config
	sessions *session.Manager
	pipeline *llms.Pipeline
	executor *tools.Executor
	metrics  *metrics.Metrics

	upgrader websocket.Upgrader
	router   chi.Router
}

// New wires the server. m may be nil.
func New(cfg *config.Config, sessions *session.Manager, pipeline *llms.Pipeline, executor *tools.Executor, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		pipeline: pipeline,
		executor: executor,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	r.Get("/ws", s.handleWebSocket)
	r.Get("/sessions/{sessionID}/stats", s.handleSessionStats)
	s.router = r

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"sessions": s.sessions.Len(),
	})
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}

	stats := sess.History.Stats()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":       sess.ID,
		"created_at":       sess.CreatedAt,
		"last_activity":    sess.LastActivity(),
		"message_count":    stats.MessageCount,
		"total_chars":      stats.TotalChars,
		"estimated_tokens": stats.EstimatedTokens,
		"by_role":          stats.ByRole,
		"auth_type":        string(sess.Store.Type()),
	})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// ============================================================================
// WEBSOCKET CHANNEL
// ============================================================================

// wsConn serializes writes; the turn loop and the read loop both emit
// frames.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(frame OutboundFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(frame)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	sess := s.sessions.Create()
	c := &wsConn{conn: conn}

	defer func() {
		// Channel close cancels in-flight work and destroys the session.
		s.sessions.Remove(sess.ID)
		conn.Close()
	}()

	if err := c.send(stamped(OutboundFrame{
		Type:      FrameConnectionEstablished,
		SessionID: sess.ID,
	})); err != nil {
		return
	}

	for {
		var raw map[string]interface{}
		if err := conn.ReadJSON(&raw); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket closed unexpectedly", "session_id", sess.ID, "error", err)
			}
			return
		}
		sess.Touch()

		frameType, _ := raw["type"].(string)
		switch frameType {
		case FramePing:
			c.send(OutboundFrame{Type: FramePong})

		case FrameAuth:
			s.handleAuth(c, sess, raw)

		case FrameLogout:
			sess.Store.Clear()
			c.send(stamped(OutboundFrame{
				Type:    FrameLogoutSuccess,
				Message: "Credentials cleared",
			}))

		case FrameHistory:
			c.send(stamped(OutboundFrame{
				Type:     FrameHistoryReply,
				Messages: historyEntries(sess.History.Messages()),
			}))

		case FrameClear:
			sess.History.Clear()
			c.send(stamped(OutboundFrame{Type: FrameHistoryCleared}))

		case FrameChat:
			s.handleChat(c, sess, raw)

		default:
			c.send(errorFrame(fmt.Sprintf("unknown frame type: %q", frameType)))
		}
	}
}

// handleAuth decodes the credential fields from the frame and stores them.
func (s *Server) handleAuth(c *wsConn, sess *session.Session, raw map[string]interface{}) {
	if s.cfg.Tools.EnableToolAuth == nil || !*s.cfg.Tools.EnableToolAuth {
		c.send(stamped(OutboundFrame{
			Type:    FrameAuthFailed,
			Message: "tool authentication is disabled",
		}))
		return
	}

	var creds auth.Credentials
	if err := mapstructure.Decode(raw, &creds); err != nil {
		c.send(stamped(OutboundFrame{
			Type:    FrameAuthFailed,
			Message: "malformed auth frame: " + err.Error(),
		}))
		return
	}

	if err := sess.Store.Set(creds); err != nil {
		c.send(stamped(OutboundFrame{
			Type:    FrameAuthFailed,
			Message: err.Error(),
		}))
		return
	}

	slog.Info("credentials configured", "session_id", sess.ID, "auth_type", creds.Type)
	c.send(stamped(OutboundFrame{
		Type:     FrameAuthConfigured,
		AuthType: string(creds.Type),
	}))
}

// handleChat starts a turn, enforcing the auth requirement and the busy
// policy.
func (s *Server) handleChat(c *wsConn, sess *session.Session, raw map[string]interface{}) {
	message, _ := raw["message"].(string)
	if message == "" {
		c.send(errorFrame("chat frame requires a message"))
		return
	}

	if s.cfg.Tools.RequireToolAuth && sess.Store.Type() == auth.TypeNone {
		c.send(stamped(OutboundFrame{
			Type:    FrameAuthFailed,
			Message: "authentication required before chatting",
		}))
		return
	}

	started, queued := sess.TryBeginTurn(message, s.cfg.Session.BusyPolicy)
	switch {
	case started:
		go s.runTurns(c, sess, message)
	case queued:
		slog.Debug("chat queued behind in-flight turn", "session_id", sess.ID)
	default:
		c.send(stamped(OutboundFrame{
			Type:    FrameBusy,
			Message: "a turn is already in progress",
		}))
	}
}

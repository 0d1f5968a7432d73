package session

import (
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/apibridge/apibridge/auth"
	"github.com/apibridge/apibridge/config"
	"github.com/apibridge/apibridge/conversation"
	"github.com/apibridge/apibridge/internal/metrics"
)

// ============================================================================
// SESSION MANAGER
// ============================================================================

// evictBatch is how many of the oldest sessions are dropped when the table
// is full.
const evictBatch = 10

// Manager is the session table: insert, lookup, remove, idle reaping. Its
// lock guards only the map; per-session state is guarded by each session.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	cfg        *config.Config
	authClient *http.Client
	metrics    *metrics.Metrics

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates the session table. authClient is the shared HTTP
// client used for OAuth2 token fetches. m may be nil.
func NewManager(cfg *config.Config, authClient *http.Client, m *metrics.Metrics) *Manager {
	return &Manager{
		sessions:   make(map[string]*Session),
		cfg:        cfg,
		authClient: authClient,
		metrics:    m,
		stop:       make(chan struct{}),
	}
}

// Create allocates a session with a fresh unguessable id, evicting the
// oldest sessions when the table is full.
func (m *Manager) Create() *Session {
	s := &Session{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
	}
	s.History = conversation.NewHistory(s.ID, &m.cfg.Conversation)
	s.Store = auth.NewStore(
		m.authClient,
		m.cfg.Tools.SupportedAuthTypes,
		time.Duration(m.cfg.Tools.AuthTokenCacheTTL)*time.Second,
	)
	s.Limiter = rate.NewLimiter(rate.Limit(m.cfg.LLM.RateLimitRPS), m.cfg.LLM.RateLimitBurst)
	s.lastActivity = time.Now()

	m.mu.Lock()
	if len(m.sessions) >= m.cfg.Session.MaxSessions {
		m.evictOldestLocked()
	}
	m.sessions[s.ID] = s
	count := len(m.sessions)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionsActive.Set(float64(count))
	}
	slog.Info("session created", "session_id", s.ID, "sessions", count)
	return s
}

// Get looks up a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove drops a session, canceling any in-flight work.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return
	}
	s.Cancel()
	s.Store.Clear()
	if m.metrics != nil {
		m.metrics.SessionsActive.Set(float64(count))
	}
	slog.Info("session removed", "session_id", id, "sessions", count)
}

// Len returns the live session count.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// evictOldestLocked removes the least recently active sessions in a batch.
func (m *Manager) evictOldestLocked() {
	type entry struct {
		id       string
		activity time.Time
	}
	entries := make([]entry, 0, len(m.sessions))
	for id, s := range m.sessions {
		entries = append(entries, entry{id: id, activity: s.LastActivity()})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].activity.Before(entries[j].activity)
	})

	n := evictBatch
	if n > len(entries) {
		n = len(entries)
	}
	for _, e := range entries[:n] {
		if s, ok := m.sessions[e.id]; ok {
			delete(m.sessions, e.id)
			go s.Cancel()
		}
	}
	slog.Warn("session table full, evicted oldest", "evicted", n)
}

// StartReaper launches the idle-session sweep. Stop shuts it down.
func (m *Manager) StartReaper() {
	go func() {
		ticker := time.NewTicker(m.cfg.Session.SweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.reapIdle()
			}
		}
	}()
}

// Stop halts the reaper and cancels every session.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		s.Cancel()
	}
}

func (m *Manager) reapIdle() {
	idle := m.cfg.Session.IdleTimeout()
	cutoff := time.Now().Add(-idle)

	m.mu.RLock()
	var expired []string
	for id, s := range m.sessions {
		if s.LastActivity().Before(cutoff) && !s.Processing() {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		slog.Info("reaping idle session", "session_id", id)
		m.Remove(id)
	}
}

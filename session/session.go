// Package session owns the per-connection session state and the process
// session table.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/apibridge/apibridge/auth"
	"github.com/apibridge/apibridge/config"
	"github.com/apibridge/apibridge/conversation"
)

// ============================================================================
// ERROR TYPES
// ============================================================================

// SessionError represents an error in session management
type SessionError struct {
	SessionID string
	Operation string
	Message   string
	Err       error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session %s [%s]: %s: %v", e.Operation, e.SessionID, e.Message, e.Err)
	}
	return fmt.Sprintf("session %s [%s]: %s", e.Operation, e.SessionID, e.Message)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// ============================================================================
// SESSION
// ============================================================================

// Session is the per-connection state: credential slot, message history,
// rate gate, and the serializing turn gate. The gate protects only the
// fields here; it is never held across I/O.
type Session struct {
	ID        string
	CreatedAt time.Time

	History *conversation.History
	Store   *auth.Store
	Limiter *rate.Limiter

	mu           sync.Mutex
	lastActivity time.Time
	processing   bool
	queued       []string
	cancelTurn   context.CancelFunc
}

// Touch records activity for idle expiry.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the most recent activity time.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// TryBeginTurn attempts to claim the turn gate. When a turn is already in
// flight the message is queued or rejected per policy; the second return
// reports whether the message was queued.
func (s *Session) TryBeginTurn(message string, busyPolicy string) (started, queued bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.processing {
		s.processing = true
		return true, false
	}
	if busyPolicy == config.BusyQueue {
		s.queued = append(s.queued, message)
		return false, true
	}
	return false, false
}

// EndTurn releases the turn gate. When messages queued up during the turn,
// the oldest is returned and the gate stays claimed for it.
func (s *Session) EndTurn() (next string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelTurn = nil
	if len(s.queued) > 0 {
		next = s.queued[0]
		s.queued = s.queued[1:]
		return next, true
	}
	s.processing = false
	return "", false
}

// Processing reports whether a turn is in flight.
func (s *Session) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// SetCancel registers the in-flight turn's cancel function.
func (s *Session) SetCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancelTurn = cancel
	s.mu.Unlock()
}

// Cancel aborts any in-flight turn and drops queued messages. Called on
// channel close and by the reaper.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancelTurn
	s.cancelTurn = nil
	s.queued = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

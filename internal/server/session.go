package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// sessionIdleTimeout closes sessions with no traffic.
	sessionIdleTimeout = 10 * time.Minute
	// keepaliveInterval paces heartbeats on streaming responses.
	keepaliveInterval = 30 * time.Second
	// sessionOutboxSize bounds queued server-push frames per session.
	sessionOutboxSize = 64
)

// Session is one downstream transport session bound to a routing
// scope. Frames pushed by the hub (responses over SSE, notifications)
// flow through the outbox; the transport handler drains it.
type Session struct {
	ID        string
	Scope     RoutingScope
	User      string
	CreatedAt time.Time

	outbox chan []byte

	mu         sync.Mutex
	lastActive time.Time
	inflight   map[string]context.CancelFunc
	closed     bool
	onClose    func()
}

// Touch resets the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Send queues a frame for delivery. Frames are dropped when the
// transport cannot keep up; MCP notifications are best-effort. The send
// happens under s.mu, the same lock close holds when sealing the
// outbox, so it can never hit a closed channel.
func (s *Session) Send(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.outbox <- frame:
		return true
	default:
		return false
	}
}

// Outbox exposes the delivery channel to the transport handler.
func (s *Session) Outbox() <-chan []byte {
	return s.outbox
}

// TrackRequest registers a cancel handle for an in-flight request id.
func (s *Session) TrackRequest(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	s.inflight[id] = cancel
	s.mu.Unlock()
}

// FinishRequest drops the handle once the request completed.
func (s *Session) FinishRequest(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// CancelRequest aborts one in-flight request.
func (s *Session) CancelRequest(id string) {
	s.mu.Lock()
	cancel := s.inflight[id]
	delete(s.inflight, id)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// close cancels all in-flight requests and seals the outbox.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancels := make([]context.CancelFunc, 0, len(s.inflight))
	for _, cancel := range s.inflight {
		cancels = append(cancels, cancel)
	}
	s.inflight = map[string]context.CancelFunc{}
	onClose := s.onClose
	// Seal the outbox while still holding s.mu; buffered frames drain to
	// the receiver before it observes the close.
	close(s.outbox)
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if onClose != nil {
		onClose()
	}
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive)
}

// SessionManager owns every downstream session.
type SessionManager struct {
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionManager creates an empty manager; RunJanitor starts idle
// collection.
func NewSessionManager(logger *zap.Logger) *SessionManager {
	return &SessionManager{
		logger:   logger.Named("sessions"),
		sessions: make(map[string]*Session),
	}
}

// Create mints a session with a fresh UUIDv4. An id collision would
// break request correlation, so it is treated as fatal.
func (m *SessionManager) Create(scope RoutingScope, user string) *Session {
	session := &Session{
		ID:         uuid.NewString(),
		Scope:      scope,
		User:       user,
		CreatedAt:  time.Now(),
		lastActive: time.Now(),
		outbox:     make(chan []byte, sessionOutboxSize),
		inflight:   make(map[string]context.CancelFunc),
	}

	m.mu.Lock()
	if _, exists := m.sessions[session.ID]; exists {
		m.mu.Unlock()
		m.logger.Fatal("Session id collision", zap.String("session_id", session.ID))
	}
	m.sessions[session.ID] = session
	m.mu.Unlock()

	m.logger.Debug("Session created",
		zap.String("session_id", session.ID),
		zap.String("scope", scope.Kind.String()),
		zap.String("scope_id", scope.ID),
		zap.String("user", user))
	return session
}

// Get looks a session up by id.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	return session, ok
}

// Close removes and closes a session. Transports are closed outside
// the map lock.
func (m *SessionManager) Close(id string) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		session.close()
		m.logger.Debug("Session closed", zap.String("session_id", id))
	}
}

// CloseAll tears every session down.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Broadcast queues a frame on every session the filter accepts.
func (m *SessionManager) Broadcast(frame []byte, filter func(*Session) bool) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if filter == nil || filter(s) {
			s.Send(frame)
		}
	}
}

// RunJanitor closes idle sessions until the context ends.
func (m *SessionManager) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.mu.Lock()
			var stale []string
			for id, s := range m.sessions {
				if s.idleSince(now) > sessionIdleTimeout {
					stale = append(stale, id)
				}
			}
			m.mu.Unlock()
			for _, id := range stale {
				m.logger.Info("Closing idle session", zap.String("session_id", id))
				m.Close(id)
			}
		}
	}
}

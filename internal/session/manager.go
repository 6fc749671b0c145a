package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/wedlink/msgsync/pkg/logger"
)

// Builder creates the options of a new session for an identity.
type Builder func(id Identity) (Options, error)

// Manager owns at most one session per user.
type Manager struct {
	build  Builder
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a manager building sessions with build.
func NewManager(build Builder, log *logger.Logger) *Manager {
	return &Manager{
		build:    build,
		logger:   logger.OrNop(log).Named("sessions"),
		sessions: make(map[string]*Session),
	}
}

// Open returns the user's session, creating and starting it if needed. A
// session whose token differs from id.Token is replaced.
func (m *Manager) Open(ctx context.Context, id Identity) (*Session, bool, error) {
	m.mu.Lock()
	existing, ok := m.sessions[id.UserID]
	if ok && existing.id.Token == id.Token && !existing.isClosed() {
		m.mu.Unlock()
		return existing, false, nil
	}
	delete(m.sessions, id.UserID)
	m.mu.Unlock()
	if ok {
		existing.Close()
	}

	opts, err := m.build(id)
	if err != nil {
		return nil, false, err
	}
	opts.Identity = id
	s, err := New(opts)
	if err != nil {
		return nil, false, err
	}
	if err := s.Start(ctx); err != nil {
		s.Close()
		return nil, false, err
	}

	m.mu.Lock()
	if other, raced := m.sessions[id.UserID]; raced {
		m.mu.Unlock()
		s.Close()
		return other, false, nil
	}
	m.sessions[id.UserID] = s
	m.mu.Unlock()

	m.logger.Info("session opened", zap.String("user_id", id.UserID), zap.String("role", string(id.Role)))
	return s, true, nil
}

// Get returns the open session of userID.
func (m *Manager) Get(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

// Close ends the session of userID.
func (m *Manager) Close(userID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
	return ok
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll ends every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}

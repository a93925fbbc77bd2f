package session

import (
	"errors"
	"sync"
)

// ErrNoSession is returned when no song is open.
var ErrNoSession = errors.New("no song open")

// Manager holds the single open session. Opening a song closes the
// previous one before the new one starts loading.
type Manager struct {
	mu      sync.Mutex
	current *Session
	observe func(*Session)
}

// NewManager creates an empty manager. observe, if not nil, is called with
// every session before it starts.
func NewManager(observe func(*Session)) *Manager {
	return &Manager{observe: observe}
}

// Replace closes the current session, if any, and starts s in its place.
func (m *Manager) Replace(s *Session) {
	m.mu.Lock()
	prev := m.current
	m.current = s
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	if m.observe != nil {
		m.observe(s)
	}
	s.Start()
}

// Current returns the open session.
func (m *Manager) Current() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNoSession
	}
	return m.current, nil
}

// Close closes the open session.
func (m *Manager) Close() error {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

package session

import (
	"context"
	"sync"
	"time"
)

// Store abstracts session persistence so the router and orchestrator do not
// care whether sessions live in process memory or an external store.
type Store interface {
	// Get returns the session for the chat, or false if none exists or it
	// has expired.
	Get(ctx context.Context, chatID int64) (*Session, bool, error)
	Put(ctx context.Context, s *Session) error
	Delete(ctx context.Context, chatID int64) error
	// Sweep removes every session idle for longer than the expiry window
	// and returns how many were deleted.
	Sweep(ctx context.Context) (int, error)
}

// MemoryStore is the default single-instance backend.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[int64]*Session),
		now:      time.Now,
	}
}

func (m *MemoryStore) Get(ctx context.Context, chatID int64) (*Session, bool, error) {
	m.mu.RLock()
	s, ok := m.sessions[chatID]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if s.Expired(m.now()) {
		// Stale entry; the sweep will remove it, the caller sees no session.
		return nil, false, nil
	}
	cp := *s
	return &cp, true, nil
}

func (m *MemoryStore) Put(ctx context.Context, s *Session) error {
	cp := *s
	m.mu.Lock()
	m.sessions[s.ChatID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, chatID int64) error {
	m.mu.Lock()
	delete(m.sessions, chatID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Sweep(ctx context.Context) (int, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

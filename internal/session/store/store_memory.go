package store

import (
	"context"
	"sync"

	"sessionlink/internal/session"
)

// InMemoryStore keeps session state in process memory. It backs tests and
// single-process embedding; production deployments use the redis store so the
// state survives restarts.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
	values   map[string][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]session.Session),
		values:   make(map[string][]byte),
	}
}

func (s *InMemoryStore) Save(_ context.Context, sess session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.UserID] = sess
	return nil
}

func (s *InMemoryStore) Find(_ context.Context, userID string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[userID]; ok {
		return sess, nil
	}
	return session.Session{}, ErrNotFound
}

func (s *InMemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
	return nil
}

func (s *InMemoryStore) PutValue(_ context.Context, namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.values[namespace+":"+key] = cp
	return nil
}

func (s *InMemoryStore) GetValue(_ context.Context, namespace, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[namespace+":"+key]; ok {
		cp := make([]byte, len(v))
		copy(cp, v)
		return cp, nil
	}
	return nil, ErrNotFound
}

func (s *InMemoryStore) DeleteValue(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, namespace+":"+key)
	return nil
}

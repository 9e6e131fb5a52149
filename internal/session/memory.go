package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store guarded by a RWMutex.
// Suitable for single-process deployments and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Get returns the session for a bot, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, friendCode string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[friendCode]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

// Put stores or overwrites the session for a bot.
func (s *MemoryStore) Put(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sess
	s.sessions[sess.FriendCode] = &cp
	return nil
}

// MarkExpired flags a bot's session as expired.
func (s *MemoryStore) MarkExpired(_ context.Context, friendCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[friendCode]
	if !ok {
		return ErrNotFound
	}
	sess.Expired = true
	return nil
}

// MarkValid clears the expired flag and refreshes the validation time.
func (s *MemoryStore) MarkValid(_ context.Context, friendCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[friendCode]
	if !ok {
		return ErrNotFound
	}
	sess.Expired = false
	sess.ValidatedAt = time.Now()
	return nil
}

// List returns every known session.
func (s *MemoryStore) List(_ context.Context) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FriendCode < out[j].FriendCode })
	return out, nil
}

// ListAvailable returns the friend codes of bots with non-expired sessions.
func (s *MemoryStore) ListAvailable(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	codes := make([]string, 0, len(s.sessions))
	for code, sess := range s.sessions {
		if !sess.Expired {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes, nil
}

package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store using an in-memory map.
// Safe for concurrent use. Intended for tests and single-node deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
	}
}

// Create stores a new session.
func (s *MemoryStore) Create(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return ErrSessionExists
	}
	s.sessions[sess.ID] = copySession(sess)
	return nil
}

// Get retrieves a session by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[id]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return copySession(sess), nil
}

// Update modifies an existing session with optimistic locking. Terminal
// sessions reject any update that changes their status.
func (s *MemoryStore) Update(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.sessions[sess.ID]
	if !exists {
		return ErrSessionNotFound
	}
	if !existing.UpdatedAt.Equal(sess.UpdatedAt) {
		return ErrConcurrentModification
	}
	if existing.Status.IsTerminal() && sess.Status != existing.Status {
		return ErrTerminalState
	}
	updated := copySession(sess)
	updated.UpdatedAt = time.Now()
	s.sessions[sess.ID] = updated
	sess.UpdatedAt = updated.UpdatedAt
	return nil
}

// Delete removes a session. Idempotent.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// ListByPrincipal returns sessions for a principal, newest first.
func (s *MemoryStore) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*Session, error) {
	return s.list(func(sess *Session) bool {
		return sess.PrincipalID == principalID
	}, limit)
}

// ListByStatus returns sessions with the given status, newest first.
func (s *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Session, error) {
	return s.list(func(sess *Session) bool {
		return sess.Status == status
	}, limit)
}

func (s *MemoryStore) list(match func(*Session) bool, limit int) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = enforceLimit(limit)
	out := make([]*Session, 0)
	for _, sess := range s.sessions {
		if match(sess) {
			out = append(out, copySession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// enforceLimit applies the default and maximum query limits.
func enforceLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

// copySession returns a deep copy so callers cannot mutate stored state.
func copySession(s *Session) *Session {
	dup := *s
	dup.IPHistory = append([]string(nil), s.IPHistory...)
	dup.AccessLog = append([]AccessLogEntry(nil), s.AccessLog...)
	dup.RiskHistory = append([]RiskEntry(nil), s.RiskHistory...)
	return &dup
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)

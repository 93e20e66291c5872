package contextual

import (
	"context"
	"sync"
)

// MemoryHistoryStore implements HistoryStore using an in-memory map.
// Safe for concurrent use. Intended for tests and single-node deployments.
type MemoryHistoryStore struct {
	mu        sync.RWMutex
	histories map[string]*History
}

// NewMemoryHistoryStore creates a new in-memory history store.
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{
		histories: make(map[string]*History),
	}
}

// Get retrieves a principal's history.
func (s *MemoryHistoryStore) Get(ctx context.Context, principalID string) (*History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, exists := s.histories[principalID]
	if !exists {
		return nil, ErrHistoryNotFound
	}
	return h.Clone(), nil
}

// Put stores the history, replacing any existing record.
func (s *MemoryHistoryStore) Put(ctx context.Context, history *History) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.histories[history.PrincipalID] = history.Clone()
	return nil
}

// Delete removes a principal's history. Idempotent.
func (s *MemoryHistoryStore) Delete(ctx context.Context, principalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.histories, principalID)
	return nil
}

// Verify interface compliance.
var _ HistoryStore = (*MemoryHistoryStore)(nil)

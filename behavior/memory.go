package behavior

import (
	"context"
	"sync"
)

// MemoryBaselineStore implements BaselineStore using an in-memory map.
// Safe for concurrent use. Intended for tests and single-node deployments.
type MemoryBaselineStore struct {
	mu        sync.RWMutex
	baselines map[string]*Baseline
}

// NewMemoryBaselineStore creates a new in-memory baseline store.
func NewMemoryBaselineStore() *MemoryBaselineStore {
	return &MemoryBaselineStore{
		baselines: make(map[string]*Baseline),
	}
}

// Get retrieves a principal's baseline.
func (s *MemoryBaselineStore) Get(ctx context.Context, principalID string) (*Baseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, exists := s.baselines[principalID]
	if !exists {
		return nil, ErrBaselineNotFound
	}
	return b.Clone(), nil
}

// Put stores the baseline, replacing any existing record.
func (s *MemoryBaselineStore) Put(ctx context.Context, baseline *Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.baselines[baseline.PrincipalID] = baseline.Clone()
	return nil
}

// Delete removes a principal's baseline. Idempotent.
func (s *MemoryBaselineStore) Delete(ctx context.Context, principalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.baselines, principalID)
	return nil
}

// Verify interface compliance.
var _ BaselineStore = (*MemoryBaselineStore)(nil)

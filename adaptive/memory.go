package adaptive

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process
// deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	adjustments map[string]*Adjustment
}

// NewMemoryStore creates an empty in-memory adjustment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{adjustments: make(map[string]*Adjustment)}
}

// Create stores a new adjustment.
func (s *MemoryStore) Create(ctx context.Context, a *Adjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.adjustments[a.ID]; exists {
		return ErrAdjustmentExists
	}
	s.adjustments[a.ID] = a.Clone()
	return nil
}

// Get retrieves an adjustment by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Adjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.adjustments[id]
	if !exists {
		return nil, ErrAdjustmentNotFound
	}
	return a.Clone(), nil
}

// Update modifies an existing adjustment with optimistic locking.
func (s *MemoryStore) Update(ctx context.Context, a *Adjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.adjustments[a.ID]
	if !exists {
		return ErrAdjustmentNotFound
	}
	if !existing.UpdatedAt.Equal(a.UpdatedAt) {
		return ErrConcurrentModification
	}
	updated := a.Clone()
	updated.UpdatedAt = time.Now()
	s.adjustments[a.ID] = updated
	a.UpdatedAt = updated.UpdatedAt
	return nil
}

// ListByPolicy returns a policy's adjustments, newest first.
func (s *MemoryStore) ListByPolicy(ctx context.Context, policyID string, limit int) ([]*Adjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = enforceLimit(limit)
	result := make([]*Adjustment, 0)
	for _, a := range s.adjustments {
		if a.PolicyID == policyID {
			result = append(result, a.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AppliedAt.After(result[j].AppliedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)

package policy

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
	policies map[string]*Policy
}

// NewMemoryStore creates a new in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[string]*Policy),
	}
}

// Create stores a new policy.
func (s *MemoryStore) Create(ctx context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.policies[p.ID]; exists {
		return ErrPolicyExists
	}
	s.policies[p.ID] = p.Clone()
	return nil
}

// Get retrieves a policy by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.policies[id]
	if !exists {
		return nil, ErrPolicyNotFound
	}
	return p.Clone(), nil
}

// Update modifies an existing policy with optimistic locking.
func (s *MemoryStore) Update(ctx context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.policies[p.ID]
	if !exists {
		return ErrPolicyNotFound
	}
	if !existing.UpdatedAt.Equal(p.UpdatedAt) {
		return ErrConcurrentModification
	}
	updated := p.Clone()
	updated.UpdatedAt = time.Now()
	s.policies[p.ID] = updated
	p.UpdatedAt = updated.UpdatedAt
	return nil
}

// Delete removes a policy. Idempotent.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.policies, id)
	return nil
}

// List returns policies, newest first.
func (s *MemoryStore) List(ctx context.Context, limit int) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = enforceLimit(limit)
	out := make([]*Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)

package principal

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store using an in-memory map.
// Safe for concurrent use. Intended for tests and single-node deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	principals map[string]*Principal
}

// NewMemoryStore creates a new in-memory principal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals: make(map[string]*Principal),
	}
}

// Create stores a new principal.
func (s *MemoryStore) Create(ctx context.Context, p *Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.principals[p.ID]; exists {
		return ErrPrincipalExists
	}
	s.principals[p.ID] = copyPrincipal(p)
	return nil
}

// Get retrieves a principal by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.principals[id]
	if !exists {
		return nil, ErrPrincipalNotFound
	}
	return copyPrincipal(p), nil
}

// Update modifies an existing principal with optimistic locking.
func (s *MemoryStore) Update(ctx context.Context, p *Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.principals[p.ID]
	if !exists {
		return ErrPrincipalNotFound
	}
	if !existing.UpdatedAt.Equal(p.UpdatedAt) {
		return ErrConcurrentModification
	}
	updated := copyPrincipal(p)
	updated.UpdatedAt = time.Now()
	s.principals[p.ID] = updated
	p.UpdatedAt = updated.UpdatedAt
	return nil
}

// Delete removes a principal. Idempotent.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.principals, id)
	return nil
}

// ListByRole returns principals with the given role.
func (s *MemoryStore) ListByRole(ctx context.Context, role Role, limit int) ([]*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = enforceLimit(limit)
	result := make([]*Principal, 0)
	for _, p := range s.principals {
		if p.Role != role {
			continue
		}
		result = append(result, copyPrincipal(p))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// ListByDepartment returns principals in the given department.
func (s *MemoryStore) ListByDepartment(ctx context.Context, department string, limit int) ([]*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = enforceLimit(limit)
	result := make([]*Principal, 0)
	for _, p := range s.principals {
		if p.Department != department {
			continue
		}
		result = append(result, copyPrincipal(p))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// copyPrincipal returns a deep copy so callers cannot mutate stored state.
func copyPrincipal(p *Principal) *Principal {
	dup := *p
	if p.AllowedSegments != nil {
		dup.AllowedSegments = make([]string, len(p.AllowedSegments))
		copy(dup.AllowedSegments, p.AllowedSegments)
	}
	return &dup
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)

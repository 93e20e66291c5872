package jit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store using an in-memory map.
// Safe for concurrent use. Intended for tests and single-node deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]*Grant
}

// NewMemoryStore creates a new in-memory grant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		grants: make(map[string]*Grant),
	}
}

// Create stores a new grant.
func (s *MemoryStore) Create(ctx context.Context, grant *Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[grant.ID]; exists {
		return ErrGrantExists
	}
	s.grants[grant.ID] = grant.Clone()
	return nil
}

// Get retrieves a grant by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, exists := s.grants[id]
	if !exists {
		return nil, ErrGrantNotFound
	}
	return grant.Clone(), nil
}

// Update modifies an existing grant with optimistic locking.
func (s *MemoryStore) Update(ctx context.Context, grant *Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.grants[grant.ID]
	if !exists {
		return ErrGrantNotFound
	}
	if !existing.UpdatedAt.Equal(grant.UpdatedAt) {
		return ErrConcurrentModification
	}
	updated := grant.Clone()
	updated.UpdatedAt = time.Now()
	s.grants[grant.ID] = updated
	grant.UpdatedAt = updated.UpdatedAt
	return nil
}

// Delete removes a grant. Idempotent.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.grants, id)
	return nil
}

// ListByPrincipal returns a principal's grants, newest first.
func (s *MemoryStore) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*Grant, error) {
	return s.list(func(g *Grant) bool {
		return g.PrincipalID == principalID
	}, limit)
}

// ListByStatus returns grants with the given status, newest first.
func (s *MemoryStore) ListByStatus(ctx context.Context, status GrantStatus, limit int) ([]*Grant, error) {
	return s.list(func(g *Grant) bool {
		return g.Status == status
	}, limit)
}

// ListBySegment returns grants targeting a segment, newest first.
func (s *MemoryStore) ListBySegment(ctx context.Context, segmentID string, limit int) ([]*Grant, error) {
	return s.list(func(g *Grant) bool {
		return g.SegmentID == segmentID
	}, limit)
}

// FindActiveByPrincipalAndSegment returns the principal's live grant for
// a segment, or nil, nil when none exists.
func (s *MemoryStore) FindActiveByPrincipalAndSegment(ctx context.Context, principalID, segmentID string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	for _, g := range s.grants {
		if g.PrincipalID != principalID || g.SegmentID != segmentID {
			continue
		}
		if g.Status == StatusPendingApproval || g.Active(now) {
			return g.Clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) list(match func(*Grant) bool, limit int) ([]*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = enforceLimit(limit)
	out := make([]*Grant, 0)
	for _, g := range s.grants {
		if match(g) {
			out = append(out, g.Clone())
		}
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

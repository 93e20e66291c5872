package request

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
	requests map[string]*AccessRequest
}

// NewMemoryStore creates a new in-memory request store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*AccessRequest),
	}
}

// Create stores a new request.
func (s *MemoryStore) Create(ctx context.Context, req *AccessRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return ErrRequestExists
	}
	s.requests[req.ID] = req.Clone()
	return nil
}

// Get retrieves a request by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, exists := s.requests[id]
	if !exists {
		return nil, ErrRequestNotFound
	}
	return req.Clone(), nil
}

// Update modifies an existing request with optimistic locking.
func (s *MemoryStore) Update(ctx context.Context, req *AccessRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.requests[req.ID]
	if !exists {
		return ErrRequestNotFound
	}
	if !existing.UpdatedAt.Equal(req.UpdatedAt) {
		return ErrConcurrentModification
	}
	updated := req.Clone()
	updated.UpdatedAt = time.Now()
	s.requests[req.ID] = updated
	req.UpdatedAt = updated.UpdatedAt
	return nil
}

// Delete removes a request. Idempotent.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.requests, id)
	return nil
}

// ListByPrincipal returns a principal's requests, newest first.
func (s *MemoryStore) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*AccessRequest, error) {
	return s.list(limit, func(r *AccessRequest) bool {
		return r.PrincipalID == principalID
	})
}

// ListByDecision returns requests carrying the decision, newest first.
func (s *MemoryStore) ListByDecision(ctx context.Context, decision Decision, limit int) ([]*AccessRequest, error) {
	return s.list(limit, func(r *AccessRequest) bool {
		return r.Decision == decision
	})
}

// ListSince returns requests created at or after since, newest first.
func (s *MemoryStore) ListSince(ctx context.Context, since time.Time, limit int) ([]*AccessRequest, error) {
	return s.list(limit, func(r *AccessRequest) bool {
		return !r.CreatedAt.Before(since)
	})
}

func (s *MemoryStore) list(limit int, keep func(*AccessRequest) bool) ([]*AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = enforceLimit(limit)
	out := make([]*AccessRequest, 0, len(s.requests))
	for _, r := range s.requests {
		if keep(r) {
			out = append(out, r.Clone())
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

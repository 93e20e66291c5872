package threat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store using an in-memory map.
// Safe for concurrent use. Intended for tests and single-node deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	predictions map[string]*Prediction
}

// NewMemoryStore creates a new in-memory prediction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		predictions: make(map[string]*Prediction),
	}
}

// Create stores a new prediction.
func (s *MemoryStore) Create(ctx context.Context, pred *Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.predictions[pred.ID]; exists {
		return ErrPredictionExists
	}
	s.predictions[pred.ID] = pred.Clone()
	return nil
}

// Get retrieves a prediction by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.predictions[id]
	if !exists {
		return nil, ErrPredictionNotFound
	}
	return p.Clone(), nil
}

// Update modifies an existing prediction with optimistic locking.
func (s *MemoryStore) Update(ctx context.Context, pred *Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.predictions[pred.ID]
	if !exists {
		return ErrPredictionNotFound
	}
	if !existing.UpdatedAt.Equal(pred.UpdatedAt) {
		return ErrConcurrentModification
	}
	updated := pred.Clone()
	updated.UpdatedAt = time.Now()
	s.predictions[pred.ID] = updated
	pred.UpdatedAt = updated.UpdatedAt
	return nil
}

// ListByPrincipal returns the principal's predictions, newest first.
func (s *MemoryStore) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*Prediction, error) {
	return s.list(limit, func(p *Prediction) bool {
		return p.PrincipalID == principalID
	})
}

// ListByStatus returns predictions in the given status, newest first.
func (s *MemoryStore) ListByStatus(ctx context.Context, status PredictionStatus, limit int) ([]*Prediction, error) {
	return s.list(limit, func(p *Prediction) bool {
		return p.Status == status
	})
}

// ListSince returns predictions created at or after since, newest first.
func (s *MemoryStore) ListSince(ctx context.Context, since time.Time, limit int) ([]*Prediction, error) {
	return s.list(limit, func(p *Prediction) bool {
		return !p.CreatedAt.Before(since)
	})
}

func (s *MemoryStore) list(limit int, keep func(*Prediction) bool) ([]*Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = enforceLimit(limit)
	out := make([]*Prediction, 0, len(s.predictions))
	for _, p := range s.predictions {
		if keep(p) {
			out = append(out, p.Clone())
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

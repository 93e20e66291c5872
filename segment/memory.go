package segment

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store using an in-memory map.
// Safe for concurrent use. Intended for tests and single-node deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	segments map[string]*Segment
}

// NewMemoryStore creates a new in-memory segment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		segments: make(map[string]*Segment),
	}
}

// Create stores a new segment.
func (s *MemoryStore) Create(ctx context.Context, seg *Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.segments[seg.ID]; exists {
		return ErrSegmentExists
	}
	s.segments[seg.ID] = copySegment(seg)
	return nil
}

// Get retrieves a segment by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seg, exists := s.segments[id]
	if !exists {
		return nil, ErrSegmentNotFound
	}
	return copySegment(seg), nil
}

// Update modifies an existing segment with optimistic locking.
func (s *MemoryStore) Update(ctx context.Context, seg *Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.segments[seg.ID]
	if !exists {
		return ErrSegmentNotFound
	}
	if !existing.UpdatedAt.Equal(seg.UpdatedAt) {
		return ErrConcurrentModification
	}
	updated := copySegment(seg)
	updated.UpdatedAt = time.Now()
	s.segments[seg.ID] = updated
	seg.UpdatedAt = updated.UpdatedAt
	return nil
}

// Delete removes a segment. Idempotent.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.segments, id)
	return nil
}

// ListByCategory returns segments in the given category.
func (s *MemoryStore) ListByCategory(ctx context.Context, category string, limit int) ([]*Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = enforceLimit(limit)
	result := make([]*Segment, 0)
	for _, seg := range s.segments {
		if seg.Category != category {
			continue
		}
		result = append(result, copySegment(seg))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// List returns all segments.
func (s *MemoryStore) List(ctx context.Context, limit int) ([]*Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = enforceLimit(limit)
	result := make([]*Segment, 0, len(s.segments))
	for _, seg := range s.segments {
		result = append(result, copySegment(seg))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// SetLock atomically updates the lock state.
func (s *MemoryStore) SetLock(ctx context.Context, id string, locked bool, until time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, exists := s.segments[id]
	if !exists {
		return ErrSegmentNotFound
	}
	seg.Locked = locked
	seg.LockedUntil = until
	seg.LockedReason = reason
	seg.UpdatedAt = time.Now()
	return nil
}

// copySegment returns a deep copy so callers cannot mutate stored state.
func copySegment(seg *Segment) *Segment {
	dup := *seg
	if seg.AllowedRoles != nil {
		dup.AllowedRoles = append(dup.AllowedRoles[:0:0], seg.AllowedRoles...)
	}
	if seg.RestrictedAreaOf != nil {
		dup.RestrictedAreaOf = append(dup.RestrictedAreaOf[:0:0], seg.RestrictedAreaOf...)
	}
	return &dup
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)

package device

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store using an in-memory map.
// Safe for concurrent use. Intended for tests and single-node deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]*Fingerprint
}

// NewMemoryStore creates a new in-memory fingerprint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]*Fingerprint),
	}
}

// Create stores a new fingerprint.
func (s *MemoryStore) Create(ctx context.Context, f *Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.devices[f.ID]; exists {
		return ErrDeviceExists
	}
	s.devices[f.ID] = copyFingerprint(f)
	return nil
}

// Get retrieves a fingerprint by device ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, exists := s.devices[id]
	if !exists {
		return nil, ErrDeviceNotFound
	}
	return copyFingerprint(f), nil
}

// Update modifies an existing fingerprint with optimistic locking.
func (s *MemoryStore) Update(ctx context.Context, f *Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.devices[f.ID]
	if !exists {
		return ErrDeviceNotFound
	}
	if !existing.UpdatedAt.Equal(f.UpdatedAt) {
		return ErrConcurrentModification
	}
	updated := copyFingerprint(f)
	updated.UpdatedAt = time.Now()
	s.devices[f.ID] = updated
	f.UpdatedAt = updated.UpdatedAt
	return nil
}

// Delete removes a fingerprint. Idempotent.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.devices, id)
	return nil
}

// ListByPrincipal returns all fingerprints for a principal.
func (s *MemoryStore) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = enforceLimit(limit)
	result := make([]*Fingerprint, 0)
	for _, f := range s.devices {
		if f.PrincipalID != principalID {
			continue
		}
		result = append(result, copyFingerprint(f))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// FindByHash returns the principal's fingerprint with the given hash, or
// (nil, nil) when absent.
func (s *MemoryStore) FindByHash(ctx context.Context, principalID, hash string) (*Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.devices {
		if f.PrincipalID == principalID && f.Hash == hash {
			return copyFingerprint(f), nil
		}
	}
	return nil, nil
}

// SetStatus atomically updates the device lifecycle status.
func (s *MemoryStore) SetStatus(ctx context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, exists := s.devices[id]
	if !exists {
		return ErrDeviceNotFound
	}
	f.Status = status
	f.UpdatedAt = time.Now()
	return nil
}

// ListVerifiedBefore returns active fingerprints last verified before the
// cutoff.
func (s *MemoryStore) ListVerifiedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = enforceLimit(limit)
	result := make([]*Fingerprint, 0)
	for _, f := range s.devices {
		if f.Status != StatusActive || !f.LastVerifiedAt.Before(cutoff) {
			continue
		}
		result = append(result, copyFingerprint(f))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// ListByStatus returns fingerprints in the given lifecycle state. Used by
// the response engine to rebuild its blocklist after a restart.
func (s *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = enforceLimit(limit)
	result := make([]*Fingerprint, 0)
	for _, f := range s.devices {
		if f.Status != status {
			continue
		}
		result = append(result, copyFingerprint(f))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// copyFingerprint returns a deep copy so callers cannot mutate stored state.
func copyFingerprint(f *Fingerprint) *Fingerprint {
	dup := *f
	if f.Sealed != nil {
		dup.Sealed = append(dup.Sealed[:0:0], f.Sealed...)
	}
	if f.Warnings != nil {
		dup.Warnings = append(dup.Warnings[:0:0], f.Warnings...)
	}
	return &dup
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)

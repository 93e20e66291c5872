package device

import (
	"context"
	"errors"
	"time"
)

// Query limit constants for list operations.
const (
	// DefaultQueryLimit is the default number of items returned by list operations.
	DefaultQueryLimit = 100
	// MaxQueryLimit is the maximum number of items that can be requested.
	MaxQueryLimit = 1000
)

// Common errors returned by Store implementations.
var (
	// ErrDeviceNotFound is returned when a device does not exist.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceExists is returned when creating a device that already exists.
	ErrDeviceExists = errors.New("device already exists")
	// ErrConcurrentModification is returned when optimistic locking fails.
	ErrConcurrentModification = errors.New("device was modified concurrently")
)

// Store defines the interface for fingerprint persistence.
type Store interface {
	// Create stores a new fingerprint. Returns ErrDeviceExists if a device
	// with the same ID already exists.
	Create(ctx context.Context, f *Fingerprint) error

	// Get retrieves a fingerprint by device ID. Returns ErrDeviceNotFound
	// if it does not exist.
	Get(ctx context.Context, id string) (*Fingerprint, error)

	// Update modifies an existing fingerprint using optimistic locking on
	// UpdatedAt. Returns ErrDeviceNotFound if the device does not exist,
	// or ErrConcurrentModification if it was changed since read.
	Update(ctx context.Context, f *Fingerprint) error

	// Delete removes a fingerprint. Idempotent.
	Delete(ctx context.Context, id string) error

	// ListByPrincipal returns all fingerprints for a principal, up to
	// limit. If limit is 0, DefaultQueryLimit is used.
	ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*Fingerprint, error)

	// FindByHash returns the principal's fingerprint with the given hash,
	// or (nil, nil) when no such device exists.
	FindByHash(ctx context.Context, principalID, hash string) (*Fingerprint, error)

	// SetStatus atomically updates the lifecycle status of a device.
	// Returns ErrDeviceNotFound if the device does not exist.
	SetStatus(ctx context.Context, id string, status Status) error

	// ListVerifiedBefore returns active fingerprints whose last
	// verification is older than the cutoff, up to limit. Used by the
	// expiry sweep.
	ListVerifiedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Fingerprint, error)

	// ListByStatus returns fingerprints in the given lifecycle state, up
	// to limit. Used to rebuild the response blocklist after a restart.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Fingerprint, error)
}

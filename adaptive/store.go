package adaptive

import (
	"context"
	"errors"
)

// Query limits for adjustment listings.
const (
	// DefaultQueryLimit is the default number of items returned by list operations.
	DefaultQueryLimit = 100
	// MaxQueryLimit is the maximum number of items that can be requested.
	MaxQueryLimit = 1000
)

var (
	// ErrAdjustmentNotFound is returned when an adjustment does not exist.
	ErrAdjustmentNotFound = errors.New("adjustment not found")
	// ErrAdjustmentExists is returned when creating an adjustment that
	// already exists.
	ErrAdjustmentExists = errors.New("adjustment already exists")
	// ErrConcurrentModification is returned on optimistic lock conflicts.
	ErrConcurrentModification = errors.New("adjustment modified concurrently")
)

// Store persists applied adjustments. Adjustments are written once and
// only updated to flip the RolledBack flag.
type Store interface {
	// Create stores a new adjustment. Returns ErrAdjustmentExists if an
	// adjustment with the same ID already exists.
	Create(ctx context.Context, a *Adjustment) error

	// Get retrieves an adjustment by ID. Returns ErrAdjustmentNotFound
	// if it does not exist.
	Get(ctx context.Context, id string) (*Adjustment, error)

	// Update modifies an existing adjustment using optimistic locking on
	// UpdatedAt. Returns ErrAdjustmentNotFound or
	// ErrConcurrentModification.
	Update(ctx context.Context, a *Adjustment) error

	// ListByPolicy returns a policy's adjustments, newest first, up to
	// limit. If limit is 0, DefaultQueryLimit is used.
	ListByPolicy(ctx context.Context, policyID string, limit int) ([]*Adjustment, error)
}

func enforceLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

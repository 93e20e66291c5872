package jit

import (
	"context"
	"errors"
)

// Query limit constants for List operations.
const (
	// DefaultQueryLimit is the default number of results for List operations.
	DefaultQueryLimit = 100
	// MaxQueryLimit is the maximum number of results for List operations.
	MaxQueryLimit = 1000
)

// Storage-related sentinel errors for Store implementations.
// These errors support errors.Is() checking for robust error handling.
var (
	// ErrGrantNotFound is returned when the requested grant does not exist.
	ErrGrantNotFound = errors.New("elevation grant not found")

	// ErrGrantExists is returned when attempting to create a grant with an
	// ID that already exists in the store.
	ErrGrantExists = errors.New("elevation grant already exists")

	// ErrConcurrentModification is returned when an update fails due to
	// optimistic locking - another process modified the grant between
	// read and write.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// Store defines the interface for elevation grant persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create stores a new grant. Returns ErrGrantExists if ID already exists.
	Create(ctx context.Context, grant *Grant) error

	// Get retrieves a grant by ID. Returns ErrGrantNotFound if not exists.
	Get(ctx context.Context, id string) (*Grant, error)

	// Update modifies an existing grant. Returns ErrGrantNotFound if not
	// exists. Uses optimistic locking via UpdatedAt; returns
	// ErrConcurrentModification if the grant was modified since last read.
	Update(ctx context.Context, grant *Grant) error

	// Delete removes a grant by ID. No-op if not exists (idempotent).
	Delete(ctx context.Context, id string) error

	// ListByPrincipal returns a principal's grants, newest first.
	// If limit is 0, DefaultQueryLimit is used. Limit is capped at MaxQueryLimit.
	ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*Grant, error)

	// ListByStatus returns grants in the given status, newest first.
	// The sweep uses this to find granted elevations past expiry.
	// If limit is 0, DefaultQueryLimit is used. Limit is capped at MaxQueryLimit.
	ListByStatus(ctx context.Context, status GrantStatus, limit int) ([]*Grant, error)

	// ListBySegment returns grants targeting a segment, newest first.
	// If limit is 0, DefaultQueryLimit is used. Limit is capped at MaxQueryLimit.
	ListBySegment(ctx context.Context, segmentID string, limit int) ([]*Grant, error)

	// FindActiveByPrincipalAndSegment returns the principal's live grant
	// for a segment: granted and unexpired, or pending review. Returns
	// nil, nil when none exists. Prevents stacking elevations.
	FindActiveByPrincipalAndSegment(ctx context.Context, principalID, segmentID string) (*Grant, error)
}

// enforceLimit applies the default and maximum query limits.
func enforceLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

package policy

import (
	"context"
	"errors"
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
	// ErrPolicyNotFound is returned when a policy does not exist.
	ErrPolicyNotFound = errors.New("policy not found")
	// ErrPolicyExists is returned when creating a policy that already exists.
	ErrPolicyExists = errors.New("policy already exists")
	// ErrConcurrentModification is returned when optimistic locking fails.
	ErrConcurrentModification = errors.New("policy was modified concurrently")
)

// Store defines the interface for policy persistence. The snapshot
// provider reads through this; the adaptive engine writes adjustments
// and effectiveness scores back through it.
type Store interface {
	// Create stores a new policy. Returns ErrPolicyExists if a policy
	// with the same ID already exists.
	Create(ctx context.Context, p *Policy) error

	// Get retrieves a policy by ID. Returns ErrPolicyNotFound if it
	// does not exist.
	Get(ctx context.Context, id string) (*Policy, error)

	// Update modifies an existing policy using optimistic locking on
	// UpdatedAt. Returns ErrPolicyNotFound or ErrConcurrentModification.
	Update(ctx context.Context, p *Policy) error

	// Delete removes a policy record. Idempotent.
	Delete(ctx context.Context, id string) error

	// List returns policies (active and inactive), newest first, up to
	// limit. If limit is 0, DefaultQueryLimit is used.
	List(ctx context.Context, limit int) ([]*Policy, error)
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

package principal

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
	// ErrPrincipalNotFound is returned when a principal does not exist.
	ErrPrincipalNotFound = errors.New("principal not found")
	// ErrPrincipalExists is returned when creating a principal that already exists.
	ErrPrincipalExists = errors.New("principal already exists")
	// ErrConcurrentModification is returned when optimistic locking fails.
	ErrConcurrentModification = errors.New("principal was modified concurrently")
)

// Store defines the interface for principal persistence.
type Store interface {
	// Create stores a new principal. Returns ErrPrincipalExists if a
	// principal with the same ID already exists.
	Create(ctx context.Context, p *Principal) error

	// Get retrieves a principal by ID. Returns ErrPrincipalNotFound if it
	// does not exist.
	Get(ctx context.Context, id string) (*Principal, error)

	// Update modifies an existing principal using optimistic locking on
	// UpdatedAt. Returns ErrPrincipalNotFound if the principal does not
	// exist, or ErrConcurrentModification if it was changed since read.
	Update(ctx context.Context, p *Principal) error

	// Delete removes a principal. Idempotent: deleting a missing principal
	// is not an error.
	Delete(ctx context.Context, id string) error

	// ListByRole returns principals with the given role, up to limit.
	// If limit is 0, DefaultQueryLimit is used.
	ListByRole(ctx context.Context, role Role, limit int) ([]*Principal, error)

	// ListByDepartment returns principals in the given department, up to
	// limit. If limit is 0, DefaultQueryLimit is used.
	ListByDepartment(ctx context.Context, department string, limit int) ([]*Principal, error)
}

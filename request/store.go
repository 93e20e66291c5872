package request

import (
	"context"
	"errors"
	"time"
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
	// ErrRequestNotFound is returned when the requested record does not exist.
	ErrRequestNotFound = errors.New("request not found")

	// ErrRequestExists is returned when attempting to create a request with an ID
	// that already exists in the store.
	ErrRequestExists = errors.New("request already exists")

	// ErrConcurrentModification is returned when an update fails due to optimistic
	// locking - another process modified the request between read and write.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// Store defines the interface for access request persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create stores a new request. Returns ErrRequestExists if ID already exists.
	// The request must be valid according to AccessRequest.Validate().
	Create(ctx context.Context, req *AccessRequest) error

	// Get retrieves a request by ID. Returns ErrRequestNotFound if not exists.
	Get(ctx context.Context, id string) (*AccessRequest, error)

	// Update modifies an existing request. Returns ErrRequestNotFound if not exists.
	// Uses optimistic locking via UpdatedAt to prevent concurrent modification.
	// Returns ErrConcurrentModification if the request was modified since last read.
	Update(ctx context.Context, req *AccessRequest) error

	// Delete removes a request by ID. No-op if not exists (idempotent).
	Delete(ctx context.Context, id string) error

	// ListByPrincipal returns a principal's requests, ordered by created_at desc.
	// If limit is 0, DefaultQueryLimit is used. Limit is capped at MaxQueryLimit.
	ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*AccessRequest, error)

	// ListByDecision returns requests carrying a specific decision, ordered by
	// created_at desc. Commonly used to list pending_approval requests for admins.
	// If limit is 0, DefaultQueryLimit is used. Limit is capped at MaxQueryLimit.
	ListByDecision(ctx context.Context, decision Decision, limit int) ([]*AccessRequest, error)

	// ListSince returns requests created at or after since, ordered by created_at
	// desc. Peer comparison and the adaptive window are built on this.
	// If limit is 0, DefaultQueryLimit is used. Limit is capped at MaxQueryLimit.
	ListSince(ctx context.Context, since time.Time, limit int) ([]*AccessRequest, error)
}

// enforceLimit normalizes a caller-provided limit.
func enforceLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

package segment

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
	// ErrSegmentNotFound is returned when a segment does not exist.
	ErrSegmentNotFound = errors.New("segment not found")
	// ErrSegmentExists is returned when creating a segment that already exists.
	ErrSegmentExists = errors.New("segment already exists")
	// ErrConcurrentModification is returned when optimistic locking fails.
	ErrConcurrentModification = errors.New("segment was modified concurrently")
)

// Store defines the interface for segment persistence.
type Store interface {
	// Create stores a new segment. Returns ErrSegmentExists if a segment
	// with the same ID already exists.
	Create(ctx context.Context, s *Segment) error

	// Get retrieves a segment by ID. Returns ErrSegmentNotFound if it does
	// not exist.
	Get(ctx context.Context, id string) (*Segment, error)

	// Update modifies an existing segment using optimistic locking on
	// UpdatedAt. Returns ErrSegmentNotFound if the segment does not exist,
	// or ErrConcurrentModification if it was changed since read.
	Update(ctx context.Context, s *Segment) error

	// Delete removes a segment. Idempotent.
	Delete(ctx context.Context, id string) error

	// ListByCategory returns segments in the given category, up to limit.
	// If limit is 0, DefaultQueryLimit is used. Used by coordinated-attack
	// lockdowns, which lock every segment of a category.
	ListByCategory(ctx context.Context, category string, limit int) ([]*Segment, error)

	// List returns all segments, up to limit. If limit is 0,
	// DefaultQueryLimit is used.
	List(ctx context.Context, limit int) ([]*Segment, error)

	// SetLock atomically sets or clears the lock state without touching
	// other fields. Passing a zero until with locked=true holds the lock
	// until an administrator clears it. Returns ErrSegmentNotFound if the
	// segment does not exist.
	SetLock(ctx context.Context, id string, locked bool, until time.Time, reason string) error
}

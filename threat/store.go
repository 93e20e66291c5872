package threat

import (
	"context"
	"errors"
	"time"
)

// Query limits shared by store implementations.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

var (
	// ErrPredictionNotFound is returned when no prediction has the ID.
	ErrPredictionNotFound = errors.New("prediction not found")
	// ErrPredictionExists is returned when creating a duplicate ID.
	ErrPredictionExists = errors.New("prediction already exists")
	// ErrConcurrentModification is returned when an update loses an
	// optimistic locking race.
	ErrConcurrentModification = errors.New("prediction modified concurrently")
)

// Store persists threat predictions.
type Store interface {
	// Create stores a new prediction. Returns ErrPredictionExists when
	// the ID is already present.
	Create(ctx context.Context, pred *Prediction) error

	// Get returns the prediction with the given ID, or
	// ErrPredictionNotFound.
	Get(ctx context.Context, id string) (*Prediction, error)

	// Update persists changes using optimistic locking on UpdatedAt.
	// Returns ErrConcurrentModification when the stored record changed
	// since it was read.
	Update(ctx context.Context, pred *Prediction) error

	// ListByPrincipal returns the principal's predictions, newest
	// first, up to limit.
	ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*Prediction, error)

	// ListByStatus returns predictions in the given status, newest
	// first, up to limit.
	ListByStatus(ctx context.Context, status PredictionStatus, limit int) ([]*Prediction, error)

	// ListSince returns predictions created at or after since, newest
	// first, up to limit.
	ListSince(ctx context.Context, since time.Time, limit int) ([]*Prediction, error)
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

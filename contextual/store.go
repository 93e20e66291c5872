package contextual

import (
	"context"
	"errors"
)

// ErrHistoryNotFound is returned when a principal has no recorded history.
var ErrHistoryNotFound = errors.New("access history not found")

// HistoryStore persists per-principal access histories. Put is an upsert:
// histories are single-writer rings appended by the recorder, so no
// optimistic locking is needed.
type HistoryStore interface {
	// Get retrieves a principal's history. Returns ErrHistoryNotFound
	// when the principal has none.
	Get(ctx context.Context, principalID string) (*History, error)

	// Put stores the history, replacing any existing record.
	Put(ctx context.Context, history *History) error

	// Delete removes a principal's history. Idempotent.
	Delete(ctx context.Context, principalID string) error
}

package behavior

import (
	"context"
	"errors"
)

// ErrBaselineNotFound is returned when a principal has no stored baseline.
var ErrBaselineNotFound = errors.New("behavioral baseline not found")

// BaselineStore persists per-principal baselines. Put is an upsert:
// baselines are updated by the single learning path at session end.
type BaselineStore interface {
	// Get retrieves a principal's baseline. Returns ErrBaselineNotFound
	// when the principal has none.
	Get(ctx context.Context, principalID string) (*Baseline, error)

	// Put stores the baseline, replacing any existing record.
	Put(ctx context.Context, baseline *Baseline) error

	// Delete removes a principal's baseline. Idempotent.
	Delete(ctx context.Context, principalID string) error
}

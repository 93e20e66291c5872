package policy

import (
	"context"
	"log"
	"sort"
	"sync/atomic"
	"time"
)

// MaxSnapshotStaleness bounds how long evaluation may run on a snapshot
// that could not be refreshed from the store.
const MaxSnapshotStaleness = 60 * time.Second

// DefaultRefreshInterval is how often the provider reloads policies.
const DefaultRefreshInterval = 30 * time.Second

// Snapshot is an immutable, evaluation-ordered view of the active
// policies. Snapshots are never mutated after construction; the table
// swaps whole snapshots atomically.
type Snapshot struct {
	policies []*Policy
	loadedAt time.Time
}

// NewSnapshot builds a snapshot from the given policies. Inactive
// policies are dropped; the rest are deep-copied and sorted by priority
// descending, then creation time ascending.
func NewSnapshot(policies []*Policy, loadedAt time.Time) *Snapshot {
	ordered := make([]*Policy, 0, len(policies))
	for _, p := range policies {
		if p == nil || !p.Active {
			continue
		}
		ordered = append(ordered, p.Clone())
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})
	return &Snapshot{policies: ordered, loadedAt: loadedAt}
}

// Policies returns the evaluation-ordered policy list. Callers must not
// modify the returned policies.
func (s *Snapshot) Policies() []*Policy {
	return s.policies
}

// Len returns the number of active policies in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.policies)
}

// LoadedAt is when the snapshot was built from the store.
func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// Table holds the current snapshot behind an atomic pointer. Readers on
// the decision path never block on policy updates.
type Table struct {
	current atomic.Pointer[Snapshot]
}

// NewTable creates a table serving an empty snapshot.
func NewTable() *Table {
	t := &Table{}
	t.current.Store(NewSnapshot(nil, time.Time{}))
	return t
}

// Current returns the snapshot in effect. Never nil.
func (t *Table) Current() *Snapshot {
	return t.current.Load()
}

// Swap publishes a new snapshot atomically.
func (t *Table) Swap(s *Snapshot) {
	if s == nil {
		return
	}
	t.current.Store(s)
}

// Provider refreshes a table from the store on an interval. A failed
// refresh keeps the previous snapshot in service; readers tolerate
// staleness up to MaxSnapshotStaleness before Stale reports true.
type Provider struct {
	store Store
	table *Table
	clock func() time.Time
}

// NewProvider creates a provider that refreshes table from store.
func NewProvider(store Store, table *Table) *Provider {
	return &Provider{store: store, table: table, clock: time.Now}
}

// Refresh loads all policies and swaps in a new snapshot. On store
// failure the table keeps the last good snapshot and the error is
// returned for the caller to log.
func (p *Provider) Refresh(ctx context.Context) error {
	policies, err := p.store.List(ctx, MaxQueryLimit)
	if err != nil {
		return err
	}
	p.table.Swap(NewSnapshot(policies, p.clock()))
	return nil
}

// Stale reports whether the serving snapshot has exceeded the staleness
// bound.
func (p *Provider) Stale() bool {
	loaded := p.table.Current().LoadedAt()
	if loaded.IsZero() {
		return true
	}
	return p.clock().Sub(loaded) > MaxSnapshotStaleness
}

// Run refreshes on the interval until the context is cancelled. Refresh
// failures are logged; the last good snapshot stays in service.
func (p *Provider) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				log.Printf("citadel: policy refresh failed, serving snapshot from %s: %v",
					p.table.Current().LoadedAt().Format(time.RFC3339), err)
			}
		}
	}
}

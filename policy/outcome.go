package policy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"
)

// Outcome classifies how a decision attributed to a policy ended. The
// adaptive engine folds these into per-policy success, denial, and
// incident rates.
type Outcome string

const (
	// OutcomeSuccess records a granted decision.
	OutcomeSuccess Outcome = "success"
	// OutcomeDenied records a denied decision.
	OutcomeDenied Outcome = "denied"
	// OutcomeSecurityIncident records a decision entangled with a
	// security signal: a blocked device, a lockdown, a terminated session.
	OutcomeSecurityIncident Outcome = "security_incident"
)

// IsValid returns true if the Outcome is a known value.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeSuccess, OutcomeDenied, OutcomeSecurityIncident:
		return true
	}
	return false
}

// String returns the string representation of the Outcome.
func (o Outcome) String() string {
	return string(o)
}

// PolicyOutcome is one decision attributed to a policy. Outcomes are
// append-only: the decision engine records them, the adaptive engine
// reads them back over its rolling window.
type PolicyOutcome struct {
	// ID is the unique outcome identifier (16 lowercase hex chars).
	ID string `json:"id"`

	// PolicyID is the deciding policy.
	PolicyID string `json:"policy_id"`

	// PrincipalID is the requesting principal.
	PrincipalID string `json:"principal_id"`

	// Resource is the requested resource or segment.
	Resource string `json:"resource"`

	// Outcome is how the decision ended.
	Outcome Outcome `json:"outcome"`

	// Confidence is the decision's final confidence score in [0,100].
	// The adaptive engine replays it against proposed thresholds.
	Confidence float64 `json:"confidence"`

	// Timestamp is when the decision was made.
	Timestamp time.Time `json:"timestamp"`
}

// outcomeIDRegex matches valid outcome IDs (16 lowercase hex chars).
var outcomeIDRegex = regexp.MustCompile(`^[0-9a-f]{16}$`)

// NewOutcomeID generates a new 16-character lowercase hex outcome ID.
func NewOutcomeID() string {
	bytes := make([]byte, 8)
	_, err := rand.Read(bytes)
	if err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(bytes)
}

// Validate checks the outcome record is well-formed.
func (o *PolicyOutcome) Validate() error {
	if !outcomeIDRegex.MatchString(o.ID) {
		return fmt.Errorf("invalid outcome ID format: %q", o.ID)
	}
	if o.PolicyID == "" {
		return stderrors.New("policy ID is required")
	}
	if o.PrincipalID == "" {
		return stderrors.New("principal ID is required")
	}
	if !o.Outcome.IsValid() {
		return fmt.Errorf("invalid outcome: %q", o.Outcome)
	}
	if o.Timestamp.IsZero() {
		return stderrors.New("timestamp is required")
	}
	return nil
}

// Clone returns a copy of the outcome record.
func (o *PolicyOutcome) Clone() *PolicyOutcome {
	out := *o
	return &out
}

// ErrOutcomeExists is returned when recording an outcome whose ID is
// already present.
var ErrOutcomeExists = stderrors.New("outcome already recorded")

// OutcomeStore persists policy outcomes. Records are append-only; there
// is no update or delete, retention is the store's concern.
type OutcomeStore interface {
	// Record appends one outcome. Returns ErrOutcomeExists if the ID is
	// already present.
	Record(ctx context.Context, o *PolicyOutcome) error

	// ListByPolicy returns a policy's outcomes at or after since, newest
	// first, up to limit. If limit is 0, DefaultQueryLimit is used.
	ListByPolicy(ctx context.Context, policyID string, since time.Time, limit int) ([]*PolicyOutcome, error)

	// ListSince returns all outcomes at or after since, newest first, up
	// to limit. If limit is 0, DefaultQueryLimit is used.
	ListSince(ctx context.Context, since time.Time, limit int) ([]*PolicyOutcome, error)
}

// MemoryOutcomeStore is an in-memory OutcomeStore for tests and
// single-process deployments.
type MemoryOutcomeStore struct {
	mu       sync.RWMutex
	outcomes map[string]*PolicyOutcome
}

// NewMemoryOutcomeStore creates an empty in-memory outcome store.
func NewMemoryOutcomeStore() *MemoryOutcomeStore {
	return &MemoryOutcomeStore{
		outcomes: make(map[string]*PolicyOutcome),
	}
}

// Record appends one outcome.
func (s *MemoryOutcomeStore) Record(ctx context.Context, o *PolicyOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.outcomes[o.ID]; exists {
		return ErrOutcomeExists
	}
	s.outcomes[o.ID] = o.Clone()
	return nil
}

// ListByPolicy returns a policy's outcomes at or after since, newest first.
func (s *MemoryOutcomeStore) ListByPolicy(ctx context.Context, policyID string, since time.Time, limit int) ([]*PolicyOutcome, error) {
	return s.list(limit, func(o *PolicyOutcome) bool {
		return o.PolicyID == policyID && !o.Timestamp.Before(since)
	})
}

// ListSince returns all outcomes at or after since, newest first.
func (s *MemoryOutcomeStore) ListSince(ctx context.Context, since time.Time, limit int) ([]*PolicyOutcome, error) {
	return s.list(limit, func(o *PolicyOutcome) bool {
		return !o.Timestamp.Before(since)
	})
}

func (s *MemoryOutcomeStore) list(limit int, keep func(*PolicyOutcome) bool) ([]*PolicyOutcome, error) {
	limit = enforceLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*PolicyOutcome
	for _, o := range s.outcomes {
		if keep(o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Verify interface compliance.
var _ OutcomeStore = (*MemoryOutcomeStore)(nil)

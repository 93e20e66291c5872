// Package adaptive tunes policy confidence thresholds from recorded
// outcomes. Every decision leaves a PolicyOutcome behind; the engine
// folds a rolling window of them into per-policy success, denial, and
// incident rates, scores effectiveness, and proposes threshold
// adjustments. Proposals are simulated against the same window before
// anyone applies them, and every applied adjustment keeps the prior rule
// set so it can be rolled back.
//
// # Adjustment Lifecycle
//
// Propose inspects the window and returns at most one proposal per
// policy. Apply snapshots the rules, shifts every rule's confidence
// threshold by the proposed step, and records an Adjustment. Rollback
// restores the most recent adjustment's prior rules and records the
// reversal as its own Adjustment.
package adaptive

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/citadelzt/citadel/policy"
)

// Tuning thresholds and bounds.
const (
	// DefaultWindowDays is the rolling window the engine scores over.
	DefaultWindowDays = 30

	// DefaultMinSamples is the minimum window size before the engine
	// proposes any adjustment.
	DefaultMinSamples = 50

	// IncidentRateCeiling is the incident rate above which the engine
	// proposes tightening.
	IncidentRateCeiling = 0.15

	// DenialRateCeiling is the denial rate above which the engine
	// proposes loosening, provided incidents stay rare.
	DenialRateCeiling = 0.40

	// LowIncidentRate bounds how many incidents a policy may carry and
	// still qualify for loosening.
	LowIncidentRate = 0.03

	// ConfidenceStep is how far one adjustment moves a rule threshold.
	ConfidenceStep = 5.0

	// MaxMinConfidence caps how high tightening can push a threshold.
	MaxMinConfidence = 95.0

	// FloorMinConfidence bounds how low loosening can pull a threshold.
	FloorMinConfidence = 40.0
)

// Action classifies what an adjustment did to a policy.
type Action string

const (
	// ActionIncreaseConfidence raises rule thresholds by ConfidenceStep.
	ActionIncreaseConfidence Action = "increase_confidence"
	// ActionDecreaseConfidence lowers rule thresholds by ConfidenceStep.
	ActionDecreaseConfidence Action = "decrease_confidence"
	// ActionRollback restores the rules a prior adjustment replaced.
	ActionRollback Action = "rollback"
)

// IsValid returns true if the Action is a known value.
func (a Action) IsValid() bool {
	switch a {
	case ActionIncreaseConfidence, ActionDecreaseConfidence, ActionRollback:
		return true
	}
	return false
}

// String returns the string representation of the Action.
func (a Action) String() string {
	return string(a)
}

// Assessment summarizes one policy's window of outcomes.
type Assessment struct {
	// PolicyID is the scored policy.
	PolicyID string `json:"policy_id"`

	// WindowStart is the inclusive lower bound of the window.
	WindowStart time.Time `json:"window_start"`

	// Samples is how many outcomes fell inside the window.
	Samples int `json:"samples"`

	// SuccessRate is granted / total.
	SuccessRate float64 `json:"success_rate"`

	// DenialRate is denied / total.
	DenialRate float64 `json:"denial_rate"`

	// IncidentRate is security incidents / total.
	IncidentRate float64 `json:"incident_rate"`

	// Effectiveness is success rate minus twice the incident rate,
	// clamped to [0,1].
	Effectiveness float64 `json:"effectiveness"`
}

// Simulation predicts how the window would have resolved under a
// proposed threshold shift. Incidents are unaffected by thresholds and
// carry through unchanged.
type Simulation struct {
	// Samples is how many outcomes the replay covered.
	Samples int `json:"samples"`

	// PredictedSuccessRate is the replayed success rate.
	PredictedSuccessRate float64 `json:"predicted_success_rate"`

	// PredictedDenialRate is the replayed denial rate.
	PredictedDenialRate float64 `json:"predicted_denial_rate"`

	// DeltaSuccess is predicted minus observed success rate.
	DeltaSuccess float64 `json:"delta_success"`

	// DeltaDenial is predicted minus observed denial rate.
	DeltaDenial float64 `json:"delta_denial"`
}

// Proposal is one recommended adjustment, with the evidence and the
// predicted effect attached.
type Proposal struct {
	// PolicyID is the policy the proposal targets.
	PolicyID string `json:"policy_id"`

	// Action is the recommended direction.
	Action Action `json:"action"`

	// Reason explains which rate tripped the proposal.
	Reason string `json:"reason"`

	// Assessment is the window evidence behind the proposal.
	Assessment *Assessment `json:"assessment"`

	// Simulation is the predicted effect of applying the proposal.
	Simulation *Simulation `json:"simulation"`
}

// Adjustment is one applied change to a policy's rules, kept for audit
// and rollback.
type Adjustment struct {
	// ID is the unique adjustment identifier (16 lowercase hex chars).
	ID string `json:"id"`

	// PolicyID is the adjusted policy.
	PolicyID string `json:"policy_id"`

	// Action is what the adjustment did.
	Action Action `json:"action"`

	// PriorRules is the rule set before the adjustment. Rollback
	// restores it.
	PriorRules []policy.Rule `json:"prior_rules"`

	// NewRules is the rule set after the adjustment.
	NewRules []policy.Rule `json:"new_rules"`

	// Assessment is the evidence the adjustment was applied on, absent
	// for rollbacks.
	Assessment *Assessment `json:"assessment,omitempty"`

	// Simulation is the predicted effect at apply time, absent for
	// rollbacks.
	Simulation *Simulation `json:"simulation,omitempty"`

	// AppliedBy is the administrator who applied the adjustment, or
	// "system" for automated application.
	AppliedBy string `json:"applied_by"`

	// RolledBack marks adjustments a later rollback has reversed.
	RolledBack bool `json:"rolled_back"`

	// AppliedAt is when the adjustment took effect.
	AppliedAt time.Time `json:"applied_at"`

	// UpdatedAt is when the record was last modified (optimistic locking).
	UpdatedAt time.Time `json:"updated_at"`
}

// adjustmentIDRegex matches valid adjustment IDs (16 lowercase hex chars).
var adjustmentIDRegex = regexp.MustCompile(`^[0-9a-f]{16}$`)

// NewAdjustmentID generates a new 16-character lowercase hex adjustment ID.
func NewAdjustmentID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(bytes)
}

// ValidateAdjustmentID checks if the given string is a valid adjustment ID.
func ValidateAdjustmentID(id string) bool {
	return adjustmentIDRegex.MatchString(id)
}

// Validate checks the adjustment record is well-formed.
func (a *Adjustment) Validate() error {
	if !ValidateAdjustmentID(a.ID) {
		return fmt.Errorf("invalid adjustment ID format: %q", a.ID)
	}
	if a.PolicyID == "" {
		return fmt.Errorf("adjustment %s: policy ID is required", a.ID)
	}
	if !a.Action.IsValid() {
		return fmt.Errorf("adjustment %s: invalid action %q", a.ID, a.Action)
	}
	if a.AppliedAt.IsZero() {
		return fmt.Errorf("adjustment %s: applied_at is required", a.ID)
	}
	return nil
}

// Clone returns a deep copy of the adjustment.
func (a *Adjustment) Clone() *Adjustment {
	out := *a
	out.PriorRules = policy.CloneRules(a.PriorRules)
	out.NewRules = policy.CloneRules(a.NewRules)
	if a.Assessment != nil {
		as := *a.Assessment
		out.Assessment = &as
	}
	if a.Simulation != nil {
		sim := *a.Simulation
		out.Simulation = &sim
	}
	return &out
}

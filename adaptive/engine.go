package adaptive

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/citadelzt/citadel/audit"
	"github.com/citadelzt/citadel/errors"
	"github.com/citadelzt/citadel/policy"
)

// Config tunes the engine's window and evidence requirements. The zero
// value is usable; unset fields take the package defaults.
type Config struct {
	// WindowDays is the rolling window length in days.
	WindowDays int

	// MinSamples is the minimum number of outcomes in the window before
	// the engine proposes adjustments.
	MinSamples int
}

func (c *Config) applyDefaults() {
	if c.WindowDays <= 0 {
		c.WindowDays = DefaultWindowDays
	}
	if c.MinSamples <= 0 {
		c.MinSamples = DefaultMinSamples
	}
}

// Deps carries the engine's collaborators. Policies, Outcomes and
// Adjustments are required; Recorder is optional.
type Deps struct {
	Policies    policy.Store
	Outcomes    policy.OutcomeStore
	Adjustments Store
	Recorder    *audit.Recorder
}

// Engine scores policy effectiveness and manages threshold adjustments.
type Engine struct {
	cfg  Config
	deps Deps

	clock func() time.Time
}

// NewEngine builds an Engine. Policies, Outcomes and Adjustments are
// required.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Policies == nil {
		return nil, fmt.Errorf("adaptive: policy store is required")
	}
	if deps.Outcomes == nil {
		return nil, fmt.Errorf("adaptive: outcome store is required")
	}
	if deps.Adjustments == nil {
		return nil, fmt.Errorf("adaptive: adjustment store is required")
	}
	cfg.applyDefaults()
	return &Engine{cfg: cfg, deps: deps, clock: time.Now}, nil
}

func (e *Engine) window() time.Duration {
	return time.Duration(e.cfg.WindowDays) * 24 * time.Hour
}

// Assess computes a policy's window rates without writing anything back.
func (e *Engine) Assess(ctx context.Context, policyID string) (*Assessment, error) {
	since := e.clock().Add(-e.window())
	outcomes, err := e.deps.Outcomes.ListByPolicy(ctx, policyID, since, policy.MaxQueryLimit)
	if err != nil {
		return nil, fmt.Errorf("listing outcomes for %s: %w", policyID, err)
	}
	return assess(policyID, since, outcomes), nil
}

func assess(policyID string, since time.Time, outcomes []*policy.PolicyOutcome) *Assessment {
	a := &Assessment{PolicyID: policyID, WindowStart: since, Samples: len(outcomes)}
	if len(outcomes) == 0 {
		return a
	}

	var success, denied, incidents int
	for _, o := range outcomes {
		switch o.Outcome {
		case policy.OutcomeSuccess:
			success++
		case policy.OutcomeDenied:
			denied++
		case policy.OutcomeSecurityIncident:
			incidents++
		}
	}
	total := float64(len(outcomes))
	a.SuccessRate = float64(success) / total
	a.DenialRate = float64(denied) / total
	a.IncidentRate = float64(incidents) / total
	a.Effectiveness = clamp01(a.SuccessRate - 2*a.IncidentRate)
	return a
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Score assesses a policy and writes the effectiveness score back to the
// policy record.
func (e *Engine) Score(ctx context.Context, policyID string) (*Assessment, error) {
	a, err := e.Assess(ctx, policyID)
	if err != nil {
		return nil, err
	}

	p, err := e.deps.Policies.Get(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if p.EffectivenessScore == a.Effectiveness {
		return a, nil
	}
	p.EffectivenessScore = a.Effectiveness
	if err := e.deps.Policies.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("storing effectiveness for %s: %w", policyID, err)
	}
	return a, nil
}

// ScoreAll re-scores every stored policy. Returns the number scored.
func (e *Engine) ScoreAll(ctx context.Context) (int, error) {
	policies, err := e.deps.Policies.List(ctx, policy.MaxQueryLimit)
	if err != nil {
		return 0, err
	}
	scored := 0
	for _, p := range policies {
		if _, err := e.Score(ctx, p.ID); err != nil {
			return scored, err
		}
		scored++
	}
	return scored, nil
}

// Propose inspects a policy's window and returns at most one adjustment
// proposal, with its simulation attached. Returns (nil, nil) when the
// window gives no reason to adjust or no rule has headroom to move.
func (e *Engine) Propose(ctx context.Context, policyID string) (*Proposal, error) {
	since := e.clock().Add(-e.window())
	outcomes, err := e.deps.Outcomes.ListByPolicy(ctx, policyID, since, policy.MaxQueryLimit)
	if err != nil {
		return nil, fmt.Errorf("listing outcomes for %s: %w", policyID, err)
	}
	a := assess(policyID, since, outcomes)
	if a.Samples < e.cfg.MinSamples {
		return nil, nil
	}

	var action Action
	var reason string
	switch {
	case a.IncidentRate > IncidentRateCeiling:
		action = ActionIncreaseConfidence
		reason = fmt.Sprintf("incident rate %.2f exceeds %.2f", a.IncidentRate, IncidentRateCeiling)
	case a.DenialRate > DenialRateCeiling && a.IncidentRate < LowIncidentRate:
		action = ActionDecreaseConfidence
		reason = fmt.Sprintf("denial rate %.2f exceeds %.2f with incident rate %.2f", a.DenialRate, DenialRateCeiling, a.IncidentRate)
	default:
		return nil, nil
	}

	p, err := e.deps.Policies.Get(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if !hasHeadroom(p.Rules, action) {
		return nil, nil
	}

	return &Proposal{
		PolicyID:   policyID,
		Action:     action,
		Reason:     reason,
		Assessment: a,
		Simulation: simulate(p, outcomes, a, action),
	}, nil
}

// hasHeadroom reports whether any rule threshold can still move in the
// proposed direction.
func hasHeadroom(rules []policy.Rule, action Action) bool {
	for i := range rules {
		if shiftThreshold(rules[i].MinConfidence, action) != rules[i].MinConfidence {
			return true
		}
	}
	return false
}

// shiftThreshold moves one threshold by ConfidenceStep in the given
// direction, clamped to [FloorMinConfidence, MaxMinConfidence].
func shiftThreshold(v float64, action Action) float64 {
	switch action {
	case ActionIncreaseConfidence:
		if v >= MaxMinConfidence {
			return v
		}
		return min(v+ConfidenceStep, MaxMinConfidence)
	case ActionDecreaseConfidence:
		if v <= FloorMinConfidence {
			return v
		}
		return max(v-ConfidenceStep, FloorMinConfidence)
	}
	return v
}

// simulate replays the window under the shifted thresholds. An outcome
// flips only when its recorded confidence falls inside the band between
// the old and new threshold of the rule that covers its resource.
// Incidents are threshold-independent and carry through unchanged.
func simulate(p *policy.Policy, outcomes []*policy.PolicyOutcome, observed *Assessment, action Action) *Simulation {
	sim := &Simulation{Samples: len(outcomes)}
	if len(outcomes) == 0 {
		return sim
	}

	var success, denied int
	for _, o := range outcomes {
		predicted := o.Outcome
		if rule := p.FirstMatchingRule(o.Resource, ""); rule != nil {
			oldMin := rule.MinConfidence
			newMin := shiftThreshold(oldMin, action)
			switch {
			case o.Outcome == policy.OutcomeSuccess && newMin > oldMin && o.Confidence < newMin:
				predicted = policy.OutcomeDenied
			case o.Outcome == policy.OutcomeDenied && newMin < oldMin && o.Confidence >= newMin && o.Confidence < oldMin:
				predicted = policy.OutcomeSuccess
			}
		}
		switch predicted {
		case policy.OutcomeSuccess:
			success++
		case policy.OutcomeDenied:
			denied++
		}
	}

	total := float64(len(outcomes))
	sim.PredictedSuccessRate = float64(success) / total
	sim.PredictedDenialRate = float64(denied) / total
	sim.DeltaSuccess = sim.PredictedSuccessRate - observed.SuccessRate
	sim.DeltaDenial = sim.PredictedDenialRate - observed.DenialRate
	return sim
}

// Apply executes a proposal: snapshots the current rules, shifts every
// rule threshold, updates the policy, and records the adjustment.
func (e *Engine) Apply(ctx context.Context, proposal *Proposal, appliedBy string) (*Adjustment, error) {
	if proposal == nil {
		return nil, errors.New(errors.ErrCodeValidationFailed,
			"no proposal to apply",
			errors.GetSuggestion(errors.ErrCodeValidationFailed), nil)
	}
	if proposal.Action != ActionIncreaseConfidence && proposal.Action != ActionDecreaseConfidence {
		return nil, errors.New(errors.ErrCodeValidationFailed,
			fmt.Sprintf("cannot apply action %q", proposal.Action),
			errors.GetSuggestion(errors.ErrCodeValidationFailed), nil)
	}

	p, err := e.deps.Policies.Get(ctx, proposal.PolicyID)
	if err != nil {
		return nil, err
	}

	prior := policy.CloneRules(p.Rules)
	for i := range p.Rules {
		p.Rules[i].MinConfidence = shiftThreshold(p.Rules[i].MinConfidence, proposal.Action)
	}
	if err := e.deps.Policies.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("updating policy %s: %w", p.ID, err)
	}

	now := e.clock()
	adj := &Adjustment{
		ID:         NewAdjustmentID(),
		PolicyID:   p.ID,
		Action:     proposal.Action,
		PriorRules: prior,
		NewRules:   policy.CloneRules(p.Rules),
		Assessment: proposal.Assessment,
		Simulation: proposal.Simulation,
		AppliedBy:  appliedBy,
		AppliedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.deps.Adjustments.Create(ctx, adj); err != nil {
		return nil, fmt.Errorf("recording adjustment for %s: %w", p.ID, err)
	}

	e.audit(ctx, appliedBy, string(proposal.Action), p.ID, map[string]string{
		"adjustment_id": adj.ID,
		"reason":        proposal.Reason,
		"samples":       strconv.Itoa(proposal.Assessment.Samples),
	})
	return adj, nil
}

// Rollback restores the rules replaced by the policy's most recent
// adjustment that has not itself been rolled back. The reversal is
// recorded as its own adjustment.
func (e *Engine) Rollback(ctx context.Context, policyID, calledBy string) (*Adjustment, error) {
	history, err := e.deps.Adjustments.ListByPolicy(ctx, policyID, MaxQueryLimit)
	if err != nil {
		return nil, err
	}
	var target *Adjustment
	for _, a := range history {
		if a.Action != ActionRollback && !a.RolledBack {
			target = a
			break
		}
	}
	if target == nil {
		return nil, errors.New(errors.ErrCodeNotFound,
			fmt.Sprintf("policy %s has no adjustment to roll back", policyID),
			errors.GetSuggestion(errors.ErrCodeNotFound), nil)
	}

	p, err := e.deps.Policies.Get(ctx, policyID)
	if err != nil {
		return nil, err
	}
	replaced := policy.CloneRules(p.Rules)
	p.Rules = policy.CloneRules(target.PriorRules)
	if err := e.deps.Policies.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("restoring policy %s: %w", policyID, err)
	}

	target.RolledBack = true
	if err := e.deps.Adjustments.Update(ctx, target); err != nil {
		return nil, fmt.Errorf("marking adjustment %s rolled back: %w", target.ID, err)
	}

	now := e.clock()
	reversal := &Adjustment{
		ID:         NewAdjustmentID(),
		PolicyID:   policyID,
		Action:     ActionRollback,
		PriorRules: replaced,
		NewRules:   policy.CloneRules(p.Rules),
		AppliedBy:  calledBy,
		AppliedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.deps.Adjustments.Create(ctx, reversal); err != nil {
		return nil, fmt.Errorf("recording rollback for %s: %w", policyID, err)
	}

	e.audit(ctx, calledBy, string(ActionRollback), policyID, map[string]string{
		"adjustment_id": reversal.ID,
		"reverted":      target.ID,
	})
	return reversal, nil
}

// Run re-scores all policies on a ticker until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = e.ScoreAll(ctx)
		}
	}
}

func (e *Engine) audit(ctx context.Context, principalID, action, policyID string, details map[string]string) {
	if e.deps.Recorder == nil {
		return
	}
	_, _ = e.deps.Recorder.Record(ctx, &audit.AuditEvent{
		Timestamp:   e.clock(),
		EventType:   audit.EventTypePolicyChange,
		PrincipalID: principalID,
		Action:      action,
		Resource:    policyID,
		Result:      audit.ResultSuccess,
		Details:     details,
	})
}

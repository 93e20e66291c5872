package adaptive

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/citadelzt/citadel/errors"
	"github.com/citadelzt/citadel/policy"
)

const (
	testPolicyID = "00000000000000f1"
	testAdminID  = "00000000000000a1"
)

type engFixture struct {
	e           *Engine
	policies    *policy.MemoryStore
	outcomes    *policy.MemoryOutcomeStore
	adjustments *MemoryStore
	now         time.Time
}

func newFixture(t *testing.T, minConfidence float64) *engFixture {
	t.Helper()

	f := &engFixture{
		policies:    policy.NewMemoryStore(),
		outcomes:    policy.NewMemoryOutcomeStore(),
		adjustments: NewMemoryStore(),
		now:         time.Now().UTC().Truncate(time.Second),
	}

	if err := f.policies.Create(context.Background(), &policy.Policy{
		ID:       testPolicyID,
		Name:     "records access",
		Priority: 10,
		Active:   true,
		Rules: []policy.Rule{{
			Name:          "records",
			ResourceType:  "records",
			MinConfidence: minConfidence,
		}},
		CreatedAt: f.now.Add(-90 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	e, err := NewEngine(Config{}, Deps{
		Policies:    f.policies,
		Outcomes:    f.outcomes,
		Adjustments: f.adjustments,
	})
	if err != nil {
		t.Fatalf("NewEngine() = %v", err)
	}
	e.clock = func() time.Time { return f.now }
	f.e = e
	return f
}

// seed records n outcomes inside the window with the given result and
// confidence.
func (f *engFixture) seed(t *testing.T, n int, oc policy.Outcome, confidence float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := f.outcomes.Record(context.Background(), &policy.PolicyOutcome{
			ID:          policy.NewOutcomeID(),
			PolicyID:    testPolicyID,
			PrincipalID: "00000000000000aa",
			Resource:    "records",
			Outcome:     oc,
			Confidence:  confidence,
			Timestamp:   f.now.Add(-time.Hour),
		})
		if err != nil {
			t.Fatalf("Record() = %v", err)
		}
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("error = nil, want code %s", code)
	}
	ce, ok := errors.IsCitadelError(err)
	if !ok {
		t.Fatalf("error %v is not a typed error, want code %s", err, code)
	}
	if ce.Code() != code {
		t.Fatalf("error code = %s, want %s", ce.Code(), code)
	}
}

func TestAssessComputesRates(t *testing.T) {
	f := newFixture(t, 70)
	f.seed(t, 6, policy.OutcomeSuccess, 90)
	f.seed(t, 3, policy.OutcomeDenied, 50)
	f.seed(t, 1, policy.OutcomeSecurityIncident, 95)

	a, err := f.e.Assess(context.Background(), testPolicyID)
	if err != nil {
		t.Fatalf("Assess() = %v", err)
	}
	if a.Samples != 10 {
		t.Errorf("Samples = %d, want 10", a.Samples)
	}
	if !almostEqual(a.SuccessRate, 0.6) {
		t.Errorf("SuccessRate = %v, want 0.6", a.SuccessRate)
	}
	if !almostEqual(a.DenialRate, 0.3) {
		t.Errorf("DenialRate = %v, want 0.3", a.DenialRate)
	}
	if !almostEqual(a.IncidentRate, 0.1) {
		t.Errorf("IncidentRate = %v, want 0.1", a.IncidentRate)
	}
	if !almostEqual(a.Effectiveness, 0.4) {
		t.Errorf("Effectiveness = %v, want 0.4", a.Effectiveness)
	}
}

func TestAssessClampsEffectiveness(t *testing.T) {
	f := newFixture(t, 70)
	// Incidents dominate: raw score goes negative, clamps to zero.
	f.seed(t, 2, policy.OutcomeSuccess, 90)
	f.seed(t, 8, policy.OutcomeSecurityIncident, 95)

	a, err := f.e.Assess(context.Background(), testPolicyID)
	if err != nil {
		t.Fatalf("Assess() = %v", err)
	}
	if a.Effectiveness != 0 {
		t.Errorf("Effectiveness = %v, want 0", a.Effectiveness)
	}
}

func TestAssessEmptyWindow(t *testing.T) {
	f := newFixture(t, 70)

	a, err := f.e.Assess(context.Background(), testPolicyID)
	if err != nil {
		t.Fatalf("Assess() = %v", err)
	}
	if a.Samples != 0 || a.SuccessRate != 0 || a.Effectiveness != 0 {
		t.Errorf("empty window assessment = %+v, want zeroes", a)
	}
}

func TestAssessIgnoresOutcomesOutsideWindow(t *testing.T) {
	f := newFixture(t, 70)
	if err := f.outcomes.Record(context.Background(), &policy.PolicyOutcome{
		ID:          policy.NewOutcomeID(),
		PolicyID:    testPolicyID,
		PrincipalID: "00000000000000aa",
		Resource:    "records",
		Outcome:     policy.OutcomeSuccess,
		Confidence:  90,
		Timestamp:   f.now.Add(-31 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("Record() = %v", err)
	}

	a, err := f.e.Assess(context.Background(), testPolicyID)
	if err != nil {
		t.Fatalf("Assess() = %v", err)
	}
	if a.Samples != 0 {
		t.Errorf("Samples = %d, want 0", a.Samples)
	}
}

func TestScoreWritesEffectiveness(t *testing.T) {
	f := newFixture(t, 70)
	f.seed(t, 6, policy.OutcomeSuccess, 90)
	f.seed(t, 3, policy.OutcomeDenied, 50)
	f.seed(t, 1, policy.OutcomeSecurityIncident, 95)

	if _, err := f.e.Score(context.Background(), testPolicyID); err != nil {
		t.Fatalf("Score() = %v", err)
	}

	p, err := f.policies.Get(context.Background(), testPolicyID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if !almostEqual(p.EffectivenessScore, 0.4) {
		t.Errorf("EffectivenessScore = %v, want 0.4", p.EffectivenessScore)
	}
}

func TestProposeIncreaseOnIncidents(t *testing.T) {
	f := newFixture(t, 70)
	f.seed(t, 30, policy.OutcomeSuccess, 90)
	f.seed(t, 10, policy.OutcomeSuccess, 72)
	f.seed(t, 10, policy.OutcomeSecurityIncident, 95)

	prop, err := f.e.Propose(context.Background(), testPolicyID)
	if err != nil {
		t.Fatalf("Propose() = %v", err)
	}
	if prop == nil {
		t.Fatal("Propose() = nil, want increase proposal")
	}
	if prop.Action != ActionIncreaseConfidence {
		t.Fatalf("Action = %q, want %q", prop.Action, ActionIncreaseConfidence)
	}

	// Raising 70 to 75 swings the low-confidence grants to denials.
	sim := prop.Simulation
	if sim == nil {
		t.Fatal("Simulation = nil")
	}
	if !almostEqual(sim.PredictedSuccessRate, 0.6) {
		t.Errorf("PredictedSuccessRate = %v, want 0.6", sim.PredictedSuccessRate)
	}
	if !almostEqual(sim.DeltaSuccess, -0.2) {
		t.Errorf("DeltaSuccess = %v, want -0.2", sim.DeltaSuccess)
	}
	if !almostEqual(sim.DeltaDenial, 0.2) {
		t.Errorf("DeltaDenial = %v, want 0.2", sim.DeltaDenial)
	}
}

func TestProposeDecreaseOnDenials(t *testing.T) {
	f := newFixture(t, 70)
	f.seed(t, 26, policy.OutcomeSuccess, 90)
	f.seed(t, 24, policy.OutcomeDenied, 67)

	prop, err := f.e.Propose(context.Background(), testPolicyID)
	if err != nil {
		t.Fatalf("Propose() = %v", err)
	}
	if prop == nil {
		t.Fatal("Propose() = nil, want decrease proposal")
	}
	if prop.Action != ActionDecreaseConfidence {
		t.Fatalf("Action = %q, want %q", prop.Action, ActionDecreaseConfidence)
	}

	// Lowering 70 to 65 recovers the denials that only missed the bar.
	sim := prop.Simulation
	if !almostEqual(sim.PredictedSuccessRate, 1.0) {
		t.Errorf("PredictedSuccessRate = %v, want 1.0", sim.PredictedSuccessRate)
	}
	if !almostEqual(sim.PredictedDenialRate, 0) {
		t.Errorf("PredictedDenialRate = %v, want 0", sim.PredictedDenialRate)
	}
}

func TestProposeNeedsSamples(t *testing.T) {
	f := newFixture(t, 70)
	// Incident-heavy but far below the evidence floor.
	f.seed(t, 5, policy.OutcomeSecurityIncident, 95)
	f.seed(t, 5, policy.OutcomeSuccess, 90)

	prop, err := f.e.Propose(context.Background(), testPolicyID)
	if err != nil {
		t.Fatalf("Propose() = %v", err)
	}
	if prop != nil {
		t.Errorf("Propose() = %+v, want nil below min samples", prop)
	}
}

func TestProposeNoChangeOnHealthyWindow(t *testing.T) {
	f := newFixture(t, 70)
	f.seed(t, 45, policy.OutcomeSuccess, 90)
	f.seed(t, 5, policy.OutcomeDenied, 50)

	prop, err := f.e.Propose(context.Background(), testPolicyID)
	if err != nil {
		t.Fatalf("Propose() = %v", err)
	}
	if prop != nil {
		t.Errorf("Propose() = %+v, want nil for a healthy window", prop)
	}
}

func TestProposeNoHeadroom(t *testing.T) {
	f := newFixture(t, MaxMinConfidence)
	f.seed(t, 40, policy.OutcomeSuccess, 96)
	f.seed(t, 10, policy.OutcomeSecurityIncident, 95)

	prop, err := f.e.Propose(context.Background(), testPolicyID)
	if err != nil {
		t.Fatalf("Propose() = %v", err)
	}
	if prop != nil {
		t.Errorf("Propose() = %+v, want nil when every rule is at the cap", prop)
	}
}

func TestShiftThresholdClamps(t *testing.T) {
	tests := []struct {
		name   string
		value  float64
		action Action
		want   float64
	}{
		{"increase mid", 70, ActionIncreaseConfidence, 75},
		{"increase near cap", 93, ActionIncreaseConfidence, 95},
		{"increase at cap", 95, ActionIncreaseConfidence, 95},
		{"decrease mid", 70, ActionDecreaseConfidence, 65},
		{"decrease near floor", 42, ActionDecreaseConfidence, 40},
		{"decrease at floor", 40, ActionDecreaseConfidence, 40},
		{"rollback untouched", 70, ActionRollback, 70},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shiftThreshold(tt.value, tt.action); got != tt.want {
				t.Errorf("shiftThreshold(%v, %s) = %v, want %v", tt.value, tt.action, got, tt.want)
			}
		})
	}
}

func TestApplyShiftsThresholds(t *testing.T) {
	f := newFixture(t, 70)
	f.seed(t, 40, policy.OutcomeSuccess, 90)
	f.seed(t, 10, policy.OutcomeSecurityIncident, 95)

	prop, err := f.e.Propose(context.Background(), testPolicyID)
	if err != nil || prop == nil {
		t.Fatalf("Propose() = %+v, %v", prop, err)
	}

	adj, err := f.e.Apply(context.Background(), prop, testAdminID)
	if err != nil {
		t.Fatalf("Apply() = %v", err)
	}
	if adj.PriorRules[0].MinConfidence != 70 {
		t.Errorf("PriorRules[0].MinConfidence = %v, want 70", adj.PriorRules[0].MinConfidence)
	}
	if adj.NewRules[0].MinConfidence != 75 {
		t.Errorf("NewRules[0].MinConfidence = %v, want 75", adj.NewRules[0].MinConfidence)
	}
	if adj.AppliedBy != testAdminID {
		t.Errorf("AppliedBy = %q, want %q", adj.AppliedBy, testAdminID)
	}

	p, err := f.policies.Get(context.Background(), testPolicyID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if p.Rules[0].MinConfidence != 75 {
		t.Errorf("policy MinConfidence = %v, want 75", p.Rules[0].MinConfidence)
	}

	stored, err := f.adjustments.Get(context.Background(), adj.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if stored.Action != ActionIncreaseConfidence || stored.RolledBack {
		t.Errorf("stored adjustment = %+v", stored)
	}
}

func TestApplyRejectsRollbackProposal(t *testing.T) {
	f := newFixture(t, 70)
	_, err := f.e.Apply(context.Background(), &Proposal{
		PolicyID: testPolicyID,
		Action:   ActionRollback,
	}, testAdminID)
	wantCode(t, err, errors.ErrCodeValidationFailed)
}

func TestRollbackRestoresRules(t *testing.T) {
	f := newFixture(t, 70)
	f.seed(t, 40, policy.OutcomeSuccess, 90)
	f.seed(t, 10, policy.OutcomeSecurityIncident, 95)

	prop, err := f.e.Propose(context.Background(), testPolicyID)
	if err != nil || prop == nil {
		t.Fatalf("Propose() = %+v, %v", prop, err)
	}
	applied, err := f.e.Apply(context.Background(), prop, testAdminID)
	if err != nil {
		t.Fatalf("Apply() = %v", err)
	}

	reversal, err := f.e.Rollback(context.Background(), testPolicyID, testAdminID)
	if err != nil {
		t.Fatalf("Rollback() = %v", err)
	}
	if reversal.Action != ActionRollback {
		t.Errorf("Action = %q, want %q", reversal.Action, ActionRollback)
	}
	if reversal.NewRules[0].MinConfidence != 70 {
		t.Errorf("restored MinConfidence = %v, want 70", reversal.NewRules[0].MinConfidence)
	}

	p, err := f.policies.Get(context.Background(), testPolicyID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if p.Rules[0].MinConfidence != 70 {
		t.Errorf("policy MinConfidence = %v, want 70", p.Rules[0].MinConfidence)
	}

	original, err := f.adjustments.Get(context.Background(), applied.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if !original.RolledBack {
		t.Error("original adjustment not marked rolled back")
	}

	// Nothing left to revert.
	_, err = f.e.Rollback(context.Background(), testPolicyID, testAdminID)
	wantCode(t, err, errors.ErrCodeNotFound)
}

func TestScoreAll(t *testing.T) {
	f := newFixture(t, 70)
	f.seed(t, 10, policy.OutcomeSuccess, 90)

	n, err := f.e.ScoreAll(context.Background())
	if err != nil {
		t.Fatalf("ScoreAll() = %v", err)
	}
	if n != 1 {
		t.Errorf("ScoreAll() = %d, want 1", n)
	}

	p, _ := f.policies.Get(context.Background(), testPolicyID)
	if !almostEqual(p.EffectivenessScore, 1.0) {
		t.Errorf("EffectivenessScore = %v, want 1.0", p.EffectivenessScore)
	}
}

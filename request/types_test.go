package request

import (
	"strings"
	"testing"
	"time"

	"github.com/citadelzt/citadel/principal"
)

func validRequest() *AccessRequest {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return &AccessRequest{
		ID:                 "a1b2c3d4e5f60718",
		PrincipalID:        "00000000000000aa",
		RoleSnapshot:       principal.RoleFaculty,
		DepartmentSnapshot: "physics",
		Resource:           "gpu-cluster-01",
		ResourceType:       "server",
		IntentText:         "Re-run the overnight simulation batch that failed at 03:00",
		Duration:           2 * time.Hour,
		Urgency:            UrgencyMedium,
		IP:                 "10.1.2.3",
		DeviceID:           "0123456789abcdef0123456789abcdef",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestUrgencyIsValid(t *testing.T) {
	for _, u := range []Urgency{UrgencyLow, UrgencyMedium, UrgencyHigh} {
		if !u.IsValid() {
			t.Errorf("%s should be valid", u)
		}
	}
	if Urgency("critical").IsValid() {
		t.Error("unknown urgency should be invalid")
	}
}

func TestDecisionIsValid(t *testing.T) {
	valid := []Decision{
		DecisionGranted, DecisionGrantedWithMFA, DecisionPendingApproval,
		DecisionDenied, DecisionError,
	}
	for _, d := range valid {
		if !d.IsValid() {
			t.Errorf("%s should be valid", d)
		}
	}
	if Decision("approved").IsValid() {
		t.Error("unknown decision should be invalid")
	}
}

func TestDecisionGrants(t *testing.T) {
	tests := []struct {
		decision Decision
		want     bool
	}{
		{DecisionGranted, true},
		{DecisionGrantedWithMFA, true},
		{DecisionPendingApproval, false},
		{DecisionDenied, false},
		{DecisionError, false},
		{Decision(""), false},
	}
	for _, tt := range tests {
		if got := tt.decision.Grants(); got != tt.want {
			t.Errorf("Grants(%q) = %v, want %v", tt.decision, got, tt.want)
		}
	}
}

func TestDecisionCanResolveTo(t *testing.T) {
	tests := []struct {
		from, to Decision
		want     bool
	}{
		{DecisionPendingApproval, DecisionGranted, true},
		{DecisionPendingApproval, DecisionDenied, true},
		{DecisionPendingApproval, DecisionGrantedWithMFA, false},
		{DecisionPendingApproval, DecisionPendingApproval, false},
		{DecisionGranted, DecisionDenied, false},
		{DecisionDenied, DecisionGranted, false},
		{Decision(""), DecisionGranted, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanResolveTo(tt.to); got != tt.want {
			t.Errorf("CanResolveTo(%q -> %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestNewRequestID(t *testing.T) {
	id := NewRequestID()
	if !ValidateRequestID(id) {
		t.Errorf("generated ID %q should be valid", id)
	}
	if id2 := NewRequestID(); id == id2 {
		t.Errorf("consecutive IDs should differ: %q", id)
	}
}

func TestAccessRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AccessRequest)
		wantErr string
	}{
		{"valid undecided", func(r *AccessRequest) {}, ""},
		{"valid decided", func(r *AccessRequest) {
			r.Decision = DecisionGranted
			r.ConfidenceScore = 93.5
			r.ExpiresAt = r.CreatedAt.Add(r.Duration)
		}, ""},
		{"bad ID", func(r *AccessRequest) { r.ID = "REQUEST-1" }, "invalid request ID"},
		{"missing principal", func(r *AccessRequest) { r.PrincipalID = "" }, "principal ID is required"},
		{"bad role", func(r *AccessRequest) { r.RoleSnapshot = "superuser" }, "invalid role"},
		{"missing resource", func(r *AccessRequest) { r.Resource = "" }, "resource is required"},
		{"missing intent", func(r *AccessRequest) { r.IntentText = "" }, "intent text is required"},
		{"intent too long", func(r *AccessRequest) { r.IntentText = strings.Repeat("x", MaxIntentLength+1) }, "exceeds"},
		{"zero duration", func(r *AccessRequest) { r.Duration = 0 }, "duration must be within"},
		{"duration over cap", func(r *AccessRequest) { r.Duration = MaxDuration + time.Second }, "duration must be within"},
		{"bad urgency", func(r *AccessRequest) { r.Urgency = "asap" }, "invalid urgency"},
		{"bad decision", func(r *AccessRequest) { r.Decision = "maybe" }, "invalid decision"},
		{"confidence out of range", func(r *AccessRequest) { r.ConfidenceScore = 120 }, "confidence score"},
		{"zero created_at", func(r *AccessRequest) { r.CreatedAt = time.Time{} }, "created_at is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequest()
			tt.mutate(r)
			err := r.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestAccessRequestDecided(t *testing.T) {
	r := validRequest()
	if r.Decided() {
		t.Error("fresh request should not be decided")
	}
	r.Decision = DecisionDenied
	if !r.Decided() {
		t.Error("request with a decision should be decided")
	}
}

func TestAccessRequestClone(t *testing.T) {
	r := validRequest()
	r.Decision = DecisionGranted
	r.Breakdown = &ConfidenceBreakdown{Device: 80, Final: 91}
	r.PoliciesApplied = []string{"p1", "p2"}

	c := r.Clone()
	c.Breakdown.Device = 10
	c.PoliciesApplied[0] = "changed"

	if r.Breakdown.Device != 80 {
		t.Error("mutating clone breakdown should not affect original")
	}
	if r.PoliciesApplied[0] != "p1" {
		t.Error("mutating clone policies should not affect original")
	}
}

package breakglass

import (
	"testing"
	"time"
)

func TestRequestStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		from RequestStatus
		to   RequestStatus
		want bool
	}{
		{"pending to approved", StatusPending, StatusApproved, true},
		{"pending to denied", StatusPending, StatusDenied, true},
		{"pending to expired", StatusPending, StatusExpired, true},
		{"pending to active", StatusPending, StatusActive, false},
		{"approved to active", StatusApproved, StatusActive, true},
		{"approved to denied", StatusApproved, StatusDenied, false},
		{"active to expired", StatusActive, StatusExpired, true},
		{"active to completed", StatusActive, StatusCompleted, true},
		{"active to pending", StatusActive, StatusPending, false},
		{"denied is terminal", StatusDenied, StatusActive, false},
		{"expired is terminal", StatusExpired, StatusActive, false},
		{"completed is terminal", StatusCompleted, StatusActive, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestRequestStatusIsTerminal(t *testing.T) {
	terminal := []RequestStatus{StatusDenied, StatusExpired, StatusCompleted}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("IsTerminal(%s) = false, want true", s)
		}
	}
	live := []RequestStatus{StatusPending, StatusApproved, StatusActive}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("IsTerminal(%s) = true, want false", s)
		}
	}
}

func TestEmergencyTypeIsValid(t *testing.T) {
	for _, typ := range []EmergencyType{TypeSystemOutage, TypeSecurityIncident, TypeDataRecovery, TypeCriticalMaintenance} {
		if !typ.IsValid() {
			t.Errorf("IsValid(%s) = false, want true", typ)
		}
	}
	if EmergencyType("fire_drill").IsValid() {
		t.Error("IsValid(fire_drill) = true, want false")
	}
}

func TestUrgencyIsValid(t *testing.T) {
	for _, u := range []Urgency{UrgencyMedium, UrgencyHigh, UrgencyCritical} {
		if !u.IsValid() {
			t.Errorf("IsValid(%s) = false, want true", u)
		}
	}
	// Low-urgency work goes through normal elevation.
	if Urgency("low").IsValid() {
		t.Error("IsValid(low) = true, want false")
	}
}

func TestNewEmergencyID(t *testing.T) {
	id := NewEmergencyID()
	if len(id) != EmergencyIDLength {
		t.Errorf("len(NewEmergencyID()) = %d, want %d", len(id), EmergencyIDLength)
	}
	if !ValidateEmergencyID(id) {
		t.Errorf("ValidateEmergencyID(%q) = false, want true", id)
	}
	if NewEmergencyID() == id {
		t.Error("NewEmergencyID() returned the same ID twice")
	}
}

func TestValidateEmergencyID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"valid", "0123456789abcdef", true},
		{"too short", "0123456789abcde", false},
		{"too long", "0123456789abcdef0", false},
		{"uppercase", "0123456789ABCDEF", false},
		{"non-hex", "0123456789abcdeg", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateEmergencyID(tt.id); got != tt.want {
				t.Errorf("ValidateEmergencyID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestApprovalAccounting(t *testing.T) {
	now := time.Now()
	req := &EmergencyRequest{
		RequestedAt: now,
		Approvals: []ApprovalDecision{
			{ApproverID: "00000000000000a1", Approved: true, At: now},
			{ApproverID: "00000000000000a2", Approved: false, At: now},
		},
	}

	if got := req.ApprovalCount(); got != 1 {
		t.Errorf("ApprovalCount() = %d, want 1", got)
	}
	if !req.HasDecision("00000000000000a1") {
		t.Error("HasDecision(a1) = false, want true")
	}
	if !req.HasDecision("00000000000000a2") {
		t.Error("HasDecision(a2) = false, want true")
	}
	if req.HasDecision("00000000000000a3") {
		t.Error("HasDecision(a3) = true, want false")
	}
	if got := req.ApprovalDeadline(); !got.Equal(now.Add(ApprovalTimeout)) {
		t.Errorf("ApprovalDeadline() = %v, want %v", got, now.Add(ApprovalTimeout))
	}
}

func TestRequestClone(t *testing.T) {
	req := &EmergencyRequest{
		ID:                "0123456789abcdef",
		RequiredResources: []string{"db-primary"},
		Approvals:         []ApprovalDecision{{ApproverID: "00000000000000a1", Approved: true}},
		NotifiedAdmins:    []string{"00000000000000a1"},
	}
	clone := req.Clone()
	clone.RequiredResources[0] = "changed"
	clone.Approvals[0].ApproverID = "changed"
	clone.NotifiedAdmins[0] = "changed"

	if req.RequiredResources[0] != "db-primary" {
		t.Error("Clone() shares RequiredResources with the original")
	}
	if req.Approvals[0].ApproverID != "00000000000000a1" {
		t.Error("Clone() shares Approvals with the original")
	}
	if req.NotifiedAdmins[0] != "00000000000000a1" {
		t.Error("Clone() shares NotifiedAdmins with the original")
	}
}

func TestSessionClone(t *testing.T) {
	sess := &EmergencySession{
		ID:         "0123456789abcdef",
		Activities: []Activity{{Command: "restart", Resource: "db-primary"}},
	}
	clone := sess.Clone()
	clone.Activities[0].Command = "changed"
	if sess.Activities[0].Command != "restart" {
		t.Error("Clone() shares Activities with the original")
	}
}

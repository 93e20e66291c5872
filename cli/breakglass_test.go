package cli

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/citadelzt/citadel/breakglass"
)

type fakeEmergencyManager struct {
	request *breakglass.EmergencyRequest
	report  *breakglass.IncidentReport
	err     error

	submitted *breakglass.Submission
	approved  [3]string
	denied    [3]string
	completed [2]string
}

func (f *fakeEmergencyManager) Submit(ctx context.Context, sub breakglass.Submission) (*breakglass.EmergencyRequest, error) {
	f.submitted = &sub
	return f.request, f.err
}

func (f *fakeEmergencyManager) Approve(ctx context.Context, requestID, approverID, comments string) (*breakglass.EmergencyRequest, error) {
	f.approved = [3]string{requestID, approverID, comments}
	return f.request, f.err
}

func (f *fakeEmergencyManager) Deny(ctx context.Context, requestID, approverID, reason string) (*breakglass.EmergencyRequest, error) {
	f.denied = [3]string{requestID, approverID, reason}
	return f.request, f.err
}

func (f *fakeEmergencyManager) Complete(ctx context.Context, requestID, callerID string) (*breakglass.IncidentReport, error) {
	f.completed = [2]string{requestID, callerID}
	return f.report, f.err
}

func makeEmergencyRequest(requesterID string) *breakglass.EmergencyRequest {
	now := time.Now()
	return &breakglass.EmergencyRequest{
		ID:                breakglass.NewEmergencyID(),
		RequesterID:       requesterID,
		EmergencyType:     breakglass.TypeSystemOutage,
		Urgency:           breakglass.UrgencyHigh,
		Justification:     "database cluster is refusing connections and the on-call runbook is exhausted",
		RequiredResources: []string{"db-cluster"},
		EstimatedDuration: time.Hour,
		Status:            breakglass.StatusPending,
		RequestedAt:       now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestBreakGlassSubmitCommand(t *testing.T) {
	manager := &fakeEmergencyManager{request: makeEmergencyRequest(testPrincipalID)}

	err := BreakGlassSubmitCommand(context.Background(), BreakGlassSubmitCommandInput{
		RequesterID:       testPrincipalID,
		EmergencyType:     "system_outage",
		Urgency:           "critical",
		Justification:     "database cluster is refusing connections and the on-call runbook is exhausted",
		RequiredResources: []string{"db-cluster", "backup-vault"},
		Duration:          90 * time.Minute,
		Manager:           manager,
	})
	if err != nil {
		t.Fatalf("BreakGlassSubmitCommand() = %v", err)
	}

	if manager.submitted == nil {
		t.Fatal("Submit was not called")
	}
	if manager.submitted.EmergencyType != breakglass.TypeSystemOutage {
		t.Errorf("EmergencyType = %q", manager.submitted.EmergencyType)
	}
	if manager.submitted.Urgency != breakglass.UrgencyCritical {
		t.Errorf("Urgency = %q", manager.submitted.Urgency)
	}
	if len(manager.submitted.RequiredResources) != 2 {
		t.Errorf("RequiredResources = %v", manager.submitted.RequiredResources)
	}
}

func TestBreakGlassSubmitCommandRejectsUnknownType(t *testing.T) {
	err := BreakGlassSubmitCommand(context.Background(), BreakGlassSubmitCommandInput{
		RequesterID:   testPrincipalID,
		EmergencyType: "bad_hair_day",
		Urgency:       "high",
		Manager:       &fakeEmergencyManager{},
	})
	if err == nil {
		t.Fatal("BreakGlassSubmitCommand() = nil, want error")
	}
}

func TestBreakGlassApproveAndDenyForwardArguments(t *testing.T) {
	manager := &fakeEmergencyManager{request: makeEmergencyRequest(testPrincipalID)}
	input := BreakGlassReviewCommandInput{
		RequestID: "em-1",
		CallerID:  "fedcba9876543210",
		Comment:   "confirmed the outage",
		Manager:   manager,
	}

	if err := BreakGlassApproveCommand(context.Background(), input); err != nil {
		t.Fatalf("BreakGlassApproveCommand() = %v", err)
	}
	if manager.approved != [3]string{"em-1", "fedcba9876543210", "confirmed the outage"} {
		t.Errorf("Approve args = %v", manager.approved)
	}

	if err := BreakGlassDenyCommand(context.Background(), input); err != nil {
		t.Fatalf("BreakGlassDenyCommand() = %v", err)
	}
	if manager.denied[0] != "em-1" {
		t.Errorf("Deny args = %v", manager.denied)
	}
}

func TestBreakGlassListCommandByStatus(t *testing.T) {
	store := breakglass.NewMemoryRequestStore()
	ctx := context.Background()
	if err := store.Create(ctx, makeEmergencyRequest(testPrincipalID)); err != nil {
		t.Fatal(err)
	}

	err := BreakGlassListCommand(ctx, BreakGlassListCommandInput{
		Status: string(breakglass.StatusPending),
		Limit:  10,
		Store:  store,
	})
	if err != nil {
		t.Fatalf("BreakGlassListCommand() = %v", err)
	}
}

func TestBreakGlassListCommandRequiresAFilter(t *testing.T) {
	err := BreakGlassListCommand(context.Background(), BreakGlassListCommandInput{
		Store: breakglass.NewMemoryRequestStore(),
	})
	if err == nil {
		t.Fatal("BreakGlassListCommand() = nil, want error")
	}
}

func TestBreakGlassReportCommand(t *testing.T) {
	manager := &fakeEmergencyManager{report: &breakglass.IncidentReport{ID: "rep-1"}}

	err := BreakGlassReportCommand(context.Background(), BreakGlassReportCommandInput{
		RequestID: "em-1",
		CallerID:  testPrincipalID,
		Manager:   manager,
	})
	if err != nil {
		t.Fatalf("BreakGlassReportCommand() = %v", err)
	}
	if manager.completed != [2]string{"em-1", testPrincipalID} {
		t.Errorf("Complete args = %v", manager.completed)
	}
}

func TestBreakGlassReportCommandPropagatesErrors(t *testing.T) {
	manager := &fakeEmergencyManager{err: errors.New("no active session")}

	err := BreakGlassReportCommand(context.Background(), BreakGlassReportCommandInput{
		RequestID: "em-1",
		CallerID:  testPrincipalID,
		Manager:   manager,
	})
	if err == nil {
		t.Fatal("BreakGlassReportCommand() = nil, want error")
	}
}

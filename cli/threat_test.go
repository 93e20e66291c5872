package cli

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/citadelzt/citadel/testutil"
	"github.com/citadelzt/citadel/threat"
)

type fakeThreatAssessor struct {
	prediction *threat.Prediction
	err        error

	assessed string
}

func (f *fakeThreatAssessor) Assess(ctx context.Context, principalID string) (*threat.Prediction, error) {
	f.assessed = principalID
	return f.prediction, f.err
}

func TestThreatScanCommand(t *testing.T) {
	detector := &fakeThreatAssessor{
		prediction: testutil.MakePrediction(testPrincipalID, threat.ThreatBruteForce),
	}

	err := ThreatScanCommand(context.Background(), ThreatScanCommandInput{
		PrincipalID: testPrincipalID,
		Detector:    detector,
	})
	if err != nil {
		t.Fatalf("ThreatScanCommand() = %v", err)
	}
	if detector.assessed != testPrincipalID {
		t.Errorf("assessed = %q", detector.assessed)
	}
}

func TestThreatScanCommandCleanAssessment(t *testing.T) {
	detector := &fakeThreatAssessor{}

	err := ThreatScanCommand(context.Background(), ThreatScanCommandInput{
		PrincipalID: testPrincipalID,
		Detector:    detector,
	})
	if err != nil {
		t.Fatalf("ThreatScanCommand() = %v, want nil for a clean assessment", err)
	}
}

func TestThreatScanCommandPropagatesErrors(t *testing.T) {
	detector := &fakeThreatAssessor{err: errors.New("chain unavailable")}

	err := ThreatScanCommand(context.Background(), ThreatScanCommandInput{
		PrincipalID: testPrincipalID,
		Detector:    detector,
	})
	if err == nil {
		t.Fatal("ThreatScanCommand() = nil, want error")
	}
}

func TestThreatListCommandByStatus(t *testing.T) {
	store := testutil.NewMockThreatStore()
	ctx := context.Background()
	if err := store.Create(ctx, testutil.MakePrediction(testPrincipalID, threat.ThreatCoordinatedAttack)); err != nil {
		t.Fatal(err)
	}

	err := ThreatListCommand(ctx, ThreatListCommandInput{
		Status: string(threat.StatusPending),
		Limit:  10,
		Store:  store,
	})
	if err != nil {
		t.Fatalf("ThreatListCommand() = %v", err)
	}
	if len(store.ListByStatusCalls) != 1 {
		t.Errorf("ListByStatus called %d times, want 1", len(store.ListByStatusCalls))
	}
}

func TestThreatListCommandDefaultsToListSince(t *testing.T) {
	store := testutil.NewMockThreatStore()

	err := ThreatListCommand(context.Background(), ThreatListCommandInput{
		Since: 48 * time.Hour,
		Limit: 10,
		Store: store,
	})
	if err != nil {
		t.Fatalf("ThreatListCommand() = %v", err)
	}
	if len(store.ListSinceCalls) != 1 {
		t.Fatalf("ListSince called %d times, want 1", len(store.ListSinceCalls))
	}
	if age := time.Since(store.ListSinceCalls[0].Since); age < 47*time.Hour {
		t.Errorf("Since cutoff %v is too recent", store.ListSinceCalls[0].Since)
	}
}

func TestThreatListCommandRejectsBadStatus(t *testing.T) {
	err := ThreatListCommand(context.Background(), ThreatListCommandInput{
		Status: "maybe",
		Store:  testutil.NewMockThreatStore(),
	})
	if err == nil {
		t.Fatal("ThreatListCommand() = nil, want error")
	}
}

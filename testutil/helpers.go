// Package testutil provides reusable test utilities, mock implementations,
// and helper functions for testing Citadel components.
package testutil

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/citadelzt/citadel/device"
	"github.com/citadelzt/citadel/jit"
	"github.com/citadelzt/citadel/principal"
	"github.com/citadelzt/citadel/request"
	"github.com/citadelzt/citadel/session"
	"github.com/citadelzt/citadel/threat"
)

// ============================================================================
// Time helpers
// ============================================================================

// MustParseTime parses a time string using the given layout and panics on error.
// Useful for test data initialization where parse errors indicate a test bug.
//
// Example:
//
//	t := MustParseTime(time.RFC3339, "2026-01-15T10:00:00Z")
func MustParseTime(layout, value string) time.Time {
	t, err := time.Parse(layout, value)
	if err != nil {
		panic("testutil.MustParseTime: " + err.Error())
	}
	return t
}

// FixedClock returns a function that always returns the given time.
// Useful for testing time-dependent logic with deterministic values.
//
// Example:
//
//	now := time.Now()
//	clock := FixedClock(now)
//	// clock() always returns now
func FixedClock(t time.Time) func() time.Time {
	return func() time.Time {
		return t
	}
}

// ============================================================================
// Fixture helpers
// ============================================================================

// MakeAccessRequest creates a pending access request with sensible defaults.
// The request is undecided, medium urgency, asking for 1 hour of access.
//
// Example:
//
//	req := MakeAccessRequest("00000000000000a1", "chem-lab-3")
func MakeAccessRequest(principalID, resource string) *request.AccessRequest {
	now := time.Now()
	return &request.AccessRequest{
		ID:           request.NewRequestID(),
		PrincipalID:  principalID,
		RoleSnapshot: principal.RoleFaculty,
		Resource:     resource,
		ResourceType: "lab",
		IntentText:   "Scheduled equipment calibration in " + resource + " this afternoon",
		Duration:     1 * time.Hour,
		Urgency:      request.UrgencyMedium,
		IP:           "10.20.0.4",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// MakeGrant creates a pending JIT elevation grant with a 1-hour duration.
func MakeGrant(principalID, segmentID string) *jit.Grant {
	now := time.Now()
	return &jit.Grant{
		ID:            jit.NewGrantID(),
		PrincipalID:   principalID,
		SegmentID:     segmentID,
		Justification: "Migrating the gradebook export job onto the new runner this week",
		Duration:      1 * time.Hour,
		Status:        jit.StatusPendingApproval,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// MakeGrantedGrant creates a grant that is already approved and live for
// another hour.
func MakeGrantedGrant(principalID, segmentID string) *jit.Grant {
	g := MakeGrant(principalID, segmentID)
	now := time.Now()
	g.Status = jit.StatusGranted
	g.GrantedAt = now.Add(-5 * time.Minute)
	g.ExpiresAt = g.GrantedAt.Add(g.Duration)
	return g
}

// MakeSession creates an active monitored session with a neutral behavioral
// sample and zero risk.
func MakeSession(principalID string) *session.Session {
	now := time.Now()
	return &session.Session{
		ID:             session.NewSessionID(),
		PrincipalID:    principalID,
		Status:         session.StatusActive,
		StartedAt:      now.Add(-10 * time.Minute),
		LastActivityAt: now,
		Sample: session.BehavioralSample{
			KeystrokeIntervalMs: 120,
			MouseVelocity:       300,
			NavigationDepth:     3,
			RequestsPerMinute:   8,
			SessionMinutes:      10,
			SampledAt:           now,
		},
	}
}

// MakeFingerprint creates an active, MFA-verified device fingerprint.
func MakeFingerprint(principalID string) *device.Fingerprint {
	now := time.Now()
	return &device.Fingerprint{
		ID:             device.NewDeviceID(),
		PrincipalID:    principalID,
		Hash:           strings.Repeat("ab", 32),
		TrustScore:     80,
		Status:         device.StatusActive,
		MFAVerified:    true,
		RegisteredAt:   now.Add(-24 * time.Hour),
		LastVerifiedAt: now,
		UpdatedAt:      now,
	}
}

// MakePrediction creates a pending threat prediction above the alert
// threshold.
func MakePrediction(principalID string, threatType threat.ThreatType) *threat.Prediction {
	now := time.Now()
	return &threat.Prediction{
		ID:          threat.NewPredictionID(),
		PrincipalID: principalID,
		Type:        threatType,
		Score:       2.5,
		Confidence:  0.85,
		Status:      threat.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ============================================================================
// Assertion helpers
// ============================================================================

// AssertErrorIs checks if got error matches want error using errors.Is.
// Uses t.Helper() for correct line number reporting.
//
// Example:
//
//	AssertErrorIs(t, err, request.ErrRequestNotFound)
func AssertErrorIs(t *testing.T, got, want error) {
	t.Helper()
	if !errors.Is(got, want) {
		t.Errorf("error mismatch:\n  got:  %v\n  want: %v", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
// Uses t.Helper() for correct line number reporting.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
// Uses t.Helper() for correct line number reporting.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertContains checks if got string contains substr.
// Uses t.Helper() for correct line number reporting.
func AssertContains(t *testing.T, got, substr string) {
	t.Helper()
	if !strings.Contains(got, substr) {
		t.Errorf("string does not contain expected substring:\n  got:    %q\n  substr: %q", got, substr)
	}
}

// AssertNotContains checks if got string does not contain substr.
// Uses t.Helper() for correct line number reporting.
func AssertNotContains(t *testing.T, got, substr string) {
	t.Helper()
	if strings.Contains(got, substr) {
		t.Errorf("string contains unexpected substring:\n  got:    %q\n  substr: %q", got, substr)
	}
}

// AssertEqual checks if got equals want.
// Uses t.Helper() for correct line number reporting.
//
// Example:
//
//	AssertEqual(t, grant.Status, jit.StatusGranted)
func AssertEqual[T comparable](t *testing.T, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("value mismatch:\n  got:  %v\n  want: %v", got, want)
	}
}

// AssertNotEqual checks if got does not equal notWant.
// Uses t.Helper() for correct line number reporting.
func AssertNotEqual[T comparable](t *testing.T, got, notWant T) {
	t.Helper()
	if got == notWant {
		t.Errorf("value should not be: %v", got)
	}
}

// AssertTrue fails if condition is false.
// Uses t.Helper() for correct line number reporting.
func AssertTrue(t *testing.T, condition bool, msg ...string) {
	t.Helper()
	if !condition {
		if len(msg) > 0 {
			t.Errorf("expected true: %s", msg[0])
		} else {
			t.Error("expected true, got false")
		}
	}
}

// AssertFalse fails if condition is true.
// Uses t.Helper() for correct line number reporting.
func AssertFalse(t *testing.T, condition bool, msg ...string) {
	t.Helper()
	if condition {
		if len(msg) > 0 {
			t.Errorf("expected false: %s", msg[0])
		} else {
			t.Error("expected false, got true")
		}
	}
}

// ============================================================================
// Pointer helpers
// ============================================================================

// Ptr returns a pointer to the given value.
// Useful for constructing test data with pointer fields.
//
// Example:
//
//	input := &dynamodb.GetItemInput{TableName: testutil.Ptr("citadel-devices")}
func Ptr[T any](v T) *T {
	return &v
}

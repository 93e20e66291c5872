package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/citadelzt/citadel/jit"
	"github.com/citadelzt/citadel/logging"
	"github.com/citadelzt/citadel/notification"
	"github.com/citadelzt/citadel/session"
)

func TestMockGrantStoreDefaultStorage(t *testing.T) {
	ctx := context.Background()
	store := NewMockGrantStore()

	grant := MakeGrant("00000000000000a1", "00000000000000c1")
	if err := store.Create(ctx, grant); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	got, err := store.Get(ctx, grant.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if got.ID != grant.ID {
		t.Errorf("Get() ID = %q, want %q", got.ID, grant.ID)
	}

	if _, err := store.Get(ctx, "ffffffffffffffff"); !errors.Is(err, jit.ErrGrantNotFound) {
		t.Errorf("Get(missing) = %v, want ErrGrantNotFound", err)
	}

	if len(store.CreateCalls) != 1 || len(store.GetCalls) != 2 {
		t.Errorf("call tracking = %d creates, %d gets, want 1 and 2",
			len(store.CreateCalls), len(store.GetCalls))
	}
}

func TestMockGrantStoreErrorInjection(t *testing.T) {
	ctx := context.Background()
	store := NewMockGrantStore()

	injected := errors.New("injected failure")
	store.CreateErr = injected

	if err := store.Create(ctx, MakeGrant("00000000000000a1", "00000000000000c1")); !errors.Is(err, injected) {
		t.Errorf("Create() = %v, want injected error", err)
	}
	if len(store.Grants) != 0 {
		t.Error("Create() stored grant despite injected error")
	}
}

func TestMockGrantStoreBehaviorFunc(t *testing.T) {
	ctx := context.Background()
	store := NewMockGrantStore()

	want := MakeGrantedGrant("00000000000000a1", "00000000000000c1")
	store.FindActiveFunc = func(ctx context.Context, principalID, segmentID string) (*jit.Grant, error) {
		return want, nil
	}

	got, err := store.FindActiveByPrincipalAndSegment(ctx, "00000000000000a1", "00000000000000c1")
	if err != nil {
		t.Fatalf("FindActiveByPrincipalAndSegment() = %v", err)
	}
	if got != want {
		t.Error("FindActiveByPrincipalAndSegment() did not use behavior func")
	}
	if len(store.FindActiveCalls) != 1 {
		t.Errorf("FindActiveCalls = %d, want 1", len(store.FindActiveCalls))
	}
}

func TestMockSessionStoreReset(t *testing.T) {
	ctx := context.Background()
	store := NewMockSessionStore()

	s := MakeSession("00000000000000a1")
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	store.Reset()

	if len(store.CreateCalls) != 0 {
		t.Error("Reset() did not clear call tracking")
	}
	if _, err := store.Get(ctx, s.ID); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("Get() after Reset = %v, want ErrSessionNotFound", err)
	}
}

func TestMockNotifierRecordsMessages(t *testing.T) {
	ctx := context.Background()
	n := NewMockNotifier()

	msg := &notification.Message{
		Type:  notification.EventSessionTerminated,
		Title: "session terminated",
	}
	if err := n.Notify(ctx, msg); err != nil {
		t.Fatalf("Notify() = %v", err)
	}

	if n.NotifyCallCount() != 1 {
		t.Errorf("NotifyCallCount() = %d, want 1", n.NotifyCallCount())
	}
	if got := n.LastNotification(); got == nil || got.Title != "session terminated" {
		t.Errorf("LastNotification() = %+v", got)
	}

	n.NotifyErr = errors.New("delivery down")
	if err := n.Notify(ctx, msg); err == nil {
		t.Error("Notify() = nil, want injected error")
	}
}

func TestMockLoggerRecordsByFamily(t *testing.T) {
	l := NewMockLogger()

	l.LogThreat(logging.NewThreatLogEntry("brute_force", 0.9))
	l.LogThreat(logging.NewThreatLogEntry("coordinated_attack", 1.0))

	if len(l.Threats) != 2 {
		t.Fatalf("Threats = %d entries, want 2", len(l.Threats))
	}
	if got := l.LastThreat(); got.ThreatType != "coordinated_attack" {
		t.Errorf("LastThreat().ThreatType = %q, want coordinated_attack", got.ThreatType)
	}

	l.Reset()
	if len(l.Threats) != 0 {
		t.Error("Reset() did not clear threats")
	}
}

package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreCreateGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess := validSession()
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if got.ID != sess.ID || got.PrincipalID != sess.PrincipalID || got.Status != StatusActive {
		t.Errorf("Get() = %+v, want %+v", got, sess)
	}
}

func TestMemoryStoreCreateDuplicate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess := validSession()
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create() = %v", err)
	}
	if err := store.Create(ctx, sess); !errors.Is(err, ErrSessionExists) {
		t.Errorf("Create() duplicate = %v, want ErrSessionExists", err)
	}
}

func TestMemoryStoreGetNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "0000000000000001")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() = %v, want ErrSessionNotFound", err)
	}
}

func TestMemoryStoreUpdate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess := validSession()
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	current, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	current.AppendRisk(RiskEntry{Score: 55, Action: "monitor_closely"})
	if err := store.Update(ctx, current); err != nil {
		t.Fatalf("Update() = %v", err)
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if got.CurrentRiskScore != 55 {
		t.Errorf("Update() did not persist risk score: %v", got.CurrentRiskScore)
	}
}

func TestMemoryStoreUpdateConcurrentModification(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess := validSession()
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	stale, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}

	fresh, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	fresh.RecordIP("10.1.2.3")
	if err := store.Update(ctx, fresh); err != nil {
		t.Fatalf("Update() fresh = %v", err)
	}

	stale.RecordIP("10.9.9.9")
	if err := store.Update(ctx, stale); !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("Update() stale = %v, want ErrConcurrentModification", err)
	}
}

func TestMemoryStoreUpdateTerminalState(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess := validSession()
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	current, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	current.Status = StatusTerminated
	current.TerminationReason = "risk threshold exceeded"
	if err := store.Update(ctx, current); err != nil {
		t.Fatalf("Update() terminate = %v", err)
	}

	// Attempting to resurrect a terminated session must fail.
	dead, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	dead.Status = StatusActive
	if err := store.Update(ctx, dead); !errors.Is(err, ErrTerminalState) {
		t.Errorf("Update() resurrect = %v, want ErrTerminalState", err)
	}

	// Non-status updates to a terminated record remain allowed.
	dead2, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	dead2.TerminationReason = "amended reason"
	if err := store.Update(ctx, dead2); err != nil {
		t.Errorf("Update() terminal non-status = %v, want nil", err)
	}
}

func TestMemoryStoreUpdateNotFound(t *testing.T) {
	store := NewMemoryStore()

	sess := validSession()
	if err := store.Update(context.Background(), sess); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Update() = %v, want ErrSessionNotFound", err)
	}
}

func TestMemoryStoreDeleteIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess := validSession()
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create() = %v", err)
	}
	if err := store.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete() = %v", err)
	}
	if err := store.Delete(ctx, sess.ID); err != nil {
		t.Errorf("Delete() second call = %v, want nil", err)
	}
	if _, err := store.Get(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() after delete = %v, want ErrSessionNotFound", err)
	}
}

func TestMemoryStoreListByPrincipal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		sess := validSession()
		sess.StartedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Create(ctx, sess); err != nil {
			t.Fatalf("Create() = %v", err)
		}
	}
	other := validSession()
	other.PrincipalID = "00000000000000cc"
	if err := store.Create(ctx, other); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	got, err := store.ListByPrincipal(ctx, "00000000000000aa", 0)
	if err != nil {
		t.Fatalf("ListByPrincipal() = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListByPrincipal() = %d sessions, want 3", len(got))
	}
	// Newest first.
	for i := 1; i < len(got); i++ {
		if got[i].StartedAt.After(got[i-1].StartedAt) {
			t.Errorf("ListByPrincipal() not newest-first at index %d", i)
		}
	}

	limited, err := store.ListByPrincipal(ctx, "00000000000000aa", 2)
	if err != nil {
		t.Fatalf("ListByPrincipal() = %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("ListByPrincipal(limit=2) = %d sessions, want 2", len(limited))
	}
}

func TestMemoryStoreListByStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	active := validSession()
	terminated := validSession()
	terminated.Status = StatusTerminated
	for _, sess := range []*Session{active, terminated} {
		if err := store.Create(ctx, sess); err != nil {
			t.Fatalf("Create() = %v", err)
		}
	}

	got, err := store.ListByStatus(ctx, StatusActive, 0)
	if err != nil {
		t.Fatalf("ListByStatus() = %v", err)
	}
	if len(got) != 1 || got[0].ID != active.ID {
		t.Errorf("ListByStatus(active) = %+v, want only %s", got, active.ID)
	}
}

func TestMemoryStoreCopiesOnReadAndWrite(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess := validSession()
	sess.IPHistory = []string{"10.0.0.1"}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	// Mutating the original after Create must not affect stored state.
	sess.IPHistory[0] = "192.168.0.1"

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if got.IPHistory[0] != "10.0.0.1" {
		t.Errorf("stored IP history mutated through caller slice: %v", got.IPHistory)
	}

	// Mutating a returned copy must not affect stored state.
	got.IPHistory[0] = "172.16.0.1"
	again, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if again.IPHistory[0] != "10.0.0.1" {
		t.Errorf("stored IP history mutated through returned copy: %v", again.IPHistory)
	}
}

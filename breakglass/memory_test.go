package breakglass

import (
	"context"
	"testing"
	"time"
)

func testRequest(id, requesterID string, status RequestStatus, requestedAt time.Time) *EmergencyRequest {
	return &EmergencyRequest{
		ID:                id,
		RequesterID:       requesterID,
		EmergencyType:     TypeSystemOutage,
		Urgency:           UrgencyHigh,
		Justification:     "placeholder",
		RequiredResources: []string{"db-primary"},
		EstimatedDuration: time.Hour,
		Status:            status,
		RequestedAt:       requestedAt,
		CreatedAt:         requestedAt,
		UpdatedAt:         requestedAt,
	}
}

func TestMemoryRequestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRequestStore()
	now := time.Now()

	req := testRequest("00000000000000e1", "00000000000000aa", StatusPending, now)
	if err := store.Create(ctx, req); err != nil {
		t.Fatalf("Create() = %v", err)
	}
	if err := store.Create(ctx, req); err != ErrRequestExists {
		t.Errorf("Create() duplicate = %v, want ErrRequestExists", err)
	}

	got, err := store.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if got.RequesterID != req.RequesterID {
		t.Errorf("Get().RequesterID = %q, want %q", got.RequesterID, req.RequesterID)
	}

	// Mutating the returned copy must not leak into the store.
	got.Status = StatusDenied
	again, err := store.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if again.Status != StatusPending {
		t.Errorf("stored status = %q after mutating a read copy, want pending", again.Status)
	}

	if _, err := store.Get(ctx, "00000000000000ff"); err != ErrRequestNotFound {
		t.Errorf("Get() missing = %v, want ErrRequestNotFound", err)
	}

	if err := store.Delete(ctx, req.ID); err != nil {
		t.Fatalf("Delete() = %v", err)
	}
	if _, err := store.Get(ctx, req.ID); err != ErrRequestNotFound {
		t.Errorf("Get() after delete = %v, want ErrRequestNotFound", err)
	}
}

func TestMemoryRequestStoreOptimisticLock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRequestStore()

	req := testRequest("00000000000000e1", "00000000000000aa", StatusPending, time.Now())
	if err := store.Create(ctx, req); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	first, _ := store.Get(ctx, req.ID)
	second, _ := store.Get(ctx, req.ID)

	first.Status = StatusDenied
	if err := store.Update(ctx, first); err != nil {
		t.Fatalf("Update() first writer = %v", err)
	}

	second.Status = StatusActive
	if err := store.Update(ctx, second); err != ErrConcurrentModification {
		t.Errorf("Update() stale writer = %v, want ErrConcurrentModification", err)
	}
}

func TestMemoryRequestStoreQueries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRequestStore()
	now := time.Now()

	requester := "00000000000000aa"
	older := testRequest("00000000000000e1", requester, StatusDenied, now.Add(-2*time.Hour))
	newer := testRequest("00000000000000e2", requester, StatusPending, now)
	other := testRequest("00000000000000e3", "00000000000000bb", StatusPending, now.Add(-time.Hour))
	for _, r := range []*EmergencyRequest{older, newer, other} {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("Create(%s) = %v", r.ID, err)
		}
	}

	byRequester, err := store.ListByRequester(ctx, requester, 0)
	if err != nil {
		t.Fatalf("ListByRequester() = %v", err)
	}
	if len(byRequester) != 2 {
		t.Fatalf("ListByRequester() returned %d requests, want 2", len(byRequester))
	}
	if byRequester[0].ID != newer.ID {
		t.Errorf("ListByRequester()[0].ID = %q, want newest first (%q)", byRequester[0].ID, newer.ID)
	}

	pending, err := store.ListByStatus(ctx, StatusPending, 0)
	if err != nil {
		t.Fatalf("ListByStatus() = %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("ListByStatus(pending) returned %d requests, want 2", len(pending))
	}

	active, err := store.FindActiveByRequester(ctx, requester)
	if err != nil {
		t.Fatalf("FindActiveByRequester() = %v", err)
	}
	if active == nil || active.ID != newer.ID {
		t.Errorf("FindActiveByRequester() = %v, want the pending request", active)
	}

	none, err := store.FindActiveByRequester(ctx, "00000000000000cc")
	if err != nil {
		t.Fatalf("FindActiveByRequester() = %v", err)
	}
	if none != nil {
		t.Errorf("FindActiveByRequester() unknown requester = %v, want nil", none)
	}

	count, err := store.CountByRequesterSince(ctx, requester, now.Add(-90*time.Minute))
	if err != nil {
		t.Fatalf("CountByRequesterSince() = %v", err)
	}
	if count != 1 {
		t.Errorf("CountByRequesterSince() = %d, want 1", count)
	}

	last, err := store.GetLastByRequester(ctx, requester)
	if err != nil {
		t.Fatalf("GetLastByRequester() = %v", err)
	}
	if last == nil || last.ID != newer.ID {
		t.Errorf("GetLastByRequester() = %v, want %q", last, newer.ID)
	}

	missing, err := store.GetLastByRequester(ctx, "00000000000000cc")
	if err != nil {
		t.Fatalf("GetLastByRequester() = %v", err)
	}
	if missing != nil {
		t.Errorf("GetLastByRequester() unknown requester = %v, want nil", missing)
	}
}

func TestMemorySessionStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	now := time.Now()

	sess := &EmergencySession{
		ID:          "00000000000000f1",
		RequestID:   "00000000000000e1",
		PrincipalID: "00000000000000aa",
		Status:      SessionActive,
		StartedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
		UpdatedAt:   now,
	}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create() = %v", err)
	}
	if err := store.Create(ctx, sess); err != ErrSessionExists {
		t.Errorf("Create() duplicate = %v, want ErrSessionExists", err)
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	got.Activities = append(got.Activities, Activity{Command: "restart", Resource: "db-primary", Result: "success", At: now})
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update() = %v", err)
	}

	updated, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if len(updated.Activities) != 1 {
		t.Errorf("stored session has %d activities, want 1", len(updated.Activities))
	}

	// A stale copy loses the write race.
	stale := sess.Clone()
	stale.Status = SessionCompleted
	if err := store.Update(ctx, stale); err != ErrConcurrentModification {
		t.Errorf("Update() stale = %v, want ErrConcurrentModification", err)
	}

	byPrincipal, err := store.ListByPrincipal(ctx, sess.PrincipalID, 0)
	if err != nil {
		t.Fatalf("ListByPrincipal() = %v", err)
	}
	if len(byPrincipal) != 1 {
		t.Errorf("ListByPrincipal() returned %d sessions, want 1", len(byPrincipal))
	}
}

func TestMemoryReportStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryReportStore()

	report := &IncidentReport{
		ID:        "00000000000000d1",
		RequestID: "00000000000000e1",
		SessionID: "00000000000000f1",
	}
	if err := store.Create(ctx, report); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	got, err := store.Get(ctx, report.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if got.RequestID != report.RequestID {
		t.Errorf("Get().RequestID = %q, want %q", got.RequestID, report.RequestID)
	}

	byRequest, err := store.GetByRequest(ctx, report.RequestID)
	if err != nil {
		t.Fatalf("GetByRequest() = %v", err)
	}
	if byRequest.ID != report.ID {
		t.Errorf("GetByRequest().ID = %q, want %q", byRequest.ID, report.ID)
	}

	if _, err := store.GetByRequest(ctx, "00000000000000ff"); err != ErrReportNotFound {
		t.Errorf("GetByRequest() missing = %v, want ErrReportNotFound", err)
	}
}

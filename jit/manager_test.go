package jit

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/citadelzt/citadel/audit"
	"github.com/citadelzt/citadel/behavior"
	"github.com/citadelzt/citadel/contextual"
	"github.com/citadelzt/citadel/decision"
	"github.com/citadelzt/citadel/device"
	"github.com/citadelzt/citadel/errors"
	"github.com/citadelzt/citadel/eventbus"
	"github.com/citadelzt/citadel/logging"
	"github.com/citadelzt/citadel/policy"
	"github.com/citadelzt/citadel/principal"
	"github.com/citadelzt/citadel/request"
	"github.com/citadelzt/citadel/segment"
)

const (
	testRequesterID  = "00000000000000aa"
	testAdminID      = "00000000000000ad"
	testAdmin2ID     = "00000000000000ae"
	testVisitorID    = "00000000000000cc"
	testHostID       = "00000000000000dd"
	testSegmentID    = "00000000000000c1"
	testRestrictedID = "00000000000000c2"
)

const testJustification = "Quarterly capacity audit of the archive tier requires " +
	"elevated access to the research records segment for verification."

// fakeSessions records route-violation bumps.
type fakeSessions struct {
	violations map[string]int
}

func (f *fakeSessions) RecordRouteViolation(ctx context.Context, sessionID string) error {
	if f.violations == nil {
		f.violations = make(map[string]int)
	}
	f.violations[sessionID]++
	return nil
}

type managerFixture struct {
	manager    *Manager
	grants     *MemoryStore
	segments   *segment.MemoryStore
	principals *principal.MemoryStore
	sessions   *fakeSessions
	chain      *audit.MemoryChain
	bus        *eventbus.Bus
	now        time.Time
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	// The grant stores check liveness against the wall clock, so the
	// fixture pins the manager to a real instant rather than a fixed date.
	now := time.Now().UTC().Truncate(time.Second)

	f := &managerFixture{
		grants:     NewMemoryStore(),
		segments:   segment.NewMemoryStore(),
		principals: principal.NewMemoryStore(),
		sessions:   &fakeSessions{},
		chain:      audit.NewMemoryChain(),
		bus:        eventbus.New(),
		now:        now,
	}
	ctx := context.Background()

	seed := []*principal.Principal{
		{ID: testRequesterID, Role: principal.RoleFaculty, Department: "physics", Active: true},
		{ID: testAdminID, Role: principal.RoleAdmin, Department: "it", Active: true},
		{ID: testAdmin2ID, Role: principal.RoleAdmin, Department: "it", Active: true},
		{ID: testHostID, Role: principal.RoleFaculty, Department: "physics", Active: true},
		{ID: testVisitorID, Role: principal.RoleVisitor, Department: "physics", Active: true,
			AllowedSegments: []string{testSegmentID}, HostPrincipalID: testHostID},
	}
	for _, p := range seed {
		if err := f.principals.Create(ctx, p); err != nil {
			t.Fatalf("seeding principal %s: %v", p.ID, err)
		}
	}

	segments := []*segment.Segment{
		{
			ID:            testSegmentID,
			Name:          "research-archive",
			Category:      "archive",
			SecurityLevel: 3,
			RequiresJIT:   true,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		{
			ID:               testRestrictedID,
			Name:             "records-vault",
			Category:         "archive",
			SecurityLevel:    1,
			RequiresJIT:      true,
			RestrictedAreaOf: []string{testSegmentID},
			CreatedAt:        now,
			UpdatedAt:        now,
		},
	}
	for _, s := range segments {
		if err := f.segments.Create(ctx, s); err != nil {
			t.Fatalf("seeding segment %s: %v", s.ID, err)
		}
	}

	table := policy.NewTable()
	table.Swap(policy.NewSnapshot([]*policy.Policy{{
		ID:        "b1b1b1b1b1b1b1b1",
		Name:      "archive-elevation",
		Priority:  10,
		Active:    true,
		CreatedBy: testAdminID,
		Rules: []policy.Rule{{
			Name:         "archive-access",
			ResourceType: "archive",
			AllowedRoles: []principal.Role{principal.RoleFaculty, principal.RoleVisitor},
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}}, now))

	cipher, err := device.NewCipher(bytes.Repeat([]byte{0x42}, device.KeySize))
	if err != nil {
		t.Fatalf("NewCipher() = %v", err)
	}
	engine, err := decision.NewEngine(decision.Deps{
		Policies:   policy.NewEngine(table),
		Devices:    device.NewRegistry(device.NewMemoryStore(), f.principals, cipher),
		Contexts:   contextual.NewEvaluator(contextual.NewMemoryHistoryStore(), nil),
		Behaviors:  behavior.NewAnalyzer(behavior.NewMemoryBaselineStore(), 0),
		Principals: f.principals,
		Requests:   request.NewMemoryStore(),
		Outcomes:   policy.NewMemoryOutcomeStore(),
		Recorder:   audit.NewRecorder(audit.NewMemoryChain()),
		Logger:     logging.NewNopLogger(),
	}, decision.Config{AutoApproveThreshold: 5, StepUpThreshold: 1})
	if err != nil {
		t.Fatalf("NewEngine() = %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	manager, err := NewManager(Deps{
		Grants:     f.grants,
		Segments:   f.segments,
		Principals: f.principals,
		Decisions:  engine,
		Sessions:   f.sessions,
		Recorder:   audit.NewRecorder(f.chain),
		Bus:        f.bus,
	})
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	manager.clock = func() time.Time { return f.now }
	f.manager = manager
	return f
}

func (f *managerFixture) submit(t *testing.T, mutate func(*Request)) (*Grant, error) {
	t.Helper()
	req := Request{
		PrincipalID:   testRequesterID,
		SegmentID:     testSegmentID,
		Justification: testJustification,
		Duration:      4 * time.Hour,
		IP:            "10.1.2.3",
	}
	if mutate != nil {
		mutate(&req)
	}
	return f.manager.Submit(context.Background(), req)
}

func TestSubmitValidation(t *testing.T) {
	f := newManagerFixture(t)

	tests := []struct {
		name     string
		mutate   func(*Request)
		wantCode string
	}{
		{"short justification", func(r *Request) { r.Justification = "because" }, errors.ErrCodeJustificationTooShort},
		{"long justification", func(r *Request) { r.Justification = strings.Repeat("x", MaxJustificationLength+1) }, errors.ErrCodeValidationFailed},
		{"zero duration", func(r *Request) { r.Duration = 0 }, errors.ErrCodeDurationOutOfRange},
		{"under an hour", func(r *Request) { r.Duration = 30 * time.Minute }, errors.ErrCodeDurationOutOfRange},
		{"over a day", func(r *Request) { r.Duration = 25 * time.Hour }, errors.ErrCodeDurationOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.submit(t, tt.mutate)
			ce, ok := errors.IsCitadelError(err)
			if !ok || ce.Code() != tt.wantCode {
				t.Errorf("Submit() error = %v, want code %s", err, tt.wantCode)
			}
		})
	}
}

func TestSubmitSegmentChecks(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	// A segment that does not require elevation.
	open := &segment.Segment{
		ID: "00000000000000c3", Name: "library", Category: "archive",
		SecurityLevel: 1, CreatedAt: f.now, UpdatedAt: f.now,
	}
	if err := f.segments.Create(ctx, open); err != nil {
		t.Fatalf("Create() = %v", err)
	}
	_, err := f.submit(t, func(r *Request) { r.SegmentID = open.ID })
	if ce, ok := errors.IsCitadelError(err); !ok || ce.Code() != errors.ErrCodeJITNotRequired {
		t.Errorf("Submit(open segment) error = %v, want JIT_NOT_REQUIRED", err)
	}

	// Clearance below the segment's classification.
	high := &segment.Segment{
		ID: "00000000000000c4", Name: "reactor-control", Category: "archive",
		SecurityLevel: 5, RequiresJIT: true, CreatedAt: f.now, UpdatedAt: f.now,
	}
	if err := f.segments.Create(ctx, high); err != nil {
		t.Fatalf("Create() = %v", err)
	}
	_, err = f.submit(t, func(r *Request) { r.SegmentID = high.ID })
	if ce, ok := errors.IsCitadelError(err); !ok || ce.Code() != errors.ErrCodeClearanceTooLow {
		t.Errorf("Submit(level 5) error = %v, want CLEARANCE_TOO_LOW", err)
	}

	// A locked segment rejects elevation outright.
	locked, err := f.segments.Get(ctx, testSegmentID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	locked.Locked = true
	locked.LockedReason = "coordinated attack response"
	if err := f.segments.Update(ctx, locked); err != nil {
		t.Fatalf("Update() = %v", err)
	}
	_, err = f.submit(t, nil)
	if ce, ok := errors.IsCitadelError(err); !ok || ce.Code() != errors.ErrCodeSegmentLocked {
		t.Errorf("Submit(locked segment) error = %v, want SEGMENT_LOCKED", err)
	}
}

func TestSubmitAutoGrant(t *testing.T) {
	f := newManagerFixture(t)

	sub := f.bus.Subscribe(eventbus.TopicJITGranted)
	defer sub.Close()

	grant, err := f.submit(t, nil)
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if grant.Status != StatusGranted {
		t.Fatalf("Status = %q, want granted", grant.Status)
	}
	if !grant.ExpiresAt.Equal(f.now.Add(4 * time.Hour)) {
		t.Errorf("ExpiresAt = %v, want granted_at + duration", grant.ExpiresAt)
	}
	if grant.RequestID == "" {
		t.Error("RequestID not linked to the decision record")
	}
	if grant.RiskAssessment <= 0 {
		t.Errorf("RiskAssessment = %v, want a fused confidence", grant.RiskAssessment)
	}

	select {
	case ev := <-sub.C():
		if ev.Subject != grant.ID {
			t.Errorf("event subject = %q, want grant ID", ev.Subject)
		}
	default:
		t.Error("no jit.granted event published")
	}
}

func TestSubmitRejectsStacking(t *testing.T) {
	f := newManagerFixture(t)

	if _, err := f.submit(t, nil); err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	_, err := f.submit(t, nil)
	if ce, ok := errors.IsCitadelError(err); !ok || ce.Code() != errors.ErrCodeValidationFailed {
		t.Errorf("second Submit() error = %v, want VALIDATION_FAILED", err)
	}
}

func TestSubmitDualApprovalSegment(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	seg, err := f.segments.Get(ctx, testSegmentID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	seg.RequiresDualApproval = true
	if err := f.segments.Update(ctx, seg); err != nil {
		t.Fatalf("Update() = %v", err)
	}

	grant, err := f.submit(t, nil)
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if grant.Status != StatusPendingApproval {
		t.Fatalf("Status = %q, want pending_approval", grant.Status)
	}
	if grant.ApprovalsNeeded != 2 {
		t.Errorf("ApprovalsNeeded = %d, want 2", grant.ApprovalsNeeded)
	}

	// First approval holds the grant pending.
	grant, err = f.manager.Approve(ctx, grant.ID, testAdminID, "verified the audit scope")
	if err != nil {
		t.Fatalf("Approve() = %v", err)
	}
	if grant.Status != StatusPendingApproval {
		t.Errorf("Status after first approval = %q, want pending_approval", grant.Status)
	}

	// Second distinct approval activates it.
	grant, err = f.manager.Approve(ctx, grant.ID, testAdmin2ID, "")
	if err != nil {
		t.Fatalf("Approve() = %v", err)
	}
	if grant.Status != StatusGranted {
		t.Fatalf("Status after second approval = %q, want granted", grant.Status)
	}
	if !grant.ExpiresAt.Equal(f.now.Add(4 * time.Hour)) {
		t.Errorf("ExpiresAt = %v, want granted_at + duration", grant.ExpiresAt)
	}
	if got := grant.ApproverIDs(); len(got) != 2 || got[0] != testAdminID || got[1] != testAdmin2ID {
		t.Errorf("ApproverIDs() = %v, want ordered pair", got)
	}
}

func TestApproveRejectsSelfAndDuplicate(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	grant := validGrant()
	grant.PrincipalID = testAdminID // an admin requesting elevation
	grant.ApprovalsNeeded = 2
	if err := f.grants.Create(ctx, grant); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	_, err := f.manager.Approve(ctx, grant.ID, testAdminID, "")
	if ce, ok := errors.IsCitadelError(err); !ok || ce.Code() != errors.ErrCodeSelfApproval {
		t.Errorf("self Approve() error = %v, want SELF_APPROVAL", err)
	}

	if _, err := f.manager.Approve(ctx, grant.ID, testAdmin2ID, ""); err != nil {
		t.Fatalf("Approve() = %v", err)
	}
	_, err = f.manager.Approve(ctx, grant.ID, testAdmin2ID, "")
	if ce, ok := errors.IsCitadelError(err); !ok || ce.Code() != errors.ErrCodeDuplicateApproval {
		t.Errorf("duplicate Approve() error = %v, want DUPLICATE_APPROVAL", err)
	}
}

func TestApproveRequiresAdmin(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	grant := validGrant()
	grant.PrincipalID = testRequesterID
	if err := f.grants.Create(ctx, grant); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	_, err := f.manager.Approve(ctx, grant.ID, testHostID, "")
	if ce, ok := errors.IsCitadelError(err); !ok || ce.Code() != errors.ErrCodeRoleNotAllowed {
		t.Errorf("faculty Approve() error = %v, want ROLE_NOT_ALLOWED", err)
	}
}

func TestDenyIsTerminal(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	grant := validGrant()
	grant.PrincipalID = testRequesterID
	if err := f.grants.Create(ctx, grant); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	if _, err := f.manager.Deny(ctx, grant.ID, testAdminID, ""); err == nil {
		t.Error("Deny() without reason should fail")
	}

	denied, err := f.manager.Deny(ctx, grant.ID, testAdminID, "audit window closed")
	if err != nil {
		t.Fatalf("Deny() = %v", err)
	}
	if denied.Status != StatusDenied || denied.DeniedReason != "audit window closed" {
		t.Errorf("Deny() = %+v", denied)
	}

	_, err = f.manager.Approve(ctx, grant.ID, testAdmin2ID, "")
	if ce, ok := errors.IsCitadelError(err); !ok || ce.Code() != errors.ErrCodeInvalidTransition {
		t.Errorf("Approve() after deny error = %v, want INVALID_TRANSITION", err)
	}
}

func TestRevoke(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	newGranted := func(id string) *Grant {
		g := validGrant()
		g.ID = id
		g.PrincipalID = testRequesterID
		g.Status = StatusGranted
		g.GrantedAt = f.now
		g.ExpiresAt = f.now.Add(4 * time.Hour)
		if err := f.grants.Create(ctx, g); err != nil {
			t.Fatalf("Create() = %v", err)
		}
		return g
	}

	// Owner revokes their own grant.
	own := newGranted("1111111111111111")
	got, err := f.manager.Revoke(ctx, own.ID, testRequesterID, "done early")
	if err != nil {
		t.Fatalf("Revoke() = %v", err)
	}
	if got.Status != StatusRevoked || got.RevokedBy != testRequesterID {
		t.Errorf("Revoke() = %+v", got)
	}

	// A non-owner non-admin cannot.
	other := newGranted("2222222222222222")
	_, err = f.manager.Revoke(ctx, other.ID, testHostID, "nope")
	if ce, ok := errors.IsCitadelError(err); !ok || ce.Code() != errors.ErrCodeNotRequestOwner {
		t.Errorf("Revoke() by faculty error = %v, want NOT_REQUEST_OWNER", err)
	}

	// An admin revokes any grant; revocation is terminal.
	got, err = f.manager.Revoke(ctx, other.ID, testAdminID, "incident response")
	if err != nil {
		t.Fatalf("admin Revoke() = %v", err)
	}
	if got.Status != StatusRevoked {
		t.Errorf("Status = %q, want revoked", got.Status)
	}
	if _, err := f.manager.Revoke(ctx, other.ID, testAdminID, "again"); err == nil {
		t.Error("second Revoke() should fail")
	}
}

func TestSweepExpiresGrants(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	sub := f.bus.Subscribe(eventbus.TopicJITExpired)
	defer sub.Close()

	fresh := validGrant()
	fresh.ID = "3333333333333333"
	fresh.Status = StatusGranted
	fresh.GrantedAt = f.now
	fresh.ExpiresAt = f.now.Add(time.Hour)
	stale := validGrant()
	stale.ID = "4444444444444444"
	stale.Status = StatusGranted
	stale.GrantedAt = f.now.Add(-5 * time.Hour)
	stale.ExpiresAt = f.now.Add(-time.Hour)
	for _, g := range []*Grant{fresh, stale} {
		if err := f.grants.Create(ctx, g); err != nil {
			t.Fatalf("Create() = %v", err)
		}
	}

	expired, err := f.manager.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() = %v", err)
	}
	if expired != 1 {
		t.Errorf("Sweep() = %d expirations, want 1", expired)
	}

	got, err := f.grants.Get(ctx, stale.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if got.Status != StatusExpired {
		t.Errorf("stale grant Status = %q, want expired", got.Status)
	}
	kept, err := f.grants.Get(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if kept.Status != StatusGranted {
		t.Errorf("fresh grant Status = %q, want granted", kept.Status)
	}

	select {
	case ev := <-sub.C():
		if ev.Subject != stale.ID {
			t.Errorf("event subject = %q, want expired grant ID", ev.Subject)
		}
	default:
		t.Error("no jit.expired event published")
	}
}

func TestVerify(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	ok, _, err := f.manager.Verify(ctx, testRequesterID, testSegmentID)
	if err != nil {
		t.Fatalf("Verify() = %v", err)
	}
	if ok {
		t.Error("Verify() = true with no grant")
	}

	grant, err := f.submit(t, nil)
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	ok, got, err := f.manager.Verify(ctx, testRequesterID, testSegmentID)
	if err != nil {
		t.Fatalf("Verify() = %v", err)
	}
	if !ok || got == nil || got.ID != grant.ID {
		t.Errorf("Verify() = %v, %v, want active grant", ok, got)
	}
}

func TestVisitorRouteEnforcement(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	sub := f.bus.Subscribe(eventbus.TopicRouteViolation)
	defer sub.Close()

	// Access inside the allowed set passes.
	if err := f.manager.RecordAccess(ctx, testVisitorID, testSegmentID, "5555555555555555"); err != nil {
		t.Fatalf("RecordAccess(allowed) = %v", err)
	}

	// A restricted area outside the set is denied and recorded.
	err := f.manager.RecordAccess(ctx, testVisitorID, testRestrictedID, "5555555555555555")
	if ce, ok := errors.IsCitadelError(err); !ok || ce.Code() != errors.ErrCodeSegmentNotPermitted {
		t.Fatalf("RecordAccess(restricted) error = %v, want SEGMENT_NOT_PERMITTED", err)
	}
	if f.sessions.violations["5555555555555555"] != 1 {
		t.Errorf("violations = %d, want 1", f.sessions.violations["5555555555555555"])
	}

	select {
	case ev := <-sub.C():
		if ev.Subject != testVisitorID {
			t.Errorf("event subject = %q, want visitor ID", ev.Subject)
		}
		if ev.Data["severity"] != "high" {
			t.Errorf("severity = %v, want high", ev.Data["severity"])
		}
	default:
		t.Error("no route.violation event published")
	}

	// Non-visitors are not route-checked.
	if err := f.manager.RecordAccess(ctx, testRequesterID, testRestrictedID, "6666666666666666"); err != nil {
		t.Errorf("RecordAccess(faculty) = %v", err)
	}
}

func TestVisitorSubmitOutsideAllowedSet(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.submit(t, func(r *Request) {
		r.PrincipalID = testVisitorID
		r.SegmentID = testRestrictedID
		r.SessionID = "7777777777777777"
	})
	if ce, ok := errors.IsCitadelError(err); !ok || ce.Code() != errors.ErrCodeSegmentNotPermitted {
		t.Fatalf("Submit() error = %v, want SEGMENT_NOT_PERMITTED", err)
	}
	if f.sessions.violations["7777777777777777"] != 1 {
		t.Errorf("violations = %d, want 1", f.sessions.violations["7777777777777777"])
	}
}

package breakglass

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/citadelzt/citadel/behavior"
	"github.com/citadelzt/citadel/errors"
	"github.com/citadelzt/citadel/eventbus"
	"github.com/citadelzt/citadel/principal"
)

const (
	testRequesterID = "00000000000000aa"
	testFacultyID   = "00000000000000ab"
	testAdmin1ID    = "00000000000000a1"
	testAdmin2ID    = "00000000000000a2"
	testAdmin3ID    = "00000000000000a3"
)

// testEmergencyJustification clears the 100-character floor.
const testEmergencyJustification = "The primary database cluster is down and student registration is failing; " +
	"I need emergency access to fail over to the replica and restore service."

type fakeScorer struct {
	score float64
}

func (f *fakeScorer) ScoreActivity(ctx context.Context, principalID string, act Activity, sample *behavior.Sample) (float64, error) {
	return f.score, nil
}

type bgFixture struct {
	m        *Manager
	requests *MemoryRequestStore
	sessions *MemorySessionStore
	reports  *MemoryReportStore
	bus      *eventbus.Bus
	now      time.Time
}

func newBGFixture(t *testing.T) *bgFixture {
	t.Helper()
	ctx := context.Background()

	principals := principal.NewMemoryStore()
	seed := []*principal.Principal{
		{ID: testRequesterID, Role: principal.RoleFaculty, Department: "engineering", Active: true},
		{ID: testFacultyID, Role: principal.RoleFaculty, Department: "engineering", Active: true},
		{ID: testAdmin1ID, Role: principal.RoleAdmin, Department: "it", Active: true},
		{ID: testAdmin2ID, Role: principal.RoleAdmin, Department: "it", Active: true},
		{ID: testAdmin3ID, Role: principal.RoleAdmin, Department: "it", Active: true},
	}
	for _, p := range seed {
		if err := principals.Create(ctx, p); err != nil {
			t.Fatalf("seeding principal %s: %v", p.ID, err)
		}
	}

	f := &bgFixture{
		requests: NewMemoryRequestStore(),
		sessions: NewMemorySessionStore(),
		reports:  NewMemoryReportStore(),
		bus:      eventbus.New(),
		now:      time.Now().UTC().Truncate(time.Second),
	}
	m, err := NewManager(Deps{
		Requests:   f.requests,
		Sessions:   f.sessions,
		Reports:    f.reports,
		Principals: principals,
		Scorer:     &fakeScorer{score: 42},
		Bus:        f.bus,
	})
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	m.clock = func() time.Time { return f.now }
	f.m = m
	return f
}

func (f *bgFixture) submission() Submission {
	return Submission{
		RequesterID:       testRequesterID,
		EmergencyType:     TypeSystemOutage,
		Urgency:           UrgencyCritical,
		Justification:     testEmergencyJustification,
		RequiredResources: []string{"db-primary"},
		EstimatedDuration: 90 * time.Minute,
	}
}

// activate submits and dual-approves an emergency, returning the active
// request.
func (f *bgFixture) activate(t *testing.T) *EmergencyRequest {
	t.Helper()
	ctx := context.Background()
	req, err := f.m.Submit(ctx, f.submission())
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if _, err := f.m.Approve(ctx, req.ID, testAdmin1ID, "confirmed the outage"); err != nil {
		t.Fatalf("Approve() first = %v", err)
	}
	req, err = f.m.Approve(ctx, req.ID, testAdmin2ID, "go ahead")
	if err != nil {
		t.Fatalf("Approve() second = %v", err)
	}
	return req
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", code)
	}
	ce, ok := errors.IsCitadelError(err)
	if !ok {
		t.Fatalf("expected CitadelError with code %s, got %v", code, err)
	}
	if ce.Code() != code {
		t.Errorf("error code = %s, want %s", ce.Code(), code)
	}
}

func recvEvent(t *testing.T, sub *eventbus.Subscription) eventbus.Event {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return eventbus.Event{}
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newBGFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		mutate   func(*Submission)
		wantCode string
	}{
		{
			name:     "short justification",
			mutate:   func(s *Submission) { s.Justification = "db is down" },
			wantCode: errors.ErrCodeJustificationTooShort,
		},
		{
			name:     "long justification",
			mutate:   func(s *Submission) { s.Justification = strings.Repeat("x", MaxJustificationLength+1) },
			wantCode: errors.ErrCodeValidationFailed,
		},
		{
			name:     "unknown type",
			mutate:   func(s *Submission) { s.EmergencyType = "fire_drill" },
			wantCode: errors.ErrCodeValidationFailed,
		},
		{
			name:     "unknown urgency",
			mutate:   func(s *Submission) { s.Urgency = "low" },
			wantCode: errors.ErrCodeValidationFailed,
		},
		{
			name:     "duration too short",
			mutate:   func(s *Submission) { s.EstimatedDuration = 10 * time.Minute },
			wantCode: errors.ErrCodeDurationOutOfRange,
		},
		{
			name:     "duration too long",
			mutate:   func(s *Submission) { s.EstimatedDuration = 3 * time.Hour },
			wantCode: errors.ErrCodeDurationOutOfRange,
		},
		{
			name:     "no resources",
			mutate:   func(s *Submission) { s.RequiredResources = nil },
			wantCode: errors.ErrCodeValidationFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := f.submission()
			tt.mutate(&sub)
			_, err := f.m.Submit(ctx, sub)
			wantCode(t, err, tt.wantCode)
		})
	}
}

func TestSubmitBoundaryValues(t *testing.T) {
	ctx := context.Background()

	// Exactly 100 characters and exactly 30 minutes or 2 hours are all
	// accepted.
	durations := []time.Duration{MinDuration, MaxSessionDuration}
	for _, d := range durations {
		f := newBGFixture(t)
		sub := f.submission()
		sub.Justification = strings.Repeat("a", MinJustificationChars)
		sub.EstimatedDuration = d
		if _, err := f.m.Submit(ctx, sub); err != nil {
			t.Errorf("Submit() duration %v = %v, want nil", d, err)
		}
	}
}

func TestSubmitCreatesPendingRequest(t *testing.T) {
	f := newBGFixture(t)
	ctx := context.Background()
	sub := f.bus.Subscribe(eventbus.TopicEmergencySubmitted)
	defer sub.Close()

	req, err := f.m.Submit(ctx, f.submission())
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if req.Status != StatusPending {
		t.Errorf("Status = %s, want pending", req.Status)
	}
	if !ValidateEmergencyID(req.ID) {
		t.Errorf("request ID %q is not a valid emergency ID", req.ID)
	}
	if len(req.NotifiedAdmins) != 3 {
		t.Errorf("NotifiedAdmins = %v, want the three administrators", req.NotifiedAdmins)
	}
	if !req.RequestedAt.Equal(f.now) {
		t.Errorf("RequestedAt = %v, want %v", req.RequestedAt, f.now)
	}

	ev := recvEvent(t, sub)
	if ev.Subject != req.ID {
		t.Errorf("event subject = %q, want %q", ev.Subject, req.ID)
	}
	if ev.Data["urgency"] != string(UrgencyCritical) {
		t.Errorf("event urgency = %v, want critical", ev.Data["urgency"])
	}
}

func TestSubmitRejectsStacking(t *testing.T) {
	f := newBGFixture(t)
	ctx := context.Background()

	if _, err := f.m.Submit(ctx, f.submission()); err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	_, err := f.m.Submit(ctx, f.submission())
	wantCode(t, err, errors.ErrCodeValidationFailed)
}

func TestSubmitCooldown(t *testing.T) {
	f := newBGFixture(t)
	ctx := context.Background()

	first, err := f.m.Submit(ctx, f.submission())
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if _, err := f.m.Deny(ctx, first.ID, testAdmin1ID, "not an emergency"); err != nil {
		t.Fatalf("Deny() = %v", err)
	}

	// Within the cooldown the requester is rate limited; after it the
	// declaration goes through.
	f.now = f.now.Add(DefaultCooldown / 2)
	_, err = f.m.Submit(ctx, f.submission())
	wantCode(t, err, errors.ErrCodeRateLimitExceeded)

	f.now = f.now.Add(DefaultCooldown)
	if _, err := f.m.Submit(ctx, f.submission()); err != nil {
		t.Errorf("Submit() after cooldown = %v, want nil", err)
	}
}

func TestSubmitQuota(t *testing.T) {
	f := newBGFixture(t)
	ctx := context.Background()

	for i := 0; i < DefaultMaxPerRequester; i++ {
		req, err := f.m.Submit(ctx, f.submission())
		if err != nil {
			t.Fatalf("Submit() #%d = %v", i+1, err)
		}
		if _, err := f.m.Deny(ctx, req.ID, testAdmin1ID, "drill"); err != nil {
			t.Fatalf("Deny() #%d = %v", i+1, err)
		}
		f.now = f.now.Add(DefaultCooldown + time.Minute)
	}

	_, err := f.m.Submit(ctx, f.submission())
	wantCode(t, err, errors.ErrCodeRateLimitExceeded)
}

func TestDualApprovalActivatesSession(t *testing.T) {
	f := newBGFixture(t)
	ctx := context.Background()
	sub := f.bus.Subscribe(eventbus.TopicEmergencyActivated)
	defer sub.Close()

	req, err := f.m.Submit(ctx, f.submission())
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}

	after, err := f.m.Approve(ctx, req.ID, testAdmin1ID, "confirmed")
	if err != nil {
		t.Fatalf("Approve() first = %v", err)
	}
	if after.Status != StatusPending {
		t.Errorf("Status after one approval = %s, want pending", after.Status)
	}

	f.now = f.now.Add(10 * time.Minute)
	after, err = f.m.Approve(ctx, req.ID, testAdmin2ID, "go ahead")
	if err != nil {
		t.Fatalf("Approve() second = %v", err)
	}
	if after.Status != StatusActive {
		t.Errorf("Status after two approvals = %s, want active", after.Status)
	}
	if after.SessionID == "" {
		t.Fatal("SessionID is empty after activation")
	}

	sess, err := f.sessions.Get(ctx, after.SessionID)
	if err != nil {
		t.Fatalf("Get() session = %v", err)
	}
	if sess.Status != SessionActive {
		t.Errorf("session status = %s, want active", sess.Status)
	}
	want := f.now.Add(90 * time.Minute)
	if !sess.ExpiresAt.Equal(want) {
		t.Errorf("session ExpiresAt = %v, want %v", sess.ExpiresAt, want)
	}

	ev := recvEvent(t, sub)
	if ev.Subject != req.ID {
		t.Errorf("event subject = %q, want %q", ev.Subject, req.ID)
	}
	if ev.Data["session_id"] != sess.ID {
		t.Errorf("event session_id = %v, want %q", ev.Data["session_id"], sess.ID)
	}
}

func TestApproveRejectsSelfAndDuplicate(t *testing.T) {
	f := newBGFixture(t)
	ctx := context.Background()

	req, err := f.m.Submit(ctx, f.submission())
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}

	_, err = f.m.Approve(ctx, req.ID, testRequesterID, "")
	wantCode(t, err, errors.ErrCodeSelfApproval)

	if _, err := f.m.Approve(ctx, req.ID, testAdmin1ID, ""); err != nil {
		t.Fatalf("Approve() = %v", err)
	}
	_, err = f.m.Approve(ctx, req.ID, testAdmin1ID, "")
	wantCode(t, err, errors.ErrCodeDuplicateApproval)
}

func TestApproveRequiresAdmin(t *testing.T) {
	f := newBGFixture(t)
	ctx := context.Background()

	req, err := f.m.Submit(ctx, f.submission())
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	_, err = f.m.Approve(ctx, req.ID, testFacultyID, "")
	wantCode(t, err, errors.ErrCodeRoleNotAllowed)
}

func TestApproveAfterDeadlineExpires(t *testing.T) {
	f := newBGFixture(t)
	ctx := context.Background()

	req, err := f.m.Submit(ctx, f.submission())
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}

	f.now = f.now.Add(ApprovalTimeout + time.Minute)
	_, err = f.m.Approve(ctx, req.ID, testAdmin1ID, "")
	wantCode(t, err, errors.ErrCodeInvalidTransition)

	got, err := f.requests.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if got.Status != StatusExpired {
		t.Errorf("Status = %s, want expired after the deadline", got.Status)
	}
}

func TestDenyIsTerminal(t *testing.T) {
	f := newBGFixture(t)
	ctx := context.Background()

	req, err := f.m.Submit(ctx, f.submission())
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}

	_, err = f.m.Deny(ctx, req.ID, testAdmin1ID, "")
	wantCode(t, err, errors.ErrCodeValidationFailed)

	denied, err := f.m.Deny(ctx, req.ID, testAdmin1ID, "scheduled maintenance covers this")
	if err != nil {
		t.Fatalf("Deny() = %v", err)
	}
	if denied.Status != StatusDenied {
		t.Errorf("Status = %s, want denied", denied.Status)
	}
	if denied.DeniedReason == "" {
		t.Error("DeniedReason is empty")
	}

	_, err = f.m.Approve(ctx, req.ID, testAdmin2ID, "")
	wantCode(t, err, errors.ErrCodeInvalidTransition)
}

func TestRecordActivityScoresAndAppends(t *testing.T) {
	f := newBGFixture(t)
	ctx := context.Background()
	req := f.activate(t)

	sess, err := f.m.RecordActivity(ctx, req.SessionID, Activity{
		Command:  "failover",
		Resource: "db-primary",
		Result:   "success",
	}, nil)
	if err != nil {
		t.Fatalf("RecordActivity() = %v", err)
	}
	if len(sess.Activities) != 1 {
		t.Fatalf("Activities = %d, want 1", len(sess.Activities))
	}
	act := sess.Activities[0]
	if act.RiskScore != 42 {
		t.Errorf("RiskScore = %v, want the scorer's 42", act.RiskScore)
	}
	if !act.At.Equal(f.now) {
		t.Errorf("At = %v, want stamped to %v", act.At, f.now)
	}
}

func TestRecordActivityRejectsExpiredSession(t *testing.T) {
	f := newBGFixture(t)
	ctx := context.Background()
	req := f.activate(t)

	f.now = f.now.Add(MaxSessionDuration + time.Minute)
	_, err := f.m.RecordActivity(ctx, req.SessionID, Activity{Command: "status", Resource: "db-primary", Result: "success"}, nil)
	wantCode(t, err, errors.ErrCodeInvalidTransition)
}

func TestCompleteProducesReport(t *testing.T) {
	f := newBGFixture(t)
	ctx := context.Background()
	req := f.activate(t)

	if _, err := f.m.RecordActivity(ctx, req.SessionID, Activity{Command: "failover", Resource: "db-primary", Result: "success"}, nil); err != nil {
		t.Fatalf("RecordActivity() = %v", err)
	}

	f.now = f.now.Add(30 * time.Minute)
	report, err := f.m.Complete(ctx, req.ID, testRequesterID)
	if err != nil {
		t.Fatalf("Complete() = %v", err)
	}
	if report.RequestID != req.ID {
		t.Errorf("report.RequestID = %q, want %q", report.RequestID, req.ID)
	}
	if len(report.Timeline) != 1 {
		t.Errorf("report.Timeline has %d activities, want 1", len(report.Timeline))
	}

	closed, err := f.requests.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if closed.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed", closed.Status)
	}
	if closed.ReportID != report.ID {
		t.Errorf("ReportID = %q, want %q", closed.ReportID, report.ID)
	}

	sess, err := f.sessions.Get(ctx, req.SessionID)
	if err != nil {
		t.Fatalf("Get() session = %v", err)
	}
	if sess.Status != SessionCompleted {
		t.Errorf("session status = %s, want completed", sess.Status)
	}

	stored, err := f.reports.GetByRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetByRequest() = %v", err)
	}
	if stored.ID != report.ID {
		t.Errorf("stored report ID = %q, want %q", stored.ID, report.ID)
	}

	// Completion is terminal.
	_, err = f.m.Complete(ctx, req.ID, testRequesterID)
	wantCode(t, err, errors.ErrCodeInvalidTransition)
}

func TestCompleteRequiresOwnerOrAdmin(t *testing.T) {
	f := newBGFixture(t)
	ctx := context.Background()
	req := f.activate(t)

	_, err := f.m.Complete(ctx, req.ID, testFacultyID)
	wantCode(t, err, errors.ErrCodeNotRequestOwner)

	if _, err := f.m.Complete(ctx, req.ID, testAdmin3ID); err != nil {
		t.Errorf("Complete() by admin = %v, want nil", err)
	}
}

func TestSweepExpiresPendingRequests(t *testing.T) {
	f := newBGFixture(t)
	ctx := context.Background()
	sub := f.bus.Subscribe(eventbus.TopicEmergencyExpired)
	defer sub.Close()

	req, err := f.m.Submit(ctx, f.submission())
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}

	f.now = f.now.Add(ApprovalTimeout + time.Minute)
	moved, err := f.m.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() = %v", err)
	}
	if moved != 1 {
		t.Errorf("Sweep() = %d, want 1", moved)
	}

	got, err := f.requests.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if got.Status != StatusExpired {
		t.Errorf("Status = %s, want expired", got.Status)
	}

	ev := recvEvent(t, sub)
	if ev.Subject != req.ID {
		t.Errorf("event subject = %q, want %q", ev.Subject, req.ID)
	}
	if ev.Data["reason"] != "approval_timeout" {
		t.Errorf("event reason = %v, want approval_timeout", ev.Data["reason"])
	}
}

func TestSweepClosesExpiredSessions(t *testing.T) {
	f := newBGFixture(t)
	ctx := context.Background()
	req := f.activate(t)

	if _, err := f.m.RecordActivity(ctx, req.SessionID, Activity{Command: "failover", Resource: "db-primary", Result: "success"}, nil); err != nil {
		t.Fatalf("RecordActivity() = %v", err)
	}

	f.now = f.now.Add(MaxSessionDuration + time.Minute)
	moved, err := f.m.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() = %v", err)
	}
	if moved != 1 {
		t.Errorf("Sweep() = %d, want 1", moved)
	}

	got, err := f.requests.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if got.Status != StatusExpired {
		t.Errorf("Status = %s, want expired", got.Status)
	}
	if got.ReportID == "" {
		t.Fatal("ReportID is empty after sweep")
	}

	sess, err := f.sessions.Get(ctx, req.SessionID)
	if err != nil {
		t.Fatalf("Get() session = %v", err)
	}
	if sess.Status != SessionExpired {
		t.Errorf("session status = %s, want expired", sess.Status)
	}

	report, err := f.reports.Get(ctx, got.ReportID)
	if err != nil {
		t.Fatalf("Get() report = %v", err)
	}
	if len(report.Timeline) != 1 {
		t.Errorf("report.Timeline has %d activities, want 1", len(report.Timeline))
	}
	if !hasRecommendation(report.LessonsLearned, "ran to expiry") {
		t.Errorf("LessonsLearned = %v, want a close-early reminder", report.LessonsLearned)
	}
}

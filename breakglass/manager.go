package breakglass

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"time"

	"github.com/citadelzt/citadel/audit"
	"github.com/citadelzt/citadel/behavior"
	"github.com/citadelzt/citadel/errors"
	"github.com/citadelzt/citadel/eventbus"
	"github.com/citadelzt/citadel/logging"
	"github.com/citadelzt/citadel/notification"
	"github.com/citadelzt/citadel/principal"
)

// Deps bundles the manager's collaborators. Requests, Sessions, Reports,
// and Principals are required.
type Deps struct {
	Requests   RequestStore
	Sessions   SessionStore
	Reports    ReportStore
	Principals principal.Store
	Scorer     ActivityScorer
	Recorder   *audit.Recorder
	Bus        *eventbus.Bus
	Notify     *notification.Dispatcher
	Logger     logging.Logger
}

// Manager runs the emergency access lifecycle: declaration, dual
// approval, the supervised session, and the post-incident report.
// Emergency access bypasses the decision engine entirely; the
// compensating controls are two human approvals, per-activity risk
// scoring, and a mandatory report.
type Manager struct {
	deps  Deps
	clock func() time.Time

	// cooldown and quota guard against repeated invocations by one
	// requester.
	cooldown     time.Duration
	quotaWindow  time.Duration
	maxPerWindow int
}

// NewManager creates an emergency access manager.
func NewManager(deps Deps) (*Manager, error) {
	if deps.Requests == nil {
		return nil, stderrors.New("breakglass: request store is required")
	}
	if deps.Sessions == nil {
		return nil, stderrors.New("breakglass: session store is required")
	}
	if deps.Reports == nil {
		return nil, stderrors.New("breakglass: report store is required")
	}
	if deps.Principals == nil {
		return nil, stderrors.New("breakglass: principal store is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	return &Manager{
		deps:         deps,
		clock:        time.Now,
		cooldown:     DefaultCooldown,
		quotaWindow:  DefaultQuotaWindow,
		maxPerWindow: DefaultMaxPerRequester,
	}, nil
}

// Submission is one principal's emergency access declaration.
type Submission struct {
	// RequesterID is the principal declaring the emergency.
	RequesterID string

	// EmergencyType categorizes the incident.
	EmergencyType EmergencyType

	// Urgency defaults to medium when empty.
	Urgency Urgency

	// Justification is the stated reason, at least
	// MinJustificationChars.
	Justification string

	// RequiredResources names the systems the emergency needs; at least
	// one.
	RequiredResources []string

	// EstimatedDuration is the expected incident length, within
	// [MinDuration, MaxSessionDuration].
	EstimatedDuration time.Duration
}

// Submit declares an emergency. The result is a pending request awaiting
// two administrator approvals; validation and abuse-guard failures return
// an error without creating a request.
func (m *Manager) Submit(ctx context.Context, sub Submission) (*EmergencyRequest, error) {
	now := m.clock()

	if len(sub.Justification) < MinJustificationChars {
		return nil, errors.New(errors.ErrCodeJustificationTooShort,
			fmt.Sprintf("emergency justification must be at least %d characters", MinJustificationChars),
			errors.GetSuggestion(errors.ErrCodeJustificationTooShort), nil)
	}
	if len(sub.Justification) > MaxJustificationLength {
		return nil, errors.New(errors.ErrCodeValidationFailed,
			"justification exceeds the maximum length",
			errors.GetSuggestion(errors.ErrCodeValidationFailed), nil)
	}
	if !sub.EmergencyType.IsValid() {
		return nil, errors.New(errors.ErrCodeValidationFailed,
			fmt.Sprintf("unknown emergency type %q", sub.EmergencyType),
			errors.GetSuggestion(errors.ErrCodeValidationFailed), nil)
	}
	if sub.Urgency == "" {
		sub.Urgency = UrgencyMedium
	}
	if !sub.Urgency.IsValid() {
		return nil, errors.New(errors.ErrCodeValidationFailed,
			fmt.Sprintf("unknown urgency %q", sub.Urgency),
			errors.GetSuggestion(errors.ErrCodeValidationFailed), nil)
	}
	if sub.EstimatedDuration < MinDuration || sub.EstimatedDuration > MaxSessionDuration {
		return nil, errors.New(errors.ErrCodeDurationOutOfRange,
			"emergency duration must be between 30 minutes and 2 hours",
			errors.GetSuggestion(errors.ErrCodeDurationOutOfRange), nil)
	}
	if len(sub.RequiredResources) == 0 {
		return nil, errors.New(errors.ErrCodeValidationFailed,
			"at least one required resource must be named",
			errors.GetSuggestion(errors.ErrCodeValidationFailed), nil)
	}

	requester, err := m.deps.Principals.Get(ctx, sub.RequesterID)
	if err != nil {
		return nil, err
	}
	if !requester.Active {
		return nil, errors.New(errors.ErrCodePrincipalInactive,
			"inactive principals cannot declare emergencies",
			errors.GetSuggestion(errors.ErrCodePrincipalInactive), nil)
	}

	existing, err := m.deps.Requests.FindActiveByRequester(ctx, sub.RequesterID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.WithContext(errors.New(errors.ErrCodeValidationFailed,
			"an emergency for this requester is already open",
			"Resolve the existing emergency before declaring another.", nil),
			"request_id", existing.ID)
	}

	if err := m.checkAbuseGuards(ctx, sub.RequesterID, now); err != nil {
		return nil, err
	}

	admins, err := m.availableAdmins(ctx, sub.RequesterID)
	if err != nil {
		return nil, err
	}
	if len(admins) < MinAvailableAdmins {
		return nil, errors.New(errors.ErrCodeValidationFailed,
			fmt.Sprintf("emergency access needs at least %d available administrators, found %d",
				MinAvailableAdmins, len(admins)),
			"Contact an administrator out of band.", nil)
	}

	req := &EmergencyRequest{
		ID:                NewEmergencyID(),
		RequesterID:       sub.RequesterID,
		EmergencyType:     sub.EmergencyType,
		Urgency:           sub.Urgency,
		Justification:     sub.Justification,
		RequiredResources: append([]string(nil), sub.RequiredResources...),
		EstimatedDuration: sub.EstimatedDuration,
		Status:            StatusPending,
		RequestedAt:       now,
		NotifiedAdmins:    admins,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := m.deps.Requests.Create(ctx, req); err != nil {
		return nil, err
	}

	m.audit(ctx, req, audit.ResultSuccess, map[string]string{
		"transition": string(StatusPending),
		"urgency":    string(req.Urgency),
	})
	m.logRequest(req, "")
	if m.deps.Bus != nil {
		m.deps.Bus.Publish(eventbus.TopicEmergencySubmitted, req.ID, map[string]any{
			"requester_id":   req.RequesterID,
			"emergency_type": string(req.EmergencyType),
			"urgency":        string(req.Urgency),
		})
	}
	if m.deps.Notify != nil {
		m.deps.Notify.AdminBroadcast(notification.EventBreakGlassInvoked,
			"Emergency access declared",
			fmt.Sprintf("Principal %s declared a %s emergency (%s urgency). Two approvals are needed within %s.",
				req.RequesterID, req.EmergencyType, req.Urgency, ApprovalTimeout),
			notification.PriorityCritical, map[string]string{"request_id": req.ID})
	}
	return req, nil
}

// checkAbuseGuards enforces the per-requester cooldown and quota.
func (m *Manager) checkAbuseGuards(ctx context.Context, requesterID string, now time.Time) error {
	last, err := m.deps.Requests.GetLastByRequester(ctx, requesterID)
	if err != nil {
		return err
	}
	if last != nil && now.Sub(last.RequestedAt) < m.cooldown {
		return errors.New(errors.ErrCodeRateLimitExceeded,
			fmt.Sprintf("emergencies may be declared at most once per %s", m.cooldown),
			errors.GetSuggestion(errors.ErrCodeRateLimitExceeded), nil)
	}
	count, err := m.deps.Requests.CountByRequesterSince(ctx, requesterID, now.Add(-m.quotaWindow))
	if err != nil {
		return err
	}
	if count >= m.maxPerWindow {
		return errors.New(errors.ErrCodeRateLimitExceeded,
			fmt.Sprintf("at most %d emergencies may be declared per %s", m.maxPerWindow, m.quotaWindow),
			errors.GetSuggestion(errors.ErrCodeRateLimitExceeded), nil)
	}
	return nil
}

// availableAdmins returns the active administrators able to review the
// request, excluding the requester.
func (m *Manager) availableAdmins(ctx context.Context, requesterID string) ([]string, error) {
	admins, err := m.deps.Principals.ListByRole(ctx, principal.RoleAdmin, MaxQueryLimit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(admins))
	for _, a := range admins {
		if a.Active && a.ID != requesterID {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

// Approve records one administrator sign-off. The final approval opens
// the supervised emergency session; callers observe the request moving
// from pending straight to active.
func (m *Manager) Approve(ctx context.Context, requestID, approverID, comments string) (*EmergencyRequest, error) {
	req, err := m.deps.Requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, errors.New(errors.ErrCodeInvalidTransition,
			fmt.Sprintf("emergency request is %s, not pending", req.Status),
			"Only pending emergencies accept approvals.", nil)
	}

	now := m.clock()
	if now.After(req.ApprovalDeadline()) {
		if expireErr := m.expireRequest(ctx, req); expireErr != nil {
			return nil, expireErr
		}
		return nil, errors.New(errors.ErrCodeInvalidTransition,
			fmt.Sprintf("the approval window closed at %s", req.ApprovalDeadline().UTC().Format(time.RFC3339)),
			"Declare a new emergency if access is still needed.", nil)
	}

	if approverID == req.RequesterID {
		return nil, errors.New(errors.ErrCodeSelfApproval,
			"you cannot approve your own emergency",
			errors.GetSuggestion(errors.ErrCodeSelfApproval), nil)
	}
	if req.HasDecision(approverID) {
		return nil, errors.New(errors.ErrCodeDuplicateApproval,
			"you already reviewed this emergency",
			errors.GetSuggestion(errors.ErrCodeDuplicateApproval), nil)
	}
	approver, err := m.deps.Principals.Get(ctx, approverID)
	if err != nil {
		return nil, err
	}
	if !approver.CanApprove() {
		return nil, errors.New(errors.ErrCodeRoleNotAllowed,
			"only active administrators review emergencies",
			errors.GetSuggestion(errors.ErrCodeRoleNotAllowed), nil)
	}

	req.Approvals = append(req.Approvals, ApprovalDecision{
		ApproverID: approverID,
		Approved:   true,
		At:         now,
		Comments:   comments,
	})

	if req.ApprovalCount() < ApprovalsRequired {
		if err := m.deps.Requests.Update(ctx, req); err != nil {
			return nil, err
		}
		m.audit(ctx, req, audit.ResultSuccess, map[string]string{
			"transition": "approval_recorded",
			"approver":   approverID,
		})
		return req, nil
	}

	sess := &EmergencySession{
		ID:          NewEmergencyID(),
		RequestID:   req.ID,
		PrincipalID: req.RequesterID,
		Status:      SessionActive,
		StartedAt:   now,
		ExpiresAt:   now.Add(sessionDuration(req.EstimatedDuration)),
		UpdatedAt:   now,
	}
	if err := m.deps.Sessions.Create(ctx, sess); err != nil {
		return nil, err
	}

	req.Status = StatusActive
	req.SessionID = sess.ID
	if err := m.deps.Requests.Update(ctx, req); err != nil {
		return nil, err
	}

	m.audit(ctx, req, audit.ResultSuccess, map[string]string{
		"transition": string(StatusActive),
		"approver":   approverID,
		"session_id": sess.ID,
	})
	m.logRequest(req, "")
	if m.deps.Bus != nil {
		m.deps.Bus.Publish(eventbus.TopicEmergencyActivated, req.ID, map[string]any{
			"requester_id": req.RequesterID,
			"session_id":   sess.ID,
			"expires_at":   sess.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
	if m.deps.Notify != nil {
		m.deps.Notify.UserNotify(notification.EventBreakGlassApproved, req.RequesterID,
			"Emergency access granted",
			fmt.Sprintf("Your emergency session is open until %s. All activity is recorded.",
				sess.ExpiresAt.UTC().Format(time.RFC3339)),
			notification.PriorityCritical, map[string]string{"request_id": req.ID, "session_id": sess.ID})
	}
	return req, nil
}

// sessionDuration caps the session at MaxSessionDuration regardless of
// the declared estimate.
func sessionDuration(estimated time.Duration) time.Duration {
	if estimated <= 0 || estimated > MaxSessionDuration {
		return MaxSessionDuration
	}
	return estimated
}

// Deny records an administrator denial. Denial is terminal and requires
// a reason.
func (m *Manager) Deny(ctx context.Context, requestID, approverID, reason string) (*EmergencyRequest, error) {
	if reason == "" {
		return nil, errors.New(errors.ErrCodeValidationFailed,
			"a denial reason is required",
			errors.GetSuggestion(errors.ErrCodeValidationFailed), nil)
	}
	req, err := m.deps.Requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, errors.New(errors.ErrCodeInvalidTransition,
			fmt.Sprintf("emergency request is %s, not pending", req.Status),
			"Only pending emergencies accept decisions.", nil)
	}
	if approverID == req.RequesterID {
		return nil, errors.New(errors.ErrCodeSelfApproval,
			"you cannot review your own emergency",
			errors.GetSuggestion(errors.ErrCodeSelfApproval), nil)
	}
	approver, err := m.deps.Principals.Get(ctx, approverID)
	if err != nil {
		return nil, err
	}
	if !approver.CanApprove() {
		return nil, errors.New(errors.ErrCodeRoleNotAllowed,
			"only active administrators review emergencies",
			errors.GetSuggestion(errors.ErrCodeRoleNotAllowed), nil)
	}

	req.Approvals = append(req.Approvals, ApprovalDecision{
		ApproverID: approverID,
		Approved:   false,
		At:         m.clock(),
		Comments:   reason,
	})
	req.Status = StatusDenied
	req.DeniedReason = reason
	if err := m.deps.Requests.Update(ctx, req); err != nil {
		return nil, err
	}

	m.audit(ctx, req, audit.ResultDenied, map[string]string{
		"transition": string(StatusDenied),
		"approver":   approverID,
		"reason":     reason,
	})
	m.logRequest(req, reason)
	if m.deps.Notify != nil {
		m.deps.Notify.UserNotify(notification.EventBreakGlassDenied, req.RequesterID,
			"Emergency access denied", reason,
			notification.PriorityWarning, map[string]string{"request_id": req.ID})
	}
	return req, nil
}

// RecordActivity appends one command to an active emergency session,
// scoring its risk against the requester's time-of-day and behavioral
// baselines. sample may be nil when no behavioral telemetry accompanied
// the command.
func (m *Manager) RecordActivity(ctx context.Context, sessionID string, act Activity, sample *behavior.Sample) (*EmergencySession, error) {
	sess, err := m.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := m.clock()
	if sess.Status != SessionActive || now.After(sess.ExpiresAt) {
		return nil, errors.New(errors.ErrCodeInvalidTransition,
			"the emergency session is no longer active",
			"Declare a new emergency if access is still needed.", nil)
	}

	if act.At.IsZero() {
		act.At = now
	}
	if m.deps.Scorer != nil {
		score, err := m.deps.Scorer.ScoreActivity(ctx, sess.PrincipalID, act, sample)
		if err != nil {
			return nil, err
		}
		act.RiskScore = score
	}

	sess.Activities = append(sess.Activities, act)
	if err := m.deps.Sessions.Update(ctx, sess); err != nil {
		return nil, err
	}

	if act.RiskScore >= CriticalRiskScore && m.deps.Notify != nil {
		m.deps.Notify.AdminBroadcast(notification.EventBreakGlassInvoked,
			"High-risk emergency activity",
			fmt.Sprintf("Session %s ran %q on %s with risk %.0f.",
				sess.ID, act.Command, act.Resource, act.RiskScore),
			notification.PriorityCritical, map[string]string{"session_id": sess.ID})
	}
	return sess, nil
}

// Complete closes an active emergency early, ends its session, and
// produces the post-incident report. The requester may close their own
// emergency; administrators may close any.
func (m *Manager) Complete(ctx context.Context, requestID, callerID string) (*IncidentReport, error) {
	req, err := m.deps.Requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusActive {
		return nil, errors.New(errors.ErrCodeInvalidTransition,
			fmt.Sprintf("emergency request is %s, not active", req.Status),
			"Only active emergencies can be closed.", nil)
	}
	if callerID != req.RequesterID {
		caller, err := m.deps.Principals.Get(ctx, callerID)
		if err != nil {
			return nil, err
		}
		if !caller.CanApprove() {
			return nil, errors.New(errors.ErrCodeNotRequestOwner,
				"only the requester or an administrator may close an emergency",
				errors.GetSuggestion(errors.ErrCodeNotRequestOwner), nil)
		}
	}

	sess, err := m.deps.Sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	now := m.clock()
	sess.Status = SessionCompleted
	sess.EndedAt = now
	if err := m.deps.Sessions.Update(ctx, sess); err != nil {
		return nil, err
	}

	report, err := m.closeOut(ctx, req, sess, StatusCompleted, now)
	if err != nil {
		return nil, err
	}
	m.audit(ctx, req, audit.ResultSuccess, map[string]string{
		"transition": string(StatusCompleted),
		"closed_by":  callerID,
		"report_id":  report.ID,
	})
	return report, nil
}

// closeOut generates and persists the report, cross-links it from the
// request, and moves the request to its terminal state.
func (m *Manager) closeOut(ctx context.Context, req *EmergencyRequest, sess *EmergencySession, terminal RequestStatus, now time.Time) (*IncidentReport, error) {
	report := BuildReport(req, sess, now)
	if err := m.deps.Reports.Create(ctx, report); err != nil {
		return nil, err
	}

	req.Status = terminal
	req.ReportID = report.ID
	if err := m.deps.Requests.Update(ctx, req); err != nil {
		return nil, err
	}

	m.logRequest(req, "")
	if m.deps.Notify != nil {
		m.deps.Notify.AdminBroadcast(notification.EventBreakGlassReport,
			"Post-incident report ready",
			fmt.Sprintf("The report for emergency %s is ready for the 48-hour review.", req.ID),
			notification.PriorityInfo, map[string]string{"request_id": req.ID, "report_id": report.ID})
	}
	return report, nil
}

// expireRequest moves a pending request past its approval deadline into
// the expired state.
func (m *Manager) expireRequest(ctx context.Context, req *EmergencyRequest) error {
	req.Status = StatusExpired
	if err := m.deps.Requests.Update(ctx, req); err != nil {
		return err
	}
	m.audit(ctx, req, audit.ResultFailure, map[string]string{"transition": string(StatusExpired)})
	m.logRequest(req, "approval window closed")
	if m.deps.Bus != nil {
		m.deps.Bus.Publish(eventbus.TopicEmergencyExpired, req.ID, map[string]any{
			"requester_id": req.RequesterID,
			"reason":       "approval_timeout",
		})
	}
	if m.deps.Notify != nil {
		m.deps.Notify.UserNotify(notification.EventBreakGlassExpired, req.RequesterID,
			"Emergency request expired",
			"No second approval arrived within the approval window.",
			notification.PriorityWarning, map[string]string{"request_id": req.ID})
	}
	return nil
}

// Sweep expires pending requests whose approval window closed and ends
// active sessions past their expiry, generating their reports. Returns
// how many requests it moved.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.clock()
	moved := 0

	pending, err := m.deps.Requests.ListByStatus(ctx, StatusPending, MaxQueryLimit)
	if err != nil {
		return 0, err
	}
	for _, req := range pending {
		if now.After(req.ApprovalDeadline()) {
			if err := m.expireRequest(ctx, req); err != nil {
				if stderrors.Is(err, ErrConcurrentModification) {
					continue
				}
				log.Printf("citadel: expiring emergency request %s: %v", req.ID, err)
				continue
			}
			moved++
		}
	}

	active, err := m.deps.Requests.ListByStatus(ctx, StatusActive, MaxQueryLimit)
	if err != nil {
		return moved, err
	}
	for _, req := range active {
		sess, err := m.deps.Sessions.Get(ctx, req.SessionID)
		if err != nil {
			log.Printf("citadel: loading emergency session %s: %v", req.SessionID, err)
			continue
		}
		if now.Before(sess.ExpiresAt) {
			continue
		}

		sess.Status = SessionExpired
		if err := m.deps.Sessions.Update(ctx, sess); err != nil {
			if stderrors.Is(err, ErrConcurrentModification) {
				continue
			}
			log.Printf("citadel: expiring emergency session %s: %v", sess.ID, err)
			continue
		}
		if _, err := m.closeOut(ctx, req, sess, StatusExpired, now); err != nil {
			log.Printf("citadel: closing out emergency %s: %v", req.ID, err)
			continue
		}
		moved++

		m.audit(ctx, req, audit.ResultSuccess, map[string]string{
			"transition": string(StatusExpired),
			"session_id": sess.ID,
		})
		if m.deps.Bus != nil {
			m.deps.Bus.Publish(eventbus.TopicEmergencyExpired, req.ID, map[string]any{
				"requester_id": req.RequesterID,
				"session_id":   sess.ID,
				"reason":       "session_timeout",
			})
		}
		if m.deps.Notify != nil {
			m.deps.Notify.UserNotify(notification.EventBreakGlassExpired, req.RequesterID,
				"Emergency session expired",
				"Your emergency window closed. The post-incident report has been generated.",
				notification.PriorityWarning, map[string]string{"request_id": req.ID})
		}
	}
	return moved, nil
}

// Run sweeps on the interval until the context is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || interval > DefaultSweepInterval {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				log.Printf("citadel: emergency sweep: %v", err)
			}
		}
	}
}

func (m *Manager) audit(ctx context.Context, req *EmergencyRequest, result audit.Result, details map[string]string) {
	if m.deps.Recorder == nil {
		return
	}
	details["request_id"] = req.ID
	if _, err := m.deps.Recorder.Record(ctx, &audit.AuditEvent{
		Timestamp:   m.clock(),
		EventType:   audit.EventTypeBreakGlass,
		PrincipalID: req.RequesterID,
		Action:      "break_glass",
		Resource:    req.EmergencyType.String(),
		Result:      result,
		Details:     details,
	}); err != nil {
		log.Printf("citadel: auditing emergency %s: %v", req.ID, err)
	}
}

func (m *Manager) logRequest(req *EmergencyRequest, reason string) {
	entry := logging.NewBreakGlassLogEntry(req.ID, req.RequesterID, string(req.EmergencyType), string(req.Status))
	entry.Urgency = string(req.Urgency)
	entry.Approvers = req.ApproverIDs()
	entry.SessionID = req.SessionID
	entry.Reason = reason
	m.deps.Logger.LogBreakGlass(entry)
}

package jit

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"time"

	"github.com/citadelzt/citadel/audit"
	"github.com/citadelzt/citadel/decision"
	"github.com/citadelzt/citadel/errors"
	"github.com/citadelzt/citadel/eventbus"
	"github.com/citadelzt/citadel/logging"
	"github.com/citadelzt/citadel/notification"
	"github.com/citadelzt/citadel/principal"
	"github.com/citadelzt/citadel/request"
	"github.com/citadelzt/citadel/segment"
)

// ExpiryWarning is how far ahead of expiry the sweep warns the holder.
const ExpiryWarning = 5 * time.Minute

// SessionControl is the slice of the session monitor the manager uses
// for visitor route enforcement.
type SessionControl interface {
	RecordRouteViolation(ctx context.Context, sessionID string) error
}

// Deps bundles the manager's collaborators. Grants, Segments,
// Principals, and Decisions are required.
type Deps struct {
	Grants     Store
	Segments   segment.Store
	Principals principal.Store
	Decisions  *decision.Engine
	Sessions   SessionControl
	Recorder   *audit.Recorder
	Bus        *eventbus.Bus
	Notify     *notification.Dispatcher
	Logger     logging.Logger
}

// Manager evaluates elevation requests against the decision engine plus
// segment-level checks, and runs the approval, expiry, and revocation
// lifecycle.
type Manager struct {
	deps  Deps
	clock func() time.Time

	// warned tracks grants already sent an expiring notice.
	warned map[string]bool
}

// NewManager creates an elevation manager.
func NewManager(deps Deps) (*Manager, error) {
	if deps.Grants == nil {
		return nil, stderrors.New("jit: grant store is required")
	}
	if deps.Segments == nil {
		return nil, stderrors.New("jit: segment store is required")
	}
	if deps.Principals == nil {
		return nil, stderrors.New("jit: principal store is required")
	}
	if deps.Decisions == nil {
		return nil, stderrors.New("jit: decision engine is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	return &Manager{
		deps:   deps,
		clock:  time.Now,
		warned: make(map[string]bool),
	}, nil
}

// Request is one principal's elevation request.
type Request struct {
	// PrincipalID is the requesting principal.
	PrincipalID string

	// SegmentID is the segment being elevated into.
	SegmentID string

	// Justification is the stated reason, at least MinJustificationChars.
	Justification string

	// Duration is the requested elevation lifetime, within
	// [MinDuration, MaxDuration].
	Duration time.Duration

	// Urgency defaults to medium when empty.
	Urgency request.Urgency

	// IP is the request source address.
	IP string

	// SessionID is the requester's live session, consulted for visitor
	// route enforcement.
	SessionID string

	// Decision carries optional context forwarded to the decision
	// engine: device characteristics, posture, network, behavior.
	Decision decision.Input
}

// Submit evaluates an elevation request. The result is a persisted
// grant in granted, pending_approval, or denied state; hard policy
// failures (segment not eligible, clearance, stacking) return an error
// without creating a grant.
func (m *Manager) Submit(ctx context.Context, req Request) (*Grant, error) {
	now := m.clock()

	if len(req.Justification) < MinJustificationChars {
		return nil, errors.New(errors.ErrCodeJustificationTooShort,
			fmt.Sprintf("justification must be at least %d characters", MinJustificationChars),
			errors.GetSuggestion(errors.ErrCodeJustificationTooShort), nil)
	}
	if len(req.Justification) > MaxJustificationLength {
		return nil, errors.New(errors.ErrCodeValidationFailed,
			"justification exceeds the maximum length",
			errors.GetSuggestion(errors.ErrCodeValidationFailed), nil)
	}
	if req.Duration < MinDuration || req.Duration > MaxDuration {
		return nil, errors.New(errors.ErrCodeDurationOutOfRange,
			"elevation duration must be between 1 and 24 hours",
			errors.GetSuggestion(errors.ErrCodeDurationOutOfRange), nil)
	}

	prin, err := m.deps.Principals.Get(ctx, req.PrincipalID)
	if err != nil {
		return nil, err
	}
	if !prin.Active {
		return nil, errors.New(errors.ErrCodePrincipalInactive,
			"inactive principals cannot request elevation",
			errors.GetSuggestion(errors.ErrCodePrincipalInactive), nil)
	}

	seg, err := m.deps.Segments.Get(ctx, req.SegmentID)
	if err != nil {
		return nil, err
	}
	if err := m.checkSegment(ctx, prin, seg, req.SessionID, now); err != nil {
		return nil, err
	}

	existing, err := m.deps.Grants.FindActiveByPrincipalAndSegment(ctx, req.PrincipalID, req.SegmentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.WithContext(errors.New(errors.ErrCodeValidationFailed,
			"an elevation for this segment is already active or pending",
			"Wait for the existing elevation to resolve before requesting another.", nil),
			"grant_id", existing.ID)
	}

	accessReq, err := m.decide(ctx, req, seg)
	if err != nil {
		return nil, err
	}

	grant := &Grant{
		ID:            NewGrantID(),
		PrincipalID:   req.PrincipalID,
		SegmentID:     req.SegmentID,
		RequestID:     accessReq.ID,
		Justification: req.Justification,
		Duration:      req.Duration,
		Urgency:       string(accessReq.Urgency),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if accessReq.Breakdown != nil {
		grant.RiskAssessment = accessReq.Breakdown.Final
		grant.MLEvaluation = accessReq.Breakdown.ML
	}

	switch {
	case accessReq.Decision == request.DecisionDenied || accessReq.Decision == request.DecisionError:
		grant.Status = StatusDenied
		grant.DeniedReason = accessReq.DenialReason

	case seg.RequiresDualApproval:
		grant.Status = StatusPendingApproval
		grant.RequiresApproval = true
		grant.ApprovalsNeeded = 2

	case accessReq.Decision == request.DecisionPendingApproval:
		grant.Status = StatusPendingApproval
		grant.RequiresApproval = true
		grant.ApprovalsNeeded = 1

	default:
		grant.Status = StatusGranted
		grant.GrantedAt = now
		grant.ExpiresAt = now.Add(grant.Duration)
	}

	if err := m.deps.Grants.Create(ctx, grant); err != nil {
		return nil, err
	}

	m.audit(ctx, grant, auditResult(grant.Status), map[string]string{
		"transition": string(grant.Status),
		"segment_id": grant.SegmentID,
	})
	m.logGrant(grant, "")

	switch grant.Status {
	case StatusGranted:
		m.publishGranted(grant)
	case StatusPendingApproval:
		if m.deps.Notify != nil {
			m.deps.Notify.AdminBroadcast(notification.EventJITRequested,
				"Elevation awaiting review",
				fmt.Sprintf("Principal %s requested elevation to segment %s.", grant.PrincipalID, grant.SegmentID),
				notification.PriorityWarning, map[string]string{"grant_id": grant.ID})
		}
	case StatusDenied:
		if m.deps.Notify != nil {
			m.deps.Notify.UserNotify(notification.EventJITDenied, grant.PrincipalID,
				"Elevation denied", grant.DeniedReason,
				notification.PriorityInfo, map[string]string{"grant_id": grant.ID})
		}
	}
	return grant, nil
}

// checkSegment applies the segment-level eligibility rules.
func (m *Manager) checkSegment(ctx context.Context, prin *principal.Principal, seg *segment.Segment, sessionID string, now time.Time) error {
	if seg.IsLocked(now) {
		return errors.New(errors.ErrCodeSegmentLocked,
			fmt.Sprintf("segment %s is locked: %s", seg.ID, seg.LockedReason),
			errors.GetSuggestion(errors.ErrCodeSegmentLocked), nil)
	}
	if !seg.RequiresJIT {
		return errors.New(errors.ErrCodeJITNotRequired,
			"this segment does not require elevation",
			errors.GetSuggestion(errors.ErrCodeJITNotRequired), nil)
	}
	if !seg.AllowsRole(prin.Role) {
		return errors.New(errors.ErrCodeSegmentNotPermitted,
			fmt.Sprintf("role %s is not permitted on segment %s", prin.Role, seg.ID),
			errors.GetSuggestion(errors.ErrCodeSegmentNotPermitted), nil)
	}
	if prin.Role.Clearance() < seg.SecurityLevel {
		return errors.New(errors.ErrCodeClearanceTooLow,
			fmt.Sprintf("security level %d exceeds your clearance", seg.SecurityLevel),
			errors.GetSuggestion(errors.ErrCodeClearanceTooLow), nil)
	}

	if prin.Role == principal.RoleVisitor {
		if !allowedSegment(prin, seg.ID) {
			if seg.IsRestrictedArea() {
				m.routeViolation(ctx, prin, seg, sessionID)
			}
			return errors.New(errors.ErrCodeSegmentNotPermitted,
				fmt.Sprintf("segment %s is outside your allowed set", seg.ID),
				errors.GetSuggestion(errors.ErrCodeSegmentNotPermitted), nil)
		}
	}
	return nil
}

func allowedSegment(prin *principal.Principal, segmentID string) bool {
	for _, id := range prin.AllowedSegments {
		if id == segmentID {
			return true
		}
	}
	return false
}

// RecordAccess enforces visitor route discipline on an in-session
// segment access. Non-visitors pass through.
func (m *Manager) RecordAccess(ctx context.Context, principalID, segmentID, sessionID string) error {
	prin, err := m.deps.Principals.Get(ctx, principalID)
	if err != nil {
		return err
	}
	if prin.Role != principal.RoleVisitor {
		return nil
	}
	seg, err := m.deps.Segments.Get(ctx, segmentID)
	if err != nil {
		return err
	}
	if allowedSegment(prin, seg.ID) {
		return nil
	}
	if seg.IsRestrictedArea() {
		m.routeViolation(ctx, prin, seg, sessionID)
	}
	return errors.New(errors.ErrCodeSegmentNotPermitted,
		fmt.Sprintf("segment %s is outside your allowed set", seg.ID),
		errors.GetSuggestion(errors.ErrCodeSegmentNotPermitted), nil)
}

// routeViolation records a restricted-area access by a visitor: emits
// the high-severity event, audits it, notifies the host, and bumps the
// session counter (which terminates the session at the cap).
func (m *Manager) routeViolation(ctx context.Context, prin *principal.Principal, seg *segment.Segment, sessionID string) {
	if m.deps.Bus != nil {
		m.deps.Bus.Publish(eventbus.TopicRouteViolation, prin.ID, map[string]any{
			"segment_id": seg.ID,
			"session_id": sessionID,
			"severity":   "high",
		})
	}
	if m.deps.Recorder != nil {
		if _, err := m.deps.Recorder.Record(ctx, &audit.AuditEvent{
			Timestamp:   m.clock(),
			EventType:   audit.EventTypeJITElevation,
			PrincipalID: prin.ID,
			Action:      "route_violation",
			Resource:    seg.ID,
			Result:      audit.ResultDenied,
			Details:     map[string]string{"severity": "high", "session_id": sessionID},
		}); err != nil {
			log.Printf("citadel: auditing route violation for %s: %v", prin.ID, err)
		}
	}
	if m.deps.Notify != nil && prin.HostPrincipalID != "" {
		m.deps.Notify.UserNotify(notification.EventJITDenied, prin.HostPrincipalID,
			"Visitor route violation",
			fmt.Sprintf("Your visitor %s accessed restricted segment %s.", prin.ID, seg.ID),
			notification.PriorityWarning, map[string]string{"segment_id": seg.ID})
	}
	if m.deps.Sessions != nil && sessionID != "" {
		if err := m.deps.Sessions.RecordRouteViolation(ctx, sessionID); err != nil {
			log.Printf("citadel: recording route violation on session %s: %v", sessionID, err)
		}
	}
}

// decide runs the elevation through the decision engine.
func (m *Manager) decide(ctx context.Context, req Request, seg *segment.Segment) (*request.AccessRequest, error) {
	input := req.Decision
	input.PrincipalID = req.PrincipalID
	input.Resource = seg.ID
	input.ResourceType = seg.Category
	input.IntentText = req.Justification
	// The engine scores one-shot requests bounded by request.MaxDuration;
	// the grant keeps the full elevation lifetime.
	input.Duration = req.Duration
	if input.Duration > request.MaxDuration {
		input.Duration = request.MaxDuration
	}
	input.Urgency = req.Urgency
	input.IP = req.IP
	return m.deps.Decisions.Decide(ctx, input)
}

// Approve records one reviewer sign-off. The final approval activates
// the grant.
func (m *Manager) Approve(ctx context.Context, grantID, approverID, comments string) (*Grant, error) {
	grant, err := m.deps.Grants.Get(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if grant.Status != StatusPendingApproval {
		return nil, errors.New(errors.ErrCodeInvalidTransition,
			fmt.Sprintf("grant is %s, not pending approval", grant.Status),
			"Only pending grants accept approvals.", nil)
	}
	if approverID == grant.PrincipalID {
		return nil, errors.New(errors.ErrCodeSelfApproval,
			"you cannot approve your own elevation",
			errors.GetSuggestion(errors.ErrCodeSelfApproval), nil)
	}
	if grant.HasApprover(approverID) {
		return nil, errors.New(errors.ErrCodeDuplicateApproval,
			"you already approved this elevation",
			errors.GetSuggestion(errors.ErrCodeDuplicateApproval), nil)
	}

	approver, err := m.deps.Principals.Get(ctx, approverID)
	if err != nil {
		return nil, err
	}
	if !approver.CanApprove() {
		return nil, errors.New(errors.ErrCodeRoleNotAllowed,
			"only active administrators review elevations",
			errors.GetSuggestion(errors.ErrCodeRoleNotAllowed), nil)
	}

	now := m.clock()
	grant.Approvers = append(grant.Approvers, Approval{
		ApproverID: approverID,
		At:         now,
		Comments:   comments,
	})

	needed := grant.ApprovalsNeeded
	if needed <= 0 {
		needed = 1
	}
	if len(grant.Approvers) >= needed {
		grant.Status = StatusGranted
		grant.GrantedAt = now
		grant.ExpiresAt = now.Add(grant.Duration)
	}
	if err := m.deps.Grants.Update(ctx, grant); err != nil {
		return nil, err
	}

	if grant.Status == StatusGranted {
		m.audit(ctx, grant, audit.ResultSuccess, map[string]string{
			"transition": "granted",
			"approver":   approverID,
		})
		m.logGrant(grant, "")
		m.publishGranted(grant)
		if m.deps.Notify != nil {
			m.deps.Notify.UserNotify(notification.EventJITApproved, grant.PrincipalID,
				"Elevation approved",
				fmt.Sprintf("Your elevation to segment %s is active until %s.",
					grant.SegmentID, grant.ExpiresAt.UTC().Format(time.RFC3339)),
				notification.PriorityInfo, map[string]string{"grant_id": grant.ID})
		}
	} else {
		m.audit(ctx, grant, audit.ResultSuccess, map[string]string{
			"transition": "approval_recorded",
			"approver":   approverID,
		})
	}
	return grant, nil
}

// Deny records a reviewer denial. Denial is terminal and requires a
// reason.
func (m *Manager) Deny(ctx context.Context, grantID, approverID, reason string) (*Grant, error) {
	if reason == "" {
		return nil, errors.New(errors.ErrCodeValidationFailed,
			"a denial reason is required",
			errors.GetSuggestion(errors.ErrCodeValidationFailed), nil)
	}
	grant, err := m.deps.Grants.Get(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if grant.Status != StatusPendingApproval {
		return nil, errors.New(errors.ErrCodeInvalidTransition,
			fmt.Sprintf("grant is %s, not pending approval", grant.Status),
			"Only pending grants accept decisions.", nil)
	}
	if approverID == grant.PrincipalID {
		return nil, errors.New(errors.ErrCodeSelfApproval,
			"you cannot review your own elevation",
			errors.GetSuggestion(errors.ErrCodeSelfApproval), nil)
	}
	approver, err := m.deps.Principals.Get(ctx, approverID)
	if err != nil {
		return nil, err
	}
	if !approver.CanApprove() {
		return nil, errors.New(errors.ErrCodeRoleNotAllowed,
			"only active administrators review elevations",
			errors.GetSuggestion(errors.ErrCodeRoleNotAllowed), nil)
	}

	grant.Status = StatusDenied
	grant.DeniedReason = reason
	if err := m.deps.Grants.Update(ctx, grant); err != nil {
		return nil, err
	}

	m.audit(ctx, grant, audit.ResultDenied, map[string]string{
		"transition": "denied",
		"approver":   approverID,
		"reason":     reason,
	})
	m.logGrant(grant, reason)
	if m.deps.Notify != nil {
		m.deps.Notify.UserNotify(notification.EventJITDenied, grant.PrincipalID,
			"Elevation denied", reason,
			notification.PriorityInfo, map[string]string{"grant_id": grant.ID})
	}
	return grant, nil
}

// Revoke ends a granted elevation early. The owner may revoke their
// own; administrators may revoke any.
func (m *Manager) Revoke(ctx context.Context, grantID, callerID, reason string) (*Grant, error) {
	grant, err := m.deps.Grants.Get(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if grant.Status != StatusGranted {
		return nil, errors.New(errors.ErrCodeInvalidTransition,
			fmt.Sprintf("grant is %s, not granted", grant.Status),
			"Only granted elevations can be revoked.", nil)
	}
	if callerID != grant.PrincipalID {
		caller, err := m.deps.Principals.Get(ctx, callerID)
		if err != nil {
			return nil, err
		}
		if !caller.CanApprove() {
			return nil, errors.New(errors.ErrCodeNotRequestOwner,
				"only the grant owner or an administrator may revoke",
				errors.GetSuggestion(errors.ErrCodeNotRequestOwner), nil)
		}
	}

	grant.Status = StatusRevoked
	grant.RevokedBy = callerID
	grant.RevokedReason = reason
	if err := m.deps.Grants.Update(ctx, grant); err != nil {
		return nil, err
	}

	m.audit(ctx, grant, audit.ResultSuccess, map[string]string{
		"transition": "revoked",
		"revoked_by": callerID,
		"reason":     reason,
	})
	m.logGrant(grant, reason)
	if m.deps.Bus != nil {
		m.deps.Bus.Publish(eventbus.TopicJITRevoked, grant.ID, map[string]any{
			"principal_id": grant.PrincipalID,
			"segment_id":   grant.SegmentID,
			"revoked_by":   callerID,
		})
	}
	if m.deps.Notify != nil {
		m.deps.Notify.UserNotify(notification.EventJITRevoked, grant.PrincipalID,
			"Elevation revoked",
			fmt.Sprintf("Your elevation to segment %s was revoked: %s", grant.SegmentID, reason),
			notification.PriorityWarning, map[string]string{"grant_id": grant.ID})
	}
	return grant, nil
}

// Sweep expires granted elevations past their expiry and warns holders
// of those about to lapse. Returns how many grants expired. Run it at
// most DefaultSweepInterval apart.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.clock()
	granted, err := m.deps.Grants.ListByStatus(ctx, StatusGranted, MaxQueryLimit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, grant := range granted {
		if now.Before(grant.ExpiresAt) {
			if !m.warned[grant.ID] && now.Add(ExpiryWarning).After(grant.ExpiresAt) {
				m.warned[grant.ID] = true
				if m.deps.Notify != nil {
					m.deps.Notify.UserNotify(notification.EventJITExpiring, grant.PrincipalID,
						"Elevation expiring",
						fmt.Sprintf("Your elevation to segment %s expires at %s.",
							grant.SegmentID, grant.ExpiresAt.UTC().Format(time.RFC3339)),
						notification.PriorityInfo, map[string]string{"grant_id": grant.ID})
				}
			}
			continue
		}

		grant.Status = StatusExpired
		if err := m.deps.Grants.Update(ctx, grant); err != nil {
			if stderrors.Is(err, ErrConcurrentModification) {
				continue
			}
			log.Printf("citadel: expiring grant %s: %v", grant.ID, err)
			continue
		}
		delete(m.warned, grant.ID)
		expired++

		m.audit(ctx, grant, audit.ResultSuccess, map[string]string{"transition": "expired"})
		m.logGrant(grant, "")
		if m.deps.Bus != nil {
			m.deps.Bus.Publish(eventbus.TopicJITExpired, grant.ID, map[string]any{
				"principal_id": grant.PrincipalID,
				"segment_id":   grant.SegmentID,
			})
		}
	}
	return expired, nil
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
				log.Printf("citadel: elevation sweep: %v", err)
			}
		}
	}
}

// Verify reports whether the principal currently holds an active
// elevation to the segment.
func (m *Manager) Verify(ctx context.Context, principalID, segmentID string) (bool, *Grant, error) {
	grant, err := m.deps.Grants.FindActiveByPrincipalAndSegment(ctx, principalID, segmentID)
	if err != nil {
		return false, nil, err
	}
	if grant == nil || !grant.Active(m.clock()) {
		return false, nil, nil
	}
	return true, grant, nil
}

func (m *Manager) publishGranted(grant *Grant) {
	if m.deps.Bus == nil {
		return
	}
	m.deps.Bus.Publish(eventbus.TopicJITGranted, grant.ID, map[string]any{
		"principal_id": grant.PrincipalID,
		"segment_id":   grant.SegmentID,
		"expires_at":   grant.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (m *Manager) audit(ctx context.Context, grant *Grant, result audit.Result, details map[string]string) {
	if m.deps.Recorder == nil {
		return
	}
	details["grant_id"] = grant.ID
	if _, err := m.deps.Recorder.Record(ctx, &audit.AuditEvent{
		Timestamp:   m.clock(),
		EventType:   audit.EventTypeJITElevation,
		PrincipalID: grant.PrincipalID,
		Action:      "elevation",
		Resource:    grant.SegmentID,
		Result:      result,
		Details:     details,
	}); err != nil {
		log.Printf("citadel: auditing grant %s: %v", grant.ID, err)
	}
}

func (m *Manager) logGrant(grant *Grant, reason string) {
	entry := logging.NewElevationLogEntry(grant.ID, grant.PrincipalID, grant.SegmentID, string(grant.Status))
	entry.DurationHours = grant.Duration.Hours()
	entry.Approvers = grant.ApproverIDs()
	entry.Reason = reason
	if !grant.ExpiresAt.IsZero() {
		entry.ExpiresAt = grant.ExpiresAt.UTC().Format(time.RFC3339)
	}
	m.deps.Logger.LogElevation(entry)
}

func auditResult(status GrantStatus) audit.Result {
	if status == StatusDenied {
		return audit.ResultDenied
	}
	return audit.ResultSuccess
}

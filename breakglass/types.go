// Package breakglass implements the emergency access workflow: dual-approval
// elevation with time-boxed sessions, full activity capture, and a mandatory
// post-incident report.
//
// # Emergency Request State Machine
//
// Valid state transitions:
//   - pending -> approved (second distinct admin approval)
//   - pending -> denied (any single denial)
//   - pending -> expired (30 minutes without two approvals)
//   - approved -> active (session created)
//   - active -> expired (session TTL elapsed)
//   - active -> completed (closed early by the requester or an admin)
//
// Terminal states (denied, expired, completed) cannot transition. The
// approved state is transient: activation follows in the same operation, so
// observers normally see pending -> active.
//
// # Emergency Request ID Format
//
// Emergency request IDs are 16-character lowercase hexadecimal strings
// (64 bits of entropy), providing uniqueness and audit-trail correlation.
package breakglass

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"time"
)

const (
	// MinJustificationChars is the minimum justification length. Emergencies
	// need a fuller explanation than routine elevation requests.
	MinJustificationChars = 100

	// MaxJustificationLength is the maximum length for justification text.
	MaxJustificationLength = 1000

	// MinDuration is the shortest emergency session that can be requested.
	MinDuration = 30 * time.Minute

	// MaxSessionDuration is the hard cap on emergency sessions. The
	// requested estimate never extends past it.
	MaxSessionDuration = 2 * time.Hour

	// ApprovalTimeout is how long a pending request waits for its two
	// approvals before expiring.
	ApprovalTimeout = 30 * time.Minute

	// ApprovalsRequired is how many distinct admin approvals activate a
	// request.
	ApprovalsRequired = 2

	// MinAvailableAdmins is how many active administrators must exist for
	// a submission to be accepted. Fewer means the dual-approval quorum
	// cannot reliably form.
	MinAvailableAdmins = 3

	// EmergencyIDLength is the exact length for emergency request IDs.
	EmergencyIDLength = 16

	// CriticalRiskScore marks an activity as belonging to the critical
	// phase of an incident.
	CriticalRiskScore = 70.0

	// DefaultSweepInterval is how often the manager checks approval
	// deadlines and session expiries.
	DefaultSweepInterval = 30 * time.Second
)

// Abuse guards, carried from the invocation rate-limit rules of the original
// break-glass workflow: a cooldown between emergencies per requester and a
// rolling per-requester quota.
const (
	// DefaultCooldown is the minimum gap between a requester's emergencies.
	DefaultCooldown = 15 * time.Minute

	// DefaultQuotaWindow bounds the per-requester quota count.
	DefaultQuotaWindow = 24 * time.Hour

	// DefaultMaxPerRequester is the quota inside DefaultQuotaWindow.
	DefaultMaxPerRequester = 3
)

// EmergencyType categorizes the emergency being declared.
type EmergencyType string

const (
	// TypeSystemOutage indicates a production system outage.
	TypeSystemOutage EmergencyType = "system_outage"
	// TypeSecurityIncident indicates an active security incident.
	TypeSecurityIncident EmergencyType = "security_incident"
	// TypeDataRecovery indicates emergency data recovery.
	TypeDataRecovery EmergencyType = "data_recovery"
	// TypeCriticalMaintenance indicates maintenance that cannot wait for
	// normal approval.
	TypeCriticalMaintenance EmergencyType = "critical_maintenance"
)

// IsValid returns true if the EmergencyType is a known value.
func (t EmergencyType) IsValid() bool {
	switch t {
	case TypeSystemOutage, TypeSecurityIncident, TypeDataRecovery, TypeCriticalMaintenance:
		return true
	}
	return false
}

// String returns the string representation of the EmergencyType.
func (t EmergencyType) String() string {
	return string(t)
}

// Urgency is the declared time pressure of the emergency. Low-urgency work
// goes through the normal elevation path, so it is not a member.
type Urgency string

const (
	// UrgencyMedium indicates degraded service with a workaround.
	UrgencyMedium Urgency = "medium"
	// UrgencyHigh indicates a serious ongoing impact.
	UrgencyHigh Urgency = "high"
	// UrgencyCritical indicates total outage or active compromise.
	UrgencyCritical Urgency = "critical"
)

// IsValid returns true if the Urgency is a known value.
func (u Urgency) IsValid() bool {
	switch u {
	case UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// String returns the string representation of the Urgency.
func (u Urgency) String() string {
	return string(u)
}

// RequestStatus represents the current state of an emergency request.
type RequestStatus string

const (
	// StatusPending indicates the request is awaiting its two approvals.
	StatusPending RequestStatus = "pending"
	// StatusApproved indicates both approvals landed; activation follows
	// immediately.
	StatusApproved RequestStatus = "approved"
	// StatusDenied indicates an admin denied the request.
	StatusDenied RequestStatus = "denied"
	// StatusActive indicates the emergency session is in progress.
	StatusActive RequestStatus = "active"
	// StatusExpired indicates the approval window or the session TTL
	// elapsed.
	StatusExpired RequestStatus = "expired"
	// StatusCompleted indicates the session was closed early and the
	// report generated.
	StatusCompleted RequestStatus = "completed"
)

// IsValid returns true if the RequestStatus is a known value.
func (s RequestStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDenied, StatusActive, StatusExpired, StatusCompleted:
		return true
	}
	return false
}

// String returns the string representation of the RequestStatus.
func (s RequestStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the status cannot transition further.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case StatusDenied, StatusExpired, StatusCompleted:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine permits moving from s
// to target.
func (s RequestStatus) CanTransitionTo(target RequestStatus) bool {
	switch s {
	case StatusPending:
		return target == StatusApproved || target == StatusDenied || target == StatusExpired
	case StatusApproved:
		return target == StatusActive
	case StatusActive:
		return target == StatusExpired || target == StatusCompleted
	}
	return false
}

// ApprovalDecision records one admin's decision on a pending request.
type ApprovalDecision struct {
	// ApproverID is the deciding administrator.
	ApproverID string `json:"approver_id"`

	// Approved is true for an approval, false for a denial.
	Approved bool `json:"approved"`

	// At is when the decision was recorded.
	At time.Time `json:"at"`

	// Comments is the admin's optional note; for denials it carries the
	// required reason.
	Comments string `json:"comments,omitempty"`
}

// EmergencyRequest is one declared emergency and its approval state.
type EmergencyRequest struct {
	// ID is the unique request identifier (16 lowercase hex chars).
	ID string `json:"id"`

	// RequesterID is the principal declaring the emergency.
	RequesterID string `json:"requester_id"`

	// EmergencyType categorizes the emergency.
	EmergencyType EmergencyType `json:"emergency_type"`

	// Urgency is medium, high, or critical. Low-urgency work is not an
	// emergency.
	Urgency Urgency `json:"urgency"`

	// Justification explains the emergency, at least MinJustificationChars.
	Justification string `json:"justification"`

	// RequiredResources lists the resources the requester needs, at least
	// one.
	RequiredResources []string `json:"required_resources"`

	// EstimatedDuration is the requested session length, between
	// MinDuration and MaxSessionDuration.
	EstimatedDuration time.Duration `json:"estimated_duration"`

	// Status is the current state of the request.
	Status RequestStatus `json:"status"`

	// RequestedAt is when the emergency was declared. The approval
	// deadline is RequestedAt + ApprovalTimeout.
	RequestedAt time.Time `json:"requested_at"`

	// Approvals holds the admin decisions in arrival order.
	Approvals []ApprovalDecision `json:"approvals,omitempty"`

	// NotifiedAdmins lists the administrators asked to review.
	NotifiedAdmins []string `json:"notified_admins,omitempty"`

	// DeniedReason records why the request was denied.
	DeniedReason string `json:"denied_reason,omitempty"`

	// SessionID links to the emergency session once active.
	SessionID string `json:"session_id,omitempty"`

	// ReportID links to the post-incident report once generated.
	ReportID string `json:"report_id,omitempty"`

	// CreatedAt is when the request record was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the request was last modified; it doubles as the
	// optimistic-locking token.
	UpdatedAt time.Time `json:"updated_at"`
}

// ApprovalDeadline returns the instant the approval window closes.
func (r *EmergencyRequest) ApprovalDeadline() time.Time {
	return r.RequestedAt.Add(ApprovalTimeout)
}

// HasDecision reports whether the admin already decided on this request.
func (r *EmergencyRequest) HasDecision(approverID string) bool {
	for _, d := range r.Approvals {
		if d.ApproverID == approverID {
			return true
		}
	}
	return false
}

// ApprovalCount returns how many of the recorded decisions are approvals.
func (r *EmergencyRequest) ApprovalCount() int {
	n := 0
	for _, d := range r.Approvals {
		if d.Approved {
			n++
		}
	}
	return n
}

// ApproverIDs returns the deciding admins in arrival order.
func (r *EmergencyRequest) ApproverIDs() []string {
	ids := make([]string, len(r.Approvals))
	for i, d := range r.Approvals {
		ids[i] = d.ApproverID
	}
	return ids
}

// Clone returns a deep copy of the request.
func (r *EmergencyRequest) Clone() *EmergencyRequest {
	out := *r
	if r.RequiredResources != nil {
		out.RequiredResources = make([]string, len(r.RequiredResources))
		copy(out.RequiredResources, r.RequiredResources)
	}
	if r.Approvals != nil {
		out.Approvals = make([]ApprovalDecision, len(r.Approvals))
		copy(out.Approvals, r.Approvals)
	}
	if r.NotifiedAdmins != nil {
		out.NotifiedAdmins = make([]string, len(r.NotifiedAdmins))
		copy(out.NotifiedAdmins, r.NotifiedAdmins)
	}
	return &out
}

// SessionStatus represents the state of an emergency session.
type SessionStatus string

const (
	// SessionActive indicates the session is in progress.
	SessionActive SessionStatus = "active"
	// SessionCompleted indicates the session was closed early.
	SessionCompleted SessionStatus = "completed"
	// SessionExpired indicates the session TTL elapsed.
	SessionExpired SessionStatus = "expired"
)

// IsValid returns true if the SessionStatus is a known value.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionActive, SessionCompleted, SessionExpired:
		return true
	}
	return false
}

// String returns the string representation of the SessionStatus.
func (s SessionStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the session can no longer accept activity.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionExpired
}

// Activity is one captured action inside an emergency session.
type Activity struct {
	// Command is the operation the requester executed.
	Command string `json:"command"`

	// Resource is what the command touched.
	Resource string `json:"resource"`

	// DataAccessed describes the data read or modified, if any.
	DataAccessed string `json:"data_accessed,omitempty"`

	// Result is the outcome: success, failure, or denied.
	Result string `json:"result"`

	// RiskScore is the per-activity risk in [0,100], stamped at append
	// time.
	RiskScore float64 `json:"risk_score"`

	// At is when the activity happened.
	At time.Time `json:"at"`
}

// EmergencySession is the time-boxed elevated session behind an activated
// emergency request.
type EmergencySession struct {
	// ID is the unique session identifier (16 lowercase hex chars).
	ID string `json:"id"`

	// RequestID links back to the emergency request.
	RequestID string `json:"request_id"`

	// PrincipalID is the session holder.
	PrincipalID string `json:"principal_id"`

	// Status is the current session state.
	Status SessionStatus `json:"status"`

	// StartedAt is when the session activated.
	StartedAt time.Time `json:"started_at"`

	// ExpiresAt is StartedAt plus the granted duration, capped at
	// MaxSessionDuration.
	ExpiresAt time.Time `json:"expires_at"`

	// EndedAt is when the session closed or expired.
	EndedAt time.Time `json:"ended_at,omitempty"`

	// Activities is the full capture of what happened, bounded only by
	// the session lifetime.
	Activities []Activity `json:"activities,omitempty"`

	// UpdatedAt doubles as the optimistic-locking token.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the session.
func (s *EmergencySession) Clone() *EmergencySession {
	out := *s
	if s.Activities != nil {
		out.Activities = make([]Activity, len(s.Activities))
		copy(out.Activities, s.Activities)
	}
	return &out
}

// emergencyIDRegex matches valid emergency IDs (16 lowercase hex chars).
var emergencyIDRegex = regexp.MustCompile(`^[0-9a-f]{16}$`)

// NewEmergencyID generates a new 16-character lowercase hex identifier for
// requests, sessions, and reports. It uses crypto/rand.
func NewEmergencyID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		// Fall back to zeros rather than panic.
		return "0000000000000000"
	}
	return hex.EncodeToString(bytes)
}

// ValidateEmergencyID checks if the given string is a valid emergency ID.
func ValidateEmergencyID(id string) bool {
	return emergencyIDRegex.MatchString(id)
}

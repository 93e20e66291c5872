// Package jit implements just-in-time elevation to classified resource
// segments. A grant is time-boxed, justified, and, for dual-approval
// segments, countersigned by two administrators before it takes effect.
//
// # Grant State Machine
//
// Valid state transitions:
//   - pending_approval -> granted (final approval recorded)
//   - pending_approval -> denied (any reviewer denies)
//   - pending_approval -> expired (request aged out)
//   - granted -> expired (by sweep past expires_at)
//   - granted -> revoked (by owner or administrator)
//
// Terminal states (denied, expired, revoked) cannot transition.
//
// # Grant ID Format
//
// Grant IDs are 16-character lowercase hexadecimal strings (64 bits of
// entropy), correlating elevation operations across the audit chain.
package jit

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"time"
)

const (
	// MinJustificationChars is the minimum justification length.
	// Elevation to a classified segment needs a concrete reason.
	MinJustificationChars = 50

	// MaxJustificationLength is the maximum length for justification text.
	MaxJustificationLength = 1000

	// MinDuration is the shortest elevation a principal may request.
	MinDuration = time.Hour

	// MaxDuration caps elevation lifetime.
	MaxDuration = 24 * time.Hour

	// GrantIDLength is the exact length for grant IDs (16 hex chars).
	GrantIDLength = 16

	// DefaultSweepInterval is how often the expiry sweep runs.
	DefaultSweepInterval = 60 * time.Second
)

// GrantStatus represents the current state of an elevation grant.
type GrantStatus string

const (
	// StatusPendingApproval indicates the grant awaits reviewer decisions.
	StatusPendingApproval GrantStatus = "pending_approval"
	// StatusGranted indicates the elevation is active until expires_at.
	StatusGranted GrantStatus = "granted"
	// StatusDenied indicates a reviewer denied the request.
	StatusDenied GrantStatus = "denied"
	// StatusExpired indicates the grant aged past its expiry.
	StatusExpired GrantStatus = "expired"
	// StatusRevoked indicates the owner or an administrator revoked it.
	StatusRevoked GrantStatus = "revoked"
)

// IsValid returns true if the GrantStatus is a known value.
func (s GrantStatus) IsValid() bool {
	switch s {
	case StatusPendingApproval, StatusGranted, StatusDenied, StatusExpired, StatusRevoked:
		return true
	}
	return false
}

// String returns the string representation of the GrantStatus.
func (s GrantStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the status is a terminal state that cannot transition.
func (s GrantStatus) IsTerminal() bool {
	switch s {
	case StatusDenied, StatusExpired, StatusRevoked:
		return true
	}
	return false
}

// CanTransitionTo returns true if transitioning to the target status is allowed.
func (s GrantStatus) CanTransitionTo(target GrantStatus) bool {
	switch s {
	case StatusPendingApproval:
		return target == StatusGranted || target == StatusDenied || target == StatusExpired
	case StatusGranted:
		return target == StatusExpired || target == StatusRevoked
	}
	return false
}

// Approval is one reviewer's recorded sign-off, in arrival order.
type Approval struct {
	// ApproverID is the reviewing administrator.
	ApproverID string `json:"approver_id"`

	// At is when the approval was recorded.
	At time.Time `json:"at"`

	// Comments is the reviewer's optional note.
	Comments string `json:"comments,omitempty"`
}

// Grant represents one time-boxed elevation to a resource segment.
type Grant struct {
	// ID is the unique grant identifier (16 lowercase hex chars).
	ID string `json:"id"`

	// PrincipalID is the requesting principal.
	PrincipalID string `json:"principal_id"`

	// SegmentID is the segment being elevated into.
	SegmentID string `json:"segment_id"`

	// RequestID links the access request the decision engine recorded
	// for this elevation.
	RequestID string `json:"request_id,omitempty"`

	// Justification is the requester's stated reason.
	Justification string `json:"justification"`

	// Duration is how long the elevation lasts once granted.
	Duration time.Duration `json:"duration"`

	// Urgency is the requester's stated time pressure.
	Urgency string `json:"urgency,omitempty"`

	// Status is the current state of the grant.
	Status GrantStatus `json:"status"`

	// RequiresApproval records that the request entered the review queue
	// rather than auto-approving.
	RequiresApproval bool `json:"requires_approval,omitempty"`

	// ApprovalsNeeded is how many reviewer sign-offs complete the grant.
	ApprovalsNeeded int `json:"approvals_needed,omitempty"`

	// Approvers holds reviewer sign-offs in arrival order.
	Approvers []Approval `json:"approvers,omitempty"`

	// RiskAssessment is the fused confidence score the decision engine
	// assigned to the elevation request.
	RiskAssessment float64 `json:"risk_assessment"`

	// MLEvaluation is the model confidence blended into that score.
	MLEvaluation float64 `json:"ml_evaluation"`

	// DeniedReason records why the request was denied.
	DeniedReason string `json:"denied_reason,omitempty"`

	// RevokedBy and RevokedReason record an early revocation.
	RevokedBy     string `json:"revoked_by,omitempty"`
	RevokedReason string `json:"revoked_reason,omitempty"`

	// GrantedAt is when the final approval landed. Zero until granted.
	GrantedAt time.Time `json:"granted_at,omitempty"`

	// ExpiresAt is granted_at plus duration. Zero until granted.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// CreatedAt is when the request was submitted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record was last modified (optimistic locking).
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the grant confers elevation at the given time.
func (g *Grant) Active(now time.Time) bool {
	return g.Status == StatusGranted && now.Before(g.ExpiresAt)
}

// HasApprover reports whether the principal already signed off.
func (g *Grant) HasApprover(principalID string) bool {
	for _, a := range g.Approvers {
		if a.ApproverID == principalID {
			return true
		}
	}
	return false
}

// ApproverIDs returns the reviewers in arrival order.
func (g *Grant) ApproverIDs() []string {
	ids := make([]string, len(g.Approvers))
	for i, a := range g.Approvers {
		ids[i] = a.ApproverID
	}
	return ids
}

// Clone returns a deep copy of the grant.
func (g *Grant) Clone() *Grant {
	out := *g
	if g.Approvers != nil {
		out.Approvers = make([]Approval, len(g.Approvers))
		copy(out.Approvers, g.Approvers)
	}
	return &out
}

// grantIDRegex matches valid grant IDs (16 lowercase hex chars).
var grantIDRegex = regexp.MustCompile(`^[0-9a-f]{16}$`)

// NewGrantID generates a new 16-character lowercase hex grant ID.
// It uses crypto/rand for cryptographic randomness.
func NewGrantID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		// This should never happen with crypto/rand.
		// Fall back to zeros rather than panic.
		return "0000000000000000"
	}
	return hex.EncodeToString(bytes)
}

// ValidateGrantID checks if the given string is a valid grant ID.
func ValidateGrantID(id string) bool {
	return grantIDRegex.MatchString(id)
}

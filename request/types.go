// Package request defines the access request record and its stores.
//
// An AccessRequest captures what a principal asked for and, once the
// decision engine has scored it, the outcome: the decision, the fused
// confidence score with its per-factor breakdown, the policies applied,
// and the grant expiry. Requests decided pending_approval may later be
// resolved by an administrator; every other decision is final.
//
// # Request ID Format
//
// Request IDs are 16-character lowercase hexadecimal strings (64 bits
// of entropy), correlating a request across decision, audit, and
// notification records.
package request

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/citadelzt/citadel/principal"
)

const (
	// DefaultDuration is the access duration assumed when a request
	// does not name one.
	DefaultDuration = time.Hour

	// MaxDuration is the longest access window a request may ask for.
	MaxDuration = 8 * time.Hour

	// MaxIntentLength bounds the free-text justification.
	MaxIntentLength = 500
)

// Urgency is the requester's own assessment of time pressure.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// IsValid returns true if the Urgency is a known value.
func (u Urgency) IsValid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh:
		return true
	}
	return false
}

// String returns the string representation of the Urgency.
func (u Urgency) String() string {
	return string(u)
}

// Decision is the outcome recorded on a scored request.
//
// Empty means the request is still in flight. DecisionError is recorded
// when scoring was cut short (shutdown, cancellation) so the audit
// trail never shows a silently dropped request.
type Decision string

const (
	DecisionGranted         Decision = "granted"
	DecisionGrantedWithMFA  Decision = "granted_with_mfa"
	DecisionPendingApproval Decision = "pending_approval"
	DecisionDenied          Decision = "denied"
	DecisionError           Decision = "error"
)

// IsValid returns true if the Decision is a known value.
func (d Decision) IsValid() bool {
	switch d {
	case DecisionGranted, DecisionGrantedWithMFA, DecisionPendingApproval,
		DecisionDenied, DecisionError:
		return true
	}
	return false
}

// String returns the string representation of the Decision.
func (d Decision) String() string {
	return string(d)
}

// Grants returns true when the decision admits the request, with or
// without a step-up challenge.
func (d Decision) Grants() bool {
	return d == DecisionGranted || d == DecisionGrantedWithMFA
}

// CanResolveTo reports whether an administrator may move the decision
// to next. Only pending_approval is resolvable; it may become granted
// or denied.
func (d Decision) CanResolveTo(next Decision) bool {
	if d != DecisionPendingApproval {
		return false
	}
	return next == DecisionGranted || next == DecisionDenied
}

// ConfidenceBreakdown itemizes the fused confidence score. Component
// scores are in [0,100]; Raw is their weighted sum, Final the combined
// and clamped result actually compared against the decision boundaries.
type ConfidenceBreakdown struct {
	Device        float64 `json:"device"`
	Behavioral    float64 `json:"behavioral"`
	Peer          float64 `json:"peer"`
	Temporal      float64 `json:"temporal"`
	Historical    float64 `json:"historical"`
	Justification float64 `json:"justification"`

	// Raw is the weighted sum of the six components.
	Raw float64 `json:"raw"`
	// ML is the model confidence blended into the final score.
	ML float64 `json:"ml"`
	// AnomalyPenalized is true when a behavioral anomaly cut the
	// combined score.
	AnomalyPenalized bool `json:"anomaly_penalized,omitempty"`
	// Final is the clamped score the boundaries were applied to.
	Final float64 `json:"final"`
}

// AccessRequest is one principal's request for a resource, and the
// decision recorded for it.
type AccessRequest struct {
	// ID is the unique request identifier (16 lowercase hex chars).
	ID string `json:"id"`

	// PrincipalID is the requesting principal.
	PrincipalID string `json:"principal_id"`

	// RoleSnapshot and DepartmentSnapshot pin the principal's role and
	// department at request time; peer comparisons use the values that
	// were current when the decision was made, not today's.
	RoleSnapshot       principal.Role `json:"role_snapshot"`
	DepartmentSnapshot string         `json:"department_snapshot,omitempty"`

	// Resource is the requested resource or segment name.
	Resource string `json:"resource"`

	// ResourceType is the resource's category, matched by policy rules.
	ResourceType string `json:"resource_type"`

	// IntentText is the requester's free-text justification.
	IntentText string `json:"intent_text"`

	// Duration is how long access is requested for.
	Duration time.Duration `json:"duration"`

	// Urgency is the requester's stated time pressure.
	Urgency Urgency `json:"urgency"`

	// IP is the request source address.
	IP string `json:"ip"`

	// DeviceID identifies the requesting device, when fingerprinted.
	DeviceID string `json:"device_id,omitempty"`

	// Decision fields, zero until the engine records an outcome.
	Decision        Decision             `json:"decision,omitempty"`
	ConfidenceScore float64              `json:"confidence_score"`
	Breakdown       *ConfidenceBreakdown `json:"confidence_breakdown,omitempty"`
	PoliciesApplied []string             `json:"policies_applied,omitempty"`
	DenialReason    string               `json:"denial_reason,omitempty"`
	ExpiresAt       time.Time            `json:"expires_at,omitempty"`

	// CreatedAt is when the request was submitted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record was last modified (optimistic locking).
	UpdatedAt time.Time `json:"updated_at"`
}

// requestIDRegex matches valid request IDs (16 lowercase hex chars).
var requestIDRegex = regexp.MustCompile(`^[0-9a-f]{16}$`)

// NewRequestID generates a new 16-character lowercase hex request ID.
// It uses crypto/rand for cryptographic randomness.
func NewRequestID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		// This should never happen with crypto/rand.
		// Fall back to zeros rather than panic.
		return "0000000000000000"
	}
	return hex.EncodeToString(bytes)
}

// ValidateRequestID checks if the given string is a valid request ID.
func ValidateRequestID(id string) bool {
	return requestIDRegex.MatchString(id)
}

// Validate checks structural invariants before persistence.
func (r *AccessRequest) Validate() error {
	if !ValidateRequestID(r.ID) {
		return fmt.Errorf("invalid request ID %q", r.ID)
	}
	if r.PrincipalID == "" {
		return fmt.Errorf("request %s: principal ID is required", r.ID)
	}
	if !r.RoleSnapshot.IsValid() {
		return fmt.Errorf("request %s: invalid role %q", r.ID, r.RoleSnapshot)
	}
	if r.Resource == "" {
		return fmt.Errorf("request %s: resource is required", r.ID)
	}
	if r.IntentText == "" {
		return fmt.Errorf("request %s: intent text is required", r.ID)
	}
	if len(r.IntentText) > MaxIntentLength {
		return fmt.Errorf("request %s: intent text exceeds %d characters", r.ID, MaxIntentLength)
	}
	if r.Duration <= 0 || r.Duration > MaxDuration {
		return fmt.Errorf("request %s: duration must be within (0, %s]", r.ID, MaxDuration)
	}
	if !r.Urgency.IsValid() {
		return fmt.Errorf("request %s: invalid urgency %q", r.ID, r.Urgency)
	}
	if r.Decision != "" && !r.Decision.IsValid() {
		return fmt.Errorf("request %s: invalid decision %q", r.ID, r.Decision)
	}
	if r.ConfidenceScore < 0 || r.ConfidenceScore > 100 {
		return fmt.Errorf("request %s: confidence score must be within [0, 100]", r.ID)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("request %s: created_at is required", r.ID)
	}
	return nil
}

// Decided reports whether a decision has been recorded.
func (r *AccessRequest) Decided() bool {
	return r.Decision != ""
}

// Clone returns an independent copy of the request.
func (r *AccessRequest) Clone() *AccessRequest {
	out := *r
	if r.Breakdown != nil {
		b := *r.Breakdown
		out.Breakdown = &b
	}
	if r.PoliciesApplied != nil {
		out.PoliciesApplied = make([]string, len(r.PoliciesApplied))
		copy(out.PoliciesApplied, r.PoliciesApplied)
	}
	return &out
}

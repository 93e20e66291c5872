// Package audit implements the tamper-evident audit chain. Every
// security-relevant action is appended as an event whose hash covers the
// previous event's hash, forming a verifiable chain: altering any stored
// event breaks every hash after it.
//
// Hashes are SHA-256 over the RFC 8785 canonical JSON of the event, so
// two processes serializing the same event always agree on its digest.
package audit

import (
	"fmt"
	"time"
)

// GenesisHash is the previous_hash of the first block in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

const (
	// DefaultQueryLimit is the number of events returned when no limit
	// is specified.
	DefaultQueryLimit = 100

	// MaxQueryLimit caps the number of events a single query returns.
	MaxQueryLimit = 1000
)

// Result classifies the outcome recorded by an event.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

// IsValid returns true if the Result is a known value.
func (r Result) IsValid() bool {
	switch r {
	case ResultSuccess, ResultFailure, ResultDenied, ResultError:
		return true
	}
	return false
}

// String returns the string representation of the Result.
func (r Result) String() string {
	return string(r)
}

// Event types recorded on the chain. EventType is a free string; these
// cover the families the built-in components emit.
const (
	EventTypeAuthentication     = "authentication"
	EventTypeAccessDecision     = "access_decision"
	EventTypeDeviceRegistration = "device_registration"
	EventTypeDeviceValidation   = "device_validation"
	EventTypeSessionLifecycle   = "session_lifecycle"
	EventTypeJITElevation       = "jit_elevation"
	EventTypeBreakGlass         = "break_glass"
	EventTypeThreatResponse     = "threat_response"
	EventTypePolicyChange       = "policy_change"
)

// Well-known Details keys. Emitters annotate events with these so
// downstream analysis (threat detection, response) can read them without
// parsing free text.
const (
	// DetailResourceType is the requested resource's type or category.
	DetailResourceType = "resource_type"
	// DetailGeoAnomaly is "true" when the request location was flagged
	// (impossible travel or unrecognized region).
	DetailGeoAnomaly = "geo_anomaly"
	// DetailDenyCode is the stable code behind a denied result.
	DetailDenyCode = "deny_code"
	// DetailConfidence is the decision confidence, formatted %.2f.
	DetailConfidence = "confidence"
)

// AuditEvent is one block on the audit chain.
//
// EventID, Timestamp, and the caller-facing fields are set by the
// emitter; TransactionID, PreviousHash, BlockNumber, and EventHash are
// assigned by Chain.Append and must not be set by callers.
type AuditEvent struct {
	// EventID identifies the event independent of chain position.
	EventID string `json:"event_id"`

	// TransactionID is the append receipt identifier, assigned on append.
	TransactionID string `json:"transaction_id,omitempty"`

	// Timestamp is when the recorded action occurred (UTC).
	Timestamp time.Time `json:"timestamp"`

	// EventType is the event family, e.g. "access_decision".
	EventType string `json:"event_type"`

	// PrincipalID is the acting principal, empty for system events.
	PrincipalID string `json:"principal_id,omitempty"`

	// Action is the operation attempted, e.g. "read", "login".
	Action string `json:"action,omitempty"`

	// Resource is the target of the action.
	Resource string `json:"resource,omitempty"`

	// Result is the recorded outcome.
	Result Result `json:"result,omitempty"`

	// IP is the source address the action arrived from.
	IP string `json:"ip,omitempty"`

	// DeviceFingerprintHash identifies the originating device, if known.
	DeviceFingerprintHash string `json:"device_fingerprint_hash,omitempty"`

	// Details carries event-family specific key/value context.
	Details map[string]string `json:"details,omitempty"`

	// PreviousHash is the event_hash of the preceding block.
	PreviousHash string `json:"previous_hash,omitempty"`

	// BlockNumber is the 1-based chain position.
	BlockNumber int64 `json:"block_number,omitempty"`

	// EventHash is the SHA-256 of this event's canonical JSON.
	EventHash string `json:"event_hash,omitempty"`
}

// Validate checks the caller-supplied fields of an event before append.
func (e *AuditEvent) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.Result != "" && !e.Result.IsValid() {
		return fmt.Errorf("invalid result %q", e.Result)
	}
	return nil
}

// Receipt is returned by Chain.Append and lets the emitter later verify
// that its event is still on the chain unmodified.
type Receipt struct {
	// TransactionID locates the appended event.
	TransactionID string `json:"transaction_id"`
	// BlockNumber is the chain position assigned to the event.
	BlockNumber int64 `json:"block_number"`
	// EventHash is the digest the chain recorded.
	EventHash string `json:"event_hash"`
	// PreviousHash links the event to its predecessor.
	PreviousHash string `json:"previous_hash"`
}

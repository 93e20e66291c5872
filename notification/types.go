// Package notification provides event types and interfaces for Citadel's
// notification system. It enables pluggable delivery of security alerts and
// user prompts raised by the decision, monitoring, elevation, break-glass,
// and automated-response components.
//
// # Event Types
//
// Events are emitted on security-relevant transitions:
//   - session.stepup: A session crossed the step-up threshold and the user
//     must complete an MFA challenge
//   - session.terminated: A session was terminated by continuous monitoring
//   - jit.requested: An elevation request awaits approver review
//   - jit.approved / jit.denied: An approver decided an elevation request
//   - jit.expiring: An active elevation is close to expiry
//   - jit.revoked: An active elevation was revoked
//   - breakglass.invoked: Emergency access was requested
//   - breakglass.approved / breakglass.denied: Emergency request decided
//   - breakglass.expired: An emergency window closed
//   - breakglass.report: A post-incident report is ready for review
//   - threat.predicted: A high-confidence threat prediction was raised
//   - response.device_blocked: Automated response blocked a device
//   - response.segment_lockdown: Automated response locked a segment
//
// # Notification Delivery
//
// The Notifier interface allows pluggable delivery backends (SNS, webhooks,
// etc.). MultiNotifier composes multiple backends for fanout delivery.
// Delivery is best-effort: a failed notification never fails the security
// operation that raised it.
package notification

import (
	"errors"
	"time"
)

// EventType represents the type of notification event.
type EventType string

const (
	// EventSessionStepUp is emitted when a session must complete an MFA
	// challenge to continue.
	EventSessionStepUp EventType = "session.stepup"
	// EventSessionTerminated is emitted when continuous monitoring
	// terminates a session.
	EventSessionTerminated EventType = "session.terminated"
	// EventJITRequested is emitted when an elevation request awaits review.
	EventJITRequested EventType = "jit.requested"
	// EventJITApproved is emitted when an elevation request is approved.
	EventJITApproved EventType = "jit.approved"
	// EventJITDenied is emitted when an elevation request is denied.
	EventJITDenied EventType = "jit.denied"
	// EventJITExpiring is emitted shortly before an elevation expires.
	EventJITExpiring EventType = "jit.expiring"
	// EventJITRevoked is emitted when an active elevation is revoked.
	EventJITRevoked EventType = "jit.revoked"
	// EventBreakGlassInvoked is emitted when emergency access is requested.
	EventBreakGlassInvoked EventType = "breakglass.invoked"
	// EventBreakGlassApproved is emitted when an emergency request gathers
	// the required approvals.
	EventBreakGlassApproved EventType = "breakglass.approved"
	// EventBreakGlassDenied is emitted when an emergency request is denied.
	EventBreakGlassDenied EventType = "breakglass.denied"
	// EventBreakGlassExpired is emitted when an emergency window closes.
	EventBreakGlassExpired EventType = "breakglass.expired"
	// EventBreakGlassReport is emitted when a post-incident report is ready.
	EventBreakGlassReport EventType = "breakglass.report"
	// EventThreatPredicted is emitted for high-confidence threat predictions.
	EventThreatPredicted EventType = "threat.predicted"
	// EventDeviceBlocked is emitted when automated response blocks a device.
	EventDeviceBlocked EventType = "response.device_blocked"
	// EventSegmentLockdown is emitted when automated response locks a segment.
	EventSegmentLockdown EventType = "response.segment_lockdown"
	// EventMFACode carries a one-time verification code to a principal.
	EventMFACode EventType = "mfa.code"
)

// IsValid returns true if the EventType is a known value.
func (t EventType) IsValid() bool {
	switch t {
	case EventSessionStepUp, EventSessionTerminated,
		EventJITRequested, EventJITApproved, EventJITDenied,
		EventJITExpiring, EventJITRevoked,
		EventBreakGlassInvoked, EventBreakGlassApproved, EventBreakGlassDenied,
		EventBreakGlassExpired, EventBreakGlassReport,
		EventThreatPredicted, EventDeviceBlocked, EventSegmentLockdown,
		EventMFACode:
		return true
	}
	return false
}

// String returns the string representation of the EventType.
func (t EventType) String() string {
	return string(t)
}

// Priority indicates delivery urgency. Backends may route critical messages
// differently (paging vs. digest).
type Priority string

const (
	PriorityInfo     Priority = "info"
	PriorityWarning  Priority = "warning"
	PriorityCritical Priority = "critical"
)

// IsValid returns true if the Priority is a known value.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityInfo, PriorityWarning, PriorityCritical:
		return true
	}
	return false
}

// String returns the string representation of the Priority.
func (p Priority) String() string {
	return string(p)
}

// Audience selects who receives a message.
type Audience string

const (
	// AudiencePrincipal delivers to the principal named in PrincipalID.
	AudiencePrincipal Audience = "principal"
	// AudienceAdmins broadcasts to the administrator channel.
	AudienceAdmins Audience = "admins"
)

// IsValid returns true if the Audience is a known value.
func (a Audience) IsValid() bool {
	return a == AudiencePrincipal || a == AudienceAdmins
}

// String returns the string representation of the Audience.
func (a Audience) String() string {
	return string(a)
}

// Message represents one notification. Backends serialize it as JSON.
type Message struct {
	// Type is the event type that raised this message.
	Type EventType `json:"type"`

	// Audience selects the recipients.
	Audience Audience `json:"audience"`

	// PrincipalID is the recipient when Audience is principal. For admin
	// broadcasts it names the principal the alert concerns, when there is one.
	PrincipalID string `json:"principal_id,omitempty"`

	// Priority indicates delivery urgency.
	Priority Priority `json:"priority"`

	// Title is a one-line summary.
	Title string `json:"title"`

	// Body is the human-readable detail.
	Body string `json:"body"`

	// Data carries structured fields (session_id, risk_score, ...).
	Data map[string]string `json:"data,omitempty"`

	// Timestamp is when the message was raised.
	Timestamp time.Time `json:"timestamp"`
}

// NewUserMessage creates a message addressed to a principal.
// The timestamp is set to the current time.
func NewUserMessage(eventType EventType, principalID, title, body string, priority Priority, data map[string]string) *Message {
	return &Message{
		Type:        eventType,
		Audience:    AudiencePrincipal,
		PrincipalID: principalID,
		Priority:    priority,
		Title:       title,
		Body:        body,
		Data:        data,
		Timestamp:   time.Now(),
	}
}

// NewAdminMessage creates a message broadcast to administrators.
// The timestamp is set to the current time.
func NewAdminMessage(eventType EventType, title, body string, priority Priority, data map[string]string) *Message {
	return &Message{
		Type:      eventType,
		Audience:  AudienceAdmins,
		Priority:  priority,
		Title:     title,
		Body:      body,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// Validate checks the message is deliverable.
func (m *Message) Validate() error {
	if !m.Type.IsValid() {
		return errors.New("unknown event type: " + string(m.Type))
	}
	if !m.Audience.IsValid() {
		return errors.New("unknown audience: " + string(m.Audience))
	}
	if m.Audience == AudiencePrincipal && m.PrincipalID == "" {
		return errors.New("principal messages require a principal_id")
	}
	if !m.Priority.IsValid() {
		return errors.New("unknown priority: " + string(m.Priority))
	}
	if m.Title == "" {
		return errors.New("title is required")
	}
	return nil
}

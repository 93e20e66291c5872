// Package session defines Citadel's live session schema and the
// continuous-authentication monitor. A session is the long-lived
// authenticated state behind one-shot access requests; the monitor
// recomputes each active session's risk score on an interval and drives
// step-up authentication or termination.
//
// # Session State Machine
//
// Valid state transitions:
//   - active -> stepping_up (risk in the MFA band)
//   - active -> terminated (risk at or above the terminate threshold,
//     impossible travel, principal deactivation, or admin action)
//   - active -> expired (idle TTL elapsed)
//   - stepping_up -> active (step-up challenge passed; risk resets to 50)
//   - stepping_up -> terminated (challenge failed or timed out)
//
// Terminal states (terminated, expired) cannot transition. Transitions are
// monotonic: a terminated session never reactivates.
//
// # Session ID Format
//
// Session IDs are 16-character lowercase hexadecimal strings (64 bits of
// entropy), generated at creation and immutable. The core issues these
// opaque IDs itself; identity-provider tokens never cross this boundary.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"time"
)

const (
	// SessionIDLength is the exact length for session IDs (16 hex chars).
	SessionIDLength = 16

	// RiskHistoryCap bounds the per-session risk history ring buffer.
	RiskHistoryCap = 100

	// InitialRiskScore is assigned when a session starts.
	InitialRiskScore = 0.0

	// StepUpResetRiskScore is the risk assigned after a passed step-up
	// challenge.
	StepUpResetRiskScore = 50.0

	// DefaultIdleTTL is how long a session may go without activity before
	// the sweep expires it.
	DefaultIdleTTL = 12 * time.Hour
)

// Status represents the current state of a session.
type Status string

const (
	// StatusActive indicates the session is live and monitored.
	StatusActive Status = "active"
	// StatusSteppingUp indicates a step-up challenge is outstanding. The
	// session returns to active on success and terminates on failure or
	// timeout.
	StatusSteppingUp Status = "stepping_up"
	// StatusTerminated indicates the session was ended by risk, anomaly,
	// principal deactivation, or administrator action.
	StatusTerminated Status = "terminated"
	// StatusExpired indicates the session idled out.
	StatusExpired Status = "expired"
)

// IsValid returns true if the Status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusSteppingUp, StatusTerminated, StatusExpired:
		return true
	}
	return false
}

// String returns the string representation of the Status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if the status is a terminal state that cannot transition.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusTerminated, StatusExpired:
		return true
	}
	return false
}

// CanTransitionTo reports whether a transition from s to next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusActive:
		return next == StatusSteppingUp || next == StatusTerminated || next == StatusExpired
	case StatusSteppingUp:
		return next == StatusActive || next == StatusTerminated || next == StatusExpired
	}
	return false
}

// AccessLogEntry records one resource access inside a session.
type AccessLogEntry struct {
	Resource  string    `json:"resource"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Result    string    `json:"result"` // success, failure, denied, error
}

// RiskEntry is one continuous-auth evaluation outcome.
type RiskEntry struct {
	Score       float64            `json:"score"`
	Factors     map[string]float64 `json:"factors,omitempty"`
	Action      string             `json:"action"`
	EvaluatedAt time.Time          `json:"evaluated_at"`
}

// BehavioralSample is the most recent behavioral measurements for the
// session, fed to the deviation scorer each cycle.
type BehavioralSample struct {
	// KeystrokeIntervalMs is the mean inter-keystroke interval.
	KeystrokeIntervalMs float64 `json:"keystroke_interval_ms"`
	// MouseVelocity is the mean mouse path velocity in px/s.
	MouseVelocity float64 `json:"mouse_velocity"`
	// NavigationDepth is the mean navigation n-gram depth.
	NavigationDepth float64 `json:"navigation_depth"`
	// RequestsPerMinute is the recent request rate.
	RequestsPerMinute float64 `json:"requests_per_minute"`
	// SessionMinutes is the session duration so far.
	SessionMinutes float64 `json:"session_minutes"`
	// SampledAt is when the sample was captured.
	SampledAt time.Time `json:"sampled_at"`
}

// Session is a live authenticated principal-device binding.
type Session struct {
	// ID is the unique session identifier (16 lowercase hex chars).
	ID string `json:"id"`

	// PrincipalID is the authenticated principal.
	PrincipalID string `json:"principal_id"`

	// DeviceID is the fingerprint the session was established from.
	DeviceID string `json:"device_id"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// StartedAt is when the session was established.
	StartedAt time.Time `json:"started_at"`

	// LastActivityAt is the most recent request inside the session.
	LastActivityAt time.Time `json:"last_activity_at"`

	// IPHistory is the ordered sequence of source addresses observed.
	IPHistory []string `json:"ip_history,omitempty"`

	// AccessLog is the ordered sequence of resource accesses.
	AccessLog []AccessLogEntry `json:"access_log,omitempty"`

	// Sample is the latest behavioral measurements.
	Sample BehavioralSample `json:"behavioral_sample"`

	// CurrentRiskScore is the most recent continuous-auth risk in [0,100].
	CurrentRiskScore float64 `json:"current_risk_score"`

	// RiskHistory is the ring-buffered evaluation history, capped at
	// RiskHistoryCap entries (oldest dropped first).
	RiskHistory []RiskEntry `json:"risk_history,omitempty"`

	// TerminationReason records why the session ended, if terminated.
	TerminationReason string `json:"termination_reason,omitempty"`

	// RouteViolations counts a visitor's restricted-area accesses this
	// session. Three violations terminate the session.
	RouteViolations int `json:"route_violations,omitempty"`

	// UpdatedAt is when the record was last modified (optimistic locking).
	UpdatedAt time.Time `json:"updated_at"`
}

// sessionIDRegex matches valid session IDs (16 lowercase hex chars).
var sessionIDRegex = regexp.MustCompile(`^[0-9a-f]{16}$`)

// NewSessionID generates a new 16-character lowercase hex session ID.
// It uses crypto/rand for cryptographic randomness.
func NewSessionID() string {
	bytes := make([]byte, 8)
	_, err := rand.Read(bytes)
	if err != nil {
		// This should never happen with crypto/rand.
		// Fall back to zeros rather than panic.
		return "0000000000000000"
	}
	return hex.EncodeToString(bytes)
}

// ValidateSessionID checks if the given string is a valid session ID.
func ValidateSessionID(id string) bool {
	return sessionIDRegex.MatchString(id)
}

// AppendRisk pushes an evaluation onto the risk history, dropping the
// oldest entry once the ring is full, and updates the current score.
func (s *Session) AppendRisk(entry RiskEntry) {
	s.CurrentRiskScore = entry.Score
	s.RiskHistory = append(s.RiskHistory, entry)
	if len(s.RiskHistory) > RiskHistoryCap {
		s.RiskHistory = s.RiskHistory[len(s.RiskHistory)-RiskHistoryCap:]
	}
}

// RecordAccess appends an access-log entry and refreshes activity.
func (s *Session) RecordAccess(resource, action, result string, at time.Time) {
	s.AccessLog = append(s.AccessLog, AccessLogEntry{
		Resource:  resource,
		Action:    action,
		Timestamp: at,
		Result:    result,
	})
	s.LastActivityAt = at
}

// RecordIP appends an address to the IP history unless it matches the
// most recent entry.
func (s *Session) RecordIP(ip string) {
	if ip == "" {
		return
	}
	if n := len(s.IPHistory); n > 0 && s.IPHistory[n-1] == ip {
		return
	}
	s.IPHistory = append(s.IPHistory, ip)
}

// CurrentIP returns the most recent source address, or empty.
func (s *Session) CurrentIP() string {
	if n := len(s.IPHistory); n > 0 {
		return s.IPHistory[n-1]
	}
	return ""
}

// ResourceSet returns the distinct resources touched this session.
func (s *Session) ResourceSet() map[string]bool {
	set := make(map[string]bool, len(s.AccessLog))
	for _, e := range s.AccessLog {
		set[e.Resource] = true
	}
	return set
}

// Idle reports whether the session has gone without activity past the
// idle TTL as of now.
func (s *Session) Idle(now time.Time) bool {
	return now.Sub(s.LastActivityAt) > DefaultIdleTTL
}

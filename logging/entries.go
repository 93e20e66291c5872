package logging

import (
	"time"

	"github.com/citadelzt/citadel/iso8601"
)

// DecisionLogEntry captures all context for one access decision.
type DecisionLogEntry struct {
	Timestamp           string             `json:"timestamp"` // ISO8601
	RequestID           string             `json:"request_id"`
	PrincipalID         string             `json:"principal_id"`
	Role                string             `json:"role"`
	Resource            string             `json:"resource"`
	Decision            string             `json:"decision"` // granted, granted_with_mfa, pending_approval, denied
	ConfidenceScore     float64            `json:"confidence_score"`
	ConfidenceBreakdown map[string]float64 `json:"confidence_breakdown,omitempty"`
	PoliciesApplied     []string           `json:"policies_applied,omitempty"`
	DenialCode          string             `json:"denial_code,omitempty"`
	DenialReason        string             `json:"denial_reason,omitempty"`
	IntentScore         float64            `json:"intent_score,omitempty"`
	ContextScore        float64            `json:"context_score,omitempty"`
	DeviceID            string             `json:"device_id,omitempty"`
	DeviceSimilarity    float64            `json:"device_similarity,omitempty"`
	AnomalyDetected     bool               `json:"anomaly_detected,omitempty"`
	TimedOut            bool               `json:"timed_out,omitempty"`
	EvaluationMillis    int64              `json:"evaluation_millis,omitempty"`
}

// NewDecisionLogEntry stamps a decision entry with the current time.
func NewDecisionLogEntry(requestID, principalID, role, resource, decision string, confidence float64) DecisionLogEntry {
	return DecisionLogEntry{
		Timestamp:       iso8601.Format(time.Now()),
		RequestID:       requestID,
		PrincipalID:     principalID,
		Role:            role,
		Resource:        resource,
		Decision:        decision,
		ConfidenceScore: confidence,
	}
}

// SessionRiskLogEntry records one continuous-auth evaluation cycle.
type SessionRiskLogEntry struct {
	Timestamp       string             `json:"timestamp"`
	SessionID       string             `json:"session_id"`
	PrincipalID     string             `json:"principal_id"`
	RiskScore       float64            `json:"risk_score"`
	Factors         map[string]float64 `json:"factors,omitempty"`
	Action          string             `json:"action"` // continue_normal, monitor_closely, require_mfa, terminate_session
	Reason          string             `json:"reason,omitempty"`
	IntervalSeconds int                `json:"interval_seconds,omitempty"`
}

// NewSessionRiskLogEntry stamps a session risk entry with the current time.
func NewSessionRiskLogEntry(sessionID, principalID string, risk float64, action string) SessionRiskLogEntry {
	return SessionRiskLogEntry{
		Timestamp:   iso8601.Format(time.Now()),
		SessionID:   sessionID,
		PrincipalID: principalID,
		RiskScore:   risk,
		Action:      action,
	}
}

// ThreatLogEntry records a threat prediction or a response action taken on one.
type ThreatLogEntry struct {
	Timestamp      string   `json:"timestamp"`
	PredictionID   string   `json:"prediction_id,omitempty"`
	PrincipalID    string   `json:"principal_id,omitempty"`
	ThreatType     string   `json:"threat_type"`
	ThreatScore    float64  `json:"threat_score,omitempty"`
	Confidence     float64  `json:"confidence,omitempty"`
	Severity       string   `json:"severity,omitempty"`
	Indicators     []string `json:"indicators,omitempty"`
	ResponseAction string   `json:"response_action,omitempty"` // device_blocked, segment_locked, admin_alert
	TargetID       string   `json:"target_id,omitempty"`       // blocked device or locked segment
}

// NewThreatLogEntry stamps a threat entry with the current time.
func NewThreatLogEntry(threatType string, confidence float64) ThreatLogEntry {
	return ThreatLogEntry{
		Timestamp:  iso8601.Format(time.Now()),
		ThreatType: threatType,
		Confidence: confidence,
	}
}

// ElevationLogEntry records a JIT grant lifecycle change.
type ElevationLogEntry struct {
	Timestamp     string   `json:"timestamp"`
	GrantID       string   `json:"grant_id"`
	PrincipalID   string   `json:"principal_id"`
	SegmentID     string   `json:"segment_id"`
	Status        string   `json:"status"` // pending_approval, granted, denied, expired, revoked
	DurationHours float64  `json:"duration_hours,omitempty"`
	Approvers     []string `json:"approvers,omitempty"`
	ExpiresAt     string   `json:"expires_at,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// NewElevationLogEntry stamps an elevation entry with the current time.
func NewElevationLogEntry(grantID, principalID, segmentID, status string) ElevationLogEntry {
	return ElevationLogEntry{
		Timestamp:   iso8601.Format(time.Now()),
		GrantID:     grantID,
		PrincipalID: principalID,
		SegmentID:   segmentID,
		Status:      status,
	}
}

// BreakGlassLogEntry records a break-glass emergency access event.
type BreakGlassLogEntry struct {
	Timestamp     string   `json:"timestamp"`
	RequestID     string   `json:"request_id"`
	RequesterID   string   `json:"requester_id"`
	EmergencyType string   `json:"emergency_type"`
	Urgency       string   `json:"urgency"`
	Status        string   `json:"status"` // pending, approved, denied, active, expired, completed
	Approvers     []string `json:"approvers,omitempty"`
	SessionID     string   `json:"session_id,omitempty"`
	ExpiresAt     string   `json:"expires_at,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// NewBreakGlassLogEntry stamps a break-glass entry with the current time.
func NewBreakGlassLogEntry(requestID, requesterID, emergencyType, status string) BreakGlassLogEntry {
	return BreakGlassLogEntry{
		Timestamp:     iso8601.Format(time.Now()),
		RequestID:     requestID,
		RequesterID:   requesterID,
		EmergencyType: emergencyType,
		Status:        status,
	}
}

// Package config loads and validates the Citadel runtime configuration.
// Configuration is YAML with strict decoding: unknown keys are rejected
// rather than ignored, so a typo fails fast instead of silently running
// on defaults. Table names and the AWS region may be overridden through
// the environment for deployment tooling.
package config

import (
	"fmt"
	"strings"
)

// Decision tunes the access decision engine.
type Decision struct {
	// AutoApproveThreshold is the confidence at or above which requests
	// are granted without MFA, in [0,100].
	AutoApproveThreshold float64 `yaml:"auto_approve_threshold"`

	// StepUpThreshold is the confidence at or above which requests are
	// granted behind an MFA challenge, in [0,100].
	StepUpThreshold float64 `yaml:"step_up_threshold"`
}

// ContinuousAuth tunes the session risk monitor.
type ContinuousAuth struct {
	// IntervalSeconds is the normal evaluation cadence.
	IntervalSeconds int `yaml:"interval_seconds"`

	// HighRiskIntervalSeconds is the cadence for sessions at or above
	// risk 70.
	HighRiskIntervalSeconds int `yaml:"high_risk_interval_seconds"`

	// TerminateThreshold is the risk at or above which sessions are
	// terminated.
	TerminateThreshold float64 `yaml:"terminate_threshold"`

	// MFAThreshold is the risk at or above which sessions must step up.
	MFAThreshold float64 `yaml:"mfa_threshold"`
}

// Device tunes fingerprint registration and validation.
type Device struct {
	// MaxActivePerUser caps active devices per principal.
	MaxActivePerUser int `yaml:"max_active_per_user"`

	// SimilarityThreshold is the fingerprint match bar in [0,100].
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// ExpireDays is how long an unverified device stays active.
	ExpireDays int `yaml:"expire_days"`
}

// JIT tunes just-in-time elevation.
type JIT struct {
	// MinJustificationChars is the minimum justification length.
	MinJustificationChars int `yaml:"min_justification_chars"`

	// MaxDurationHours caps a single elevation.
	MaxDurationHours int `yaml:"max_duration_hours"`
}

// BreakGlass tunes emergency access.
type BreakGlass struct {
	// ApprovalTimeoutMinutes bounds how long a request may wait for its
	// approvals.
	ApprovalTimeoutMinutes int `yaml:"approval_timeout_minutes"`

	// MaxSessionHours caps an emergency session.
	MaxSessionHours int `yaml:"max_session_hours"`
}

// Threat tunes prediction and alerting.
type Threat struct {
	// PredictionConfidenceThreshold is the confidence at or above which
	// predictions are persisted, in [0,1].
	PredictionConfidenceThreshold float64 `yaml:"prediction_confidence_threshold"`

	// AlertThreshold is the confidence at or above which admins are
	// alerted, in [0,1].
	AlertThreshold float64 `yaml:"alert_threshold"`
}

// Adaptive tunes policy effectiveness scoring.
type Adaptive struct {
	// WindowDays is the rolling outcome window length.
	WindowDays int `yaml:"window_days"`

	// MinSamples gates adjustment proposals.
	MinSamples int `yaml:"min_samples"`
}

// Behavior tunes behavioral baselining.
type Behavior struct {
	// MinBaselineSessions is how many sessions a baseline needs before
	// deviations count.
	MinBaselineSessions int `yaml:"min_baseline_sessions"`
}

// RateLimit tunes per-principal budgets.
type RateLimit struct {
	// AccessPerHour bounds access requests; JIT requests share it.
	AccessPerHour int `yaml:"access_per_hour"`

	// AuthPerMinute bounds authentication attempts.
	AuthPerMinute int `yaml:"auth_per_minute"`
}

// Tables names the DynamoDB tables, one per store.
type Tables struct {
	Principals         string `yaml:"principals"`
	Segments           string `yaml:"segments"`
	Policies           string `yaml:"policies"`
	Outcomes           string `yaml:"outcomes"`
	Adjustments        string `yaml:"adjustments"`
	Requests           string `yaml:"requests"`
	Devices            string `yaml:"devices"`
	Sessions           string `yaml:"sessions"`
	Grants             string `yaml:"grants"`
	Predictions        string `yaml:"predictions"`
	Histories          string `yaml:"histories"`
	Baselines          string `yaml:"baselines"`
	Audit              string `yaml:"audit"`
	EmergencyRequests  string `yaml:"emergency_requests"`
	EmergencySessions  string `yaml:"emergency_sessions"`
	EmergencyReports   string `yaml:"emergency_reports"`
}

// AWS carries deployment settings for the store and notification layer.
type AWS struct {
	// Region is the AWS region, overridable via CITADEL_AWS_REGION.
	Region string `yaml:"region"`

	// SNSTopicARN is the admin notification topic. Empty disables the
	// SNS notifier.
	SNSTopicARN string `yaml:"sns_topic_arn,omitempty"`

	// PolicySigningKey is the KMS key ID or alias that signs and
	// verifies policy documents. Empty disables signature verification
	// on import.
	PolicySigningKey string `yaml:"policy_signing_key,omitempty"`

	// Tables names the DynamoDB tables. Each is overridable via
	// CITADEL_TABLE_<NAME>.
	Tables Tables `yaml:"tables"`
}

// Config is the full Citadel runtime configuration.
type Config struct {
	Decision       Decision       `yaml:"decision"`
	ContinuousAuth ContinuousAuth `yaml:"continuous_auth"`
	Device         Device         `yaml:"device"`
	JIT            JIT            `yaml:"jit"`
	BreakGlass     BreakGlass     `yaml:"break_glass"`
	Threat         Threat         `yaml:"threat"`
	Adaptive       Adaptive       `yaml:"adaptive"`
	Behavior       Behavior       `yaml:"behavior"`
	RateLimit      RateLimit      `yaml:"ratelimit"`
	AWS            AWS            `yaml:"aws"`
}

// Default returns the configuration the system runs with when no file
// is provided. Every knob matches the documented default.
func Default() *Config {
	return &Config{
		Decision: Decision{
			AutoApproveThreshold: 90,
			StepUpThreshold:      50,
		},
		ContinuousAuth: ContinuousAuth{
			IntervalSeconds:         300,
			HighRiskIntervalSeconds: 60,
			TerminateThreshold:      85,
			MFAThreshold:            70,
		},
		Device: Device{
			MaxActivePerUser:    3,
			SimilarityThreshold: 85,
			ExpireDays:          90,
		},
		JIT: JIT{
			MinJustificationChars: 50,
			MaxDurationHours:      24,
		},
		BreakGlass: BreakGlass{
			ApprovalTimeoutMinutes: 30,
			MaxSessionHours:        2,
		},
		Threat: Threat{
			PredictionConfidenceThreshold: 0.70,
			AlertThreshold:                0.80,
		},
		Adaptive: Adaptive{
			WindowDays: 30,
			MinSamples: 50,
		},
		Behavior: Behavior{
			MinBaselineSessions: 5,
		},
		RateLimit: RateLimit{
			AccessPerHour: 10,
			AuthPerMinute: 10,
		},
		AWS: AWS{
			Region: "us-east-1",
			Tables: Tables{
				Principals:        "citadel-principals",
				Segments:          "citadel-segments",
				Policies:          "citadel-policies",
				Outcomes:          "citadel-outcomes",
				Adjustments:       "citadel-adjustments",
				Requests:          "citadel-requests",
				Devices:           "citadel-devices",
				Sessions:          "citadel-sessions",
				Grants:            "citadel-grants",
				Predictions:       "citadel-predictions",
				Histories:         "citadel-histories",
				Baselines:         "citadel-baselines",
				Audit:             "citadel-audit",
				EmergencyRequests: "citadel-emergency-requests",
				EmergencySessions: "citadel-emergency-sessions",
				EmergencyReports:  "citadel-emergency-reports",
			},
		},
	}
}

// IssueSeverity indicates the severity of a validation issue.
type IssueSeverity string

const (
	// SeverityError indicates a problem that blocks loading.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a suspicious value that still works.
	SeverityWarning IssueSeverity = "warning"
)

// ValidationIssue represents a single validation problem.
type ValidationIssue struct {
	Severity   IssueSeverity `json:"severity"`
	Location   string        `json:"location"` // e.g. "decision.auto_approve_threshold"
	Message    string        `json:"message"`
	Suggestion string        `json:"suggestion,omitempty"`
}

// ValidationResult contains all validation findings for one config.
type ValidationResult struct {
	Source string            `json:"source"` // file path, or "defaults"
	Valid  bool              `json:"valid"`  // true if no errors (warnings OK)
	Issues []ValidationIssue `json:"issues"`
}

// Errors returns only the error-severity issues.
func (r *ValidationResult) Errors() []ValidationIssue {
	var out []ValidationIssue
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			out = append(out, i)
		}
	}
	return out
}

// Error renders the result as a single error value, nil when valid.
func (r *ValidationResult) Error() error {
	errs := r.Errors()
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = fmt.Sprintf("%s: %s", e.Location, e.Message)
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

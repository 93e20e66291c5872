package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables recognized by ApplyEnv. Table overrides follow
// the pattern CITADEL_TABLE_<NAME> with the YAML key upper-cased.
const (
	// EnvRegion overrides aws.region.
	EnvRegion = "CITADEL_AWS_REGION"
	// EnvTablePrefix prefixes per-table override variables.
	EnvTablePrefix = "CITADEL_TABLE_"
)

// Load reads a YAML configuration file, layers it over the defaults,
// applies environment overrides, and validates the result. A missing
// path returns the defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := decodeStrict(content, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.Getenv)

	result := cfg.Validate(path)
	if err := result.Error(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML content over the defaults without touching the
// environment. Unknown keys are rejected.
func Parse(content []byte) (*Config, error) {
	cfg := Default()
	if err := decodeStrict(content, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeStrict decodes YAML with unknown keys rejected.
func decodeStrict(content []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty file: run on defaults.
			return nil
		}
		return err
	}
	return nil
}

// ApplyEnv overrides the region and table names from the environment.
// getenv is injected so tests do not mutate the process environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvRegion); v != "" {
		c.AWS.Region = v
	}
	for name, dst := range map[string]*string{
		"PRINCIPALS":         &c.AWS.Tables.Principals,
		"SEGMENTS":           &c.AWS.Tables.Segments,
		"POLICIES":           &c.AWS.Tables.Policies,
		"OUTCOMES":           &c.AWS.Tables.Outcomes,
		"ADJUSTMENTS":        &c.AWS.Tables.Adjustments,
		"REQUESTS":           &c.AWS.Tables.Requests,
		"DEVICES":            &c.AWS.Tables.Devices,
		"SESSIONS":           &c.AWS.Tables.Sessions,
		"GRANTS":             &c.AWS.Tables.Grants,
		"PREDICTIONS":        &c.AWS.Tables.Predictions,
		"HISTORIES":          &c.AWS.Tables.Histories,
		"BASELINES":          &c.AWS.Tables.Baselines,
		"AUDIT":              &c.AWS.Tables.Audit,
		"EMERGENCY_REQUESTS": &c.AWS.Tables.EmergencyRequests,
		"EMERGENCY_SESSIONS": &c.AWS.Tables.EmergencySessions,
		"EMERGENCY_REPORTS":  &c.AWS.Tables.EmergencyReports,
	} {
		if v := getenv(EnvTablePrefix + name); v != "" {
			*dst = v
		}
	}
}

// Validate checks every knob's range and cross-field ordering. Warnings
// do not block loading.
func (c *Config) Validate(source string) ValidationResult {
	if source == "" {
		source = "defaults"
	}
	result := ValidationResult{Source: source, Valid: true, Issues: []ValidationIssue{}}

	addError := func(location, message, suggestion string) {
		result.Valid = false
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityError, Location: location, Message: message, Suggestion: suggestion,
		})
	}
	addWarning := func(location, message, suggestion string) {
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityWarning, Location: location, Message: message, Suggestion: suggestion,
		})
	}

	checkPercent := func(location string, v float64) {
		if v < 0 || v > 100 {
			addError(location, fmt.Sprintf("must be in [0,100], got %g", v), "use a confidence or risk value between 0 and 100")
		}
	}
	checkFraction := func(location string, v float64) {
		if v < 0 || v > 1 {
			addError(location, fmt.Sprintf("must be in [0,1], got %g", v), "use a fraction between 0 and 1")
		}
	}
	checkPositive := func(location string, v int) {
		if v <= 0 {
			addError(location, fmt.Sprintf("must be positive, got %d", v), "use a value greater than zero")
		}
	}

	checkPercent("decision.auto_approve_threshold", c.Decision.AutoApproveThreshold)
	checkPercent("decision.step_up_threshold", c.Decision.StepUpThreshold)
	if c.Decision.StepUpThreshold >= c.Decision.AutoApproveThreshold {
		addError("decision.step_up_threshold",
			"step-up threshold must be below the auto-approve threshold",
			"keep a band between step-up and auto-approve so MFA grants exist")
	}

	checkPositive("continuous_auth.interval_seconds", c.ContinuousAuth.IntervalSeconds)
	checkPositive("continuous_auth.high_risk_interval_seconds", c.ContinuousAuth.HighRiskIntervalSeconds)
	if c.ContinuousAuth.HighRiskIntervalSeconds > c.ContinuousAuth.IntervalSeconds {
		addError("continuous_auth.high_risk_interval_seconds",
			"high-risk interval must not exceed the normal interval",
			"high-risk sessions are evaluated more often, not less")
	}
	checkPercent("continuous_auth.terminate_threshold", c.ContinuousAuth.TerminateThreshold)
	checkPercent("continuous_auth.mfa_threshold", c.ContinuousAuth.MFAThreshold)
	if c.ContinuousAuth.MFAThreshold >= c.ContinuousAuth.TerminateThreshold {
		addError("continuous_auth.mfa_threshold",
			"MFA threshold must be below the terminate threshold",
			"keep a band where sessions can recover through MFA")
	}

	checkPositive("device.max_active_per_user", c.Device.MaxActivePerUser)
	checkPercent("device.similarity_threshold", c.Device.SimilarityThreshold)
	checkPositive("device.expire_days", c.Device.ExpireDays)
	if c.Device.SimilarityThreshold < 70 {
		addWarning("device.similarity_threshold",
			fmt.Sprintf("threshold %g accepts weak fingerprint matches", c.Device.SimilarityThreshold),
			"values below 70 admit devices that barely resemble the enrolled one")
	}

	checkPositive("jit.min_justification_chars", c.JIT.MinJustificationChars)
	checkPositive("jit.max_duration_hours", c.JIT.MaxDurationHours)
	if c.JIT.MaxDurationHours > 24 {
		addWarning("jit.max_duration_hours",
			fmt.Sprintf("%d hours exceeds one day", c.JIT.MaxDurationHours),
			"long elevations defeat the point of just-in-time access")
	}

	checkPositive("break_glass.approval_timeout_minutes", c.BreakGlass.ApprovalTimeoutMinutes)
	checkPositive("break_glass.max_session_hours", c.BreakGlass.MaxSessionHours)

	checkFraction("threat.prediction_confidence_threshold", c.Threat.PredictionConfidenceThreshold)
	checkFraction("threat.alert_threshold", c.Threat.AlertThreshold)
	if c.Threat.AlertThreshold < c.Threat.PredictionConfidenceThreshold {
		addWarning("threat.alert_threshold",
			"alert threshold below the prediction threshold pages on every prediction",
			"set alert_threshold at or above prediction_confidence_threshold")
	}

	checkPositive("adaptive.window_days", c.Adaptive.WindowDays)
	checkPositive("adaptive.min_samples", c.Adaptive.MinSamples)
	checkPositive("behavior.min_baseline_sessions", c.Behavior.MinBaselineSessions)
	checkPositive("ratelimit.access_per_hour", c.RateLimit.AccessPerHour)
	checkPositive("ratelimit.auth_per_minute", c.RateLimit.AuthPerMinute)

	if c.AWS.Region == "" {
		addError("aws.region", "region is required", "set aws.region or "+EnvRegion)
	}
	for location, name := range map[string]string{
		"aws.tables.principals":         c.AWS.Tables.Principals,
		"aws.tables.segments":           c.AWS.Tables.Segments,
		"aws.tables.policies":           c.AWS.Tables.Policies,
		"aws.tables.outcomes":           c.AWS.Tables.Outcomes,
		"aws.tables.adjustments":        c.AWS.Tables.Adjustments,
		"aws.tables.requests":           c.AWS.Tables.Requests,
		"aws.tables.devices":            c.AWS.Tables.Devices,
		"aws.tables.sessions":           c.AWS.Tables.Sessions,
		"aws.tables.grants":             c.AWS.Tables.Grants,
		"aws.tables.predictions":        c.AWS.Tables.Predictions,
		"aws.tables.histories":          c.AWS.Tables.Histories,
		"aws.tables.baselines":          c.AWS.Tables.Baselines,
		"aws.tables.audit":              c.AWS.Tables.Audit,
		"aws.tables.emergency_requests": c.AWS.Tables.EmergencyRequests,
		"aws.tables.emergency_sessions": c.AWS.Tables.EmergencySessions,
		"aws.tables.emergency_reports":  c.AWS.Tables.EmergencyReports,
	} {
		if name == "" {
			addError(location, "table name is required", "set the table name or its CITADEL_TABLE_ override")
		}
	}

	return result
}

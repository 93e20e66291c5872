package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	result := Default().Validate("")
	if !result.Valid {
		t.Fatalf("default config invalid: %+v", result.Issues)
	}
	if result.Source != "defaults" {
		t.Errorf("Source = %q, want %q", result.Source, "defaults")
	}
}

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
decision:
  auto_approve_threshold: 95
  step_up_threshold: 60
jit:
  min_justification_chars: 100
`))
	if err != nil {
		t.Fatalf("Parse() = %v", err)
	}
	if cfg.Decision.AutoApproveThreshold != 95 {
		t.Errorf("AutoApproveThreshold = %v, want 95", cfg.Decision.AutoApproveThreshold)
	}
	if cfg.JIT.MinJustificationChars != 100 {
		t.Errorf("MinJustificationChars = %v, want 100", cfg.JIT.MinJustificationChars)
	}
	// Untouched sections keep their defaults.
	if cfg.ContinuousAuth.IntervalSeconds != 300 {
		t.Errorf("IntervalSeconds = %v, want 300", cfg.ContinuousAuth.IntervalSeconds)
	}
	if cfg.AWS.Tables.Principals != "citadel-principals" {
		t.Errorf("Tables.Principals = %q", cfg.AWS.Tables.Principals)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte(`
decision:
  auto_aprove_threshold: 95
`))
	if err == nil {
		t.Fatal("Parse() = nil, want unknown-key error")
	}
}

func TestParseEmptyContent(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse() = %v", err)
	}
	if cfg.Decision.AutoApproveThreshold != 90 {
		t.Errorf("empty content did not yield defaults")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		EnvRegion:                             "eu-west-1",
		EnvTablePrefix + "DEVICES":            "prod-devices",
		EnvTablePrefix + "AUDIT":              "prod-audit",
		EnvTablePrefix + "EMERGENCY_REQUESTS": "prod-er",
	}
	cfg.ApplyEnv(func(k string) string { return env[k] })

	if cfg.AWS.Region != "eu-west-1" {
		t.Errorf("Region = %q, want eu-west-1", cfg.AWS.Region)
	}
	if cfg.AWS.Tables.Devices != "prod-devices" {
		t.Errorf("Tables.Devices = %q, want prod-devices", cfg.AWS.Tables.Devices)
	}
	if cfg.AWS.Tables.Audit != "prod-audit" {
		t.Errorf("Tables.Audit = %q, want prod-audit", cfg.AWS.Tables.Audit)
	}
	if cfg.AWS.Tables.EmergencyRequests != "prod-er" {
		t.Errorf("Tables.EmergencyRequests = %q, want prod-er", cfg.AWS.Tables.EmergencyRequests)
	}
	// Untouched names stay at their configured values.
	if cfg.AWS.Tables.Sessions != "citadel-sessions" {
		t.Errorf("Tables.Sessions = %q", cfg.AWS.Tables.Sessions)
	}
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		location string
	}{
		{
			"auto approve out of range",
			func(c *Config) { c.Decision.AutoApproveThreshold = 120 },
			"decision.auto_approve_threshold",
		},
		{
			"step up above auto approve",
			func(c *Config) { c.Decision.StepUpThreshold = 95 },
			"decision.step_up_threshold",
		},
		{
			"high risk interval above normal",
			func(c *Config) { c.ContinuousAuth.HighRiskIntervalSeconds = 600 },
			"continuous_auth.high_risk_interval_seconds",
		},
		{
			"mfa above terminate",
			func(c *Config) { c.ContinuousAuth.MFAThreshold = 90 },
			"continuous_auth.mfa_threshold",
		},
		{
			"threat threshold not a fraction",
			func(c *Config) { c.Threat.AlertThreshold = 80 },
			"threat.alert_threshold",
		},
		{
			"zero samples",
			func(c *Config) { c.Adaptive.MinSamples = 0 },
			"adaptive.min_samples",
		},
		{
			"missing region",
			func(c *Config) { c.AWS.Region = "" },
			"aws.region",
		},
		{
			"missing table",
			func(c *Config) { c.AWS.Tables.Predictions = "" },
			"aws.tables.predictions",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			result := cfg.Validate("test")
			if result.Valid {
				t.Fatal("Validate() = valid, want error")
			}
			found := false
			for _, issue := range result.Errors() {
				if issue.Location == tt.location {
					found = true
				}
			}
			if !found {
				t.Errorf("no error at %s, issues: %+v", tt.location, result.Issues)
			}
		})
	}
}

func TestValidateWarningsDoNotBlock(t *testing.T) {
	cfg := Default()
	cfg.Device.SimilarityThreshold = 60
	cfg.JIT.MaxDurationHours = 48

	result := cfg.Validate("test")
	if !result.Valid {
		t.Fatalf("warnings blocked validation: %+v", result.Issues)
	}
	if len(result.Issues) != 2 {
		t.Errorf("issues = %d, want 2 warnings", len(result.Issues))
	}
	if len(result.Errors()) != 0 {
		t.Errorf("Errors() = %+v, want none", result.Errors())
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "citadel.yaml")
	content := []byte(`
device:
  max_active_per_user: 5
aws:
  region: ap-southeast-2
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Device.MaxActivePerUser != 5 {
		t.Errorf("MaxActivePerUser = %v, want 5", cfg.Device.MaxActivePerUser)
	}
	if cfg.AWS.Region != "ap-southeast-2" {
		t.Errorf("Region = %q, want ap-southeast-2", cfg.AWS.Region)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "citadel.yaml")
	content := []byte(`
decision:
  auto_approve_threshold: 40
  step_up_threshold: 50
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() = nil, want validation error")
	}
	if !strings.Contains(err.Error(), "decision.step_up_threshold") {
		t.Errorf("error %v does not name the offending field", err)
	}
}

func TestLoadMissingPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") = %v", err)
	}
	if cfg.Adaptive.WindowDays != 30 {
		t.Errorf("WindowDays = %v, want 30", cfg.Adaptive.WindowDays)
	}
}

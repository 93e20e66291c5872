package config

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// TemplateID identifies a pre-built configuration template.
type TemplateID string

const (
	// TemplateMinimal is the deployment section only; every knob runs
	// on its default.
	TemplateMinimal TemplateID = "minimal"
	// TemplateStandard is the full configuration at documented defaults.
	TemplateStandard TemplateID = "standard"
	// TemplateHardened tightens thresholds for high-security deployments.
	TemplateHardened TemplateID = "hardened"
)

// IsValid returns true if the TemplateID is a known value.
func (t TemplateID) IsValid() bool {
	switch t {
	case TemplateMinimal, TemplateStandard, TemplateHardened:
		return true
	}
	return false
}

// String returns the string representation of the TemplateID.
func (t TemplateID) String() string {
	return string(t)
}

// AllTemplateIDs returns all valid template ID values.
func AllTemplateIDs() []TemplateID {
	return []TemplateID{TemplateMinimal, TemplateStandard, TemplateHardened}
}

// Template describes a pre-built configuration template.
type Template struct {
	ID          TemplateID
	Name        string
	Description string
}

var templateRegistry = map[TemplateID]Template{
	TemplateMinimal: {
		ID:          TemplateMinimal,
		Name:        "Minimal Deployment",
		Description: "Region and table names only; all thresholds at defaults",
	},
	TemplateStandard: {
		ID:          TemplateStandard,
		Name:        "Standard Deployment",
		Description: "Every knob spelled out at its documented default",
	},
	TemplateHardened: {
		ID:          TemplateHardened,
		Name:        "Hardened Deployment",
		Description: "Tightened thresholds for high-security environments",
	},
}

// GetTemplate returns metadata for a template ID.
func GetTemplate(id TemplateID) (Template, error) {
	t, ok := templateRegistry[id]
	if !ok {
		return Template{}, fmt.Errorf("unknown template: %s", id)
	}
	return t, nil
}

// Render produces starter YAML for the given template. The output
// round-trips through Parse.
func Render(id TemplateID) ([]byte, error) {
	t, err := GetTemplate(id)
	if err != nil {
		return nil, err
	}

	var cfg any
	switch id {
	case TemplateMinimal:
		cfg = struct {
			AWS AWS `yaml:"aws"`
		}{AWS: Default().AWS}
	case TemplateStandard:
		cfg = Default()
	case TemplateHardened:
		cfg = hardened()
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# Citadel configuration: %s\n# %s\n", t.Name, t.Description)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("rendering template %s: %w", id, err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// hardened is the standard config with every threshold moved toward
// caution.
func hardened() *Config {
	cfg := Default()
	cfg.Decision.AutoApproveThreshold = 95
	cfg.Decision.StepUpThreshold = 60
	cfg.ContinuousAuth.TerminateThreshold = 80
	cfg.ContinuousAuth.MFAThreshold = 65
	cfg.ContinuousAuth.HighRiskIntervalSeconds = 30
	cfg.Device.MaxActivePerUser = 2
	cfg.Device.SimilarityThreshold = 90
	cfg.Device.ExpireDays = 30
	cfg.JIT.MinJustificationChars = 100
	cfg.JIT.MaxDurationHours = 8
	cfg.Threat.PredictionConfidenceThreshold = 0.60
	cfg.Threat.AlertThreshold = 0.70
	return cfg
}

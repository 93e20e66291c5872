// Package threat turns recent audit history into threat predictions.
//
// A detector extracts a per-principal feature vector from the audit
// chain, applies threshold rules to produce indicators, and scores the
// result. Predictions above the surface threshold are persisted and
// returned; predictions above the alert threshold additionally notify
// administrators. Analysts later resolve predictions as confirmed,
// false positive, or prevented, which feeds the accuracy measure.
package threat

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// Severity grades a single indicator.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// IsValid reports whether the severity is a known grade.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

func (s Severity) String() string {
	return string(s)
}

// Weight is the severity's contribution to the threat score.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	}
	return 0
}

// ThreatType classifies what a prediction is warning about.
type ThreatType string

const (
	ThreatBruteForce          ThreatType = "brute_force"
	ThreatPrivilegeEscalation ThreatType = "privilege_escalation"
	ThreatAccountCompromise   ThreatType = "account_compromise"
	ThreatAutomatedAttack     ThreatType = "automated_attack"
	ThreatSuspiciousActivity  ThreatType = "suspicious_activity"
	// ThreatCoordinatedAttack is raised by the response layer when the
	// same resource category is hammered by several principals at once.
	ThreatCoordinatedAttack ThreatType = "coordinated_attack"
)

// IsValid reports whether the threat type is known.
func (t ThreatType) IsValid() bool {
	switch t {
	case ThreatBruteForce, ThreatPrivilegeEscalation, ThreatAccountCompromise,
		ThreatAutomatedAttack, ThreatSuspiciousActivity, ThreatCoordinatedAttack:
		return true
	}
	return false
}

func (t ThreatType) String() string {
	return string(t)
}

// PredictionStatus tracks the analyst lifecycle of a prediction.
//
// Every prediction starts pending. Analysts resolve it to confirmed
// (the threat was real), false_positive (it was not), or prevented
// (real, but automated response stopped it). Resolved states are
// terminal.
type PredictionStatus string

const (
	StatusPending       PredictionStatus = "pending"
	StatusConfirmed     PredictionStatus = "confirmed"
	StatusFalsePositive PredictionStatus = "false_positive"
	StatusPrevented     PredictionStatus = "prevented"
)

// IsValid reports whether the status is a known lifecycle state.
func (s PredictionStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusFalsePositive, StatusPrevented:
		return true
	}
	return false
}

func (s PredictionStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the status permits no further transitions.
func (s PredictionStatus) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusFalsePositive, StatusPrevented:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle permits moving from s
// to next.
func (s PredictionStatus) CanTransitionTo(next PredictionStatus) bool {
	if s != StatusPending {
		return false
	}
	switch next {
	case StatusConfirmed, StatusFalsePositive, StatusPrevented:
		return true
	}
	return false
}

// Feature names used by indicators and the per-feature breakdown.
const (
	FeatureFailedLogins    = "failed_logins"
	FeatureUnusualHours    = "unusual_hours"
	FeatureScopeDeviation  = "scope_deviation"
	FeatureFrequencyChange = "frequency_change"
	FeatureGeoAnomaly      = "geo_anomaly"
	FeatureDistinctDevices = "distinct_devices"
	FeatureDenialRatio     = "denial_ratio"
	// FeatureRecordIntegrity flags a stored record that failed
	// decryption or hash verification.
	FeatureRecordIntegrity = "record_integrity"
)

// FeatureVector summarizes one principal's last 24 hours of activity.
//
// Ratios are in [0, 1] over the 24-hour event set. FrequencyChange is
// the 24-hour event count divided by the principal's mean daily count
// over the preceding seven days.
type FeatureVector struct {
	PrincipalID     string    `json:"principal_id"`
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
	EventCount      int       `json:"event_count"`
	FailedLogins    int       `json:"failed_logins"`
	UnusualHours    float64   `json:"unusual_hours"`
	ScopeDeviation  float64   `json:"scope_deviation"`
	FrequencyChange float64   `json:"frequency_change"`
	GeoAnomaly      float64   `json:"geo_anomaly"`
	DistinctDevices int       `json:"distinct_devices"`
	DenialRatio     float64   `json:"denial_ratio"`
}

// Indicator is one triggered threshold rule.
type Indicator struct {
	Feature   string   `json:"feature"`
	Severity  Severity `json:"severity"`
	Value     float64  `json:"value"`
	Threshold float64  `json:"threshold"`
}

// Prediction is a persisted threat assessment for one principal.
// CreatedAt is when the prediction was made; OutcomeAt is set when an
// analyst resolves it.
type Prediction struct {
	ID                 string           `json:"id"`
	PrincipalID        string           `json:"principal_id"`
	Type               ThreatType       `json:"type"`
	Score              float64          `json:"score"`
	Confidence         float64          `json:"confidence"`
	Indicators         []Indicator      `json:"indicators"`
	PreventiveMeasures []string         `json:"preventive_measures,omitempty"`
	Status             PredictionStatus `json:"status"`
	OutcomeAt          time.Time        `json:"outcome_at,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

var predictionIDPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

// NewPredictionID returns a 16 character lowercase hex identifier.
func NewPredictionID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(b)
}

// ValidPredictionID reports whether id is a well-formed prediction ID.
func ValidPredictionID(id string) bool {
	return predictionIDPattern.MatchString(id)
}

// Validate checks structural invariants before persistence.
func (p *Prediction) Validate() error {
	if !ValidPredictionID(p.ID) {
		return fmt.Errorf("invalid prediction ID %q", p.ID)
	}
	if p.PrincipalID == "" {
		return fmt.Errorf("prediction %s: principal ID is required", p.ID)
	}
	if !p.Type.IsValid() {
		return fmt.Errorf("prediction %s: invalid threat type %q", p.ID, p.Type)
	}
	if !p.Status.IsValid() {
		return fmt.Errorf("prediction %s: invalid status %q", p.ID, p.Status)
	}
	if p.Score < 0 {
		return fmt.Errorf("prediction %s: score must not be negative", p.ID)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("prediction %s: confidence must be within [0, 1]", p.ID)
	}
	for i := range p.Indicators {
		if !p.Indicators[i].Severity.IsValid() {
			return fmt.Errorf("prediction %s: indicator %d: invalid severity %q", p.ID, i, p.Indicators[i].Severity)
		}
		if p.Indicators[i].Feature == "" {
			return fmt.Errorf("prediction %s: indicator %d: feature is required", p.ID, i)
		}
	}
	if p.CreatedAt.IsZero() {
		return fmt.Errorf("prediction %s: created_at is required", p.ID)
	}
	return nil
}

// Clone returns an independent copy of the prediction.
func (p *Prediction) Clone() *Prediction {
	out := *p
	if p.Indicators != nil {
		out.Indicators = make([]Indicator, len(p.Indicators))
		copy(out.Indicators, p.Indicators)
	}
	if p.PreventiveMeasures != nil {
		out.PreventiveMeasures = make([]string, len(p.PreventiveMeasures))
		copy(out.PreventiveMeasures, p.PreventiveMeasures)
	}
	return &out
}

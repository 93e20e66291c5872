// Package behavior maintains per-principal behavioral baselines and
// scores how far a session's measurements deviate from them. A baseline
// is a set of rolling means and variances over five features: keystroke
// inter-arrival time, mouse path velocity, navigation-pattern entropy,
// request rate, and session duration. Baselines are established after a
// minimum number of sessions; until then analysis reports NO_BASELINE
// and consumers substitute a neutral score.
package behavior

import (
	"math"
	"time"
)

// MinBaselineSessions is the default number of learned sessions before a
// baseline is considered established.
const MinBaselineSessions = 5

// AnomalousThreshold is the deviation score above which a sample is
// flagged anomalous.
const AnomalousThreshold = 70.0

// NeutralScore is what consumers substitute when no baseline exists.
const NeutralScore = 50.0

// CodeNoBaseline marks analyses performed without an established baseline.
const CodeNoBaseline = "NO_BASELINE"

// epsilon floors the standard deviation so a zero-variance feature cannot
// divide by zero; a tight baseline makes any drift saturate the feature.
const epsilon = 1e-6

// Feature weights for the deviation score. They sum to 1.
const (
	weightKeystroke   = 0.25
	weightMouse       = 0.20
	weightNavigation  = 0.20
	weightRequestRate = 0.20
	weightDuration    = 0.15
)

// Feature names used in analysis breakdowns.
const (
	FeatureKeystroke   = "keystroke_interval"
	FeatureMouse       = "mouse_velocity"
	FeatureNavigation  = "navigation_entropy"
	FeatureRequestRate = "request_rate"
	FeatureDuration    = "session_duration"
)

// Sample is one session's behavioral measurements.
type Sample struct {
	// KeystrokeIntervalMs is the mean inter-keystroke interval.
	KeystrokeIntervalMs float64 `json:"keystroke_interval_ms"`

	// MouseVelocity is the mean mouse path velocity in px/s.
	MouseVelocity float64 `json:"mouse_velocity"`

	// NavigationEntropy is the Shannon entropy of the session's
	// navigation trigrams (see NavigationEntropy).
	NavigationEntropy float64 `json:"navigation_entropy"`

	// RequestRate is the mean requests per minute.
	RequestRate float64 `json:"request_rate"`

	// SessionDurationMin is the session length in minutes.
	SessionDurationMin float64 `json:"session_duration_min"`
}

// FeatureStats carries a rolling mean and squared-deviation accumulator
// for one feature (Welford's algorithm; the baseline holds the shared
// observation count).
type FeatureStats struct {
	Mean float64 `json:"mean"`
	M2   float64 `json:"m2"`
}

// update folds one observation in. n is the observation count including
// this one.
func (f *FeatureStats) update(x float64, n int) {
	delta := x - f.Mean
	f.Mean += delta / float64(n)
	f.M2 += delta * (x - f.Mean)
}

// Variance returns the population variance for n observations.
func (f *FeatureStats) Variance(n int) float64 {
	if n < 2 {
		return 0
	}
	return f.M2 / float64(n)
}

// StdDev returns the population standard deviation for n observations.
func (f *FeatureStats) StdDev(n int) float64 {
	return math.Sqrt(f.Variance(n))
}

// Baseline is a principal's established behavioral profile.
type Baseline struct {
	PrincipalID  string       `json:"principal_id"`
	Keystroke    FeatureStats `json:"keystroke"`
	Mouse        FeatureStats `json:"mouse"`
	Navigation   FeatureStats `json:"navigation"`
	RequestRate  FeatureStats `json:"request_rate"`
	Duration     FeatureStats `json:"duration"`
	SessionCount int          `json:"session_count"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// NewBaseline creates an empty baseline for the principal.
func NewBaseline(principalID string) *Baseline {
	return &Baseline{PrincipalID: principalID}
}

// Learn folds one session's sample into the rolling statistics.
func (b *Baseline) Learn(sample Sample, at time.Time) {
	b.SessionCount++
	n := b.SessionCount
	b.Keystroke.update(sample.KeystrokeIntervalMs, n)
	b.Mouse.update(sample.MouseVelocity, n)
	b.Navigation.update(sample.NavigationEntropy, n)
	b.RequestRate.update(sample.RequestRate, n)
	b.Duration.update(sample.SessionDurationMin, n)
	b.UpdatedAt = at
}

// Established reports whether the baseline has learned at least
// minSessions sessions. minSessions <= 0 uses MinBaselineSessions.
func (b *Baseline) Established(minSessions int) bool {
	if minSessions <= 0 {
		minSessions = MinBaselineSessions
	}
	return b.SessionCount >= minSessions
}

// Clone returns a copy of the baseline.
func (b *Baseline) Clone() *Baseline {
	out := *b
	return &out
}

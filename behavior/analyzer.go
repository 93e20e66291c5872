package behavior

import (
	"context"
	stderrors "errors"
	"math"
	"strings"
	"time"
)

// Analysis is the outcome of scoring one sample against a baseline.
type Analysis struct {
	// DeviationScore is 100 · min(1, Σ w·|x−μ|/max(σ,ε)), in [0,100].
	DeviationScore float64 `json:"deviation_score"`

	// IsAnomalous is true when DeviationScore > AnomalousThreshold.
	IsAnomalous bool `json:"is_anomalous"`

	// HasBaseline is false when the principal's baseline is not yet
	// established; DeviationScore is then NeutralScore and Code is
	// CodeNoBaseline.
	HasBaseline bool `json:"has_baseline"`

	// Code is CodeNoBaseline for unestablished baselines, empty otherwise.
	Code string `json:"code,omitempty"`

	// FeatureDeviations breaks the score down per feature: each entry is
	// the normalized |x−μ|/max(σ,ε) before weighting, capped at 1.
	FeatureDeviations map[string]float64 `json:"feature_deviations,omitempty"`
}

// Analyzer scores samples against stored baselines.
type Analyzer struct {
	baselines   BaselineStore
	minSessions int
	clock       func() time.Time
}

// NewAnalyzer creates an analyzer over the given store. minSessions <= 0
// uses MinBaselineSessions.
func NewAnalyzer(baselines BaselineStore, minSessions int) *Analyzer {
	if minSessions <= 0 {
		minSessions = MinBaselineSessions
	}
	return &Analyzer{
		baselines:   baselines,
		minSessions: minSessions,
		clock:       time.Now,
	}
}

// Analyze scores the sample against the principal's baseline. A missing
// or unestablished baseline yields the neutral analysis, not an error.
func (a *Analyzer) Analyze(ctx context.Context, principalID string, sample Sample) (*Analysis, error) {
	baseline, err := a.baselines.Get(ctx, principalID)
	if err != nil {
		if !stderrors.Is(err, ErrBaselineNotFound) {
			return nil, err
		}
		baseline = nil
	}

	if baseline == nil || !baseline.Established(a.minSessions) {
		return &Analysis{
			DeviationScore: NeutralScore,
			IsAnomalous:    false,
			HasBaseline:    false,
			Code:           CodeNoBaseline,
		}, nil
	}

	return Score(baseline, sample), nil
}

// Learn folds a completed session's sample into the principal's baseline,
// creating it on first use.
func (a *Analyzer) Learn(ctx context.Context, principalID string, sample Sample) error {
	baseline, err := a.baselines.Get(ctx, principalID)
	if err != nil {
		if !stderrors.Is(err, ErrBaselineNotFound) {
			return err
		}
		baseline = NewBaseline(principalID)
	}

	baseline.Learn(sample, a.clock())
	return a.baselines.Put(ctx, baseline)
}

// Score computes the weighted deviation of the sample from an established
// baseline. Exported for replay against snapshotted baselines.
func Score(baseline *Baseline, sample Sample) *Analysis {
	n := baseline.SessionCount

	devs := map[string]float64{
		FeatureKeystroke:   normalizedDeviation(sample.KeystrokeIntervalMs, baseline.Keystroke, n),
		FeatureMouse:       normalizedDeviation(sample.MouseVelocity, baseline.Mouse, n),
		FeatureNavigation:  normalizedDeviation(sample.NavigationEntropy, baseline.Navigation, n),
		FeatureRequestRate: normalizedDeviation(sample.RequestRate, baseline.RequestRate, n),
		FeatureDuration:    normalizedDeviation(sample.SessionDurationMin, baseline.Duration, n),
	}

	weighted := devs[FeatureKeystroke]*weightKeystroke +
		devs[FeatureMouse]*weightMouse +
		devs[FeatureNavigation]*weightNavigation +
		devs[FeatureRequestRate]*weightRequestRate +
		devs[FeatureDuration]*weightDuration

	score := 100 * math.Min(1, weighted)

	return &Analysis{
		DeviationScore:    score,
		IsAnomalous:       score > AnomalousThreshold,
		HasBaseline:       true,
		FeatureDeviations: devs,
	}
}

// normalizedDeviation is |x−μ|/max(σ,ε), capped at 1 so one runaway
// feature cannot dominate beyond its weight.
func normalizedDeviation(x float64, stats FeatureStats, n int) float64 {
	sigma := stats.StdDev(n)
	if sigma < epsilon {
		sigma = epsilon
	}
	d := math.Abs(x-stats.Mean) / sigma
	return math.Min(1, d)
}

// NavigationEntropy computes the Shannon entropy of the trigram
// distribution over a navigation path. Paths shorter than one trigram
// have zero entropy. The value feeds Sample.NavigationEntropy.
func NavigationEntropy(pages []string) float64 {
	if len(pages) < 3 {
		return 0
	}
	counts := make(map[string]int)
	total := 0
	for i := 0; i+3 <= len(pages); i++ {
		gram := strings.Join(pages[i:i+3], ">")
		counts[gram]++
		total++
	}
	entropy := 0.0
	for _, c := range counts {
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

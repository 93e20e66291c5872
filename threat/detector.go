package threat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/citadelzt/citadel/audit"
	"github.com/citadelzt/citadel/eventbus"
	"github.com/citadelzt/citadel/notification"
)

const (
	// SurfaceThreshold is the minimum confidence for a prediction to be
	// persisted and returned at all.
	SurfaceThreshold = 0.70
	// AlertThreshold is the confidence at which administrators are
	// notified in addition to the prediction being surfaced.
	AlertThreshold = 0.80
)

// Indicator thresholds. Values at or beyond these trip the rule.
const (
	FailedLoginsHigh   = 10
	FailedLoginsMedium = 5
	UnusualHoursMax    = 0.30
	ScopeDeviationMax  = 0.40
	FrequencyChangeMax = 2.0
	GeoAnomalyMax      = 0.30
	DistinctDevicesMax = 3
	DenialRatioMax     = 0.50
)

// ErrInvalidTransition is returned when a prediction resolution is not
// permitted by the lifecycle.
var ErrInvalidTransition = errors.New("invalid prediction status transition")

// Detector scores principals against the indicator rules and manages
// the prediction lifecycle.
type Detector struct {
	extractor  *Extractor
	store      Store
	dispatcher *notification.Dispatcher
	bus        *eventbus.Bus
	clock      func() time.Time
}

// NewDetector wires a detector over the audit chain and prediction
// store. dispatcher and bus may be nil; alerting and event publication
// are then skipped.
func NewDetector(chain audit.Log, store Store, dispatcher *notification.Dispatcher, bus *eventbus.Bus) *Detector {
	return &Detector{
		extractor:  NewExtractor(chain),
		store:      store,
		dispatcher: dispatcher,
		bus:        bus,
		clock:      time.Now,
	}
}

// Assess extracts the principal's feature vector, applies the indicator
// rules, and returns a persisted prediction when confidence reaches the
// surface threshold. It returns (nil, nil) when the principal's recent
// activity does not warrant a prediction.
func (d *Detector) Assess(ctx context.Context, principalID string) (*Prediction, error) {
	fv, err := d.extractor.Extract(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return d.assess(ctx, principalID, fv)
}

// AssessVector scores a pre-built feature vector. Used by the response
// layer, which constructs vectors from its own sliding windows.
func (d *Detector) AssessVector(ctx context.Context, principalID string, fv *FeatureVector) (*Prediction, error) {
	return d.assess(ctx, principalID, fv)
}

func (d *Detector) assess(ctx context.Context, principalID string, fv *FeatureVector) (*Prediction, error) {
	indicators := EvaluateIndicators(fv)
	if len(indicators) == 0 {
		return nil, nil
	}

	score := 0.0
	for _, in := range indicators {
		score += in.Severity.Weight()
	}
	confidence := score / (SeverityHigh.Weight() * float64(len(indicators)))
	if confidence < SurfaceThreshold {
		return nil, nil
	}

	now := d.clock()
	threatType := Classify(indicators)
	pred := &Prediction{
		ID:                 NewPredictionID(),
		PrincipalID:        principalID,
		Type:               threatType,
		Score:              score,
		Confidence:         confidence,
		Indicators:         indicators,
		PreventiveMeasures: PreventiveMeasures(threatType),
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := d.store.Create(ctx, pred); err != nil {
		return nil, fmt.Errorf("persisting prediction: %w", err)
	}

	if d.bus != nil {
		d.bus.Publish(eventbus.TopicThreatPredicted, principalID, map[string]any{
			"prediction_id": pred.ID,
			"type":          string(pred.Type),
			"confidence":    pred.Confidence,
			"indicators":    len(pred.Indicators),
		})
	}
	if d.dispatcher != nil && confidence >= AlertThreshold {
		d.dispatcher.AdminBroadcast(notification.EventThreatPredicted,
			fmt.Sprintf("Threat predicted: %s", pred.Type),
			fmt.Sprintf("Principal %s scored %.2f confidence across %d indicators.",
				principalID, confidence, len(indicators)),
			notification.PriorityCritical,
			map[string]string{
				"prediction_id": pred.ID,
				"principal_id":  principalID,
				"type":          string(pred.Type),
			})
	}
	return pred, nil
}

// Resolve moves a pending prediction to a terminal status and records
// the outcome time.
func (d *Detector) Resolve(ctx context.Context, id string, status PredictionStatus) (*Prediction, error) {
	pred, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !pred.Status.CanTransitionTo(status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, pred.Status, status)
	}
	pred.Status = status
	pred.OutcomeAt = d.clock()
	if err := d.store.Update(ctx, pred); err != nil {
		return nil, err
	}
	return pred, nil
}

// Accuracy reports the share of predictions since the given time that
// were resolved as confirmed or prevented, over all predictions in the
// window including pending ones. It returns 0 when the window is empty.
func (d *Detector) Accuracy(ctx context.Context, since time.Time) (float64, error) {
	preds, err := d.store.ListSince(ctx, since, MaxQueryLimit)
	if err != nil {
		return 0, err
	}
	if len(preds) == 0 {
		return 0, nil
	}
	hits := 0
	for _, p := range preds {
		if p.Status == StatusConfirmed || p.Status == StatusPrevented {
			hits++
		}
	}
	return float64(hits) / float64(len(preds)), nil
}

// EvaluateIndicators applies the threshold rules to a feature vector.
// Indicators come back in a stable order: failed logins, unusual hours,
// scope deviation, frequency change, geographic anomalies, distinct
// devices, denial ratio.
func EvaluateIndicators(fv *FeatureVector) []Indicator {
	var out []Indicator

	switch {
	case fv.FailedLogins >= FailedLoginsHigh:
		out = append(out, Indicator{
			Feature: FeatureFailedLogins, Severity: SeverityHigh,
			Value: float64(fv.FailedLogins), Threshold: FailedLoginsHigh,
		})
	case fv.FailedLogins >= FailedLoginsMedium:
		out = append(out, Indicator{
			Feature: FeatureFailedLogins, Severity: SeverityMedium,
			Value: float64(fv.FailedLogins), Threshold: FailedLoginsMedium,
		})
	}
	if fv.UnusualHours > UnusualHoursMax {
		out = append(out, Indicator{
			Feature: FeatureUnusualHours, Severity: SeverityMedium,
			Value: fv.UnusualHours, Threshold: UnusualHoursMax,
		})
	}
	if fv.ScopeDeviation > ScopeDeviationMax {
		out = append(out, Indicator{
			Feature: FeatureScopeDeviation, Severity: SeverityMedium,
			Value: fv.ScopeDeviation, Threshold: ScopeDeviationMax,
		})
	}
	if fv.FrequencyChange > FrequencyChangeMax {
		out = append(out, Indicator{
			Feature: FeatureFrequencyChange, Severity: SeverityMedium,
			Value: fv.FrequencyChange, Threshold: FrequencyChangeMax,
		})
	}
	if fv.GeoAnomaly > GeoAnomalyMax {
		out = append(out, Indicator{
			Feature: FeatureGeoAnomaly, Severity: SeverityHigh,
			Value: fv.GeoAnomaly, Threshold: GeoAnomalyMax,
		})
	}
	if fv.DistinctDevices >= DistinctDevicesMax {
		out = append(out, Indicator{
			Feature: FeatureDistinctDevices, Severity: SeverityMedium,
			Value: float64(fv.DistinctDevices), Threshold: DistinctDevicesMax,
		})
	}
	if fv.DenialRatio > DenialRatioMax {
		out = append(out, Indicator{
			Feature: FeatureDenialRatio, Severity: SeverityHigh,
			Value: fv.DenialRatio, Threshold: DenialRatioMax,
		})
	}
	return out
}

// Features with a dedicated threat type, in tie-break order. The
// dominant indicator is the highest-severity one; among equals the
// earlier entry here wins.
var dominantTypes = []struct {
	feature string
	typ     ThreatType
}{
	{FeatureFailedLogins, ThreatBruteForce},
	{FeatureScopeDeviation, ThreatPrivilegeEscalation},
	{FeatureGeoAnomaly, ThreatAccountCompromise},
	{FeatureFrequencyChange, ThreatAutomatedAttack},
}

// PreventiveMeasures returns the recommended mitigations for a threat
// type, most effective first.
func PreventiveMeasures(t ThreatType) []string {
	switch t {
	case ThreatBruteForce:
		return []string{
			"Require MFA on the next authentication",
			"Throttle authentication attempts for the principal",
			"Verify recent logins with the account owner",
		}
	case ThreatPrivilegeEscalation:
		return []string{
			"Review recent grants against the principal's role",
			"Require justification review for out-of-scope resources",
		}
	case ThreatAccountCompromise:
		return []string{
			"Force re-authentication from a known device",
			"Invalidate active sessions",
			"Contact the account owner out of band",
		}
	case ThreatAutomatedAttack:
		return []string{
			"Apply rate limits to the principal",
			"Challenge with MFA to confirm a human operator",
		}
	case ThreatCoordinatedAttack:
		return []string{
			"Lock down the targeted resource category",
			"Review all principals involved in the attempt cluster",
		}
	default:
		return []string{
			"Increase session monitoring frequency",
			"Review the principal's recent access history",
		}
	}
}

// Classify derives the threat type from the dominant indicator.
// Indicators without a dedicated mapping (unusual hours, distinct
// devices, denial ratio) classify as suspicious activity.
func Classify(indicators []Indicator) ThreatType {
	maxWeight := 0.0
	for _, in := range indicators {
		if w := in.Severity.Weight(); w > maxWeight {
			maxWeight = w
		}
	}
	for _, m := range dominantTypes {
		for _, in := range indicators {
			if in.Feature == m.feature && in.Severity.Weight() == maxWeight {
				return m.typ
			}
		}
	}
	return ThreatSuspiciousActivity
}

package breakglass

import (
	"context"
	"errors"
	"strings"

	"github.com/citadelzt/citadel/behavior"
	"github.com/citadelzt/citadel/contextual"
)

// Activity risk component weights.
const (
	activityTimeWeight     = 0.35
	activityBehaviorWeight = 0.35
	activityResultWeight   = 0.30
)

// Result risk values. Anything that is not a clean success suggests the
// requester is probing beyond the emergency scope.
const (
	resultRiskSuccess = 0.0
	resultRiskDenied  = 80.0
	resultRiskFailure = 100.0
)

// neutralTimeRisk stands in when the principal has no contextual history.
const neutralTimeRisk = 50.0

// ActivityScorer computes the risk of one emergency-session activity.
type ActivityScorer interface {
	// ScoreActivity returns the activity risk in [0,100]. The behavior
	// sample is optional; without one the behavioral component scores
	// neutral.
	ScoreActivity(ctx context.Context, principalID string, act Activity, sample *behavior.Sample) (float64, error)
}

// RiskScorer scores activities from the principal's contextual history
// (time appropriateness) and behavioral baseline (deviation of the
// telemetry sample captured with the command).
type RiskScorer struct {
	histories contextual.HistoryStore
	behaviors *behavior.Analyzer
}

// NewRiskScorer creates the default activity scorer.
func NewRiskScorer(histories contextual.HistoryStore, behaviors *behavior.Analyzer) *RiskScorer {
	return &RiskScorer{histories: histories, behaviors: behaviors}
}

// ScoreActivity blends time, behavioral, and result risk.
func (s *RiskScorer) ScoreActivity(ctx context.Context, principalID string, act Activity, sample *behavior.Sample) (float64, error) {
	timeRisk := neutralTimeRisk
	if s.histories != nil {
		history, err := s.histories.Get(ctx, principalID)
		switch {
		case err == nil:
			timeRisk = 100 - contextual.TimeScore(act.At, history)
		case errors.Is(err, contextual.ErrHistoryNotFound):
			// No history keeps the neutral time risk.
		default:
			return 0, err
		}
	}

	behaviorRisk := behavior.NeutralScore
	if s.behaviors != nil && sample != nil {
		analysis, err := s.behaviors.Analyze(ctx, principalID, *sample)
		if err != nil {
			return 0, err
		}
		behaviorRisk = analysis.DeviationScore
	}

	risk := activityTimeWeight*timeRisk +
		activityBehaviorWeight*behaviorRisk +
		activityResultWeight*resultRisk(act.Result)
	if risk < 0 {
		return 0, nil
	}
	if risk > 100 {
		return 100, nil
	}
	return risk, nil
}

func resultRisk(result string) float64 {
	switch strings.ToLower(result) {
	case "", "success":
		return resultRiskSuccess
	case "denied":
		return resultRiskDenied
	default:
		return resultRiskFailure
	}
}

// Verify interface compliance.
var _ ActivityScorer = (*RiskScorer)(nil)

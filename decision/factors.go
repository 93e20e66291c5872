package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/citadelzt/citadel/behavior"
	"github.com/citadelzt/citadel/device"
	"github.com/citadelzt/citadel/errors"
	"github.com/citadelzt/citadel/policy"
	"github.com/citadelzt/citadel/principal"
	"github.com/citadelzt/citadel/request"
)

// Confidence component weights. The six components sum to 1.
const (
	weightDevice        = 0.25
	weightBehavioral    = 0.20
	weightPeer          = 0.20
	weightTemporal      = 0.15
	weightHistorical    = 0.10
	weightJustification = 0.10
)

// Fusion shares between the weighted component sum and the policy
// engine's rule confidence.
const (
	rawShare = 0.6
	mlShare  = 0.4
)

// anomalyPenalty is the fraction cut from the combined confidence when a
// behavioral anomaly or impossible travel accompanies the request.
const anomalyPenalty = 0.30

// PeerWindow is how far back peer comparison looks.
const PeerWindow = 30 * 24 * time.Hour

// neutralPeerScore stands in when no peer in the same role and
// department decided a request inside the window.
const neutralPeerScore = 50.0

// deviceComponent maps a validation result onto the device confidence
// component: the adjusted trust when the device validated, the best
// similarity when it fell short, zero when the principal has no devices
// to compare.
func deviceComponent(v *device.ValidationResult) float64 {
	switch {
	case v == nil || v.NoDevices:
		return 0
	case v.Approved:
		return float64(v.TrustScore)
	default:
		return v.Similarity
	}
}

// behavioralComponent inverts the deviation score; principals without an
// established baseline score neutral.
func behavioralComponent(a *behavior.Analysis) float64 {
	if a == nil || !a.HasBaseline {
		return behavior.NeutralScore
	}
	return 100 - a.DeviationScore
}

// fuse fills the breakdown's Raw and Final fields: the weighted component
// sum blends with the rule confidence, anomalies cut the result, and the
// final score clamps to [0,100].
func fuse(bd *request.ConfidenceBreakdown, anomalous bool) {
	bd.Raw = weightDevice*bd.Device +
		weightBehavioral*bd.Behavioral +
		weightPeer*bd.Peer +
		weightTemporal*bd.Temporal +
		weightHistorical*bd.Historical +
		weightJustification*bd.Justification

	combined := rawShare*bd.Raw + mlShare*bd.ML
	if anomalous {
		combined *= 1 - anomalyPenalty
		bd.AnomalyPenalized = true
	}
	bd.Final = clampScore(combined)
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Classify maps a fused confidence onto the decision bands. The
// auto-approve bar is the higher of the engine threshold and the deciding
// rule's min_confidence; the mid band grants behind MFA unless the rule
// forbids the step-up path. Returns the decision plus a denial code and
// reason when the request falls below the step-up band.
func Classify(final float64, verdict *policy.Verdict, cfg Config) (request.Decision, string, string) {
	bar := cfg.AutoApproveThreshold
	if verdict.MinConfidence > bar {
		bar = verdict.MinConfidence
	}

	switch {
	case final >= bar:
		if verdict.MFARequired {
			return request.DecisionGrantedWithMFA, "", ""
		}
		return request.DecisionGranted, "", ""
	case final >= cfg.StepUpThreshold:
		if verdict.ForbidStepUp {
			return request.DecisionPendingApproval, "", ""
		}
		return request.DecisionGrantedWithMFA, "", ""
	default:
		return request.DecisionDenied, errors.ErrCodeLowConfidence,
			fmt.Sprintf("confidence %.1f is below the step-up threshold", final)
	}
}

// peerScore is the grant ratio among decided requests from the same role
// and department inside the window, scaled to [0,100]. No decided peers
// scores neutral: a quiet cohort says nothing either way.
func (e *Engine) peerScore(ctx context.Context, role principal.Role, department string, at time.Time) (float64, error) {
	since := at.Add(-PeerWindow)
	peers, err := e.requests.ListSince(ctx, since, request.MaxQueryLimit)
	if err != nil {
		return 0, err
	}

	var decided, granted int
	for _, r := range peers {
		if r.RoleSnapshot != role || r.DepartmentSnapshot != department {
			continue
		}
		switch r.Decision {
		case request.DecisionGranted, request.DecisionGrantedWithMFA:
			granted++
			decided++
		case request.DecisionDenied:
			decided++
		}
	}
	if decided == 0 {
		return neutralPeerScore, nil
	}
	return float64(granted) / float64(decided) * 100, nil
}

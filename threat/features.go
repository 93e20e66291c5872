package threat

import (
	"context"
	"fmt"
	"time"

	"github.com/citadelzt/citadel/audit"
)

const (
	// ActivityWindow is the span of recent activity a feature vector
	// summarizes.
	ActivityWindow = 24 * time.Hour
	// BaselineWindow is how far back the extractor looks to learn what
	// is normal for the principal. Events older than ActivityWindow but
	// within BaselineWindow form the baseline.
	BaselineWindow = 7 * 24 * time.Hour

	// Hours outside [usualStartHour, usualEndHour) count as unusual.
	usualStartHour = 6
	usualEndHour   = 22
)

// Extractor derives per-principal feature vectors from the audit chain.
type Extractor struct {
	chain audit.Log
	clock func() time.Time
}

// NewExtractor returns an extractor reading from chain.
func NewExtractor(chain audit.Log) *Extractor {
	return &Extractor{chain: chain, clock: time.Now}
}

// Extract summarizes the principal's last 24 hours of audit activity.
//
// The baseline six days before that window supplies the typical
// resource-type set and the mean daily event count. A principal with no
// baseline activity gets zero scope deviation and zero frequency
// change; there is nothing to deviate from.
func (e *Extractor) Extract(ctx context.Context, principalID string) (*FeatureVector, error) {
	now := e.clock()
	baselineStart := now.Add(-BaselineWindow)
	activityStart := now.Add(-ActivityWindow)

	events, err := e.chain.ListByPrincipalSince(ctx, principalID, baselineStart, audit.MaxQueryLimit)
	if err != nil {
		return nil, fmt.Errorf("listing audit events for %s: %w", principalID, err)
	}

	var recent, baseline []*audit.AuditEvent
	for _, ev := range events {
		if ev.Timestamp.Before(activityStart) {
			baseline = append(baseline, ev)
		} else {
			recent = append(recent, ev)
		}
	}

	fv := &FeatureVector{
		PrincipalID: principalID,
		WindowStart: activityStart,
		WindowEnd:   now,
		EventCount:  len(recent),
	}

	typicalTypes := make(map[string]struct{}, len(baseline))
	for _, ev := range baseline {
		typicalTypes[resourceType(ev)] = struct{}{}
	}

	var (
		unusual     int
		deviating   int
		anomalous   int
		decisions   int
		denials     int
		fingerprint = make(map[string]struct{})
	)
	for _, ev := range recent {
		if ev.EventType == audit.EventTypeAuthentication && ev.Result == audit.ResultFailure {
			fv.FailedLogins++
		}
		if hour := ev.Timestamp.UTC().Hour(); hour < usualStartHour || hour >= usualEndHour {
			unusual++
		}
		if len(typicalTypes) > 0 {
			if _, ok := typicalTypes[resourceType(ev)]; !ok {
				deviating++
			}
		}
		if ev.Details[audit.DetailGeoAnomaly] == "true" {
			anomalous++
		}
		if ev.DeviceFingerprintHash != "" {
			fingerprint[ev.DeviceFingerprintHash] = struct{}{}
		}
		if ev.EventType == audit.EventTypeAccessDecision {
			decisions++
			if ev.Result == audit.ResultDenied {
				denials++
			}
		}
	}

	if n := len(recent); n > 0 {
		fv.UnusualHours = float64(unusual) / float64(n)
		fv.ScopeDeviation = float64(deviating) / float64(n)
		fv.GeoAnomaly = float64(anomalous) / float64(n)
	}
	if decisions > 0 {
		fv.DenialRatio = float64(denials) / float64(decisions)
	}
	fv.DistinctDevices = len(fingerprint)

	// Baseline covers the six days preceding the activity window.
	baselineDays := (BaselineWindow - ActivityWindow).Hours() / 24
	if len(baseline) > 0 {
		meanDaily := float64(len(baseline)) / baselineDays
		fv.FrequencyChange = float64(len(recent)) / meanDaily
	}

	return fv, nil
}

// resourceType returns the event's resource category, preferring the
// structured detail over the raw resource name.
func resourceType(ev *audit.AuditEvent) string {
	if t, ok := ev.Details[audit.DetailResourceType]; ok && t != "" {
		return t
	}
	return ev.Resource
}

package threat

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/citadelzt/citadel/audit"
)

// extractNow is a fixed Tuesday noon; the activity window runs back to
// Monday noon and the baseline to the previous Tuesday.
var extractNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

const extractPrincipal = "00000000000000aa"

func newTestExtractor(t *testing.T, events ...*audit.AuditEvent) *Extractor {
	t.Helper()
	chain := audit.NewMemoryChain()
	for _, ev := range events {
		if _, err := chain.Append(context.Background(), ev); err != nil {
			t.Fatalf("appending fixture event: %v", err)
		}
	}
	ex := NewExtractor(chain)
	ex.clock = func() time.Time { return extractNow }
	return ex
}

func authFailure(at time.Time) *audit.AuditEvent {
	return &audit.AuditEvent{
		Timestamp:   at,
		EventType:   audit.EventTypeAuthentication,
		PrincipalID: extractPrincipal,
		Action:      "login",
		Result:      audit.ResultFailure,
	}
}

func accessEvent(at time.Time, resourceType string, result audit.Result) *audit.AuditEvent {
	return &audit.AuditEvent{
		Timestamp:   at,
		EventType:   audit.EventTypeAccessDecision,
		PrincipalID: extractPrincipal,
		Action:      "access",
		Resource:    resourceType + "-01",
		Result:      result,
		Details:     map[string]string{audit.DetailResourceType: resourceType},
	}
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestExtract_EmptyHistory(t *testing.T) {
	ex := newTestExtractor(t)

	fv, err := ex.Extract(context.Background(), extractPrincipal)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if fv.EventCount != 0 || fv.FailedLogins != 0 || fv.DistinctDevices != 0 {
		t.Errorf("empty history should produce zero counts: %+v", fv)
	}
	if fv.UnusualHours != 0 || fv.ScopeDeviation != 0 || fv.FrequencyChange != 0 ||
		fv.GeoAnomaly != 0 || fv.DenialRatio != 0 {
		t.Errorf("empty history should produce zero ratios: %+v", fv)
	}
	if fv.PrincipalID != extractPrincipal {
		t.Errorf("PrincipalID = %q", fv.PrincipalID)
	}
}

func TestExtract_FailedLogins(t *testing.T) {
	recent := extractNow.Add(-2 * time.Hour)
	events := []*audit.AuditEvent{
		authFailure(recent),
		authFailure(recent.Add(time.Minute)),
		authFailure(recent.Add(2 * time.Minute)),
		// Successful logins and failed access decisions do not count.
		{Timestamp: recent, EventType: audit.EventTypeAuthentication, PrincipalID: extractPrincipal, Result: audit.ResultSuccess},
		accessEvent(recent, "server", audit.ResultFailure),
		// A failure outside the 24h window does not count.
		authFailure(extractNow.Add(-30 * time.Hour)),
	}
	ex := newTestExtractor(t, events...)

	fv, err := ex.Extract(context.Background(), extractPrincipal)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if fv.FailedLogins != 3 {
		t.Errorf("FailedLogins = %d, want 3", fv.FailedLogins)
	}
}

func TestExtract_UnusualHours(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	events := []*audit.AuditEvent{
		accessEvent(day.Add(3*time.Hour), "server", audit.ResultSuccess),  // 03:00, unusual
		accessEvent(day.Add(5*time.Hour), "server", audit.ResultSuccess),  // 05:00, unusual
		accessEvent(day.Add(10*time.Hour), "server", audit.ResultSuccess), // 10:00, usual
		accessEvent(day.Add(11*time.Hour), "server", audit.ResultSuccess), // 11:00, usual
		accessEvent(day.Add(-2*time.Hour), "server", audit.ResultSuccess), // 22:00 previous day, unusual
		accessEvent(day.Add(-6*time.Hour), "server", audit.ResultSuccess), // 18:00 previous day, usual
	}
	ex := newTestExtractor(t, events...)

	fv, err := ex.Extract(context.Background(), extractPrincipal)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if !approxEqual(fv.UnusualHours, 0.5) {
		t.Errorf("UnusualHours = %v, want 0.5", fv.UnusualHours)
	}
}

func TestExtract_ScopeDeviation(t *testing.T) {
	baseline := extractNow.Add(-3 * 24 * time.Hour)
	recent := extractNow.Add(-time.Hour)
	events := []*audit.AuditEvent{
		// Baseline establishes server and database as typical.
		accessEvent(baseline, "server", audit.ResultSuccess),
		accessEvent(baseline.Add(time.Hour), "database", audit.ResultSuccess),
		// Two of four recent events touch a type never seen before.
		accessEvent(recent, "server", audit.ResultSuccess),
		accessEvent(recent.Add(time.Minute), "database", audit.ResultSuccess),
		accessEvent(recent.Add(2*time.Minute), "gpu_cluster", audit.ResultSuccess),
		accessEvent(recent.Add(3*time.Minute), "gpu_cluster", audit.ResultSuccess),
	}
	ex := newTestExtractor(t, events...)

	fv, err := ex.Extract(context.Background(), extractPrincipal)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if !approxEqual(fv.ScopeDeviation, 0.5) {
		t.Errorf("ScopeDeviation = %v, want 0.5", fv.ScopeDeviation)
	}
}

func TestExtract_ScopeDeviation_NoBaseline(t *testing.T) {
	recent := extractNow.Add(-time.Hour)
	ex := newTestExtractor(t,
		accessEvent(recent, "gpu_cluster", audit.ResultSuccess),
		accessEvent(recent.Add(time.Minute), "gpu_cluster", audit.ResultSuccess),
	)

	fv, err := ex.Extract(context.Background(), extractPrincipal)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if fv.ScopeDeviation != 0 {
		t.Errorf("ScopeDeviation = %v, want 0 with no baseline", fv.ScopeDeviation)
	}
}

func TestExtract_FrequencyChange(t *testing.T) {
	// Twelve baseline events over six days: mean of two per day.
	var events []*audit.AuditEvent
	for i := 0; i < 12; i++ {
		at := extractNow.Add(-BaselineWindow + time.Duration(i)*11*time.Hour)
		events = append(events, accessEvent(at, "server", audit.ResultSuccess))
	}
	// Six events today: three times the mean.
	recent := extractNow.Add(-3 * time.Hour)
	for i := 0; i < 6; i++ {
		events = append(events, accessEvent(recent.Add(time.Duration(i)*time.Minute), "server", audit.ResultSuccess))
	}
	ex := newTestExtractor(t, events...)

	fv, err := ex.Extract(context.Background(), extractPrincipal)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if !approxEqual(fv.FrequencyChange, 3.0) {
		t.Errorf("FrequencyChange = %v, want 3.0", fv.FrequencyChange)
	}
}

func TestExtract_FrequencyChange_NoBaseline(t *testing.T) {
	recent := extractNow.Add(-time.Hour)
	ex := newTestExtractor(t,
		accessEvent(recent, "server", audit.ResultSuccess),
		accessEvent(recent.Add(time.Minute), "server", audit.ResultSuccess),
	)

	fv, err := ex.Extract(context.Background(), extractPrincipal)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if fv.FrequencyChange != 0 {
		t.Errorf("FrequencyChange = %v, want 0 with no baseline", fv.FrequencyChange)
	}
}

func TestExtract_GeoAnomaly(t *testing.T) {
	recent := extractNow.Add(-time.Hour)
	flagged := accessEvent(recent, "server", audit.ResultSuccess)
	flagged.Details[audit.DetailGeoAnomaly] = "true"
	ex := newTestExtractor(t,
		flagged,
		accessEvent(recent.Add(time.Minute), "server", audit.ResultSuccess),
		accessEvent(recent.Add(2*time.Minute), "server", audit.ResultSuccess),
		accessEvent(recent.Add(3*time.Minute), "server", audit.ResultSuccess),
	)

	fv, err := ex.Extract(context.Background(), extractPrincipal)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if !approxEqual(fv.GeoAnomaly, 0.25) {
		t.Errorf("GeoAnomaly = %v, want 0.25", fv.GeoAnomaly)
	}
}

func TestExtract_DistinctDevices(t *testing.T) {
	recent := extractNow.Add(-time.Hour)
	withDevice := func(hash string, offset time.Duration) *audit.AuditEvent {
		ev := accessEvent(recent.Add(offset), "server", audit.ResultSuccess)
		ev.DeviceFingerprintHash = hash
		return ev
	}
	ex := newTestExtractor(t,
		withDevice("fp-one", 0),
		withDevice("fp-one", time.Minute),
		withDevice("fp-two", 2*time.Minute),
		withDevice("fp-three", 3*time.Minute),
		// Events without a fingerprint do not count as a device.
		accessEvent(recent.Add(4*time.Minute), "server", audit.ResultSuccess),
	)

	fv, err := ex.Extract(context.Background(), extractPrincipal)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if fv.DistinctDevices != 3 {
		t.Errorf("DistinctDevices = %d, want 3", fv.DistinctDevices)
	}
}

func TestExtract_DenialRatio(t *testing.T) {
	recent := extractNow.Add(-time.Hour)
	ex := newTestExtractor(t,
		accessEvent(recent, "server", audit.ResultDenied),
		accessEvent(recent.Add(time.Minute), "server", audit.ResultDenied),
		accessEvent(recent.Add(2*time.Minute), "server", audit.ResultSuccess),
		accessEvent(recent.Add(3*time.Minute), "server", audit.ResultSuccess),
		// Authentication events are not access decisions.
		authFailure(recent.Add(4*time.Minute)),
	)

	fv, err := ex.Extract(context.Background(), extractPrincipal)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if !approxEqual(fv.DenialRatio, 0.5) {
		t.Errorf("DenialRatio = %v, want 0.5", fv.DenialRatio)
	}
}

func TestExtract_IgnoresOtherPrincipals(t *testing.T) {
	recent := extractNow.Add(-time.Hour)
	other := authFailure(recent)
	other.PrincipalID = "00000000000000bb"
	ex := newTestExtractor(t, other, authFailure(recent.Add(time.Minute)))

	fv, err := ex.Extract(context.Background(), extractPrincipal)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if fv.FailedLogins != 1 {
		t.Errorf("FailedLogins = %d, want 1 (other principal excluded)", fv.FailedLogins)
	}
	if fv.EventCount != 1 {
		t.Errorf("EventCount = %d, want 1", fv.EventCount)
	}
}

func TestExtract_WindowBounds(t *testing.T) {
	ex := newTestExtractor(t)
	fv, err := ex.Extract(context.Background(), extractPrincipal)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if !fv.WindowEnd.Equal(extractNow) {
		t.Errorf("WindowEnd = %v, want %v", fv.WindowEnd, extractNow)
	}
	if !fv.WindowStart.Equal(extractNow.Add(-ActivityWindow)) {
		t.Errorf("WindowStart = %v, want 24h before now", fv.WindowStart)
	}
}

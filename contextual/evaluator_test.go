package contextual

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/citadelzt/citadel/geo"
)

// mondayMorning is a weekday inside business hours.
var mondayMorning = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func healthyDevice() DeviceHealth {
	return DeviceHealth{
		OSUpdated:        true,
		SecuritySoftware: true,
		DiskEncrypted:    true,
		DeviceKnown:      true,
		MDMCompliant:     true,
	}
}

func TestScoreDeviceHealth(t *testing.T) {
	tests := []struct {
		name   string
		device DeviceHealth
		want   float64
	}{
		{"all healthy", healthyDevice(), 100},
		{"nothing", DeviceHealth{}, 0},
		{"os only", DeviceHealth{OSUpdated: true}, 30},
		{"security only", DeviceHealth{SecuritySoftware: true}, 25},
		{"encryption only", DeviceHealth{DiskEncrypted: true}, 20},
		{"known only", DeviceHealth{DeviceKnown: true}, 15},
		{"mdm only", DeviceHealth{MDMCompliant: true}, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scoreDeviceHealth(tt.device); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("scoreDeviceHealth() = %g, want %g", got, tt.want)
			}
		})
	}
}

func TestScoreNetwork(t *testing.T) {
	tests := []struct {
		name    string
		network NetworkContext
		want    float64
	}{
		{"campus no vpn", NetworkContext{Type: NetworkCampusWifi}, 70},
		{"campus with vpn", NetworkContext{Type: NetworkCampusWifi, VPNInUse: true}, 100},
		{"vpn network with vpn", NetworkContext{Type: NetworkVPN, VPNInUse: true}, 93},
		{"home no vpn", NetworkContext{Type: NetworkHome}, 42},
		{"public no vpn", NetworkContext{Type: NetworkPublic}, 14},
		{"unclassified type", NetworkContext{Type: "carrier_pigeon"}, 28},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scoreNetwork(tt.network); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("scoreNetwork() = %g, want %g", got, tt.want)
			}
		})
	}
}

func TestScoreTime(t *testing.T) {
	empty := NewHistory("00000000000000aa")
	day := func(d, hour int) time.Time {
		return time.Date(2026, 3, d, hour, 0, 0, 0, time.UTC)
	}

	tests := []struct {
		name string
		at   time.Time
		want float64
	}{
		{"weekday business hours", day(2, 10), 60},
		{"weekday early business edge", day(2, 6), 60},
		{"late night", day(2, 3), 30},
		{"evening 22h", day(2, 22), 52.5},
		{"evening 23h", day(2, 23), 45},
		{"evening 0h", day(2, 0), 37.5},
		{"evening 1h", day(2, 1), 30},
		{"weekend daytime", day(7, 10), 45},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scoreTime(tt.at, empty); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("scoreTime(%s) = %g, want %g", tt.at, got, tt.want)
			}
		})
	}

	t.Run("typical hour wins", func(t *testing.T) {
		h := NewHistory("00000000000000aa")
		for i := 0; i < 10; i++ {
			h.Append(AccessEvent{At: mondayMorning.Add(time.Duration(-i) * 24 * time.Hour)})
		}
		if got := scoreTime(mondayMorning, h); got != 100 {
			t.Errorf("scoreTime() = %g in a typical hour, want 100", got)
		}
	})
}

func TestScoreLocation(t *testing.T) {
	newYork := geo.Location{Latitude: 40.7128, Longitude: -74.0060}
	withHistory := NewHistory("00000000000000aa")
	withHistory.Append(AccessEvent{At: mondayMorning, IP: "10.1.2.3", Location: &newYork})
	withHistory.Append(AccessEvent{At: mondayMorning, IP: "10.1.2.3"})
	withHistory.Append(AccessEvent{At: mondayMorning, IP: "10.1.2.3"})

	near := geo.Location{Latitude: 40.9, Longitude: -74.0}       // ~21 km
	regional := geo.Location{Latitude: 42.3601, Longitude: -71.0589} // Boston ~300 km
	far := geo.Location{Latitude: 51.5074, Longitude: -0.1278}   // London

	tests := []struct {
		name     string
		ip       string
		loc      *geo.Location
		resolved bool
		history  *History
		want     float64
	}{
		{"frequent ip", "10.1.2.3", nil, false, withHistory, locationFrequentIP},
		{"no history", "10.9.9.9", &near, true, NewHistory("x"), locationNoHistory},
		{"unresolvable with history", "10.9.9.9", nil, false, withHistory, locationUnresolvable},
		{"nearby", "10.9.9.9", &near, true, withHistory, locationNearby},
		{"regional is distant band", "10.9.9.9", &regional, true, withHistory, locationDistant},
		{"far", "10.9.9.9", &far, true, withHistory, locationFar},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scoreLocation(tt.ip, tt.loc, tt.resolved, tt.history); got != tt.want {
				t.Errorf("scoreLocation() = %g, want %g", got, tt.want)
			}
		})
	}
}

func newTestEvaluator(t *testing.T) (*Evaluator, *MemoryHistoryStore, *geo.StaticResolver) {
	t.Helper()
	store := NewMemoryHistoryStore()
	resolver := geo.NewStaticResolver()
	if err := resolver.Add("192.0.2.0/24", geo.Location{Latitude: 40.7128, Longitude: -74.0060, City: "New York"}); err != nil {
		t.Fatalf("resolver.Add() error = %v", err)
	}
	if err := resolver.Add("198.51.100.0/24", geo.Location{Latitude: 51.5074, Longitude: -0.1278, City: "London"}); err != nil {
		t.Fatalf("resolver.Add() error = %v", err)
	}
	return NewEvaluator(store, resolver), store, resolver
}

func TestEvaluateNoHistory(t *testing.T) {
	evaluator, _, _ := newTestEvaluator(t)

	eval, err := evaluator.Evaluate(context.Background(), Input{
		PrincipalID: "00000000000000aa",
		Device:      healthyDevice(),
		Network:     NetworkContext{Type: NetworkCampusWifi},
		IP:          "192.0.2.10",
		At:          mondayMorning,
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	// device 100*.25 + network 70*.20 + time 60*.15 + location 50*.20 + trust 50*.20
	want := 25.0 + 14.0 + 9.0 + 10.0 + 10.0
	if math.Abs(eval.Score-want) > 1e-9 {
		t.Errorf("Score = %g, want %g", eval.Score, want)
	}
	if eval.RequiresStepUp {
		t.Error("RequiresStepUp = true at score 68, want false")
	}
	if eval.ImpossibleTravel {
		t.Error("ImpossibleTravel = true with no history, want false")
	}
}

func TestEvaluateStepUpTrigger(t *testing.T) {
	evaluator, _, _ := newTestEvaluator(t)

	eval, err := evaluator.Evaluate(context.Background(), Input{
		PrincipalID: "00000000000000aa",
		Device:      DeviceHealth{},
		Network:     NetworkContext{Type: NetworkPublic},
		IP:          "192.0.2.10",
		At:          time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if eval.Score >= StepUpThreshold {
		t.Fatalf("Score = %g, want below %g", eval.Score, StepUpThreshold)
	}
	if !eval.RequiresStepUp {
		t.Error("RequiresStepUp = false below the threshold, want true")
	}
	if len(eval.Recommendations) == 0 {
		t.Error("Recommendations empty for a weak context")
	}
}

func TestEvaluateImpossibleTravel(t *testing.T) {
	evaluator, store, _ := newTestEvaluator(t)

	// Last seen in New York one hour ago.
	h := NewHistory("00000000000000aa")
	h.Append(AccessEvent{
		At:       mondayMorning.Add(-time.Hour),
		IP:       "192.0.2.10",
		Location: &geo.Location{Latitude: 40.7128, Longitude: -74.0060},
		Success:  true,
	})
	if err := store.Put(context.Background(), h); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// Now requesting from London: ~5570 km in one hour.
	eval, err := evaluator.Evaluate(context.Background(), Input{
		PrincipalID: "00000000000000aa",
		Device:      healthyDevice(),
		Network:     NetworkContext{Type: NetworkVPN, VPNInUse: true},
		IP:          "198.51.100.7",
		At:          mondayMorning,
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !eval.ImpossibleTravel {
		t.Error("ImpossibleTravel = false for NY to London in an hour, want true")
	}
}

func TestEvaluateRecommendationsDominantGap(t *testing.T) {
	evaluator, _, _ := newTestEvaluator(t)

	// Perfect except the device, which carries the largest weighted gap.
	eval, err := evaluator.Evaluate(context.Background(), Input{
		PrincipalID: "00000000000000aa",
		Device:      DeviceHealth{DeviceKnown: true},
		Network:     NetworkContext{Type: NetworkCampusWifi, VPNInUse: true},
		IP:          "192.0.2.10",
		At:          mondayMorning,
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	found := false
	for _, r := range eval.Recommendations {
		if r == "Install pending operating system updates" {
			found = true
		}
	}
	if !found {
		t.Errorf("Recommendations = %v, want OS update guidance for the dominant device gap", eval.Recommendations)
	}
}

func TestRecord(t *testing.T) {
	evaluator, store, _ := newTestEvaluator(t)
	ctx := context.Background()

	if err := evaluator.Record(ctx, "00000000000000aa", mondayMorning, "192.0.2.10", true); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := evaluator.Record(ctx, "00000000000000aa", mondayMorning.Add(time.Hour), "203.0.113.5", false); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	h, err := store.Get(ctx, "00000000000000aa")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(h.Events) != 2 {
		t.Fatalf("len(Events) = %d, want 2", len(h.Events))
	}
	if h.Events[0].Location == nil || h.Events[0].Location.City != "New York" {
		t.Errorf("Events[0].Location = %+v, want resolved New York", h.Events[0].Location)
	}
	if h.Events[1].Location != nil {
		t.Errorf("Events[1].Location = %+v, want nil for unresolvable address", h.Events[1].Location)
	}
	if h.Events[1].Success {
		t.Error("Events[1].Success = true, want false")
	}
}

func TestMemoryHistoryStore(t *testing.T) {
	store := NewMemoryHistoryStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "00000000000000aa"); err != ErrHistoryNotFound {
		t.Errorf("Get() error = %v, want ErrHistoryNotFound", err)
	}

	h := NewHistory("00000000000000aa")
	h.Append(AccessEvent{At: mondayMorning, IP: "10.0.0.1", Success: true})
	if err := store.Put(ctx, h); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := store.Get(ctx, "00000000000000aa")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got.Events[0].IP = "mutated"
	again, _ := store.Get(ctx, "00000000000000aa")
	if again.Events[0].IP != "10.0.0.1" {
		t.Error("store returns aliased event storage")
	}

	if err := store.Delete(ctx, "00000000000000aa"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "00000000000000aa"); err != ErrHistoryNotFound {
		t.Errorf("Get() after delete error = %v, want ErrHistoryNotFound", err)
	}
}

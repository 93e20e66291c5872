package contextual

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/citadelzt/citadel/geo"
)

// Device health component weights.
const (
	healthOSUpdated        = 0.30
	healthSecuritySoftware = 0.25
	healthDiskEncrypted    = 0.20
	healthDeviceKnown      = 0.15
	healthMDMCompliant     = 0.10
)

// Network component weights: type classification vs VPN presence.
const (
	networkTypeShare = 0.70
	networkVPNShare  = 0.30
)

// Time band scores.
const (
	timeTypical       = 100.0
	timeBusinessHours = 60.0
	timeLateNight     = 30.0
)

// Location scores by distance to the nearest remembered location.
const (
	locationFrequentIP   = 100.0
	locationNearby       = 90.0 // <= 50 km
	locationRegional     = 70.0 // <= 200 km
	locationDistant      = 40.0 // <= 1000 km
	locationFar          = 10.0
	locationNoHistory    = 50.0 // first access, nothing to compare
	locationUnresolvable = 40.0 // address did not resolve
)

// Evaluator scores request context against per-principal history.
type Evaluator struct {
	histories HistoryStore
	resolver  geo.Resolver
	clock     func() time.Time
}

// NewEvaluator creates an evaluator reading history from the store and
// resolving addresses with the resolver. A nil resolver disables location
// scoring (the factor falls back to its no-data values).
func NewEvaluator(histories HistoryStore, resolver geo.Resolver) *Evaluator {
	return &Evaluator{
		histories: histories,
		resolver:  resolver,
		clock:     time.Now,
	}
}

// Evaluate scores the input's five context factors and combines them.
// A principal with no recorded history scores on neutral fallbacks; only
// store failures other than absence are returned as errors.
func (e *Evaluator) Evaluate(ctx context.Context, input Input) (*Evaluation, error) {
	history, err := e.histories.Get(ctx, input.PrincipalID)
	if err != nil {
		if !stderrors.Is(err, ErrHistoryNotFound) {
			return nil, err
		}
		history = NewHistory(input.PrincipalID)
	}

	location, resolved := e.resolve(ctx, input.IP)

	factors := FactorScores{
		DeviceHealth:    scoreDeviceHealth(input.Device),
		Network:         scoreNetwork(input.Network),
		Time:            scoreTime(input.At, history),
		Location:        scoreLocation(input.IP, location, resolved, history),
		HistoricalTrust: history.SmoothedTrust(),
	}

	score := factors.DeviceHealth*WeightDeviceHealth +
		factors.Network*WeightNetwork +
		factors.Time*WeightTime +
		factors.Location*WeightLocation +
		factors.HistoricalTrust*WeightHistoricalTrust

	impossible := false
	if resolved {
		if last, ok := history.LastObservation(); ok {
			impossible = geo.IsImpossibleTravel(last, geo.Observation{
				Location: *location,
				SeenAt:   input.At,
			})
		}
	}

	return &Evaluation{
		Score:            score,
		Factors:          factors,
		RequiresStepUp:   score < StepUpThreshold,
		ImpossibleTravel: impossible,
		Recommendations:  recommend(factors, input.Device, input.Network),
	}, nil
}

// Record appends an access outcome to the principal's history. Missing
// histories are created. The event location is resolved from the address
// when a resolver is configured.
func (e *Evaluator) Record(ctx context.Context, principalID string, at time.Time, ip string, success bool) error {
	history, err := e.histories.Get(ctx, principalID)
	if err != nil {
		if !stderrors.Is(err, ErrHistoryNotFound) {
			return err
		}
		history = NewHistory(principalID)
	}

	ev := AccessEvent{At: at, IP: ip, Success: success}
	if loc, ok := e.resolve(ctx, ip); ok {
		ev.Location = loc
	}
	history.Append(ev)

	return e.histories.Put(ctx, history)
}

func (e *Evaluator) resolve(ctx context.Context, ip string) (*geo.Location, bool) {
	if e.resolver == nil || ip == "" {
		return nil, false
	}
	loc, err := e.resolver.Resolve(ctx, ip)
	if err != nil || loc == nil {
		return nil, false
	}
	return loc, true
}

// scoreDeviceHealth sums the posture component weights for signals that
// hold, scaled to [0,100].
func scoreDeviceHealth(d DeviceHealth) float64 {
	score := 0.0
	if d.OSUpdated {
		score += healthOSUpdated
	}
	if d.SecuritySoftware {
		score += healthSecuritySoftware
	}
	if d.DiskEncrypted {
		score += healthDiskEncrypted
	}
	if d.DeviceKnown {
		score += healthDeviceKnown
	}
	if d.MDMCompliant {
		score += healthMDMCompliant
	}
	return score * 100
}

// scoreNetwork combines the network type score with VPN presence.
func scoreNetwork(n NetworkContext) float64 {
	vpn := 0.0
	if n.VPNInUse {
		vpn = 100.0
	}
	return n.Type.Score()*networkTypeShare + vpn*networkVPNShare
}

// TimeScore exposes the time-appropriateness factor for consumers that
// score outside a full evaluation. The continuous-auth monitor inverts
// it into its time risk factor.
func TimeScore(at time.Time, history *History) float64 {
	return scoreTime(at, history)
}

// scoreTime maps the request hour onto the principal's bands: typical
// hours win, then business hours (06-22 Mon-Fri), then late night
// (02-06). Hours in neither band ramp linearly from the business score
// at 22:00 down to the late-night score at 02:00; weekend daytime holds
// at the midpoint.
func scoreTime(at time.Time, history *History) float64 {
	hour := at.Hour()

	if history.TypicalHour(hour, at) {
		return timeTypical
	}

	weekday := at.Weekday()
	businessDay := weekday >= time.Monday && weekday <= time.Friday
	if businessDay && hour >= 6 && hour < 22 {
		return timeBusinessHours
	}
	if hour >= 2 && hour < 6 {
		return timeLateNight
	}
	if hour >= 22 || hour < 2 {
		// Evening descent: 22h, 23h, 0h, 1h step down evenly between the
		// business and late-night scores.
		steps := map[int]float64{22: 0, 23: 1, 0: 2, 1: 3}
		step := steps[hour]
		return timeBusinessHours - (timeBusinessHours-timeLateNight)*(step+1)/4
	}
	// Weekend daytime.
	return (timeBusinessHours + timeLateNight) / 2
}

// scoreLocation scores by membership in the frequent set, then by
// distance to the nearest remembered location.
func scoreLocation(ip string, loc *geo.Location, resolved bool, history *History) float64 {
	if history.FrequentIP(ip) {
		return locationFrequentIP
	}
	if _, ok := history.LastObservation(); !ok {
		return locationNoHistory
	}
	if !resolved {
		return locationUnresolvable
	}
	distance, ok := history.NearestKnownDistanceKm(*loc)
	if !ok {
		return locationNoHistory
	}
	switch {
	case distance <= 50:
		return locationNearby
	case distance <= 200:
		return locationRegional
	case distance <= 1000:
		return locationDistant
	default:
		return locationFar
	}
}

// recommend produces guidance for the dominant weighted gap plus any
// factor in outright poor standing.
func recommend(f FactorScores, device DeviceHealth, network NetworkContext) []string {
	type gap struct {
		name     string
		weighted float64
		score    float64
	}
	gaps := []gap{
		{"device", (100 - f.DeviceHealth) * WeightDeviceHealth, f.DeviceHealth},
		{"network", (100 - f.Network) * WeightNetwork, f.Network},
		{"time", (100 - f.Time) * WeightTime, f.Time},
		{"location", (100 - f.Location) * WeightLocation, f.Location},
		{"trust", (100 - f.HistoricalTrust) * WeightHistoricalTrust, f.HistoricalTrust},
	}

	dominant := gaps[0]
	for _, g := range gaps[1:] {
		if g.weighted > dominant.weighted {
			dominant = g
		}
	}

	var recs []string
	seen := make(map[string]bool)
	add := func(r string) {
		if !seen[r] {
			seen[r] = true
			recs = append(recs, r)
		}
	}

	for _, g := range gaps {
		if g.name != dominant.name && g.score >= 40 {
			continue
		}
		if g.weighted == 0 {
			continue
		}
		switch g.name {
		case "device":
			if !device.OSUpdated {
				add("Install pending operating system updates")
			}
			if !device.DiskEncrypted {
				add("Enable disk encryption on this device")
			}
			if !device.SecuritySoftware {
				add("Install or update endpoint security software")
			}
			if !device.DeviceKnown {
				add("Register this device before requesting access")
			}
			if !device.MDMCompliant {
				add("Bring the device back into MDM compliance")
			}
		case "network":
			if !network.VPNInUse {
				add("Connect through the campus VPN")
			} else {
				add("Move to a managed network before requesting access")
			}
		case "time":
			add("Request access during your usual hours or business hours")
		case "location":
			add("Unrecognized location; connect from a known network")
		case "trust":
			add("Recent access failures lowered your standing; verify your credentials")
		}
	}
	return recs
}

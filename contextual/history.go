package contextual

import (
	"time"

	"github.com/citadelzt/citadel/geo"
)

// History ring and derivation parameters.
const (
	// MaxHistoryEvents bounds the per-principal event ring.
	MaxHistoryEvents = 100

	// TypicalHourWindow is how far back typical-hour derivation looks.
	TypicalHourWindow = 30 * 24 * time.Hour

	// TypicalHourMinFrequency is the share of windowed events an hour
	// needs to count as typical for the principal.
	TypicalHourMinFrequency = 0.10

	// FrequentIPThreshold is how many ring appearances make an address
	// part of the frequent set.
	FrequentIPThreshold = 3

	// trustAlpha is the smoothing factor for the historical trust rate.
	trustAlpha = 0.1

	// neutralTrust seeds the smoothed rate before any events exist.
	neutralTrust = 50.0
)

// AccessEvent is one remembered access for a principal.
type AccessEvent struct {
	// At is when the access happened.
	At time.Time `json:"at"`

	// IP is the source address.
	IP string `json:"ip,omitempty"`

	// Location is the resolved position, when the address resolved.
	Location *geo.Location `json:"location,omitempty"`

	// Success records whether the access was granted.
	Success bool `json:"success"`
}

// History is a principal's bounded access memory. Events are ordered
// oldest first; appending past MaxHistoryEvents drops the oldest.
type History struct {
	PrincipalID string        `json:"principal_id"`
	Events      []AccessEvent `json:"events"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// NewHistory creates an empty history for the principal.
func NewHistory(principalID string) *History {
	return &History{PrincipalID: principalID}
}

// Append adds an event, evicting the oldest past MaxHistoryEvents.
func (h *History) Append(ev AccessEvent) {
	h.Events = append(h.Events, ev)
	if len(h.Events) > MaxHistoryEvents {
		h.Events = h.Events[len(h.Events)-MaxHistoryEvents:]
	}
	h.UpdatedAt = ev.At
}

// TypicalHour reports whether the hour accounts for at least
// TypicalHourMinFrequency of the principal's events inside the window
// ending at now.
func (h *History) TypicalHour(hour int, now time.Time) bool {
	cutoff := now.Add(-TypicalHourWindow)
	total := 0
	matching := 0
	for _, ev := range h.Events {
		if ev.At.Before(cutoff) {
			continue
		}
		total++
		if ev.At.Hour() == hour {
			matching++
		}
	}
	if total == 0 {
		return false
	}
	return float64(matching)/float64(total) >= TypicalHourMinFrequency
}

// FrequentIP reports whether the address appears at least
// FrequentIPThreshold times in the ring.
func (h *History) FrequentIP(ip string) bool {
	if ip == "" {
		return false
	}
	count := 0
	for _, ev := range h.Events {
		if ev.IP == ip {
			count++
			if count >= FrequentIPThreshold {
				return true
			}
		}
	}
	return false
}

// NearestKnownDistanceKm returns the distance to the closest remembered
// location, and false when no event carries a location.
func (h *History) NearestKnownDistanceKm(loc geo.Location) (float64, bool) {
	best := 0.0
	found := false
	for _, ev := range h.Events {
		if ev.Location == nil {
			continue
		}
		d := geo.DistanceKm(*ev.Location, loc)
		if !found || d < best {
			best = d
			found = true
		}
	}
	return best, found
}

// LastObservation returns the most recent located event, and false when
// no event carries a location.
func (h *History) LastObservation() (geo.Observation, bool) {
	for i := len(h.Events) - 1; i >= 0; i-- {
		if h.Events[i].Location != nil {
			return geo.Observation{
				Location: *h.Events[i].Location,
				SeenAt:   h.Events[i].At,
			}, true
		}
	}
	return geo.Observation{}, false
}

// SmoothedTrust folds the ring's outcomes into an exponentially smoothed
// success rate in [0,100], oldest event first. An empty ring is neutral.
func (h *History) SmoothedTrust() float64 {
	trust := neutralTrust
	if len(h.Events) == 0 {
		return trust
	}
	for _, ev := range h.Events {
		outcome := 0.0
		if ev.Success {
			outcome = 100.0
		}
		trust = trustAlpha*outcome + (1-trustAlpha)*trust
	}
	return trust
}

// Clone returns a deep copy of the history.
func (h *History) Clone() *History {
	out := &History{
		PrincipalID: h.PrincipalID,
		UpdatedAt:   h.UpdatedAt,
	}
	if h.Events != nil {
		out.Events = make([]AccessEvent, len(h.Events))
		for i, ev := range h.Events {
			out.Events[i] = ev
			if ev.Location != nil {
				loc := *ev.Location
				out.Events[i].Location = &loc
			}
		}
	}
	return out
}

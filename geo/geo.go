// Package geo provides location primitives for contextual risk scoring:
// great-circle distance, travel-speed checks, and an IP geolocation
// resolver interface. The resolver is an external collaborator; a static
// table-backed implementation is provided for tests and offline use.
package geo

import (
	"context"
	"errors"
	"math"
	"net"
	"sync"
	"time"
)

// MaxTravelSpeedKmh is the fastest plausible travel speed between two
// observations. Consecutive locations implying a higher speed indicate
// credential sharing or spoofed addresses.
const MaxTravelSpeedKmh = 1000.0

// earthRadiusKm is the mean Earth radius used by the haversine formula.
const earthRadiusKm = 6371.0

// Location is a resolved geographic position.
type Location struct {
	// Latitude in decimal degrees, positive north.
	Latitude float64 `yaml:"latitude" json:"latitude"`
	// Longitude in decimal degrees, positive east.
	Longitude float64 `yaml:"longitude" json:"longitude"`
	// City is the resolved city name, if known.
	City string `yaml:"city,omitempty" json:"city,omitempty"`
	// Country is the ISO 3166-1 alpha-2 country code, if known.
	Country string `yaml:"country,omitempty" json:"country,omitempty"`
}

// Observation is a location seen at a point in time.
type Observation struct {
	Location Location  `json:"location"`
	SeenAt   time.Time `json:"seen_at"`
}

// DistanceKm returns the great-circle distance between two locations in
// kilometers, using the haversine formula.
func DistanceKm(a, b Location) float64 {
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Latitude*math.Pi/180)*math.Cos(b.Latitude*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// SpeedKmh returns the implied travel speed between two observations.
// Returns 0 when the observations are simultaneous or out of order, so
// callers treat unordered data as benign rather than impossible.
func SpeedKmh(from, to Observation) float64 {
	elapsed := to.SeenAt.Sub(from.SeenAt)
	if elapsed <= 0 {
		return 0
	}
	distance := DistanceKm(from.Location, to.Location)
	return distance / elapsed.Hours()
}

// IsImpossibleTravel reports whether moving between the two observations
// would require exceeding MaxTravelSpeedKmh.
func IsImpossibleTravel(from, to Observation) bool {
	return SpeedKmh(from, to) > MaxTravelSpeedKmh
}

// ErrUnknownAddress is returned by resolvers for addresses with no
// location data.
var ErrUnknownAddress = errors.New("no location data for address")

// Resolver maps an IP address to a geographic location.
type Resolver interface {
	// Resolve returns the location for the given IP address, or
	// ErrUnknownAddress if the address cannot be resolved.
	Resolve(ctx context.Context, ip string) (*Location, error)
}

// StaticResolver resolves addresses from a fixed CIDR table. Longest
// prefix wins. Safe for concurrent use.
type StaticResolver struct {
	mu      sync.RWMutex
	entries []staticEntry
}

type staticEntry struct {
	network  *net.IPNet
	location Location
}

// NewStaticResolver creates an empty static resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{}
}

// Add registers a CIDR block with its location. Returns an error if the
// CIDR cannot be parsed.
func (r *StaticResolver) Add(cidr string, loc Location) error {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, staticEntry{network: network, location: loc})
	return nil
}

// Resolve returns the location of the longest matching CIDR block.
func (r *StaticResolver) Resolve(ctx context.Context, ip string) (*Location, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, ErrUnknownAddress
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *staticEntry
	bestBits := -1
	for i := range r.entries {
		entry := &r.entries[i]
		if !entry.network.Contains(parsed) {
			continue
		}
		ones, _ := entry.network.Mask.Size()
		if ones > bestBits {
			best = entry
			bestBits = ones
		}
	}
	if best == nil {
		return nil, ErrUnknownAddress
	}
	loc := best.location
	return &loc, nil
}

// Verify interface compliance.
var _ Resolver = (*StaticResolver)(nil)

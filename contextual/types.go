// Package contextual scores the circumstances of an access request:
// device health, network security, time-of-day appropriateness, location
// risk, and historical trust. The five factors combine into a weighted
// context score in [0,100]; a score below the step-up threshold marks the
// request for stronger authentication.
//
// Scoring consults a per-principal access history (a bounded ring of
// recent events) for typical hours, frequent addresses, known locations,
// and the smoothed success rate. The history also feeds the
// impossible-travel detector: two observations implying a travel speed
// above the plausible maximum flag the request.
package contextual

import (
	"time"
)

// Factor weights. They sum to 1 so the overall score stays in [0,100].
const (
	WeightDeviceHealth    = 0.25
	WeightNetwork         = 0.20
	WeightTime            = 0.15
	WeightLocation        = 0.20
	WeightHistoricalTrust = 0.20
)

// StepUpThreshold is the context score below which the request requires
// step-up authentication.
const StepUpThreshold = 60.0

// NetworkType classifies the network a request arrives from.
type NetworkType string

const (
	// NetworkCampusWifi is the managed campus wireless network.
	NetworkCampusWifi NetworkType = "campus_wifi"
	// NetworkVPN is a connection through the institutional VPN.
	NetworkVPN NetworkType = "vpn"
	// NetworkHome is a residential network.
	NetworkHome NetworkType = "home"
	// NetworkUnknown is an unclassified network.
	NetworkUnknown NetworkType = "unknown"
	// NetworkPublic is a public or shared network.
	NetworkPublic NetworkType = "public"
)

// IsValid returns true if the NetworkType is a known value.
func (n NetworkType) IsValid() bool {
	switch n {
	case NetworkCampusWifi, NetworkVPN, NetworkHome, NetworkUnknown, NetworkPublic:
		return true
	}
	return false
}

// String returns the string representation of the NetworkType.
func (n NetworkType) String() string {
	return string(n)
}

// Score returns the base security score for the network type.
// Unrecognized values score as NetworkUnknown.
func (n NetworkType) Score() float64 {
	switch n {
	case NetworkCampusWifi:
		return 100
	case NetworkVPN:
		return 90
	case NetworkHome:
		return 60
	case NetworkPublic:
		return 20
	default:
		return 40
	}
}

// DeviceHealth reports the posture signals collected from the requesting
// device. Absent signals count as false.
type DeviceHealth struct {
	OSUpdated        bool `json:"os_updated"`
	SecuritySoftware bool `json:"security_software"`
	DiskEncrypted    bool `json:"disk_encrypted"`
	DeviceKnown      bool `json:"device_known"`
	MDMCompliant     bool `json:"mdm_compliant"`
}

// NetworkContext describes the request's network.
type NetworkContext struct {
	Type     NetworkType `json:"type"`
	VPNInUse bool        `json:"vpn_in_use"`
}

// Input carries one request's circumstances into evaluation.
type Input struct {
	// PrincipalID selects the access history to score against.
	PrincipalID string

	// Device is the requesting device's health posture.
	Device DeviceHealth

	// Network is the request's network classification.
	Network NetworkContext

	// IP is the request source address, resolved for location scoring.
	IP string

	// At is the request time for time-appropriateness scoring.
	At time.Time
}

// FactorScores holds the five sub-scores, each in [0,100].
type FactorScores struct {
	DeviceHealth    float64 `json:"device_health"`
	Network         float64 `json:"network"`
	Time            float64 `json:"time"`
	Location        float64 `json:"location"`
	HistoricalTrust float64 `json:"historical_trust"`
}

// Evaluation is the outcome of contextual scoring for one request.
type Evaluation struct {
	// Score is the weighted overall context score in [0,100].
	Score float64 `json:"score"`

	// Factors are the individual sub-scores.
	Factors FactorScores `json:"factors"`

	// RequiresStepUp is true when Score < StepUpThreshold.
	RequiresStepUp bool `json:"requires_step_up_auth"`

	// ImpossibleTravel is true when the request location implies travel
	// faster than the plausible maximum from the last observation.
	ImpossibleTravel bool `json:"impossible_travel"`

	// Recommendations suggest how the principal can raise the dominant
	// weak factor.
	Recommendations []string `json:"recommendations,omitempty"`
}

// Package device implements Citadel's device fingerprint registry.
// Fingerprints are derived from browser and system characteristics,
// hashed canonically, stored encrypted, and scored for trust. Validation
// compares fresh characteristics against registered devices and adjusts
// trust accordingly.
//
// # Device ID Format
//
// Device IDs are 32-character lowercase hexadecimal strings (128 bits of
// entropy), providing unique identification for fingerprint correlation.
//
// # Trust Lifecycle
//
// Devices register with a trust score of 100 (capped at 60 when anomalies
// are detected). Each approved validation adds 5, each mismatch subtracts
// 10, clamped to [0,100]. Devices not verified for 90 days are marked
// inactive by a periodic sweep. Blocked devices never validate.
package device

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"regexp"
	"time"
)

const (
	// DeviceIDLength is the exact length for device IDs (32 hex chars = 128 bits).
	DeviceIDLength = 32

	// InitialTrustScore is assigned at registration.
	InitialTrustScore = 100
	// AnomalousTrustCap bounds the initial trust score when registration
	// anomalies are detected.
	AnomalousTrustCap = 60
	// TrustRewardOnApproval is added after an approved validation.
	TrustRewardOnApproval = 5
	// TrustPenaltyOnMismatch is subtracted after a failed validation.
	TrustPenaltyOnMismatch = 10

	// ApprovalThreshold is the minimum similarity for an approved validation.
	ApprovalThreshold = 85.0

	// ExpiryWindow is how long a device may go unverified before the
	// sweep marks it inactive.
	ExpiryWindow = 90 * 24 * time.Hour

	// MaxActiveDevices is the per-principal cap without MFA verification.
	MaxActiveDevices = 3
)

// Status represents the lifecycle state of a registered device.
type Status string

const (
	// StatusActive indicates the device participates in validation.
	StatusActive Status = "active"
	// StatusInactive indicates the device expired from the verification
	// sweep and no longer counts against the device cap.
	StatusInactive Status = "inactive"
	// StatusBlocked indicates the device was blocked by automated response
	// or an administrator. Blocked devices never validate.
	StatusBlocked Status = "blocked"
	// StatusQuarantined indicates the stored record failed decryption.
	// Quarantined devices are withdrawn from validation entirely and
	// only leave quarantine through re-registration.
	StatusQuarantined Status = "quarantined"
)

// IsValid returns true if the Status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusBlocked, StatusQuarantined:
		return true
	}
	return false
}

// String returns the string representation of the Status.
func (s Status) String() string {
	return string(s)
}

// deviceIDRegex matches valid device IDs (32 lowercase hex chars).
var deviceIDRegex = regexp.MustCompile(`^[0-9a-f]{32}$`)

// NewDeviceID generates a new 32-character lowercase hex device ID.
// It uses crypto/rand for cryptographic randomness.
func NewDeviceID() string {
	// Generate 16 random bytes (128 bits of entropy)
	bytes := make([]byte, 16)
	_, err := rand.Read(bytes)
	if err != nil {
		// This should never happen with crypto/rand
		// Fall back to zeros rather than panic
		return "00000000000000000000000000000000"
	}

	// Encode as 32-character lowercase hex string
	return hex.EncodeToString(bytes)
}

// ValidateDeviceID checks if the given string is a valid device ID.
// A valid device ID is exactly 32 lowercase hexadecimal characters.
func ValidateDeviceID(id string) bool {
	return deviceIDRegex.MatchString(id)
}

// CanvasCharacteristics captures the canvas rendering fingerprint.
type CanvasCharacteristics struct {
	// Hash is the canvas rendering hash reported by the client.
	Hash string `json:"hash"`
	// Confidence is the client's confidence in the hash, in [0,100].
	// Values below 50 are treated as an anomaly at registration.
	Confidence int `json:"confidence"`
}

// WebGLCharacteristics captures the WebGL stack identity. Volatile fields
// such as shader precision are dropped during normalization.
type WebGLCharacteristics struct {
	Renderer string `json:"renderer"`
	Vendor   string `json:"vendor"`
	Version  string `json:"version"`
}

// AudioCharacteristics captures the audio stack fingerprint.
type AudioCharacteristics struct {
	Hash string `json:"hash"`
}

// ScreenCharacteristics captures display geometry.
type ScreenCharacteristics struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	// PixelRatio is rounded to one decimal during normalization.
	PixelRatio float64 `json:"pixel_ratio"`
}

// SystemCharacteristics captures platform identity.
type SystemCharacteristics struct {
	Platform  string `json:"platform"`
	Language  string `json:"language"`
	Timezone  string `json:"timezone"`
	UserAgent string `json:"user_agent"`
	// CPUCores is the reported hardware concurrency. Values above 32 are
	// treated as an anomaly at registration.
	CPUCores int `json:"cpu_cores"`
}

// Characteristics is the full set of fingerprint inputs.
type Characteristics struct {
	Canvas CanvasCharacteristics `json:"canvas"`
	WebGL  WebGLCharacteristics  `json:"webgl"`
	Audio  AudioCharacteristics  `json:"audio"`
	Screen ScreenCharacteristics `json:"screen"`
	System SystemCharacteristics `json:"system"`
}

// Validate checks that the characteristics carry the minimum signal for
// fingerprinting.
func (c *Characteristics) Validate() error {
	if c.Canvas.Hash == "" {
		return errors.New("canvas hash is required")
	}
	if c.Audio.Hash == "" {
		return errors.New("audio hash is required")
	}
	if c.Screen.Width <= 0 || c.Screen.Height <= 0 {
		return errors.New("screen dimensions must be positive")
	}
	if c.System.Platform == "" {
		return errors.New("system platform is required")
	}
	return nil
}

// Fingerprint is a registered device record. Characteristics are stored
// encrypted; only the hash and derived scores cross the core boundary.
type Fingerprint struct {
	// ID is the unique device identifier (32 lowercase hex chars).
	ID string `json:"id"`

	// PrincipalID is the owning principal.
	PrincipalID string `json:"principal_id"`

	// Hash is the SHA-256 hex digest of the normalized characteristics.
	Hash string `json:"hash"`

	// Sealed is the AES-256-GCM ciphertext of the canonical
	// characteristics JSON, nonce-prefixed.
	Sealed []byte `json:"sealed"`

	// TrustScore is the running trust in [0,100].
	TrustScore int `json:"trust_score"`

	// Status is the device lifecycle state.
	Status Status `json:"status"`

	// MFAVerified is true when registration was MFA-backed. MFA-verified
	// principals may exceed the active device cap.
	MFAVerified bool `json:"mfa_verified"`

	// Warnings lists registration anomaly descriptions, if any.
	Warnings []string `json:"warnings,omitempty"`

	// RegisteredAt is when the device was registered.
	RegisteredAt time.Time `json:"registered_at"`

	// LastVerifiedAt is the most recent successful or failed validation.
	LastVerifiedAt time.Time `json:"last_verified_at"`

	// UpdatedAt is when the record was last modified (optimistic locking).
	UpdatedAt time.Time `json:"updated_at"`
}

// IsBlocked reports whether the device is blocked.
func (f *Fingerprint) IsBlocked() bool {
	return f.Status == StatusBlocked
}

// IsActive reports whether the device participates in validation and
// counts toward the active device cap.
func (f *Fingerprint) IsActive() bool {
	return f.Status == StatusActive
}

// Expired reports whether the device has gone unverified past the expiry
// window as of now.
func (f *Fingerprint) Expired(now time.Time) bool {
	return now.Sub(f.LastVerifiedAt) > ExpiryWindow
}

// clampTrust bounds a trust score to [0,100].
func clampTrust(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

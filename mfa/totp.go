package mfa

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// TOTPConfig holds one principal's TOTP enrollment.
type TOTPConfig struct {
	// Secret is the Base32-encoded shared secret.
	Secret string

	// Digits is the number of digits in the OTP (default 6).
	Digits int

	// Period is the time step in seconds (default 30).
	Period int

	// Skew is the number of adjacent time steps to accept (default 1 for clock drift).
	Skew int
}

// TOTPVerifier validates time-based one-time passwords (RFC 6238) from
// authenticator apps. Verification is stateless; Challenge only confirms
// the principal is enrolled.
type TOTPVerifier struct {
	secrets map[string]TOTPConfig // principalID -> enrollment
}

var _ Verifier = (*TOTPVerifier)(nil)

// NewTOTPVerifier creates a TOTP verifier over the given enrollments.
func NewTOTPVerifier(secrets map[string]TOTPConfig) *TOTPVerifier {
	return &TOTPVerifier{
		secrets: secrets,
	}
}

// Challenge returns a stateless challenge. The principal reads the code
// off their authenticator app; nothing is delivered.
func (v *TOTPVerifier) Challenge(ctx context.Context, principalID string) (*Challenge, error) {
	if _, exists := v.secrets[principalID]; !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotEnrolled, principalID)
	}

	now := time.Now()
	return &Challenge{
		PrincipalID: principalID,
		Method:      MethodTOTP,
		CreatedAt:   now,
		ExpiresAt:   now.Add(DefaultChallengeTTL),
	}, nil
}

// Verify checks the code against the principal's enrollment, accepting
// adjacent time steps within the configured skew.
func (v *TOTPVerifier) Verify(ctx context.Context, principalID string, code string) (bool, error) {
	config, exists := v.secrets[principalID]
	if !exists {
		return false, fmt.Errorf("%w: %s", ErrNotEnrolled, principalID)
	}

	digits := config.Digits
	if digits == 0 {
		digits = CodeLength
	}
	period := config.Period
	if period == 0 {
		period = 30
	}
	skew := config.Skew
	if skew == 0 {
		skew = 1
	}

	counter := uint64(time.Now().Unix()) / uint64(period)

	// Check the current period and adjacent periods for clock skew.
	for i := -skew; i <= skew; i++ {
		adjusted := counter
		if i < 0 {
			adjusted -= uint64(-i)
		} else {
			adjusted += uint64(i)
		}
		if generateTOTP(config.Secret, adjusted, digits) == code {
			return true, nil
		}
	}

	return false, nil
}

// generateTOTP generates a TOTP code using HMAC-SHA1 per RFC 6238.
// counter is the time counter (current unix time / period).
func generateTOTP(secret string, counter uint64, digits int) string {
	// Normalize Base32 padding before decoding.
	secret = strings.ToUpper(strings.TrimSpace(secret))
	secret = strings.TrimRight(secret, "=")
	if mod := len(secret) % 8; mod != 0 {
		secret += strings.Repeat("=", 8-mod)
	}

	key, err := base32.StdEncoding.DecodeString(secret)
	if err != nil {
		return "" // Invalid secret
	}

	counterBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(counterBytes, counter)

	h := hmac.New(sha1.New, key)
	h.Write(counterBytes)
	hash := h.Sum(nil)

	// Dynamic truncation per RFC 4226.
	offset := hash[len(hash)-1] & 0x0f
	code := binary.BigEndian.Uint32(hash[offset:offset+4]) & 0x7fffffff

	divisor := uint32(1)
	for i := 0; i < digits; i++ {
		divisor *= 10
	}

	return fmt.Sprintf("%0*d", digits, code%divisor)
}

// GenerateTOTPAtTime generates a TOTP code for a specific time.
// This is exported for testing purposes.
func GenerateTOTPAtTime(secret string, t time.Time, period int, digits int) string {
	if period == 0 {
		period = 30
	}
	if digits == 0 {
		digits = 6
	}
	counter := uint64(t.Unix()) / uint64(period)
	return generateTOTP(secret, counter, digits)
}

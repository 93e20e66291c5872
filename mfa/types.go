// Package mfa provides the second-factor verification used for session
// step-up and break-glass identity checks.
//
// # Challenge Flow
//
// 1. Challenge() opens a verification window for a principal (delivered
// codes go out through the notification dispatcher; TOTP windows are
// stateless and the principal reads the code off their authenticator).
// 2. The principal supplies the code.
// 3. Verify() checks the code against the principal's enrollment.
//
// Session step-up adds bookkeeping on top: ChallengeManager tracks the
// outstanding challenge per session so monitors can fail a session whose
// challenge times out.
//
// # Challenge ID Format
//
// Challenge IDs are 16-character lowercase hexadecimal strings (64 bits
// of entropy), the ID format used across the system.
package mfa

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"regexp"
	"time"
)

const (
	// DefaultChallengeTTL is how long a challenge remains answerable.
	// Step-up challenges that outlive this window fail the session.
	DefaultChallengeTTL = 5 * time.Minute

	// CodeLength is the number of digits in verification codes.
	CodeLength = 6

	// ChallengeIDLength is the exact length for challenge IDs (16 hex chars).
	ChallengeIDLength = 16
)

// ErrNotEnrolled is returned when a principal has no enrollment with a
// verifier (no TOTP secret, no delivery address).
var ErrNotEnrolled = errors.New("principal not enrolled for MFA")

// Method is the second-factor mechanism used for a challenge.
type Method string

const (
	// MethodTOTP is a time-based one-time password (RFC 6238).
	MethodTOTP Method = "totp"
	// MethodCode is a one-time code delivered out of band through the
	// notification layer.
	MethodCode Method = "code"
)

// IsValid returns true if the Method is a known value.
func (m Method) IsValid() bool {
	switch m {
	case MethodTOTP, MethodCode:
		return true
	}
	return false
}

// String returns the string representation of the Method.
func (m Method) String() string {
	return string(m)
}

// Challenge is an open verification window for one principal.
// TOTP challenges carry no server-side state; delivered-code challenges
// track the code sent until it is answered or expires.
type Challenge struct {
	// ID is the unique challenge identifier (16 lowercase hex chars).
	// Empty for TOTP (stateless verification).
	ID string `json:"id,omitempty"`

	// PrincipalID is the principal being challenged.
	PrincipalID string `json:"principal_id"`

	// Method is which second factor was used.
	Method Method `json:"method"`

	// ExpiresAt is when the challenge stops being answerable.
	ExpiresAt time.Time `json:"expires_at"`

	// CreatedAt is when the challenge was opened.
	CreatedAt time.Time `json:"created_at"`
}

// IsExpired returns true if the challenge has expired.
func (c *Challenge) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// Verifier is the interface for second-factor providers.
type Verifier interface {
	// Challenge opens a verification window for the principal. Delivered
	// code implementations send the code before returning; a delivery
	// failure means no challenge exists.
	Challenge(ctx context.Context, principalID string) (*Challenge, error)

	// Verify checks a code against the principal's open challenge or
	// TOTP secret. Returns (true, nil) on success, (false, nil) on a
	// wrong or expired code, (false, error) on system errors such as a
	// missing enrollment.
	Verify(ctx context.Context, principalID string, code string) (bool, error)
}

// challengeIDRegex matches valid challenge IDs (16 lowercase hex chars).
var challengeIDRegex = regexp.MustCompile(`^[0-9a-f]{16}$`)

// NewChallengeID generates a new 16-character lowercase hex challenge ID.
// It uses crypto/rand for cryptographic randomness.
func NewChallengeID() string {
	bytes := make([]byte, 8)
	_, err := rand.Read(bytes)
	if err != nil {
		// This should never happen with crypto/rand.
		// Fall back to zeros rather than panic.
		return "0000000000000000"
	}
	return hex.EncodeToString(bytes)
}

// ValidateChallengeID checks if the given string is a valid challenge ID.
func ValidateChallengeID(id string) bool {
	return challengeIDRegex.MatchString(id)
}

// Package identity verifies bearer tokens presented to Citadel and maps
// them to principal claims. Citadel does not mint long-lived identity
// tokens of its own: the campus identity provider issues JWTs, Citadel
// verifies them and afterwards speaks only in opaque session IDs.
//
// # Token Format
//
// Bearer tokens are JWS compact JWTs signed with HMAC-SHA256. The header
// carries a "kid" naming the signing key so the provider can rotate keys
// without invalidating outstanding tokens. Claims:
//
//   - sub           - principal ID (16 lowercase hex chars)
//   - role          - one of student, faculty, admin, visitor
//   - mfa_verified  - whether the provider saw a second factor at login
//   - iss, aud, exp - standard registered claims, all required
//
// Verification enforces the HS256 method allowlist, issuer, audience and
// expiry with a small clock-skew leeway. A token that parses but names an
// unknown principal ID shape or role is rejected; claims are never
// partially accepted.
package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/citadelzt/citadel/principal"
)

const (
	// DefaultIssuer is the issuer claim expected on campus tokens.
	DefaultIssuer = "citadel/identity"

	// DefaultAudience is the audience claim expected on campus tokens.
	DefaultAudience = "citadel"

	// DefaultLeeway is the clock-skew tolerance applied to exp/nbf checks.
	DefaultLeeway = 30 * time.Second
)

var (
	// ErrEmptyToken indicates an empty or whitespace-only bearer string.
	ErrEmptyToken = errors.New("bearer token is empty")

	// ErrTokenInvalid indicates the token failed signature, expiry, issuer
	// or audience verification.
	ErrTokenInvalid = errors.New("bearer token is invalid")

	// ErrUnknownKey indicates the token names a signing key the keyset
	// does not hold.
	ErrUnknownKey = errors.New("token signed with unknown key")

	// ErrMissingSubject indicates the token carries no principal ID.
	ErrMissingSubject = errors.New("token subject must be a principal ID")

	// ErrInvalidRole indicates the role claim is not a known role.
	ErrInvalidRole = errors.New("token role is not a known role")
)

// Identity is the verified result of a bearer token check.
type Identity struct {
	// PrincipalID is the verified subject (16 lowercase hex chars).
	PrincipalID string

	// Role is the organizational role asserted by the identity provider.
	Role principal.Role

	// MFAVerified reports whether the provider saw a second factor at
	// login time. Session step-up challenges are tracked separately.
	MFAVerified bool
}

// Claims is the JWT claim set Citadel expects on campus bearer tokens.
type Claims struct {
	jwt.RegisteredClaims

	Role        string `json:"role"`
	MFAVerified bool   `json:"mfa_verified"`
}

// NewClaims builds a claim set for principalID valid for ttl from now.
// Used by the local token command and by tests; production tokens come
// from the identity provider.
func NewClaims(principalID string, role principal.Role, mfaVerified bool, ttl time.Duration) Claims {
	now := time.Now().UTC()
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID,
			Issuer:    DefaultIssuer,
			Audience:  jwt.ClaimStrings{DefaultAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:        string(role),
		MFAVerified: mfaVerified,
	}
}

// identity converts verified claims into an Identity, rejecting claim
// values that do not name a well-formed principal.
func (c *Claims) identity() (*Identity, error) {
	if !principal.ValidatePrincipalID(c.Subject) {
		return nil, ErrMissingSubject
	}
	role := principal.Role(c.Role)
	if !role.IsValid() {
		return nil, ErrInvalidRole
	}
	return &Identity{
		PrincipalID: c.Subject,
		Role:        role,
		MFAVerified: c.MFAVerified,
	}, nil
}

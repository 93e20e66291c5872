package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier checks a bearer token and returns the identity it asserts.
type Verifier interface {
	Verify(ctx context.Context, bearer string) (*Identity, error)
}

// TokenVerifier verifies HS256 JWTs against a Keyset.
type TokenVerifier struct {
	keys     *Keyset
	issuer   string
	audience string
	parser   []jwt.ParserOption
}

var _ Verifier = (*TokenVerifier)(nil)

// NewTokenVerifier creates a verifier bound to an issuer and audience.
// Empty issuer or audience fall back to the package defaults.
func NewTokenVerifier(keys *Keyset, issuer, audience string) *TokenVerifier {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	if audience == "" {
		audience = DefaultAudience
	}
	return &TokenVerifier{
		keys:     keys,
		issuer:   issuer,
		audience: audience,
		parser: []jwt.ParserOption{
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(DefaultLeeway),
		},
	}
}

// Verify parses and validates a bearer token. A leading "Bearer " scheme
// prefix is tolerated so HTTP Authorization values can be passed through.
func (v *TokenVerifier) Verify(ctx context.Context, bearer string) (*Identity, error) {
	_ = ctx // key material is local; no remote verification call

	raw := strings.TrimSpace(bearer)
	raw = strings.TrimPrefix(raw, "Bearer ")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyToken
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, v.keys.keyfunc(), v.parser...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims.identity()
}

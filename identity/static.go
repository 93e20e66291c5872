package identity

import (
	"context"
	"strings"
)

// StaticVerifier maps fixed bearer strings to identities. It backs tests
// and single-node evaluation setups where no identity provider exists.
type StaticVerifier struct {
	identities map[string]Identity
}

var _ Verifier = (*StaticVerifier)(nil)

// NewStaticVerifier creates a verifier over a fixed token table. The map
// is copied; later mutation of the argument has no effect.
func NewStaticVerifier(tokens map[string]Identity) *StaticVerifier {
	cp := make(map[string]Identity, len(tokens))
	for bearer, id := range tokens {
		cp[bearer] = id
	}
	return &StaticVerifier{identities: cp}
}

// Verify looks the bearer up in the token table.
func (v *StaticVerifier) Verify(_ context.Context, bearer string) (*Identity, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(bearer), "Bearer "))
	if raw == "" {
		return nil, ErrEmptyToken
	}
	id, ok := v.identities[raw]
	if !ok {
		return nil, ErrTokenInvalid
	}
	cp := id
	return &cp, nil
}

package identity

import (
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretBytes is the minimum HMAC secret length. 32 bytes matches the
// HS256 hash width; shorter secrets weaken the MAC.
const MinSecretBytes = 32

// Keyset holds the HMAC secrets trusted for token verification, keyed by
// kid. New tokens are signed with the current key; verification accepts
// any held key so rotation does not cut off outstanding tokens.
type Keyset struct {
	mu         sync.RWMutex
	currentKID string
	secrets    map[string][]byte
}

// NewKeyset creates a keyset with a single active key.
func NewKeyset(kid string, secret []byte) (*Keyset, error) {
	ks := &Keyset{secrets: make(map[string][]byte)}
	if err := ks.Add(kid, secret); err != nil {
		return nil, err
	}
	return ks, nil
}

// Add registers a key and makes it the active signing key. Previously
// added keys remain valid for verification.
func (ks *Keyset) Add(kid string, secret []byte) error {
	if kid == "" {
		return fmt.Errorf("key ID cannot be empty")
	}
	if len(secret) < MinSecretBytes {
		return fmt.Errorf("secret for key %q is %d bytes, need at least %d", kid, len(secret), MinSecretBytes)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	cp := make([]byte, len(secret))
	copy(cp, secret)
	ks.secrets[kid] = cp
	ks.currentKID = kid
	return nil
}

// Sign creates a compact HS256 JWT with the active key. The kid header
// names the key so verifiers can resolve it after rotation.
func (ks *Keyset) Sign(claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	kid := ks.currentKID
	secret := ks.secrets[kid]
	ks.mu.RUnlock()

	if secret == nil {
		return "", fmt.Errorf("keyset has no active key")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = kid
	return token.SignedString(secret)
}

// keyfunc resolves the verification key from the token header. Only the
// HMAC method family is accepted; the parser additionally pins HS256.
func (ks *Keyset) keyfunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: missing kid header", ErrUnknownKey)
		}

		ks.mu.RLock()
		defer ks.mu.RUnlock()
		secret, exists := ks.secrets[kid]
		if !exists {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
		}
		return secret, nil
	}
}

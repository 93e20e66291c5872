// Fuzz tests for bearer token verification. Verification handles
// attacker-supplied strings directly off the wire, so parsing must never
// panic and must never yield a malformed identity.
//
// Run fuzz tests:
//
//	go test -fuzz=FuzzVerify -fuzztime=30s ./identity/...
package identity

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/citadelzt/citadel/principal"
)

func FuzzVerify(f *testing.F) {
	ks, err := NewKeyset("fuzz-key", testSecret("f"))
	if err != nil {
		f.Fatalf("NewKeyset: %v", err)
	}
	verifier := NewTokenVerifier(ks, "", "")

	valid, err := ks.Sign(NewClaims("a1b2c3d4e5f60718", principal.RoleStudent, false, time.Hour))
	if err != nil {
		f.Fatalf("Sign: %v", err)
	}

	seeds := []string{
		// A genuine token and near-misses of it
		valid,
		"Bearer " + valid,
		valid[:len(valid)-2],
		strings.ToUpper(valid),

		// Structural garbage
		"",
		".",
		"..",
		"...",
		"a.b.c",
		"a.b.c.d",
		"Bearer",
		"Bearer ",

		// Header/payload fragments
		"eyJhbGciOiJub25lIn0..",
		"eyJhbGciOiJIUzI1NiJ9.e30.",

		// Injection and encoding attempts
		"token\x00null",
		"token\ninjection",
		"%2e%2e%2f",
		"𝖺𝖽𝗆𝗂𝗇",
		strings.Repeat(".", 1000),
		strings.Repeat("eyJ", 5000),
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, bearer string) {
		id, err := verifier.Verify(context.Background(), bearer)

		if err != nil {
			if id != nil {
				t.Errorf("Verify returned identity alongside error for %q", bearer)
			}
			return
		}

		// Anything accepted must be a fully formed identity.
		if !principal.ValidatePrincipalID(id.PrincipalID) {
			t.Errorf("accepted token with invalid principal ID %q", id.PrincipalID)
		}
		if !id.Role.IsValid() {
			t.Errorf("accepted token with invalid role %q", id.Role)
		}
	})
}

package device

import (
	"regexp"

	"github.com/denisbrodbeck/machineid"
)

// AppID is the application-specific key for HMAC hashing of machine IDs.
// This ensures the identity is unique to Citadel and cannot be correlated
// with other applications using the same machine ID library.
const AppID = "citadel-device-registry"

// machineIdentityRegex matches valid machine identities (64 lowercase hex
// chars, SHA-256 output).
var machineIdentityRegex = regexp.MustCompile(`^[0-9a-f]{64}$`)

// MachineIdentity returns a stable, hashed identifier for this machine.
//
// The identity feeds the local collector's derived characteristics; the
// raw machine ID is never exposed. machineid.ProtectedID returns
// HMAC-SHA256(AppID, machineID) as a 64-character lowercase hex string,
// so a different AppID yields an unrelated identity.
//
// On error, returns an empty string rather than generating a random ID;
// a random identity would defeat cross-enrollment correlation.
func MachineIdentity() (string, error) {
	id, err := machineid.ProtectedID(AppID)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ValidateMachineIdentity checks if the given string is a valid machine
// identity (exactly 64 lowercase hexadecimal characters).
func ValidateMachineIdentity(id string) bool {
	return machineIdentityRegex.MatchString(id)
}

package logging

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/citadelzt/citadel/iso8601"
)

// MinKeyLength is the minimum required length for HMAC-SHA256 secret keys.
// 32 bytes (256 bits) matches the SHA256 output size.
const MinKeyLength = 32

// ErrKeyTooShort is returned when the secret key is shorter than MinKeyLength.
var ErrKeyTooShort = errors.New("secret key must be at least 32 bytes")

// SignatureConfig holds configuration for log signing.
type SignatureConfig struct {
	KeyID     string // Identifier for the signing key (for key rotation)
	SecretKey []byte // HMAC-SHA256 secret key (32 bytes recommended)
}

// Validate checks that the configuration is valid.
func (c *SignatureConfig) Validate() error {
	if len(c.SecretKey) < MinKeyLength {
		return ErrKeyTooShort
	}
	return nil
}

// SignedEntry wraps a log entry with its cryptographic signature.
type SignedEntry struct {
	Entry     any    `json:"entry"`     // The original log entry (any type)
	Signature string `json:"signature"` // Hex-encoded HMAC-SHA256 signature
	KeyID     string `json:"key_id"`    // Key identifier for verification
	Timestamp string `json:"timestamp"` // ISO8601 timestamp when signed
}

// ComputeSignature computes HMAC-SHA256 of the entry's JSON representation.
// Returns a hex-encoded signature string.
func ComputeSignature(entry any, secretKey []byte) (string, error) {
	if len(secretKey) < MinKeyLength {
		return "", ErrKeyTooShort
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, secretKey)
	mac.Write(data)
	signature := mac.Sum(nil)

	return hex.EncodeToString(signature), nil
}

// VerifySignature verifies the HMAC-SHA256 signature of an entry using
// constant-time comparison. Returns (true, nil) if the signature is valid,
// (false, nil) if invalid, or (false, error) if the expected signature
// cannot be computed.
func VerifySignature(entry any, signature string, secretKey []byte) (bool, error) {
	expected, err := ComputeSignature(entry, secretKey)
	if err != nil {
		return false, err
	}

	providedBytes, err := hex.DecodeString(signature)
	if err != nil {
		// Invalid hex is an invalid signature, not an error.
		return false, nil
	}

	expectedBytes, err := hex.DecodeString(expected)
	if err != nil {
		return false, err
	}

	if subtle.ConstantTimeCompare(providedBytes, expectedBytes) == 1 {
		return true, nil
	}
	return false, nil
}

// signedWrapper is the exact structure the signature covers. The timestamp
// is part of the signed content for replay protection.
type signedWrapper struct {
	Entry     any    `json:"entry"`
	Timestamp string `json:"timestamp"`
	KeyID     string `json:"key_id"`
}

// NewSignedEntry creates a signed entry with the current timestamp.
func NewSignedEntry(entry any, config *SignatureConfig) (*SignedEntry, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	timestamp := iso8601.Format(time.Now())
	wrapper := signedWrapper{Entry: entry, Timestamp: timestamp, KeyID: config.KeyID}

	signature, err := ComputeSignature(wrapper, config.SecretKey)
	if err != nil {
		return nil, err
	}

	return &SignedEntry{
		Entry:     entry,
		Signature: signature,
		KeyID:     config.KeyID,
		Timestamp: timestamp,
	}, nil
}

// Verify checks the signature of a SignedEntry.
// Returns (true, nil) if valid, (false, nil) if invalid, or (false, error) on error.
func (s *SignedEntry) Verify(secretKey []byte) (bool, error) {
	wrapper := signedWrapper{Entry: s.Entry, Timestamp: s.Timestamp, KeyID: s.KeyID}
	return VerifySignature(wrapper, s.Signature, secretKey)
}

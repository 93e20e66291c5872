package device

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/gowebpki/jcs"
)

// Normalize returns a copy of the characteristics with stable casing and
// precision: strings are lowercased and trimmed, pixel ratio is rounded
// to one decimal. Volatile fields never appear in Characteristics, so
// normalization plus canonical JSON encoding yields a stable hash input.
func Normalize(c Characteristics) Characteristics {
	c.Canvas.Hash = normalizeString(c.Canvas.Hash)
	c.WebGL.Renderer = normalizeString(c.WebGL.Renderer)
	c.WebGL.Vendor = normalizeString(c.WebGL.Vendor)
	c.WebGL.Version = normalizeString(c.WebGL.Version)
	c.Audio.Hash = normalizeString(c.Audio.Hash)
	c.Screen.PixelRatio = math.Round(c.Screen.PixelRatio*10) / 10
	c.System.Platform = normalizeString(c.System.Platform)
	c.System.Language = normalizeString(c.System.Language)
	c.System.Timezone = normalizeString(c.System.Timezone)
	c.System.UserAgent = normalizeString(c.System.UserAgent)
	return c
}

func normalizeString(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// CanonicalJSON encodes the normalized characteristics as RFC 8785
// canonical JSON, giving a byte-stable encoding with sorted keys.
func CanonicalJSON(c Characteristics) ([]byte, error) {
	normalized := Normalize(c)
	raw, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("encoding characteristics: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing characteristics: %w", err)
	}
	return canonical, nil
}

// Hash computes the SHA-256 hex digest of the canonical characteristics
// encoding. Identical characteristics always produce identical hashes.
func Hash(c Characteristics) (string, error) {
	canonical, err := CanonicalJSON(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

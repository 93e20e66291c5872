package device

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// KeySize is the required cipher key length for AES-256.
const KeySize = 32

// ErrKeySize is returned when the cipher key is not 32 bytes.
var ErrKeySize = errors.New("cipher key must be 32 bytes for AES-256")

// ErrDecryptFailed is returned when a sealed blob cannot be opened,
// either from tampering or a wrong key.
var ErrDecryptFailed = errors.New("characteristics decryption failed")

// Cipher seals and opens characteristic blobs with AES-256-GCM.
// Ciphertexts are nonce-prefixed. Safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts the canonical JSON encoding of the characteristics.
func (c *Cipher) Seal(chars Characteristics) ([]byte, error) {
	plaintext, err := CanonicalJSON(chars)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed blob back into characteristics.
func (c *Cipher) Open(sealed []byte) (*Characteristics, error) {
	if len(sealed) < c.aead.NonceSize() {
		return nil, ErrDecryptFailed
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	var chars Characteristics
	if err := json.Unmarshal(plaintext, &chars); err != nil {
		return nil, fmt.Errorf("decoding characteristics: %w", err)
	}
	return &chars, nil
}

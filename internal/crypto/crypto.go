// Package crypto seals the Brain's secret values at rest: stored secrets,
// provider API keys, and credential-bearing extra headers. Sealed values
// carry an "enc:" prefix, so rows written before encryption was enabled
// read back untouched and a rotation pass can tell the two apart.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const sealedPrefix = "enc:"

// Cipher seals and opens secret values with AES-256-GCM. A nil Cipher is
// valid and means encryption is disabled: Seal and Open pass values
// through untouched, so callers never branch on whether a key is
// configured.
type Cipher struct {
	key []byte
}

// New derives a Cipher from a passphrase by hashing it to a 256-bit key.
// Any non-empty string works; an empty one is an error so a deployment
// can't silently run with a blank key thinking it's encrypted.
func New(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, errors.New("encryption passphrase must not be empty")
	}

	sum := sha256.Sum256([]byte(passphrase))
	return &Cipher{key: sum[:]}, nil
}

// FromKey wraps an existing 32-byte key, e.g. one received from a cluster
// key-rotation broadcast. A nil key yields a nil Cipher (encryption
// disabled).
func FromKey(key []byte) *Cipher {
	if key == nil {
		return nil
	}
	return &Cipher{key: key}
}

// Key exposes the raw key for broadcasting a rotation to peers. nil for a
// nil Cipher.
func (c *Cipher) Key() []byte {
	if c == nil {
		return nil
	}
	return c.key
}

func (c *Cipher) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext and returns "enc:<base64(nonce||ciphertext)>".
// Empty input and a nil Cipher both pass through unchanged.
func (c *Cipher) Seal(plaintext string) (string, error) {
	if c == nil || plaintext == "" {
		return plaintext, nil
	}

	aead, err := c.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. Values without the "enc:"
// prefix, and any value under a nil Cipher, pass through unchanged.
func (c *Cipher) Open(value string) (string, error) {
	if c == nil || !IsSealed(value) {
		return value, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}

	aead, err := c.aead()
	if err != nil {
		return "", err
	}

	if len(raw) < aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]

	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plain), nil
}

// IsSealed reports whether value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

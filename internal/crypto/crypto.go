// Package crypto protects user-stored BYOK provider keys at rest and hashes
// gateway API keys for lookup. Stored provider keys are sealed with
// AES-256-GCM under a key derived from the configured passphrase; only the
// sealed form ever reaches a store.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// KeyVault seals and opens provider API keys. The AEAD is constructed once;
// a vault is safe for concurrent use.
type KeyVault struct {
	aead cipher.AEAD
}

// NewKeyVault derives an AES-256 key from the passphrase with SHA-256 and
// prepares the GCM cipher.
func NewKeyVault(passphrase string) (*KeyVault, error) {
	sum := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("init key vault: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init key vault: %w", err)
	}
	return &KeyVault{aead: aead}, nil
}

// SealProviderKey encrypts a plaintext provider key. The output is
// base64(nonce || ciphertext); sealing the same key twice yields different
// output.
func (v *KeyVault) SealProviderKey(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("seal provider key: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenProviderKey decrypts a sealed provider key. Tampered or truncated
// input, or input sealed under a different passphrase, fails.
func (v *KeyVault) OpenProviderKey(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("open provider key: %w", ErrMalformedCiphertext)
	}
	if len(raw) < v.aead.NonceSize() {
		return "", fmt.Errorf("open provider key: %w", ErrMalformedCiphertext)
	}
	nonce, ciphertext := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open provider key: %w", err)
	}
	return string(plaintext), nil
}

// HashAPIKey returns the hex SHA-256 of a gateway API key. Accounts store
// only this hash; lookups recompute it from the presented credential.
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

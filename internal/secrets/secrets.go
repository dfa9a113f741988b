// Package secrets implements the provider secrets contract: a JSON blob
// sealed with AES-GCM under a key derived via HKDF-SHA256 from the system
// context and the plugin file hash. Tampering with either the stored file or
// the context makes decryption fail.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keySize = 32

// SystemContext is the process-lifetime key material injected at startup.
// It is never read from a hidden global.
type SystemContext struct {
	ikm []byte
}

// NewSystemContext wraps raw input key material.
func NewSystemContext(material []byte) SystemContext {
	ikm := make([]byte, len(material))
	copy(ikm, material)
	return SystemContext{ikm: ikm}
}

// DeriveKey derives the 32-byte AES key for one plugin file:
// HKDF-SHA256(salt=nil, info=fileHash, ikm=system context).
func (c SystemContext) DeriveKey(fileHash string) ([]byte, error) {
	if len(c.ikm) == 0 {
		return nil, fmt.Errorf("system context is empty")
	}
	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, c.ikm, nil, []byte(fileHash))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// DerivedContext decrypts one plugin's secrets. It is handed to the plugin at
// construction time so the plaintext key never leaves this package.
type DerivedContext struct {
	key []byte
}

// Derive binds the system context to a plugin file hash.
func (c SystemContext) Derive(fileHash string) (*DerivedContext, error) {
	key, err := c.DeriveKey(fileHash)
	if err != nil {
		return nil, err
	}
	return &DerivedContext{key: key}, nil
}

// Seal encrypts a secrets map, returning the nonce and ciphertext stored in
// the code registry.
func (d *DerivedContext) Seal(values map[string]string) (nonce, ciphertext []byte, err error) {
	plaintext, err := json.Marshal(values)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal secrets: %w", err)
	}
	gcm, err := d.gcm()
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

// Open decrypts a stored nonce/ciphertext pair back into the secrets map.
func (d *DerivedContext) Open(nonce, ciphertext []byte) (map[string]string, error) {
	gcm, err := d.gcm()
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}
	values := make(map[string]string)
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secrets: %w", err)
	}
	return values, nil
}

func (d *DerivedContext) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(d.key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}
	return gcm, nil
}

// Redact masks a secret value for logs, keeping only a short prefix.
func Redact(value string) string {
	if len(value) <= 4 {
		return "[REDACTED]"
	}
	return value[:2] + "…[REDACTED]"
}

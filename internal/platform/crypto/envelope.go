// Package crypto encrypts Automation adapter credentials (webhook
// secrets, API tokens) at rest. No pack repo wires a dedicated
// secrets-encryption library for this narrow a job — AES-256-GCM from
// the standard library is the idiomatic choice and needs no additional
// dependency to get authenticated encryption with a random nonce.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// automationCredentialAAD binds every seal/open to this domain so a
// ciphertext produced for one kind of secret can't be silently reused
// as another — spec §4.6's "associated data = a fixed domain string".
const automationCredentialAAD = "geofencehq.automation.credential.v1"

// Envelope seals and opens Automation config secrets with a single
// tenant-wide key (ENCRYPTION_KEY, 32 bytes hex-encoded).
type Envelope struct {
	aead cipher.AEAD
}

// NewEnvelope builds an Envelope from a hex-encoded 32-byte key.
func NewEnvelope(keyHex string) (*Envelope, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return &Envelope{aead: aead}, nil
}

// Seal encrypts plaintext and returns nonce||ciphertext hex-encoded.
func (e *Envelope) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: read nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, plaintext, []byte(automationCredentialAAD))
	return hex.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (e *Envelope) Open(hexCiphertext string) ([]byte, error) {
	raw, err := hex.DecodeString(hexCiphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode ciphertext: %w", err)
	}
	nonceSize := e.aead.NonceSize()
	if len(raw) < nonceSize {
		return nil, fmt.Errorf("crypto: ciphertext too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, []byte(automationCredentialAAD))
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}
	return plaintext, nil
}

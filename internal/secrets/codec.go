// Package secrets encrypts and decrypts provider credentials at rest.
// The engine only ever decrypts: ciphertext is written by the surrounding
// CRM application with the same key. Plaintext lives for a single dispatch
// call and is never cached.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Codec encrypts/decrypts short secret strings.
type Codec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// DecryptionError reports malformed ciphertext or a key mismatch.
// Configuration problem, not transient: never retried.
type DecryptionError struct {
	Cause error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt credential: %v", e.Cause)
}

func (e *DecryptionError) Unwrap() error   { return e.Cause }
func (e *DecryptionError) Permanent() bool { return true }

// AESCodec is an AES-256-GCM Codec. Ciphertext is
// base64(nonce || sealed).
type AESCodec struct {
	aead cipher.AEAD
}

// NewAESCodec creates a codec from a hex-encoded 32-byte key.
func NewAESCodec(hexKey string) (*AESCodec, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &AESCodec{aead: aead}, nil
}

func (c *AESCodec) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *AESCodec) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &DecryptionError{Cause: err}
	}
	if len(raw) < c.aead.NonceSize() {
		return "", &DecryptionError{Cause: fmt.Errorf("ciphertext too short")}
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &DecryptionError{Cause: err}
	}
	return string(plaintext), nil
}

// Plaintext is a pass-through Codec for development setups that store
// tokens unencrypted.
type Plaintext struct{}

func (Plaintext) Encrypt(plaintext string) (string, error)  { return plaintext, nil }
func (Plaintext) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }

package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Encrypt encrypts plaintext using AES-GCM with the provided key.
// The key must be 16, 24, or 32 bytes for AES-128, AES-192, or AES-256.
// Returns base64-encoded ciphertext.
func Encrypt(plaintext []byte, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends the encrypted data to nonce, so we get nonce + ciphertext + tag
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts base64-encoded ciphertext using AES-GCM with the provided key.
func Decrypt(encoded string, key []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// DeriveKey derives a 32-byte AES-256 key from a passphrase with Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// EncryptedBackend encrypts every slot value before handing it to the
// wrapped backend. Keys stay in the clear.
type EncryptedBackend struct {
	inner Backend
	key   []byte
}

func NewEncryptedBackend(inner Backend, key []byte) (*EncryptedBackend, error) {
	if _, err := newGCM(key); err != nil {
		return nil, err
	}
	return &EncryptedBackend{inner: inner, key: key}, nil
}

func (e *EncryptedBackend) Get(ctx context.Context, key string) (string, bool, error) {
	encoded, ok, err := e.inner.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}
	plaintext, err := Decrypt(encoded, e.key)
	if err != nil {
		return "", false, fmt.Errorf("slot %s: %w", key, err)
	}
	return string(plaintext), true, nil
}

func (e *EncryptedBackend) SetMulti(ctx context.Context, values map[string]string) error {
	encrypted := make(map[string]string, len(values))
	for k, v := range values {
		c, err := Encrypt([]byte(v), e.key)
		if err != nil {
			return fmt.Errorf("slot %s: %w", k, err)
		}
		encrypted[k] = c
	}
	return e.inner.SetMulti(ctx, encrypted)
}

func (e *EncryptedBackend) DeleteMulti(ctx context.Context, keys ...string) error {
	return e.inner.DeleteMulti(ctx, keys...)
}

func (e *EncryptedBackend) Close() error {
	return e.inner.Close()
}

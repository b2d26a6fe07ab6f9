// Package crypt provides the bundle encryption collaborator. The pipelines
// treat encryption as opaque: it either replaces the plaintext database with
// an encrypted file in place, or leaves the bundle untouched when the
// deployment is not configured for it.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/bundle"
)

// Noop leaves the bundle's plaintext database in place.
type Noop struct{}

// EncryptDatabase is a no-op.
func (Noop) EncryptDatabase(string) error { return nil }

// AESGCM encrypts the bundle database with AES-256-GCM.
type AESGCM struct {
	key []byte
}

// NewAESGCM builds an encryptor from a 64-char hex key (32 bytes).
func NewAESGCM(hexKey string) (*AESGCM, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("crypt: key is not hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("crypt: key must be 32 bytes, got %d", len(key))
	}
	return &AESGCM{key: key}, nil
}

// EncryptDatabase seals bundleDir/db.sqlite into bundleDir/db.sqlite.enc
// (nonce prefix + ciphertext) and removes the plaintext. Atomic from the
// caller's perspective: on any failure the plaintext stays and no partial
// ciphertext file survives.
func (e *AESGCM) EncryptDatabase(bundleDir string) error {
	plainPath := filepath.Join(bundleDir, bundle.DBFileName)
	encPath := filepath.Join(bundleDir, bundle.EncDBFileName)

	plaintext, err := os.ReadFile(plainPath)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", apperr.ErrEncryptionFailed, plainPath, err)
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrEncryptionFailed, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("%w: nonce: %v", apperr.ErrEncryptionFailed, err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)

	tmp := encPath + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: write ciphertext: %v", apperr.ErrEncryptionFailed, err)
	}
	if err := os.Rename(tmp, encPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: install ciphertext: %v", apperr.ErrEncryptionFailed, err)
	}
	if err := os.Remove(plainPath); err != nil {
		return fmt.Errorf("%w: remove plaintext: %v", apperr.ErrEncryptionFailed, err)
	}
	return nil
}

// DecryptDatabase reverses EncryptDatabase, restoring bundleDir/db.sqlite.
// Kept alongside the encryptor so operators can open their own exports.
func (e *AESGCM) DecryptDatabase(bundleDir string) error {
	encPath := filepath.Join(bundleDir, bundle.EncDBFileName)
	plainPath := filepath.Join(bundleDir, bundle.DBFileName)

	sealed, err := os.ReadFile(encPath)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", apperr.ErrEncryptionFailed, encPath, err)
	}
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrEncryptionFailed, err)
	}
	if len(sealed) < gcm.NonceSize() {
		return fmt.Errorf("%w: ciphertext truncated", apperr.ErrEncryptionFailed)
	}
	plaintext, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrEncryptionFailed, err)
	}
	if err := os.WriteFile(plainPath, plaintext, 0o600); err != nil {
		return fmt.Errorf("%w: write plaintext: %v", apperr.ErrEncryptionFailed, err)
	}
	return os.Remove(encPath)
}

package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

// keyFileSize is the length of the random per-machine keyfile.
const keyFileSize = 32

// hkdfInfo binds derived keys to this purpose so the keyfile can never be
// reused verbatim as a cipher key.
var hkdfInfo = []byte("ccjk-credentials-v1")

// ErrCiphertext reports a credential that cannot be decoded or authenticated.
var ErrCiphertext = errors.New("invalid encrypted credential")

// LoadOrCreateKey returns the per-machine key material, generating the
// keyfile with owner-only permissions on first use.
func LoadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path) // nolint:gosec
	if err == nil {
		if len(data) != keyFileSize {
			return nil, fmt.Errorf("keyfile %s has %d bytes, want %d", path, len(data), keyFileSize)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read keyfile: %w", err)
	}

	key := make([]byte, keyFileSize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to write keyfile: %w", err)
	}
	return key, nil
}

// deriveKey expands the keyfile material into an AES-256 key via HKDF-SHA256.
func deriveKey(material []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, material, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("failed to derive cipher key: %w", err)
	}
	return key, nil
}

// EncryptSecret seals the plaintext with AES-256-GCM. The random nonce is
// prepended to the ciphertext and the whole blob is base64-encoded.
func EncryptSecret(material []byte, plaintext string) (string, error) {
	gcm, err := newGCM(material)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptSecret reverses EncryptSecret.
func DecryptSecret(material []byte, encoded string) (string, error) {
	gcm, err := newGCM(material)
	if err != nil {
		return "", err
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: blob shorter than nonce", ErrCiphertext)
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	return string(plaintext), nil
}

func newGCM(material []byte) (cipher.AEAD, error) {
	key, err := deriveKey(material)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

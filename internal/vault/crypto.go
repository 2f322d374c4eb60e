// Package vault provides security primitives including AES-GCM encryption and TLS certificate generation.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SealedPrefix marks a configuration value encrypted with the master key.
const SealedPrefix = "enc:"

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// ErrNoMasterKey is returned when a sealed value is found but no master key is configured.
var ErrNoMasterKey = errors.New("sealed value requires a master key")

// Encrypt takes a plaintext string and a 32-byte key, returning an encrypted hex string.
func Encrypt(plaintext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	// Nonce is prepended to the ciphertext.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(ciphertext), nil
}

// Decrypt takes the hex string and the 32-byte key to return the original text.
func Decrypt(cipherHex string, key []byte) (string, error) {
	ciphertext, err := hex.DecodeString(cipherHex)
	if err != nil {
		return "", fmt.Errorf("malformed ciphertext: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, actualCiphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, actualCiphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed (wrong key or tampered data)")
	}

	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// ParseKey decodes a master key given as 64 hex characters.
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("master key must be hex: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// IsSealed reports whether v carries the sealed prefix.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, SealedPrefix)
}

// Seal encrypts v and adds the sealed prefix. Empty and already sealed values are returned as-is.
func Seal(v string, key []byte) (string, error) {
	if v == "" || IsSealed(v) {
		return v, nil
	}
	ct, err := Encrypt(v, key)
	if err != nil {
		return "", err
	}
	return SealedPrefix + ct, nil
}

// Open decrypts a sealed value. Plain values pass through unchanged.
func Open(v string, key []byte) (string, error) {
	if !IsSealed(v) {
		return v, nil
	}
	if len(key) == 0 {
		return "", ErrNoMasterKey
	}
	return Decrypt(strings.TrimPrefix(v, SealedPrefix), key)
}

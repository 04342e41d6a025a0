// Package crypto holds the admin password hashing and the AES-GCM sealing
// used for vendor credentials at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// sealVersion prefixes every sealed blob so the format can change later.
const sealVersion byte = 1

var (
	// ErrKeySize is returned for keys that are not 16, 24 or 32 bytes.
	ErrKeySize = errors.New("key must be 16, 24 or 32 bytes")
	// ErrSealed is returned when a blob cannot be opened.
	ErrSealed = errors.New("malformed or tampered sealed data")
)

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// VerifyPassword verifies a password against a bcrypt hash. An empty hash
// never matches.
func VerifyPassword(password, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// NewKey returns a random 32-byte key in the hex form the configuration
// expects.
func NewKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

func aead(key []byte) (cipher.AEAD, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w, got %d", ErrKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext with AES-GCM. The output is version byte, nonce,
// ciphertext. associated is authenticated but not stored, so Open must be
// given the same value.
func Seal(key, plaintext, associated []byte) ([]byte, error) {
	gcm, err := aead(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 1+gcm.NonceSize(), 1+gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	out[0] = sealVersion
	if _, err := io.ReadFull(rand.Reader, out[1:]); err != nil {
		return nil, err
	}
	return gcm.Seal(out, out[1:], plaintext, associated), nil
}

// Open reverses Seal.
func Open(key, sealed, associated []byte) ([]byte, error) {
	gcm, err := aead(key)
	if err != nil {
		return nil, err
	}

	if len(sealed) < 1+gcm.NonceSize()+gcm.Overhead() || sealed[0] != sealVersion {
		return nil, ErrSealed
	}
	nonce, ct := sealed[1:1+gcm.NonceSize()], sealed[1+gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, associated)
	if err != nil {
		return nil, ErrSealed
	}
	return plain, nil
}

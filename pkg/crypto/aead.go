// Package crypto implements the cryptographic primitives of DeltaDatabase:
// AES-GCM sealing of entity payloads and RSA-OAEP wrapping of the master key
// for distribution to Processing Workers.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// NonceSize is the AES-GCM nonce length in bytes. A fresh nonce is
	// drawn from crypto/rand for every Seal; reusing one under the same key
	// breaks both confidentiality and integrity.
	NonceSize = 12

	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16

	// MasterKeySize is the required master key length (AES-256).
	MasterKeySize = 32

	// Algorithm is the value recorded in entity metadata.
	Algorithm = "AES-GCM"
)

var (
	// ErrInvalidKeySize is returned when the key is not MasterKeySize bytes.
	ErrInvalidKeySize = errors.New("invalid key size: master key must be 32 bytes")
	// ErrInvalidNonceSize is returned when the nonce is not NonceSize bytes.
	ErrInvalidNonceSize = errors.New("invalid nonce size")
	// ErrSealFailed is returned when encryption fails.
	ErrSealFailed = errors.New("seal failed")
	// ErrAuthFailed is returned when decryption or tag verification fails.
	// Callers must not distinguish tampered ciphertext from a wrong key.
	ErrAuthFailed = errors.New("authentication failed")
)

// SealResult holds the three outputs of a Seal: the ciphertext (without the
// tag), the nonce used, and the detached 16-byte authentication tag.
type SealResult struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
}

// Seal encrypts plaintext under key with AES-GCM and an empty AAD. The tag
// is split off the trailing bytes of the GCM output so blob and metadata can
// be persisted separately.
func Seal(key, plaintext []byte) (*SealResult, error) {
	if len(key) != MasterKeySize {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealFailed, err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce generation: %v", ErrSealFailed, err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	if len(sealed) < TagSize {
		return nil, fmt.Errorf("%w: output too short", ErrSealFailed)
	}

	return &SealResult{
		Ciphertext: sealed[:len(sealed)-TagSize],
		Nonce:      nonce,
		Tag:        sealed[len(sealed)-TagSize:],
	}, nil
}

// Open decrypts ciphertext under key, nonce, and detached tag. It returns
// ErrAuthFailed on any verification failure without revealing which input
// was wrong.
func Open(key, ciphertext, nonce, tag []byte) ([]byte, error) {
	if len(key) != MasterKeySize {
		return nil, ErrInvalidKeySize
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidNonceSize, NonceSize, len(nonce))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if len(tag) != gcm.Overhead() {
		return nil, ErrAuthFailed
	}

	// GCM expects the tag appended to the ciphertext.
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// GenerateKey returns a fresh random 32-byte master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

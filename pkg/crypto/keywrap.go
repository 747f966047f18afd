package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
)

// MinRSABits is the smallest RSA modulus accepted for key wrapping.
const MinRSABits = 2048

var (
	// ErrInvalidPublicKey is returned for a missing, malformed, or
	// too-small public key.
	ErrInvalidPublicKey = errors.New("invalid public key")
	// ErrInvalidPrivateKey is returned for a missing or malformed private key.
	ErrInvalidPrivateKey = errors.New("invalid private key")
	// ErrKeyWrapFailed is returned when RSA-OAEP encryption fails.
	ErrKeyWrapFailed = errors.New("key wrapping failed")
	// ErrKeyUnwrapFailed is returned when RSA-OAEP decryption fails.
	ErrKeyUnwrapFailed = errors.New("key unwrapping failed")
	// ErrInvalidPEMBlock is returned when PEM decoding fails.
	ErrInvalidPEMBlock = errors.New("failed to decode PEM block")
)

// WrapKey encrypts the master key to a Processing Worker's RSA public key
// using RSA-OAEP with SHA-256 and an empty label. Only the holder of the
// matching private key can recover it; the raw master key never travels in
// the clear.
func WrapKey(publicKey *rsa.PublicKey, keyToWrap []byte) ([]byte, error) {
	if publicKey == nil {
		return nil, ErrInvalidPublicKey
	}
	if publicKey.N.BitLen() < MinRSABits {
		return nil, fmt.Errorf("%w: modulus below %d bits", ErrInvalidPublicKey, MinRSABits)
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, publicKey, keyToWrap, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyWrapFailed, err)
	}
	return wrapped, nil
}

// UnwrapKey decrypts a wrapped master key with the worker's RSA private key.
func UnwrapKey(privateKey *rsa.PrivateKey, wrappedKey []byte) ([]byte, error) {
	if privateKey == nil {
		return nil, ErrInvalidPrivateKey
	}

	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, privateKey, wrappedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnwrapFailed, err)
	}
	return key, nil
}

// GenerateRSAKeyPair generates an RSA key pair for the subscription
// handshake. bits must be at least MinRSABits.
func GenerateRSAKeyPair(bits int) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	if bits < MinRSABits {
		return nil, nil, fmt.Errorf("key size too small: minimum %d bits", MinRSABits)
	}
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate RSA key pair: %w", err)
	}
	return privateKey, &privateKey.PublicKey, nil
}

// MarshalPublicKeyToPEM encodes an RSA public key as a PKIX PEM block for
// transmission in a SubscribeRequest.
func MarshalPublicKeyToPEM(publicKey *rsa.PublicKey) ([]byte, error) {
	if publicKey == nil {
		return nil, ErrInvalidPublicKey
	}
	der, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKeyFromPEM decodes an RSA public key from a PKIX PEM block.
func ParsePublicKeyFromPEM(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, ErrInvalidPEMBlock
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA public key", ErrInvalidPublicKey)
	}
	return rsaPub, nil
}

// Keyring holds the in-memory master key for one process. A Processing
// Worker installs the key after the Subscribe handshake; the Main Worker's
// colocated engine installs it at startup. The key is never persisted.
type Keyring struct {
	mu    sync.RWMutex
	key   []byte
	keyID string
}

// NewKeyring returns an empty Keyring. Pass a non-nil key to seed it.
func NewKeyring(key []byte, keyID string) *Keyring {
	kr := &Keyring{}
	if key != nil {
		kr.Install(key, keyID)
	}
	return kr
}

// Install replaces the held key. The slice is copied.
func (kr *Keyring) Install(key []byte, keyID string) {
	dup := make([]byte, len(key))
	copy(dup, key)
	kr.mu.Lock()
	kr.key = dup
	kr.keyID = keyID
	kr.mu.Unlock()
}

// Key returns a copy of the held key and its ID, or ok=false when no key
// has been installed yet.
func (kr *Keyring) Key() (key []byte, keyID string, ok bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	if len(kr.key) == 0 {
		return nil, "", false
	}
	dup := make([]byte, len(kr.key))
	copy(dup, kr.key)
	return dup, kr.keyID, true
}

// HasKey reports whether a key is installed.
func (kr *Keyring) HasKey() bool {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return len(kr.key) > 0
}

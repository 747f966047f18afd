// Package auth implements API-key management with role-based permissions and
// session/worker token issuance for the Main Worker.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

// Permission defines what an API key is allowed to do.
type Permission string

const (
	// PermRead allows reading entity data.
	PermRead Permission = "read"
	// PermWrite allows writing entity data.
	PermWrite Permission = "write"
	// PermAdmin grants full access including key management.
	PermAdmin Permission = "admin"
)

// AllPermissions is a convenience slice containing all permissions.
var AllPermissions = []Permission{PermRead, PermWrite, PermAdmin}

// ValidPermission reports whether p is one of the defined permissions.
func ValidPermission(p Permission) bool {
	return p == PermRead || p == PermWrite || p == PermAdmin
}

const (
	// SecretPrefix marks every generated key secret.
	SecretPrefix = "dk_"

	kdfIterations = 4096
	saltSize      = 16
)

var (
	// ErrKeyNotFound is returned when no key matches the given ID.
	ErrKeyNotFound = errors.New("key not found")
	// ErrInvalidKey is returned when a secret matches no stored key.
	// Disabled and expired keys also map here so probing cannot
	// distinguish them from unknown secrets.
	ErrInvalidKey = errors.New("invalid key")
)

// APIKey is a named API key with RBAC permissions. The raw secret is shown
// once at creation and never persisted; only the salted KDF hash is stored.
type APIKey struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Salt        string       `json:"salt"`     // hex of the 16-byte KDF salt
	KeyHash     string       `json:"key_hash"` // hex of PBKDF2-SHA256(secret, salt)
	Permissions []Permission `json:"permissions"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"` // nil = never expires
	CreatedAt   time.Time    `json:"created_at"`
	Enabled     bool         `json:"enabled"`
}

// HasPermission reports whether the key has been granted p. A key with
// PermAdmin implicitly satisfies any permission check.
func (k *APIKey) HasPermission(p Permission) bool {
	for _, granted := range k.Permissions {
		if granted == PermAdmin || granted == p {
			return true
		}
	}
	return false
}

// IsExpired reports whether the key has an expiry time that has passed.
func (k *APIKey) IsExpired() bool {
	if k.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*k.ExpiresAt)
}

func hashSecret(secret string, salt []byte) string {
	return hex.EncodeToString(pbkdf2.Key([]byte(secret), salt, kdfIterations, sha256.Size, sha256.New))
}

// KeyManager manages API keys with RBAC and optional filesystem persistence.
// Validation derives the per-key salted hash and compares in constant time,
// iterating over every record so lookup timing does not leak which secrets
// exist.
type KeyManager struct {
	mu        sync.RWMutex
	keys      map[string]*APIKey // keyed by ID
	storePath string             // JSON file path; empty = in-memory only
}

// NewKeyManager creates a KeyManager. If storePath is non-empty the manager
// loads existing keys from that file (when present) and writes updates to it.
func NewKeyManager(storePath string) (*KeyManager, error) {
	km := &KeyManager{
		keys:      make(map[string]*APIKey),
		storePath: storePath,
	}
	if storePath != "" {
		if err := km.load(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load key store: %w", err)
		}
	}
	return km, nil
}

// CreateKey generates a new API key with the supplied attributes. It returns
// the raw secret (shown only once) and the stored record.
func (km *KeyManager) CreateKey(name string, permissions []Permission, expiresAt *time.Time) (secret string, key *APIKey, err error) {
	if name == "" {
		return "", nil, fmt.Errorf("key name cannot be empty")
	}
	if len(permissions) == 0 {
		return "", nil, fmt.Errorf("at least one permission is required")
	}
	for _, p := range permissions {
		if !ValidPermission(p) {
			return "", nil, fmt.Errorf("unknown permission: %q", p)
		}
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate key secret: %w", err)
	}
	secret = SecretPrefix + hex.EncodeToString(raw)

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	apiKey := &APIKey{
		ID:          uuid.NewString(),
		Name:        name,
		Salt:        hex.EncodeToString(salt),
		KeyHash:     hashSecret(secret, salt),
		Permissions: permissions,
		ExpiresAt:   expiresAt,
		CreatedAt:   time.Now().UTC(),
		Enabled:     true,
	}

	km.mu.Lock()
	km.keys[apiKey.ID] = apiKey
	km.mu.Unlock()

	if err := km.save(); err != nil {
		log.Printf("auth: failed to persist key store: %v", err)
	}
	return secret, apiKey, nil
}

// ValidateKey checks the raw secret against every stored key and returns the
// match when the key is enabled and not expired.
func (km *KeyManager) ValidateKey(secret string) (*APIKey, error) {
	if secret == "" {
		return nil, ErrInvalidKey
	}

	km.mu.RLock()
	defer km.mu.RUnlock()

	for _, key := range km.keys {
		salt, err := hex.DecodeString(key.Salt)
		if err != nil {
			continue
		}
		derived := hashSecret(secret, salt)
		if subtle.ConstantTimeCompare([]byte(derived), []byte(key.KeyHash)) != 1 {
			continue
		}
		if !key.Enabled || key.IsExpired() {
			return nil, ErrInvalidKey
		}
		return key, nil
	}
	return nil, ErrInvalidKey
}

// RevokeKey disables the key with the given ID. The record is kept so the
// key can be inspected and the ID is not reused.
func (km *KeyManager) RevokeKey(id string) error {
	km.mu.Lock()
	key, exists := km.keys[id]
	if exists {
		key.Enabled = false
	}
	km.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	if err := km.save(); err != nil {
		log.Printf("auth: failed to persist key store: %v", err)
	}
	return nil
}

// DeleteKey permanently removes the key with the given ID.
func (km *KeyManager) DeleteKey(id string) error {
	km.mu.Lock()
	_, exists := km.keys[id]
	delete(km.keys, id)
	km.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	if err := km.save(); err != nil {
		log.Printf("auth: failed to persist key store: %v", err)
	}
	return nil
}

// GetKey returns the APIKey for the given ID.
func (km *KeyManager) GetKey(id string) (*APIKey, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	key, exists := km.keys[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	return key, nil
}

// ListKeys returns all stored API keys. Secrets are not recoverable from
// the records.
func (km *KeyManager) ListKeys() []*APIKey {
	km.mu.RLock()
	defer km.mu.RUnlock()

	out := make([]*APIKey, 0, len(km.keys))
	for _, k := range km.keys {
		out = append(out, k)
	}
	return out
}

// Count returns the number of stored API keys.
func (km *KeyManager) Count() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return len(km.keys)
}

// load reads the JSON key store from disk.
func (km *KeyManager) load() error {
	data, err := os.ReadFile(km.storePath)
	if err != nil {
		return err
	}
	var keys []*APIKey
	if err := json.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("key store is corrupt: %w", err)
	}
	km.mu.Lock()
	for _, k := range keys {
		km.keys[k.ID] = k
	}
	km.mu.Unlock()
	return nil
}

// save writes the key store atomically via a temp file and rename. A no-op
// for in-memory managers.
func (km *KeyManager) save() error {
	if km.storePath == "" {
		return nil
	}

	km.mu.RLock()
	keys := make([]*APIKey, 0, len(km.keys))
	for _, k := range km.keys {
		keys = append(keys, k)
	}
	km.mu.RUnlock()

	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key store: %w", err)
	}

	tmp := km.storePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write key store: %w", err)
	}
	if err := os.Rename(tmp, km.storePath); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("failed to save key store: %w", err)
	}
	return nil
}

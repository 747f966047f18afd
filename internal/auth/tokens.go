package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultWorkerTokenTTL is the lifetime of a Processing Worker token.
	DefaultWorkerTokenTTL = 1 * time.Hour
	// DefaultClientTokenTTL is the lifetime of a client session token.
	DefaultClientTokenTTL = 24 * time.Hour

	cleanupInterval = 1 * time.Minute
)

var (
	// ErrInvalidToken is returned for an unknown token.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned for a token past its expiry.
	ErrTokenExpired = errors.New("token expired")
)

// WorkerToken is an authenticated Processing Worker session, issued by the
// Subscribe handshake.
type WorkerToken struct {
	Token     string
	WorkerID  string
	ExpiresAt time.Time
	KeyID     string
	Tags      map[string]string
}

// ClientToken is an authenticated REST client session, issued by /api/login
// in exchange for an API key.
type ClientToken struct {
	Token       string
	KeyID       string
	ExpiresAt   time.Time
	Permissions []Permission
}

// TokenManager issues and validates worker and client tokens. Tokens are
// opaque 32-byte random strings held only in memory; a restart invalidates
// every session, which is intended.
type TokenManager struct {
	mu           sync.RWMutex
	workerTokens map[string]*WorkerToken
	clientTokens map[string]*ClientToken

	workerTokenTTL time.Duration
	clientTokenTTL time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewTokenManager creates a TokenManager with the given TTLs (zero selects
// the defaults) and starts the expiry sweeper. Call Stop on shutdown.
func NewTokenManager(workerTokenTTL, clientTokenTTL time.Duration) *TokenManager {
	if workerTokenTTL == 0 {
		workerTokenTTL = DefaultWorkerTokenTTL
	}
	if clientTokenTTL == 0 {
		clientTokenTTL = DefaultClientTokenTTL
	}

	tm := &TokenManager{
		workerTokens:   make(map[string]*WorkerToken),
		clientTokens:   make(map[string]*ClientToken),
		workerTokenTTL: workerTokenTTL,
		clientTokenTTL: clientTokenTTL,
		stop:           make(chan struct{}),
	}
	go tm.sweep()
	return tm
}

// Stop terminates the expiry sweeper.
func (tm *TokenManager) Stop() {
	tm.stopOnce.Do(func() { close(tm.stop) })
}

func generateSecureToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// GenerateWorkerToken creates a token for a Processing Worker.
func (tm *TokenManager) GenerateWorkerToken(workerID, keyID string, tags map[string]string) (*WorkerToken, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker ID cannot be empty")
	}

	token, err := generateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	wt := &WorkerToken{
		Token:     token,
		WorkerID:  workerID,
		ExpiresAt: time.Now().Add(tm.workerTokenTTL),
		KeyID:     keyID,
		Tags:      tags,
	}

	tm.mu.Lock()
	tm.workerTokens[token] = wt
	tm.mu.Unlock()
	return wt, nil
}

// GenerateClientToken creates a session token carrying the permissions of
// the API key it was exchanged for.
func (tm *TokenManager) GenerateClientToken(keyID string, permissions []Permission) (*ClientToken, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key ID cannot be empty")
	}

	token, err := generateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	ct := &ClientToken{
		Token:       token,
		KeyID:       keyID,
		ExpiresAt:   time.Now().Add(tm.clientTokenTTL),
		Permissions: permissions,
	}

	tm.mu.Lock()
	tm.clientTokens[token] = ct
	tm.mu.Unlock()
	return ct, nil
}

// ValidateWorkerToken verifies a worker token. Expired tokens are removed
// on sight.
func (tm *TokenManager) ValidateWorkerToken(token string) (*WorkerToken, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	tm.mu.RLock()
	wt, exists := tm.workerTokens[token]
	tm.mu.RUnlock()

	if !exists {
		return nil, ErrInvalidToken
	}
	if time.Now().After(wt.ExpiresAt) {
		tm.mu.Lock()
		delete(tm.workerTokens, token)
		tm.mu.Unlock()
		return nil, ErrTokenExpired
	}
	return wt, nil
}

// ValidateClientToken verifies a client session token. Expired tokens are
// removed on sight.
func (tm *TokenManager) ValidateClientToken(token string) (*ClientToken, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	tm.mu.RLock()
	ct, exists := tm.clientTokens[token]
	tm.mu.RUnlock()

	if !exists {
		return nil, ErrInvalidToken
	}
	if time.Now().After(ct.ExpiresAt) {
		tm.mu.Lock()
		delete(tm.clientTokens, token)
		tm.mu.Unlock()
		return nil, ErrTokenExpired
	}
	return ct, nil
}

// RevokeWorkerToken removes a worker token.
func (tm *TokenManager) RevokeWorkerToken(token string) {
	tm.mu.Lock()
	delete(tm.workerTokens, token)
	tm.mu.Unlock()
}

// RevokeClientToken removes a client session token (logout).
func (tm *TokenManager) RevokeClientToken(token string) {
	tm.mu.Lock()
	delete(tm.clientTokens, token)
	tm.mu.Unlock()
}

// Counts returns the number of live worker and client tokens.
func (tm *TokenManager) Counts() (workers, clients int) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.workerTokens), len(tm.clientTokens)
}

// sweep periodically removes expired tokens so abandoned sessions do not
// accumulate.
func (tm *TokenManager) sweep() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-tm.stop:
			return
		case <-ticker.C:
			now := time.Now()
			tm.mu.Lock()
			for token, wt := range tm.workerTokens {
				if now.After(wt.ExpiresAt) {
					delete(tm.workerTokens, token)
				}
			}
			for token, ct := range tm.clientTokens {
				if now.After(ct.ExpiresAt) {
					delete(tm.clientTokens, token)
				}
			}
			tm.mu.Unlock()
		}
	}
}

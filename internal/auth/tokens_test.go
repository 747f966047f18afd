package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenManager(t *testing.T, workerTTL, clientTTL time.Duration) *TokenManager {
	t.Helper()
	tm := NewTokenManager(workerTTL, clientTTL)
	t.Cleanup(tm.Stop)
	return tm
}

func TestTokenManager_WorkerTokens(t *testing.T) {
	tm := newTestTokenManager(t, 0, 0)

	wt, err := tm.GenerateWorkerToken("proc-1", "key-1", map[string]string{"grpc_addr": "127.0.0.1:50052"})
	require.NoError(t, err)
	assert.NotEmpty(t, wt.Token)

	got, err := tm.ValidateWorkerToken(wt.Token)
	require.NoError(t, err)
	assert.Equal(t, "proc-1", got.WorkerID)
	assert.Equal(t, "key-1", got.KeyID)
	assert.Equal(t, "127.0.0.1:50052", got.Tags["grpc_addr"])
}

func TestTokenManager_WorkerToken_Invalid(t *testing.T) {
	tm := newTestTokenManager(t, 0, 0)

	_, err := tm.ValidateWorkerToken("bogus")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = tm.ValidateWorkerToken("")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = tm.GenerateWorkerToken("", "key-1", nil)
	assert.Error(t, err)
}

func TestTokenManager_WorkerToken_Expiry(t *testing.T) {
	tm := newTestTokenManager(t, 10*time.Millisecond, 0)

	wt, err := tm.GenerateWorkerToken("proc-1", "key-1", nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = tm.ValidateWorkerToken(wt.Token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	// Expired tokens are removed on sight.
	workers, _ := tm.Counts()
	assert.Equal(t, 0, workers)
}

func TestTokenManager_ClientTokens(t *testing.T) {
	tm := newTestTokenManager(t, 0, 0)

	ct, err := tm.GenerateClientToken("key-id-1", []Permission{PermRead, PermWrite})
	require.NoError(t, err)

	got, err := tm.ValidateClientToken(ct.Token)
	require.NoError(t, err)
	assert.Equal(t, "key-id-1", got.KeyID)
	assert.Equal(t, []Permission{PermRead, PermWrite}, got.Permissions)
}

func TestTokenManager_ClientToken_Expiry(t *testing.T) {
	tm := newTestTokenManager(t, 0, 10*time.Millisecond)

	ct, err := tm.GenerateClientToken("key-id-1", []Permission{PermRead})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = tm.ValidateClientToken(ct.Token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokenManager_Revoke(t *testing.T) {
	tm := newTestTokenManager(t, 0, 0)

	wt, err := tm.GenerateWorkerToken("proc-1", "key-1", nil)
	require.NoError(t, err)
	ct, err := tm.GenerateClientToken("key-id-1", []Permission{PermRead})
	require.NoError(t, err)

	tm.RevokeWorkerToken(wt.Token)
	tm.RevokeClientToken(ct.Token)

	_, err = tm.ValidateWorkerToken(wt.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = tm.ValidateClientToken(ct.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenManager_TokensAreUnique(t *testing.T) {
	tm := newTestTokenManager(t, 0, 0)

	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		wt, err := tm.GenerateWorkerToken("proc-1", "key-1", nil)
		require.NoError(t, err)
		assert.False(t, seen[wt.Token])
		seen[wt.Token] = true
	}
}

func TestTokenManager_Counts(t *testing.T) {
	tm := newTestTokenManager(t, 0, 0)

	_, err := tm.GenerateWorkerToken("proc-1", "key-1", nil)
	require.NoError(t, err)
	_, err = tm.GenerateClientToken("key-id-1", []Permission{PermRead})
	require.NoError(t, err)
	_, err = tm.GenerateClientToken("key-id-2", []Permission{PermRead})
	require.NoError(t, err)

	workers, clients := tm.Counts()
	assert.Equal(t, 1, workers)
	assert.Equal(t, 2, clients)
}

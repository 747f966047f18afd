package routing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, ttl time.Duration) *Registry {
	t.Helper()
	r := NewRegistry(ttl)
	t.Cleanup(r.Stop)
	return r
}

func TestRegistry_Register(t *testing.T) {
	r := newTestRegistry(t, 0)

	rec, err := r.Register("proc-1", "key-1", []byte("wrapped"), map[string]string{"grpc_addr": "127.0.0.1:50052"})
	require.NoError(t, err)
	assert.Equal(t, "proc-1", rec.WorkerID)
	assert.Equal(t, StatusAvailable, rec.Status)
	assert.Equal(t, Fingerprint([]byte("wrapped")), rec.WrappedKeyFingerprint)
	assert.Equal(t, "key-1", rec.KeyID)
	assert.WithinDuration(t, time.Now(), rec.LastSeen, time.Second)

	_, err = r.Register("", "key-1", nil, nil)
	assert.Error(t, err)
}

func TestRegistry_Register_Resubscribe(t *testing.T) {
	r := newTestRegistry(t, 0)

	_, err := r.Register("proc-1", "key-1", []byte("old"), nil)
	require.NoError(t, err)
	r.MarkDegraded("proc-1")

	rec, err := r.Register("proc-1", "key-1", []byte("new"), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, rec.Status)
	assert.Equal(t, Fingerprint([]byte("new")), rec.WrappedKeyFingerprint)

	registered, _ := r.Counts()
	assert.Equal(t, 1, registered)
}

func TestRegistry_Next_RoundRobin(t *testing.T) {
	r := newTestRegistry(t, 0)

	for _, id := range []string{"proc-c", "proc-a", "proc-b"} {
		_, err := r.Register(id, "key-1", []byte(id), nil)
		require.NoError(t, err)
	}

	// Selection cycles in sorted worker-ID order.
	var got []string
	for i := 0; i < 6; i++ {
		rec, err := r.Next()
		require.NoError(t, err)
		got = append(got, rec.WorkerID)
	}
	assert.Equal(t, []string{"proc-a", "proc-b", "proc-c", "proc-a", "proc-b", "proc-c"}, got)
}

func TestRegistry_Next_SkipsDegraded(t *testing.T) {
	r := newTestRegistry(t, 0)

	_, err := r.Register("proc-a", "key-1", nil, nil)
	require.NoError(t, err)
	_, err = r.Register("proc-b", "key-1", nil, nil)
	require.NoError(t, err)

	r.MarkDegraded("proc-a")

	for i := 0; i < 3; i++ {
		rec, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, "proc-b", rec.WorkerID)
	}

	// Touch restores the worker to the rotation.
	r.Touch("proc-a")
	ids := map[string]bool{}
	for i := 0; i < 4; i++ {
		rec, err := r.Next()
		require.NoError(t, err)
		ids[rec.WorkerID] = true
	}
	assert.True(t, ids["proc-a"])
	assert.True(t, ids["proc-b"])
}

func TestRegistry_Next_Empty(t *testing.T) {
	r := newTestRegistry(t, 0)

	_, err := r.Next()
	assert.ErrorIs(t, err, ErrNoWorkers)
}

func TestRegistry_TTLExpiry(t *testing.T) {
	r := newTestRegistry(t, 20*time.Millisecond)

	_, err := r.Register("proc-1", "key-1", nil, nil)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	rec, ok := r.Get("proc-1")
	require.True(t, ok)
	assert.Equal(t, StatusGone, rec.Status)

	_, err = r.Next()
	assert.ErrorIs(t, err, ErrNoWorkers)

	// The record stays listed for the admin view.
	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, StatusGone, list[0].Status)

	// A heartbeat brings the worker back.
	r.Touch("proc-1")
	rec, ok = r.Get("proc-1")
	require.True(t, ok)
	assert.Equal(t, StatusAvailable, rec.Status)
}

func TestRegistry_MarkDegraded_OnlyFromAvailable(t *testing.T) {
	r := newTestRegistry(t, 20*time.Millisecond)

	_, err := r.Register("proc-1", "key-1", nil, nil)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	rec, _ := r.Get("proc-1")
	require.Equal(t, StatusGone, rec.Status)

	r.MarkDegraded("proc-1")
	rec, _ = r.Get("proc-1")
	assert.Equal(t, StatusGone, rec.Status, "Gone must not be downgraded to Degraded")
}

func TestRegistry_List_Sorted(t *testing.T) {
	r := newTestRegistry(t, 0)

	for _, id := range []string{"proc-z", "proc-a", "proc-m"} {
		_, err := r.Register(id, "key-1", nil, nil)
		require.NoError(t, err)
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "proc-a", list[0].WorkerID)
	assert.Equal(t, "proc-m", list[1].WorkerID)
	assert.Equal(t, "proc-z", list[2].WorkerID)
}

func TestRegistry_Cap(t *testing.T) {
	r := newTestRegistry(t, 0)

	for i := 0; i < MaxWorkers; i++ {
		_, err := r.Register(fmt.Sprintf("proc-%03d", i), "key-1", nil, nil)
		require.NoError(t, err)
	}

	_, err := r.Register("proc-overflow", "key-1", nil, nil)
	assert.ErrorIs(t, err, ErrRegistryFull)

	// Re-subscription of an existing worker is still accepted at the cap.
	_, err = r.Register("proc-000", "key-1", nil, nil)
	assert.NoError(t, err)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("blob-a"))
	b := Fingerprint([]byte("blob-b"))
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Fingerprint([]byte("blob-a")))
}

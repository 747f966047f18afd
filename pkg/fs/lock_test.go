package fs

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLock_SharedAllowsConcurrentReaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entity.lock")

	l1, err := NewFileLock(path)
	require.NoError(t, err)
	require.NoError(t, l1.Lock(LockShared))

	l2, err := NewFileLock(path)
	require.NoError(t, err)
	assert.NoError(t, l2.TryLock(LockShared))

	assert.NoError(t, l2.Release())
	assert.NoError(t, l1.Release())
}

func TestFileLock_ExclusiveExcludes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entity.lock")

	l1, err := NewFileLock(path)
	require.NoError(t, err)
	require.NoError(t, l1.Lock(LockExclusive))

	l2, err := NewFileLock(path)
	require.NoError(t, err)
	assert.ErrorIs(t, l2.TryLock(LockShared), ErrLockFailed)
	assert.ErrorIs(t, l2.TryLock(LockExclusive), ErrLockFailed)
	require.NoError(t, l2.Release())

	require.NoError(t, l1.Release())

	// Released lock can be re-acquired.
	l3, err := NewFileLock(path)
	require.NoError(t, err)
	assert.NoError(t, l3.TryLock(LockExclusive))
	assert.NoError(t, l3.Release())
}

func TestFileLock_SharedExcludesWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entity.lock")

	l1, err := NewFileLock(path)
	require.NoError(t, err)
	require.NoError(t, l1.Lock(LockShared))

	l2, err := NewFileLock(path)
	require.NoError(t, err)
	assert.ErrorIs(t, l2.TryLock(LockExclusive), ErrLockFailed)
	require.NoError(t, l2.Release())
	require.NoError(t, l1.Release())
}

func TestLockManager(t *testing.T) {
	s, err := NewStorage(t.TempDir())
	require.NoError(t, err)
	lm := NewLockManager(s)

	t.Run("acquire and release", func(t *testing.T) {
		lease, err := lm.Acquire("db", "k", LockExclusive)
		require.NoError(t, err)
		require.NoError(t, lease.Release())

		assert.FileExists(t, s.LockPath("db", "k"))
	})

	t.Run("try acquire contention", func(t *testing.T) {
		lease, err := lm.Acquire("db", "k", LockExclusive)
		require.NoError(t, err)

		_, err = lm.TryAcquire("db", "k", LockShared)
		assert.ErrorIs(t, err, ErrLockFailed)

		require.NoError(t, lease.Release())

		lease2, err := lm.TryAcquire("db", "k", LockShared)
		require.NoError(t, err)
		require.NoError(t, lease2.Release())
	})

	t.Run("different entities do not contend", func(t *testing.T) {
		l1, err := lm.Acquire("db", "one", LockExclusive)
		require.NoError(t, err)
		l2, err := lm.TryAcquire("db", "two", LockExclusive)
		require.NoError(t, err)

		require.NoError(t, l1.Release())
		require.NoError(t, l2.Release())
	})

	t.Run("rejects invalid names", func(t *testing.T) {
		_, err := lm.Acquire("../db", "k", LockShared)
		assert.ErrorIs(t, err, ErrInvalidName)
	})
}

func TestLockManager_WriterBlocksUntilReaderDone(t *testing.T) {
	s, err := NewStorage(t.TempDir())
	require.NoError(t, err)
	lm := NewLockManager(s)

	reader, err := lm.Acquire("db", "k", LockShared)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		writer, err := lm.Acquire("db", "k", LockExclusive)
		assert.NoError(t, err)
		if writer != nil {
			writer.Release() //nolint:errcheck
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("writer acquired while reader held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, reader.Release())

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("writer never acquired after reader released")
	}
}

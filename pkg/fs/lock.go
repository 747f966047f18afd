package fs

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrLockFailed is returned when lock acquisition fails.
	ErrLockFailed = errors.New("failed to acquire lock")
	// ErrUnlockFailed is returned when lock release fails.
	ErrUnlockFailed = errors.New("failed to release lock")
)

// LockType selects shared (read) or exclusive (write) locking.
type LockType int

const (
	// LockShared allows any number of concurrent readers.
	LockShared LockType = iota
	// LockExclusive allows exactly one writer and excludes all readers.
	LockExclusive
)

// Lease is a held lock. Release must be called on every exit path,
// including errors; callers defer it immediately after a successful
// Acquire.
type Lease interface {
	Release() error
}

// Locker grants per-entity leases. LockManager implements it with advisory
// file locks on the shared filesystem; MemoryLocks implements it with
// in-process RW mutexes for backends that have no filesystem to lock on.
type Locker interface {
	// Acquire blocks until a lease of the given type is held for the entity.
	Acquire(database, key string, lockType LockType) (Lease, error)
	// TryAcquire is the non-blocking variant; it returns ErrLockFailed when
	// the lock is contended.
	TryAcquire(database, key string, lockType LockType) (Lease, error)
}

// FileLock is an advisory lock on a dedicated lock file. Because multiple
// Processing Worker processes share the filesystem, this is the only
// mutation-ordering mechanism; in-process mutexes cannot replace it. Each
// FileLock owns its file descriptor, so concurrent shared acquisitions
// within one process coexist the same way they do across processes.
type FileLock struct {
	file   *os.File
	locked bool
}

// NewFileLock opens (creating if needed) the lock file at path. The file's
// content is irrelevant; zero-length is normal.
func NewFileLock(path string) (*FileLock, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	return &FileLock{file: file}, nil
}

// Lock blocks until the advisory lock of the given type is held.
func (fl *FileLock) Lock(lockType LockType) error {
	if err := fl.platformLock(lockType, false); err != nil {
		return fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	fl.locked = true
	return nil
}

// TryLock attempts the lock without blocking.
func (fl *FileLock) TryLock(lockType LockType) error {
	if err := fl.platformLock(lockType, true); err != nil {
		return fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	fl.locked = true
	return nil
}

// Release unlocks (if held) and closes the lock file. The lock file itself
// is never removed.
func (fl *FileLock) Release() error {
	if fl.locked {
		fl.locked = false
		if err := fl.platformUnlock(); err != nil {
			fl.file.Close() //nolint:errcheck
			return fmt.Errorf("%w: %v", ErrUnlockFailed, err)
		}
	}
	return fl.file.Close()
}

// LockManager grants advisory file-lock leases keyed by entity. Lock files
// live beside the data files as {database}_{key}.lock.
type LockManager struct {
	storage *Storage
}

// NewLockManager creates a LockManager for the given Storage.
func NewLockManager(storage *Storage) *LockManager {
	return &LockManager{storage: storage}
}

func (lm *LockManager) acquire(database, key string, lockType LockType, tryOnly bool) (Lease, error) {
	if err := ValidateName(database); err != nil {
		return nil, err
	}
	if err := ValidateName(key); err != nil {
		return nil, err
	}

	lock, err := NewFileLock(lm.storage.LockPath(database, key))
	if err != nil {
		return nil, err
	}

	if tryOnly {
		err = lock.TryLock(lockType)
	} else {
		err = lock.Lock(lockType)
	}
	if err != nil {
		lock.file.Close() //nolint:errcheck
		return nil, err
	}
	return lock, nil
}

// Acquire blocks until a lease is held for the entity.
func (lm *LockManager) Acquire(database, key string, lockType LockType) (Lease, error) {
	return lm.acquire(database, key, lockType, false)
}

// TryAcquire attempts a non-blocking acquisition.
func (lm *LockManager) TryAcquire(database, key string, lockType LockType) (Lease, error) {
	return lm.acquire(database, key, lockType, true)
}

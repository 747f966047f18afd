package fs

import "sync"

// MemoryLocks provides per-entity reader/writer leases using in-process
// RW mutexes. It satisfies Locker and is used with backends (such as
// S3Storage) that have no shared filesystem to place lock files on.
//
// MemoryLocks is single-process only. Deployments where multiple worker
// processes share one S3 bucket need a distributed lock in front of it;
// that is out of scope here.
type MemoryLocks struct {
	mu    sync.Mutex
	locks map[string]*memLockEntry
}

// memLockEntry holds the per-entity RWMutex and a reference count so the
// entry can be removed from the map when no goroutine is using it.
type memLockEntry struct {
	rw   sync.RWMutex
	refs int
}

// NewMemoryLocks creates an empty MemoryLocks.
func NewMemoryLocks() *MemoryLocks {
	return &MemoryLocks{locks: make(map[string]*memLockEntry)}
}

// memLease releases exactly once.
type memLease struct {
	once    sync.Once
	release func()
}

func (l *memLease) Release() error {
	l.once.Do(l.release)
	return nil
}

func (m *MemoryLocks) getOrCreate(id string) *memLockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[id]
	if !ok {
		entry = &memLockEntry{}
		m.locks[id] = entry
	}
	entry.refs++
	return entry
}

func (m *MemoryLocks) decRef(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.locks[id]; ok {
		entry.refs--
		if entry.refs <= 0 {
			delete(m.locks, id)
		}
	}
}

func (m *MemoryLocks) acquire(database, key string, lockType LockType, tryOnly bool) (Lease, error) {
	if err := ValidateName(database); err != nil {
		return nil, err
	}
	if err := ValidateName(key); err != nil {
		return nil, err
	}
	id := entityID(database, key)
	entry := m.getOrCreate(id)

	var unlock func()
	switch {
	case tryOnly && lockType == LockShared:
		if !entry.rw.TryRLock() {
			m.decRef(id)
			return nil, ErrLockFailed
		}
		unlock = entry.rw.RUnlock
	case tryOnly:
		if !entry.rw.TryLock() {
			m.decRef(id)
			return nil, ErrLockFailed
		}
		unlock = entry.rw.Unlock
	case lockType == LockShared:
		entry.rw.RLock()
		unlock = entry.rw.RUnlock
	default:
		entry.rw.Lock()
		unlock = entry.rw.Unlock
	}

	return &memLease{release: func() {
		unlock()
		m.decRef(id)
	}}, nil
}

// Acquire blocks until a lease of the given type is held for the entity.
func (m *MemoryLocks) Acquire(database, key string, lockType LockType) (Lease, error) {
	return m.acquire(database, key, lockType, false)
}

// TryAcquire attempts a non-blocking acquisition.
func (m *MemoryLocks) TryAcquire(database, key string, lockType LockType) (Lease, error) {
	return m.acquire(database, key, lockType, true)
}

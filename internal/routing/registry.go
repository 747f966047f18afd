// Package routing tracks subscribed Processing Workers and selects one for
// each forwarded request.
package routing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// WorkerStatus is the operational status of a Processing Worker.
type WorkerStatus string

const (
	// StatusAvailable means the worker has subscribed and is eligible for
	// forwarded requests.
	StatusAvailable WorkerStatus = "Available"
	// StatusDegraded means a forwarded request to the worker recently
	// failed; it is skipped by selection until it is seen again.
	StatusDegraded WorkerStatus = "Degraded"
	// StatusGone means the worker has not been seen within the TTL.
	StatusGone WorkerStatus = "Gone"
)

const (
	// DefaultWorkerTTL is the inactivity window after which a worker is
	// marked Gone.
	DefaultWorkerTTL = 60 * time.Second

	// MaxWorkers caps the number of registered workers.
	MaxWorkers = 256

	sweepInterval = 15 * time.Second
)

var (
	// ErrNoWorkers is returned by Next when no worker is selectable.
	ErrNoWorkers = errors.New("no available workers")
	// ErrRegistryFull is returned when the subscription cap is reached.
	ErrRegistryFull = errors.New("worker registry is full")
)

// WorkerRecord holds the registry's view of one Processing Worker.
type WorkerRecord struct {
	WorkerID string       `json:"worker_id"`
	Status   WorkerStatus `json:"status"`

	// WrappedKeyFingerprint is the hex SHA-256 of the wrapped master key
	// blob returned by Subscribe. It lets operators confirm which key a
	// worker received without the registry ever holding key material.
	WrappedKeyFingerprint string            `json:"wrapped_key_fingerprint"`
	KeyID                 string            `json:"key_id"`
	LastSeen              time.Time         `json:"last_seen"`
	Tags                  map[string]string `json:"tags,omitempty"`
}

// Fingerprint computes the hex SHA-256 fingerprint of a wrapped key blob.
func Fingerprint(wrappedKey []byte) string {
	sum := sha256.Sum256(wrappedKey)
	return hex.EncodeToString(sum[:])
}

// Registry is the Main Worker's table of subscribed Processing Workers.
// Expiry happens lazily on every lookup plus in a background sweeper, so a
// record's status is current whenever it is observed. Safe for concurrent
// use.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*WorkerRecord
	ttl     time.Duration
	rrNext  int

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a Registry with the given worker TTL (zero selects
// DefaultWorkerTTL) and starts the expiry sweeper. Call Stop on shutdown.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultWorkerTTL
	}
	r := &Registry{
		workers: make(map[string]*WorkerRecord),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go r.sweep()
	return r
}

// Stop terminates the expiry sweeper.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// TTL returns the configured inactivity window.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// expireLocked updates the record's status from its last_seen age. Caller
// holds the write lock.
func (r *Registry) expireLocked(rec *WorkerRecord, now time.Time) {
	if rec.Status != StatusGone && now.Sub(rec.LastSeen) > r.ttl {
		rec.Status = StatusGone
	}
}

// Register adds or refreshes a worker record after a successful Subscribe.
// Re-subscribing with an existing worker_id replaces the record in place and
// does not count against the cap.
func (r *Registry) Register(workerID, keyID string, wrappedKey []byte, tags map[string]string) (*WorkerRecord, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[workerID]; !exists && len(r.workers) >= MaxWorkers {
		return nil, ErrRegistryFull
	}

	rec := &WorkerRecord{
		WorkerID:              workerID,
		Status:                StatusAvailable,
		WrappedKeyFingerprint: Fingerprint(wrappedKey),
		KeyID:                 keyID,
		LastSeen:              time.Now(),
		Tags:                  tags,
	}
	r.workers[workerID] = rec
	return rec, nil
}

// Touch refreshes a worker's last_seen after it serviced an RPC, restoring
// it to Available if it had been Degraded or Gone.
func (r *Registry) Touch(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, exists := r.workers[workerID]; exists {
		rec.LastSeen = time.Now()
		rec.Status = StatusAvailable
	}
}

// MarkDegraded records a failed forward so selection skips the worker until
// it is seen again.
func (r *Registry) MarkDegraded(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, exists := r.workers[workerID]; exists && rec.Status == StatusAvailable {
		rec.Status = StatusDegraded
	}
}

// Get returns a copy of the record for workerID.
func (r *Registry) Get(workerID string) (WorkerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.workers[workerID]
	if !exists {
		return WorkerRecord{}, false
	}
	r.expireLocked(rec, time.Now())
	return *rec, true
}

// List returns a snapshot of all records, sorted by worker ID for stable
// admin output.
func (r *Registry) List() []WorkerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	out := make([]WorkerRecord, 0, len(r.workers))
	for _, rec := range r.workers {
		r.expireLocked(rec, now)
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Next selects the next Available worker round-robin. Degraded and Gone
// records are skipped.
func (r *Registry) Next() (WorkerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	ids := make([]string, 0, len(r.workers))
	for id, rec := range r.workers {
		r.expireLocked(rec, now)
		if rec.Status == StatusAvailable {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return WorkerRecord{}, ErrNoWorkers
	}
	sort.Strings(ids)

	rec := r.workers[ids[r.rrNext%len(ids)]]
	r.rrNext++
	return *rec, nil
}

// Counts returns the number of registered and Available workers.
func (r *Registry) Counts() (registered, available int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, rec := range r.workers {
		r.expireLocked(rec, now)
		if rec.Status == StatusAvailable {
			available++
		}
	}
	return len(r.workers), available
}

// sweep periodically marks stale workers Gone so the admin view stays
// current even when no requests arrive.
func (r *Registry) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			now := time.Now()
			r.mu.Lock()
			for _, rec := range r.workers {
				r.expireLocked(rec, now)
			}
			r.mu.Unlock()
		}
	}
}

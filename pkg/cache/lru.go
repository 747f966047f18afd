// Package cache implements the per-worker plaintext LRU cache. Entries have
// no expiry: the write-through discipline keeps the cache coherent with the
// store, so eviction happens only by capacity.
package cache

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize is the entry capacity used when none is configured.
const DefaultSize = 1024

// Key identifies a cached entity.
type Key struct {
	Database string
	Entity   string
}

// Entry is a cached plaintext payload with the version it was stored at.
type Entry struct {
	Data    []byte
	Version int
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Size   int    `json:"size"`
	Cap    int    `json:"cap"`
}

// Cache is a strict-LRU plaintext cache. All methods are safe for
// concurrent use.
type Cache struct {
	lru    *lru.Cache[Key, Entry]
	cap    int
	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a Cache holding at most size entries. size <= 0 selects
// DefaultSize.
func New(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	inner, err := lru.New[Key, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Cache{lru: inner, cap: size}, nil
}

// Get returns the cached entry for key, marking it most recently used.
func (c *Cache) Get(key Key) (Entry, bool) {
	entry, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return entry, ok
}

// Put stores an entry for key, evicting the least recently used entry when
// the cache is full. Callers only Put after the backing store write
// succeeded, so a cached entry is never ahead of disk.
func (c *Cache) Put(key Key, entry Entry) {
	c.lru.Add(key, entry)
}

// Remove drops the entry for key if present.
func (c *Cache) Remove(key Key) {
	c.lru.Remove(key)
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   c.lru.Len(),
		Cap:    c.cap,
	}
}

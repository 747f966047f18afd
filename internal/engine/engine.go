// Package engine implements the GET/PUT processing pipeline: schema
// validation, sealing, locking, atomic persistence, and cache publication.
// Processing Workers run it behind their Process RPC; the Main Worker can
// run the same engine colocated when no worker has subscribed.
package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"deltadb/pkg/cache"
	"deltadb/pkg/crypto"
	"deltadb/pkg/fs"
	"deltadb/pkg/schema"
)

var (
	// ErrNotFound means the entity does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrBadInput covers invalid names, schema failures, and unknown
	// operations.
	ErrBadInput = errors.New("bad input")
	// ErrNoKey means no master key is installed yet; the worker has not
	// completed its subscription handshake.
	ErrNoKey = errors.New("no master key installed")
	// ErrInternal covers crypto failures, corrupt storage, and I/O errors.
	// The cause is logged server-side, never returned to callers.
	ErrInternal = errors.New("internal error")
)

// Engine owns one worker's processing state. All methods are safe for
// concurrent use; per-entity ordering across processes comes from the
// Locker, not from anything in here.
type Engine struct {
	backend  fs.Backend
	locker   fs.Locker
	cache    *cache.Cache
	schemas  *schema.Registry
	keyring  *crypto.Keyring
	writerID string
}

// New assembles an Engine. The keyring may be empty at construction; GET
// and PUT fail with ErrNoKey until a key is installed.
func New(backend fs.Backend, locker fs.Locker, c *cache.Cache, schemas *schema.Registry, keyring *crypto.Keyring, writerID string) *Engine {
	return &Engine{
		backend:  backend,
		locker:   locker,
		cache:    c,
		schemas:  schemas,
		keyring:  keyring,
		writerID: writerID,
	}
}

// CacheStats exposes the cache counters for stats endpoints and metrics.
func (e *Engine) CacheStats() cache.Stats {
	return e.cache.Stats()
}

// Ready reports whether the master key is installed.
func (e *Engine) Ready() bool {
	return e.keyring.HasKey()
}

func validateNames(database, key string) error {
	if err := fs.ValidateName(database); err != nil {
		return fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	if err := fs.ValidateName(key); err != nil {
		return fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	return nil
}

// Put validates, seals, and persists one entity version, then publishes it
// to the cache. Returns the new version number.
func (e *Engine) Put(ctx context.Context, database, key, schemaID string, payload []byte) (int, error) {
	if err := validateNames(database, key); err != nil {
		return 0, err
	}

	if schemaID != "" {
		result, err := e.schemas.Validate(schemaID, payload)
		if err != nil {
			if errors.Is(err, schema.ErrSchemaNotFound) {
				return 0, fmt.Errorf("%w: unknown schema %q", ErrBadInput, schemaID)
			}
			return 0, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		if !result.Valid {
			first := "schema validation failed"
			if len(result.Errors) > 0 {
				first = result.Errors[0].Description
			}
			return 0, fmt.Errorf("%w: %s", ErrBadInput, first)
		}
	}

	masterKey, keyID, ok := e.keyring.Key()
	if !ok {
		return 0, ErrNoKey
	}

	sealed, err := crypto.Seal(masterKey, payload)
	if err != nil {
		return 0, fmt.Errorf("%w: seal: %v", ErrInternal, err)
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	lease, err := e.locker.Acquire(database, key, fs.LockExclusive)
	if err != nil {
		return 0, fmt.Errorf("%w: lock: %v", ErrInternal, err)
	}
	defer lease.Release() //nolint:errcheck

	version := 1
	if prev, err := e.backend.Read(database, key); err == nil {
		version = prev.Metadata.Version + 1
	} else if !errors.Is(err, fs.ErrNotFound) {
		return 0, fmt.Errorf("%w: read previous version: %v", ErrInternal, err)
	}

	metadata := fs.EntityMetadata{
		KeyID:     keyID,
		Algorithm: crypto.Algorithm,
		IV:        base64.StdEncoding.EncodeToString(sealed.Nonce),
		Tag:       base64.StdEncoding.EncodeToString(sealed.Tag),
		SchemaID:  schemaID,
		Version:   version,
		WriterID:  e.writerID,
		Timestamp: time.Now().UTC(),
		Database:  database,
		EntityKey: key,
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := e.backend.Write(database, key, sealed.Ciphertext, metadata); err != nil {
		return 0, fmt.Errorf("%w: write: %v", ErrInternal, err)
	}

	// Cache publish happens under the lock, after the renames, so the
	// cache can never be ahead of disk.
	e.cache.Put(cache.Key{Database: database, Entity: key}, cache.Entry{Data: payload, Version: version})
	return version, nil
}

// Get returns the plaintext and version of an entity, serving from the
// cache when possible.
func (e *Engine) Get(ctx context.Context, database, key string) ([]byte, int, error) {
	if err := validateNames(database, key); err != nil {
		return nil, 0, err
	}

	ck := cache.Key{Database: database, Entity: key}
	if entry, ok := e.cache.Get(ck); ok {
		return entry.Data, entry.Version, nil
	}

	masterKey, _, ok := e.keyring.Key()
	if !ok {
		return nil, 0, ErrNoKey
	}

	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	lease, err := e.locker.Acquire(database, key, fs.LockShared)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: lock: %v", ErrInternal, err)
	}
	defer lease.Release() //nolint:errcheck

	entity, err := e.backend.Read(database, key)
	if err != nil {
		if errors.Is(err, fs.ErrNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("%w: read: %v", ErrInternal, err)
	}

	nonce, err := base64.StdEncoding.DecodeString(entity.Metadata.IV)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: metadata iv", ErrInternal)
	}
	tag, err := base64.StdEncoding.DecodeString(entity.Metadata.Tag)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: metadata tag", ErrInternal)
	}

	// Open failures stay opaque: a tampered blob and a wrong key look the
	// same to the caller.
	plaintext, err := crypto.Open(masterKey, entity.Blob, nonce, tag)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: open", ErrInternal)
	}

	e.cache.Put(ck, cache.Entry{Data: plaintext, Version: entity.Metadata.Version})
	return plaintext, entity.Metadata.Version, nil
}

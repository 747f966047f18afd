package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deltadb/internal/engine"
	"deltadb/pkg/cache"
	"deltadb/pkg/crypto"
	"deltadb/pkg/fs"
	"deltadb/pkg/schema"
)

func mustCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(32)
	require.NoError(t, err)
	return c
}

func TestResolveMasterKey(t *testing.T) {
	hexKey := strings.Repeat("ab", crypto.MasterKeySize)

	t.Run("configured key is stable", func(t *testing.T) {
		key, id, err := resolveMasterKey(hexKey, "prod-1")
		require.NoError(t, err)
		assert.Len(t, key, crypto.MasterKeySize)
		assert.Equal(t, "prod-1", id)

		again, _, err := resolveMasterKey(hexKey, "prod-1")
		require.NoError(t, err)
		assert.Equal(t, key, again)
	})

	t.Run("empty config generates an ephemeral key", func(t *testing.T) {
		key, id, err := resolveMasterKey("", "")
		require.NoError(t, err)
		assert.Len(t, key, crypto.MasterKeySize)
		assert.NotEmpty(t, id)

		other, _, err := resolveMasterKey("", "")
		require.NoError(t, err)
		assert.NotEqual(t, key, other)
	})

	t.Run("rejects", func(t *testing.T) {
		_, _, err := resolveMasterKey("not-hex", "prod-1")
		assert.Error(t, err)

		_, _, err = resolveMasterKey("abcd", "prod-1")
		assert.Error(t, err)

		_, _, err = resolveMasterKey(hexKey, "")
		assert.Error(t, err)
	})
}

func TestResolveMasterKey_SurvivesRestart(t *testing.T) {
	hexKey := strings.Repeat("5c", crypto.MasterKeySize)
	ctx := context.Background()

	dir := t.TempDir()
	storage, err := fs.NewStorage(dir)
	require.NoError(t, err)

	key, id, err := resolveMasterKey(hexKey, "prod-1")
	require.NoError(t, err)
	first := engine.New(storage, fs.NewLockManager(storage), mustCache(t),
		schema.NewRegistry(storage), crypto.NewKeyring(key, id), "main-worker")

	payload := []byte(`{"v":1}`)
	_, err = first.Put(ctx, "db", "k", "", payload)
	require.NoError(t, err)

	// A second process resolving the same configuration reads what the
	// first one wrote.
	key2, id2, err := resolveMasterKey(hexKey, "prod-1")
	require.NoError(t, err)
	second := engine.New(storage, fs.NewLockManager(storage), mustCache(t),
		schema.NewRegistry(storage), crypto.NewKeyring(key2, id2), "main-worker")

	got, version, err := second.Get(ctx, "db", "k")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, 1, version)
}

package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deltadb/pkg/fs"
)

const chatSchema = `{
	"type": "object",
	"properties": {
		"chat": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"type": {"type": "string"},
					"text": {"type": "string"}
				},
				"required": ["type", "text"]
			}
		}
	},
	"required": ["chat"]
}`

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	storage, err := fs.NewStorage(t.TempDir())
	require.NoError(t, err)
	return NewRegistry(storage)
}

func TestRegistry_PutGet(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Put("chat.v1", []byte(chatSchema)))

	got, err := r.Get("chat.v1")
	require.NoError(t, err)
	assert.JSONEq(t, chatSchema, string(got))
}

func TestRegistry_Put_Rejects(t *testing.T) {
	r := newTestRegistry(t)

	t.Run("non-object template", func(t *testing.T) {
		assert.ErrorIs(t, r.Put("bad", []byte(`["not","an","object"]`)), ErrInvalidSchema)
		assert.ErrorIs(t, r.Put("bad", []byte(`"scalar"`)), ErrInvalidSchema)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		assert.ErrorIs(t, r.Put("bad", []byte(`{broken`)), ErrInvalidSchema)
	})

	t.Run("uncompilable schema", func(t *testing.T) {
		assert.ErrorIs(t, r.Put("bad", []byte(`{"type":"no-such-type"}`)), ErrInvalidSchema)
	})

	t.Run("invalid id", func(t *testing.T) {
		assert.ErrorIs(t, r.Put("../escape", []byte(chatSchema)), fs.ErrInvalidName)
	})

	// Nothing rejected may have been stored.
	ids, err := r.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRegistry_Validate(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Put("chat.v1", []byte(chatSchema)))

	t.Run("valid document", func(t *testing.T) {
		result, err := r.Validate("chat.v1", []byte(`{"chat":[{"type":"assistant","text":"hi"}]}`))
		require.NoError(t, err)
		assert.True(t, result.Valid)
		assert.Empty(t, result.Errors)
	})

	t.Run("missing required field", func(t *testing.T) {
		result, err := r.Validate("chat.v1", []byte(`{"chat":[{"type":"assistant"}]}`))
		require.NoError(t, err)
		assert.False(t, result.Valid)
		require.NotEmpty(t, result.Errors)
		assert.NotEmpty(t, result.Errors[0].Description)
	})

	t.Run("invalid JSON document", func(t *testing.T) {
		result, err := r.Validate("chat.v1", []byte(`{broken`))
		require.NoError(t, err)
		assert.False(t, result.Valid)
	})

	t.Run("empty schema id is always valid", func(t *testing.T) {
		result, err := r.Validate("", []byte(`anything, even garbage`))
		require.NoError(t, err)
		assert.True(t, result.Valid)
	})

	t.Run("unknown schema id", func(t *testing.T) {
		_, err := r.Validate("nope.v9", []byte(`{}`))
		assert.ErrorIs(t, err, ErrSchemaNotFound)
	})
}

func TestRegistry_Replace(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Put("s", []byte(`{"type":"object","required":["a"]}`)))
	result, err := r.Validate("s", []byte(`{"b":1}`))
	require.NoError(t, err)
	assert.False(t, result.Valid)

	// Replacing the template must drop the cached compilation.
	require.NoError(t, r.Put("s", []byte(`{"type":"object","required":["b"]}`)))
	result, err = r.Validate("s", []byte(`{"b":1}`))
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestRegistry_List(t *testing.T) {
	r := newTestRegistry(t)

	ids, err := r.List()
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, r.Put("chat.v1", []byte(chatSchema)))
	require.NoError(t, r.Put("chat.v2", []byte(chatSchema)))

	ids, err = r.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"chat.v1", "chat.v2"}, ids)
}

func TestRegistry_Get_NotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrSchemaNotFound)
}

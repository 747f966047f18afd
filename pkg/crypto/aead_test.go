package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeal_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	plaintext := []byte(`{"chat":[{"type":"assistant","text":"hi"}]}`)

	sealed, err := Seal(key, plaintext)
	require.NoError(t, err)
	assert.Len(t, sealed.Nonce, NonceSize)
	assert.Len(t, sealed.Tag, TagSize)
	assert.Len(t, sealed.Ciphertext, len(plaintext))
	assert.NotEqual(t, plaintext, sealed.Ciphertext)

	got, err := Open(key, sealed.Ciphertext, sealed.Nonce, sealed.Tag)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestSeal_EmptyPlaintext(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	sealed, err := Seal(key, nil)
	require.NoError(t, err)
	assert.Empty(t, sealed.Ciphertext)

	got, err := Open(key, sealed.Ciphertext, sealed.Nonce, sealed.Tag)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSeal_InvalidKeySize(t *testing.T) {
	_, err := Seal(make([]byte, 16), []byte("data"))
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestSeal_NonceUniqueness(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 256; i++ {
		sealed, err := Seal(key, []byte("same plaintext"))
		require.NoError(t, err)
		nonce := string(sealed.Nonce)
		assert.False(t, seen[nonce], "nonce reused")
		seen[nonce] = true
	}
}

func TestOpen_Tamper(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	sealed, err := Seal(key, []byte(`{"v":1}`))
	require.NoError(t, err)

	t.Run("flipped ciphertext byte", func(t *testing.T) {
		bad := append([]byte(nil), sealed.Ciphertext...)
		bad[0] ^= 0x01
		_, err := Open(key, bad, sealed.Nonce, sealed.Tag)
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("flipped tag byte", func(t *testing.T) {
		bad := append([]byte(nil), sealed.Tag...)
		bad[0] ^= 0x01
		_, err := Open(key, sealed.Ciphertext, sealed.Nonce, bad)
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("flipped nonce byte", func(t *testing.T) {
		bad := append([]byte(nil), sealed.Nonce...)
		bad[0] ^= 0x01
		_, err := Open(key, sealed.Ciphertext, bad, sealed.Tag)
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := GenerateKey()
		require.NoError(t, err)
		_, err = Open(other, sealed.Ciphertext, sealed.Nonce, sealed.Tag)
		assert.ErrorIs(t, err, ErrAuthFailed)
	})
}

func TestOpen_InvalidInputs(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	_, err = Open(key, []byte("ct"), make([]byte, 8), make([]byte, TagSize))
	assert.ErrorIs(t, err, ErrInvalidNonceSize)

	_, err = Open(key, []byte("ct"), make([]byte, NonceSize), make([]byte, 8))
	assert.ErrorIs(t, err, ErrAuthFailed)

	_, err = Open(make([]byte, 31), []byte("ct"), make([]byte, NonceSize), make([]byte, TagSize))
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestGenerateKey(t *testing.T) {
	k1, err := GenerateKey()
	require.NoError(t, err)
	k2, err := GenerateKey()
	require.NoError(t, err)

	assert.Len(t, k1, MasterKeySize)
	assert.NotEqual(t, k1, k2)
}

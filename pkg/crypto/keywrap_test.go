package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKey_RoundTrip(t *testing.T) {
	priv, pub, err := GenerateRSAKeyPair(2048)
	require.NoError(t, err)

	masterKey, err := GenerateKey()
	require.NoError(t, err)

	wrapped, err := WrapKey(pub, masterKey)
	require.NoError(t, err)
	assert.NotEqual(t, masterKey, wrapped)

	got, err := UnwrapKey(priv, wrapped)
	require.NoError(t, err)
	assert.Equal(t, masterKey, got)
}

func TestWrapKey_Invalid(t *testing.T) {
	t.Run("nil public key", func(t *testing.T) {
		_, err := WrapKey(nil, []byte("key"))
		assert.ErrorIs(t, err, ErrInvalidPublicKey)
	})

	t.Run("nil private key", func(t *testing.T) {
		_, err := UnwrapKey(nil, []byte("wrapped"))
		assert.ErrorIs(t, err, ErrInvalidPrivateKey)
	})

	t.Run("wrong private key fails to unwrap", func(t *testing.T) {
		_, pub, err := GenerateRSAKeyPair(2048)
		require.NoError(t, err)
		otherPriv, _, err := GenerateRSAKeyPair(2048)
		require.NoError(t, err)

		wrapped, err := WrapKey(pub, []byte("0123456789abcdef0123456789abcdef"))
		require.NoError(t, err)

		_, err = UnwrapKey(otherPriv, wrapped)
		assert.ErrorIs(t, err, ErrKeyUnwrapFailed)
	})
}

func TestGenerateRSAKeyPair_MinimumSize(t *testing.T) {
	_, _, err := GenerateRSAKeyPair(1024)
	assert.Error(t, err)
}

func TestPublicKeyPEM_RoundTrip(t *testing.T) {
	_, pub, err := GenerateRSAKeyPair(2048)
	require.NoError(t, err)

	pemData, err := MarshalPublicKeyToPEM(pub)
	require.NoError(t, err)
	assert.Contains(t, string(pemData), "PUBLIC KEY")

	got, err := ParsePublicKeyFromPEM(pemData)
	require.NoError(t, err)
	assert.Equal(t, pub.N, got.N)
	assert.Equal(t, pub.E, got.E)
}

func TestParsePublicKeyFromPEM_Invalid(t *testing.T) {
	_, err := ParsePublicKeyFromPEM([]byte("not pem at all"))
	assert.ErrorIs(t, err, ErrInvalidPEMBlock)
}

func TestKeyring(t *testing.T) {
	t.Run("empty keyring has no key", func(t *testing.T) {
		kr := NewKeyring(nil, "")
		assert.False(t, kr.HasKey())
		_, _, ok := kr.Key()
		assert.False(t, ok)
	})

	t.Run("install and retrieve", func(t *testing.T) {
		masterKey, err := GenerateKey()
		require.NoError(t, err)

		kr := NewKeyring(nil, "")
		kr.Install(masterKey, "key-1")

		got, keyID, ok := kr.Key()
		require.True(t, ok)
		assert.Equal(t, masterKey, got)
		assert.Equal(t, "key-1", keyID)
	})

	t.Run("returned key is a copy", func(t *testing.T) {
		masterKey, err := GenerateKey()
		require.NoError(t, err)

		kr := NewKeyring(masterKey, "key-1")
		got, _, ok := kr.Key()
		require.True(t, ok)

		got[0] ^= 0xff
		again, _, _ := kr.Key()
		assert.Equal(t, masterKey, again)
	})
}

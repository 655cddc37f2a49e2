package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowseal/rowseal/securemem/memguard"
)

func TestNewCryptoKey_WipesSource(t *testing.T) {
	source := GetRandBytes(32)
	expected := append([]byte(nil), source...)

	k, err := NewCryptoKey(new(memguard.SecretFactory), 1234, false, source)
	require.NoError(t, err)

	defer k.Close()

	assert.Equal(t, make([]byte, 32), source, "source buffer must be wiped")
	assert.Equal(t, int64(1234), k.Created())
	assert.False(t, k.Revoked())

	err = WithKey(k, func(b []byte) error {
		assert.Equal(t, expected, b)
		return nil
	})
	require.NoError(t, err)
}

func TestGenerateKey(t *testing.T) {
	k, err := GenerateKey(new(memguard.SecretFactory), 1234, 32)
	require.NoError(t, err)

	defer k.Close()

	var zero [32]byte

	err = WithKey(k, func(b []byte) error {
		assert.Len(t, b, 32)
		assert.NotEqual(t, zero[:], b)
		return nil
	})
	require.NoError(t, err)
}

func TestCryptoKey_SetRevoked(t *testing.T) {
	k := NewCryptoKeyForTest(1234, false)

	assert.False(t, k.Revoked())

	k.SetRevoked(true)
	assert.True(t, k.Revoked())

	k.SetRevoked(false)
	assert.False(t, k.Revoked())
}

func TestCryptoKey_CloseIsIdempotent(t *testing.T) {
	k, err := GenerateKey(new(memguard.SecretFactory), 1234, 32)
	require.NoError(t, err)

	k.Close()
	k.Close()

	assert.True(t, k.IsClosed())

	err = WithKey(k, func([]byte) error { return nil })
	assert.Error(t, err)
}

func TestWithKeyFunc(t *testing.T) {
	k, err := GenerateKey(new(memguard.SecretFactory), 1234, 32)
	require.NoError(t, err)

	defer k.Close()

	out, err := WithKeyFunc(k, func(b []byte) ([]byte, error) {
		return append([]byte(nil), b...), nil
	})
	require.NoError(t, err)
	assert.Len(t, out, 32)
}

func TestIsKeyExpired(t *testing.T) {
	now := time.Now().Unix()

	assert.False(t, IsKeyExpired(now, time.Hour))
	assert.True(t, IsKeyExpired(now-7200, time.Hour))
}

func TestIsKeyInvalid(t *testing.T) {
	now := time.Now().Unix()

	assert.False(t, IsKeyInvalid(NewCryptoKeyForTest(now, false), time.Hour))
	assert.True(t, IsKeyInvalid(NewCryptoKeyForTest(now, true), time.Hour))
	assert.True(t, IsKeyInvalid(NewCryptoKeyForTest(now-7200, false), time.Hour))
}

package kms

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowseal/rowseal"
	"github.com/rowseal/rowseal/pkg/crypto/aead"
)

const testMasterKey = "thisisastaticmasterkeyfortesting"

func TestNewStatic_RequiresExactKeySize(t *testing.T) {
	_, err := NewStatic("too short", aead.NewAES256GCM())
	require.Error(t, err)
	assert.True(t, errors.Is(err, rowseal.ErrInvalidConfig))

	_, err = NewStatic(strings.Repeat("k", 33), aead.NewAES256GCM())
	require.Error(t, err)
}

func TestStaticKMS_RoundTrip(t *testing.T) {
	s, err := NewStatic(testMasterKey, aead.NewAES256GCM())
	require.NoError(t, err)

	defer s.Close()

	keyBytes := []byte("anunprotectedsystemkeyof32bytes!")

	wrapped, err := s.EncryptKey(context.Background(), keyBytes)
	require.NoError(t, err)
	assert.NotEqual(t, keyBytes, wrapped)

	unwrapped, err := s.DecryptKey(context.Background(), wrapped)
	require.NoError(t, err)
	assert.Equal(t, keyBytes, unwrapped)
}

func TestStaticKMS_DecryptGarbageFails(t *testing.T) {
	s, err := NewStatic(testMasterKey, aead.NewAES256GCM())
	require.NoError(t, err)

	defer s.Close()

	_, err = s.DecryptKey(context.Background(), []byte("not a wrapped key"))
	assert.Error(t, err)
}

func TestStaticKMS_CloseIsIdempotent(t *testing.T) {
	s, err := NewStatic(testMasterKey, aead.NewAES256GCM())
	require.NoError(t, err)

	s.Close()
	s.Close()

	_, err = s.EncryptKey(context.Background(), []byte("key"))
	assert.Error(t, err)
}

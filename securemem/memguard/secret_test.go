package memguard

import (
	"io"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowseal/rowseal/securemem"
)

func TestSecretFactory_New(t *testing.T) {
	f := new(SecretFactory)

	source := []byte("sensitive key material here")
	expected := append([]byte(nil), source...)

	s, err := f.New(source)
	require.NoError(t, err)

	defer s.Close()

	err = s.WithBytes(func(b []byte) error {
		assert.Equal(t, expected, b)
		return nil
	})
	require.NoError(t, err)
}

func TestSecretFactory_CreateRandom(t *testing.T) {
	f := new(SecretFactory)

	s, err := f.CreateRandom(32)
	require.NoError(t, err)

	defer s.Close()

	err = s.WithBytes(func(b []byte) error {
		assert.Len(t, b, 32)
		assert.NotEqual(t, make([]byte, 32), b)
		return nil
	})
	require.NoError(t, err)
}

func TestSecret_WithBytesFunc(t *testing.T) {
	f := new(SecretFactory)

	s, err := f.New([]byte("abc"))
	require.NoError(t, err)

	defer s.Close()

	out, err := s.WithBytesFunc(func(b []byte) ([]byte, error) {
		return append([]byte(nil), b...), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)
}

func TestSecret_ActionErrorPropagates(t *testing.T) {
	f := new(SecretFactory)

	s, err := f.New([]byte("abc"))
	require.NoError(t, err)

	defer s.Close()

	actionErr := errors.New("action failed")

	err = s.WithBytes(func([]byte) error { return actionErr })
	assert.ErrorIs(t, err, actionErr)
}

func TestSecret_ConcurrentReaders(t *testing.T) {
	f := new(SecretFactory)

	s, err := f.New([]byte("shared secret"))
	require.NoError(t, err)

	defer s.Close()

	const readers = 16

	var wg sync.WaitGroup

	wg.Add(readers)

	for i := 0; i < readers; i++ {
		go func() {
			defer wg.Done()

			err := s.WithBytes(func(b []byte) error {
				assert.Equal(t, []byte("shared secret"), b)
				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()
}

func TestSecret_CloseIsIdempotent(t *testing.T) {
	f := new(SecretFactory)

	s, err := f.New([]byte("abc"))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.True(t, s.IsClosed())
}

func TestSecret_AccessAfterCloseFails(t *testing.T) {
	f := new(SecretFactory)

	s, err := f.New([]byte("abc"))
	require.NoError(t, err)

	require.NoError(t, s.Close())

	err = s.WithBytes(func([]byte) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, securemem.ErrSecretClosed))

	_, err = s.WithBytesFunc(func(b []byte) ([]byte, error) { return b, nil })
	assert.True(t, errors.Is(err, securemem.ErrSecretClosed))
}

func TestSecret_NewReader(t *testing.T) {
	f := new(SecretFactory)

	s, err := f.New([]byte("stream me"))
	require.NoError(t, err)

	defer s.Close()

	got, err := io.ReadAll(s.NewReader())
	require.NoError(t, err)
	assert.Equal(t, []byte("stream me"), got)
}

func TestSecret_NewWipesSource(t *testing.T) {
	f := new(SecretFactory)

	source := []byte("wipe after copy")

	s, err := f.New(source)
	require.NoError(t, err)

	defer s.Close()

	assert.Equal(t, make([]byte, len("wipe after copy")), source)
}

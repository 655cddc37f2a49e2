package protectedmemory

import (
	"io"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rowseal/rowseal/securemem"
	"github.com/rowseal/rowseal/securemem/internal/memcall"
)

func TestSecretFactory_New(t *testing.T) {
	f := new(SecretFactory)

	source := []byte("protected memory payload")
	expected := append([]byte(nil), source...)

	s, err := f.New(source)
	require.NoError(t, err)

	defer s.Close()

	// the source is wiped once copied into protected pages
	assert.Equal(t, make([]byte, len(expected)), source)

	err = s.WithBytes(func(b []byte) error {
		assert.Equal(t, expected, b)
		return nil
	})
	require.NoError(t, err)
}

func TestSecretFactory_NewRejectsEmpty(t *testing.T) {
	f := new(SecretFactory)

	_, err := f.New(nil)
	assert.Error(t, err)
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

type MockMemcall struct {
	mock.Mock
}

func (m *MockMemcall) Alloc(size int) ([]byte, error) {
	ret := m.Called(size)

	var b []byte
	if v := ret.Get(0); v != nil {
		b = v.([]byte)
	}

	return b, ret.Error(1)
}

func (m *MockMemcall) Free(b []byte) error {
	return m.Called(b).Error(0)
}

func (m *MockMemcall) Protect(b []byte, flag memcall.MemoryProtectionFlag) error {
	return m.Called(b, flag).Error(0)
}

func (m *MockMemcall) Lock(b []byte) error {
	return m.Called(b).Error(0)
}

func (m *MockMemcall) Unlock(b []byte) error {
	return m.Called(b).Error(0)
}

func TestNewSecret_LockFailureIsResourceLimit(t *testing.T) {
	mc := new(MockMemcall)

	buf := make([]byte, 32)

	mc.On("Alloc", 32).Return(buf, nil).Once()
	mc.On("Lock", buf).Return(errors.New("<memcall> could not acquire lock, limit reached?")).Once()
	mc.On("Free", buf).Return(nil).Once()

	f := &SecretFactory{mc: mc}

	_, err := f.New(make([]byte, 32))
	require.Error(t, err)
	assert.True(t, errors.Is(err, securemem.ErrResourceLimit))

	mc.AssertExpectations(t)
}

func TestNewSecret_AllocFailureRollsBack(t *testing.T) {
	mc := new(MockMemcall)

	mc.On("Alloc", 32).Return(nil, errors.New("mmap failed")).Once()

	f := &SecretFactory{mc: mc}

	_, err := f.New(make([]byte, 32))
	require.Error(t, err)
	assert.False(t, errors.Is(err, securemem.ErrResourceLimit))

	mc.AssertExpectations(t)
}

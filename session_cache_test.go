package rowseal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newSessionCacheForTest(t *testing.T, loader sessionLoaderFunc, opts ...PolicyOption) sessionCache {
	t.Helper()

	policy := NewCryptoPolicy(append([]PolicyOption{WithSessionCache()}, opts...)...)

	return newSessionCache(loader, policy)
}

func stubSessionLoader(counter *int) sessionLoaderFunc {
	return func(id string) (*Session, error) {
		*counter++

		enc := new(MockEncryption)
		enc.On("Close").Return(nil)

		return &Session{encryption: enc}, nil
	}
}

func TestSessionCache_SharesSessionsByPartition(t *testing.T) {
	var loads int

	c := newSessionCacheForTest(t, stubSessionLoader(&loads))
	defer c.Close()

	s1, err := c.Get("u1")
	require.NoError(t, err)

	s2, err := c.Get("u1")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, loads)

	s3, err := c.Get("u2")
	require.NoError(t, err)

	assert.NotSame(t, s1, s3)
	assert.Equal(t, 2, loads)
}

func TestSessionCache_WrapsEngineOnce(t *testing.T) {
	var loads int

	c := newSessionCacheForTest(t, stubSessionLoader(&loads))
	defer c.Close()

	s, err := c.Get("u1")
	require.NoError(t, err)

	shared, ok := s.encryption.(*sharedEncryption)
	require.True(t, ok)

	_, nested := shared.Encryption.(*sharedEncryption)
	assert.False(t, nested)
}

func TestSessionCache_EvictionDefersEngineCloseUntilIdle(t *testing.T) {
	engineClosed := make(chan struct{})

	enc := new(MockEncryption)
	enc.On("Close").Return(nil).Run(func(mock.Arguments) { close(engineClosed) }).Once()

	loader := func(id string) (*Session, error) {
		return &Session{encryption: enc}, nil
	}

	c := newSessionCacheForTest(t, loader)

	s1, err := c.Get("u1")
	require.NoError(t, err)

	s2, err := c.Get("u1")
	require.NoError(t, err)

	// eviction happens now, but the engine must survive until both users
	// have released the session
	c.Close()

	select {
	case <-engineClosed:
		t.Fatal("engine closed while sessions were still in use")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, s1.Close())

	select {
	case <-engineClosed:
		t.Fatal("engine closed with one session still in use")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, s2.Close())

	select {
	case <-engineClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("engine was never closed")
	}

	enc.AssertExpectations(t)
}

func TestSessionCache_DoubleSessionCloseIsHarmless(t *testing.T) {
	var loads int

	c := newSessionCacheForTest(t, stubSessionLoader(&loads))

	s1, err := c.Get("u1")
	require.NoError(t, err)

	s2, err := c.Get("u1")
	require.NoError(t, err)

	require.NoError(t, s1.Close())
	require.NoError(t, s1.Close())
	require.NoError(t, s2.Close())

	c.Close()
}

func TestSessionFactory_CachedSessions(t *testing.T) {
	factory := newTestFactory(t, testConfig(WithSessionCache()))
	defer factory.Close()

	s1, err := factory.GetSession("u1")
	require.NoError(t, err)

	s2, err := factory.GetSession("u1")
	require.NoError(t, err)

	assert.Same(t, s1, s2)

	require.NoError(t, s1.Close())
	require.NoError(t, s2.Close())
}

package rowseal

import (
	"sync"

	mango "github.com/goburrow/cache"

	"github.com/rowseal/rowseal/pkg/log"
)

// sessionCache caches sessions by partition id so bursty traffic against
// the same partition shares one engine and one set of cached keys.
type sessionCache interface {
	Get(id string) (*Session, error)
	Count() int
	Close()
}

// sessionLoaderFunc builds the session for a partition id on a cache
// miss.
type sessionLoaderFunc func(id string) (*Session, error)

// newSessionCache returns a session cache backed by a mango loading
// cache. Cached sessions are wrapped in a usage-counted engine so an
// eviction never closes an engine that callers still hold.
func newSessionCache(loader sessionLoaderFunc, policy *CryptoPolicy) sessionCache {
	wrapped := func(id string) (*Session, error) {
		s, err := loader(id)
		if err != nil {
			return nil, err
		}

		if _, ok := s.encryption.(*sharedEncryption); !ok {
			mu := new(sync.Mutex)

			s.encryption = &sharedEncryption{
				Encryption: s.encryption,
				mu:         mu,
				cond:       sync.NewCond(mu),
			}
		}

		return s, nil
	}

	return newMangoCache(wrapped, policy)
}

// mangoCache adapts a mango loading cache to the sessionCache interface.
type mangoCache struct {
	inner  mango.LoadingCache
	loader sessionLoaderFunc
}

func newMangoCache(loader sessionLoaderFunc, policy *CryptoPolicy) *mangoCache {
	return &mangoCache{
		loader: loader,
		inner: mango.NewLoadingCache(
			func(k mango.Key) (mango.Value, error) {
				return loader(k.(string))
			},
			mango.WithMaximumSize(policy.SessionCacheMaxSize),
			mango.WithExpireAfterAccess(policy.SessionCacheDuration),
			mango.WithRemovalListener(mangoRemovalListener),
		),
	}
}

// mangoRemovalListener closes an evicted session's engine once its last
// user has released it. The wait happens off the eviction path.
func mangoRemovalListener(_ mango.Key, v mango.Value) {
	go v.(*Session).encryption.(*sharedEncryption).remove()
}

func (m *mangoCache) Get(id string) (*Session, error) {
	val, err := m.inner.Get(id)
	if err != nil {
		return nil, err
	}

	sess, ok := val.(*Session)
	if !ok {
		panic("sessionCache: unexpected cached value type")
	}

	sess.encryption.(*sharedEncryption).incrementUsage()

	return sess, nil
}

func (m *mangoCache) Count() int {
	s := new(mango.Stats)
	m.inner.Stats(s)

	return int(s.LoadSuccessCount - s.EvictionCount)
}

func (m *mangoCache) Close() {
	m.inner.Close()
}

// sharedEncryption counts concurrent users of a cached session's engine.
// Session.Close decrements the count; the engine itself is closed only
// after eviction once the count reaches zero.
type sharedEncryption struct {
	Encryption

	mu      *sync.Mutex
	cond    *sync.Cond
	usage   int
	retired bool
}

func (s *sharedEncryption) incrementUsage() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.usage++
	s.retired = false
}

// Close implements the session-facing close: it releases one usage and
// wakes the removal listener when the engine becomes idle.
func (s *sharedEncryption) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cond.Broadcast()

	s.usage--
	if s.usage == 0 {
		s.retired = true
	}

	return nil
}

// remove blocks until all users have released the engine, then closes
// it for real.
func (s *sharedEncryption) remove() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.retired {
		s.cond.Wait()
	}

	if err := s.Encryption.Close(); err != nil {
		log.Debugf("sessionCache: error closing evicted session engine: %v", err)
	}
}

package rowseal

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/rowseal/rowseal/internal"
	"github.com/rowseal/rowseal/pkg/cache"
	"github.com/rowseal/rowseal/pkg/log"
)

// Expired-key read notifications (see CryptoPolicy.NotifyExpired*OnRead).
var (
	expiredSKReadCounter = metrics.GetOrRegisterCounter(MetricsPrefix+".key.system.expired-read", nil)
	expiredIKReadCounter = metrics.GetOrRegisterCounter(MetricsPrefix+".key.intermediate.expired-read", nil)
)

// keyLoader retrieves a key on a cache miss.
type keyLoader interface {
	Load() (*internal.CryptoKey, error)
}

// keyLoaderFunc adapts an ordinary function to the keyLoader interface.
type keyLoaderFunc func() (*internal.CryptoKey, error)

// Load calls f().
func (f keyLoaderFunc) Load() (*internal.CryptoKey, error) {
	return f()
}

// cachedKey wraps a CryptoKey with a reference count so the cache can
// evict entries without destroying keys still in use.
//
// The count starts at one for the reference held by the cache itself.
// Every retrieval adds a reference and every Close (caller or eviction)
// removes one; the underlying secret is destroyed when the count hits
// zero.
type cachedKey struct {
	*internal.CryptoKey

	refs atomic.Int64
}

func newCachedKey(k *internal.CryptoKey) *cachedKey {
	c := &cachedKey{CryptoKey: k}
	c.refs.Add(1)

	return c
}

// acquire adds a reference and returns the key.
func (k *cachedKey) acquire() *cachedKey {
	k.refs.Add(1)

	return k
}

// Close removes a reference, destroying the underlying key when the last
// one is released.
func (k *cachedKey) Close() {
	if k.refs.Add(-1) == 0 {
		log.Debugf("closing cached key %s, last reference released", k.CryptoKey)
		k.CryptoKey.Close()
	}
}

// keyCacher is the cache contract used by the engine for system and
// intermediate keys. Returned keys are reference counted; callers must
// Close them.
type keyCacher interface {
	GetOrLoad(meta KeyMeta, loader keyLoader) (*cachedKey, error)
	GetOrLoadLatest(id string, loader keyLoader) (*cachedKey, error)
	// shed evicts up to n entries to free locked memory, returning the
	// number evicted.
	shed(n int) int
	Close() error
}

// keyCacheKind distinguishes the system and intermediate key caches for
// sizing, policy selection, and telemetry.
type keyCacheKind int

const (
	systemKeyCache keyCacheKind = iota
	intermediateKeyCache
)

func (t keyCacheKind) String() string {
	switch t {
	case systemKeyCache:
		return "system"
	case intermediateKeyCache:
		return "intermediate"
	default:
		return "unknown"
	}
}

// cacheEntry is a cached key along with its identity and the time it was
// last loaded from the metastore.
type cacheEntry struct {
	meta     KeyMeta
	key      *cachedKey
	loadedAt time.Time
}

// cacheKeyID formats a key's identity for use as a cache map key.
func cacheKeyID(id string, created int64) string {
	return id + "-" + strconv.FormatInt(created, 10)
}

// Verify keyCache implements the keyCacher interface.
var _ keyCacher = (*keyCache)(nil)

// keyCache caches unwrapped keys by (id, created) and maintains a latest
// view per id. All mutation happens under rw, including backend eviction
// callbacks, which run synchronously. GetOrLoad hits take only the read
// lock; GetOrLoadLatest takes the write lock on every call. Misses for
// the same key collapse into a single loader call.
type keyCache struct {
	policy *CryptoPolicy
	kind   keyCacheKind

	rw     sync.RWMutex
	keys   cache.Interface[string, cacheEntry]
	latest map[string]KeyMeta

	closeOnce sync.Once
	closeErr  error
}

// newKeyCache constructs a key cache sized and parameterized for the
// given kind.
func newKeyCache(kind keyCacheKind, policy *CryptoPolicy) *keyCache {
	maxSize := DefaultKeyCacheMaxSize
	evictionPolicy := ""

	switch kind {
	case systemKeyCache:
		maxSize = policy.SystemKeyCacheMaxSize
		evictionPolicy = policy.SystemKeyCacheEvictionPolicy
	case intermediateKeyCache:
		maxSize = policy.IntermediateKeyCacheMaxSize
		evictionPolicy = policy.IntermediateKeyCacheEvictionPolicy
	}

	c := &keyCache{
		policy: policy,
		kind:   kind,
		latest: make(map[string]KeyMeta),
	}

	// The callback runs synchronously under c.rw (every backend
	// mutation happens there), so touching c.latest directly is safe.
	onEvict := func(id string, e cacheEntry) {
		log.Debugf("%s evicting -- id: %s", c, id)

		if latest, ok := c.latest[e.meta.ID]; ok && latest == e.meta {
			delete(c.latest, e.meta.ID)
		}

		e.key.Close()
	}

	if evictionPolicy == "" || evictionPolicy == SimpleCachePolicy {
		c.keys = newSimpleCache(onEvict)

		return c
	}

	c.keys = cache.New[string, cacheEntry](maxSize).
		WithPolicy(cache.Policy(evictionPolicy)).
		WithEvictFunc(onEvict).
		Build()

	return c
}

// isReloadRequired returns true once the revoke-check interval has
// elapsed since the entry was loaded. Revoked keys are terminal and are
// never reloaded.
func isReloadRequired(e cacheEntry, checkInterval time.Duration) bool {
	if e.key.Revoked() {
		return false
	}

	return e.loadedAt.Add(checkInterval).Before(time.Now())
}

// GetOrLoad returns the cached key for meta, loading it with loader on a
// miss or once its revocation state has gone stale. The caller must
// Close the returned key.
func (c *keyCache) GetOrLoad(meta KeyMeta, loader keyLoader) (*cachedKey, error) {
	c.rw.RLock()
	if e, ok := c.getFresh(meta); ok {
		k := e.key.acquire()
		c.rw.RUnlock()

		return k, nil
	}
	c.rw.RUnlock()

	c.rw.Lock()
	defer c.rw.Unlock()

	// another caller may have loaded it while we waited for the lock
	if e, ok := c.getFresh(meta); ok {
		return e.key.acquire(), nil
	}

	e, err := c.load(meta, loader)
	if err != nil {
		return nil, err
	}

	return e.key.acquire(), nil
}

// GetOrLoadLatest returns the newest cached key for id, loading it with
// loader on a miss. A cached latest that is expired or revoked is
// reloaded; the loader is expected to consult the metastore and create a
// successor when necessary. The caller must Close the returned key.
func (c *keyCache) GetOrLoadLatest(id string, loader keyLoader) (*cachedKey, error) {
	c.rw.Lock()
	defer c.rw.Unlock()

	meta := KeyMeta{ID: id}

	e, ok := c.getFresh(meta)
	if !ok {
		log.Debugf("%s latest miss -- id: %s", c, id)

		var err error

		e, err = c.load(meta, loader)
		if err != nil {
			return nil, err
		}
	}

	if internal.IsKeyInvalid(e.key.CryptoKey, c.policy.ExpireKeyAfter) {
		reloaded, err := loader.Load()
		if err != nil {
			return nil, err
		}

		log.Debugf("%s latest reload -- invalid: %s, new: %s, id: %s", c, e.key, reloaded, id)

		e = c.install(KeyMeta{ID: id, Created: reloaded.Created()}, reloaded)
	}

	return e.key.acquire(), nil
}

// getFresh returns the entry for meta if it is cached and within its
// revoke-check window. Expired entries trigger the policy's read
// notification but are still served. Caller holds at least the read
// lock.
func (c *keyCache) getFresh(meta KeyMeta) (cacheEntry, bool) {
	e, ok := c.read(meta)
	if !ok {
		return cacheEntry{}, false
	}

	if isReloadRequired(e, c.policy.RevokeCheckInterval) {
		log.Debugf("%s stale -- id: %s-%d", c, meta.ID, e.key.Created())

		return e, false
	}

	c.notifyExpiredRead(e)

	return e, true
}

// notifyExpiredRead emits the expired-key telemetry event when enabled
// by policy.
func (c *keyCache) notifyExpiredRead(e cacheEntry) {
	if !internal.IsKeyExpired(e.key.Created(), c.policy.ExpireKeyAfter) {
		return
	}

	switch c.kind {
	case systemKeyCache:
		if c.policy.NotifyExpiredSystemKeyOnRead {
			expiredSKReadCounter.Inc(1)
		}
	case intermediateKeyCache:
		if c.policy.NotifyExpiredIntermediateKeyOnRead {
			expiredIKReadCounter.Inc(1)
		}
	}
}

// read retrieves the entry for meta, resolving a latest lookup
// (Created == 0) through the latest map. Caller holds at least the read
// lock.
func (c *keyCache) read(meta KeyMeta) (cacheEntry, bool) {
	if meta.IsLatest() {
		latest, ok := c.latest[meta.ID]
		if !ok {
			return cacheEntry{}, false
		}

		meta = latest
	}

	return c.keys.Get(cacheKeyID(meta.ID, meta.Created))
}

// load runs loader and installs the result. If an entry with the same
// identity is already cached, its revocation state and load time are
// refreshed instead and the newly loaded duplicate is discarded. Caller
// holds the write lock.
func (c *keyCache) load(meta KeyMeta, loader keyLoader) (cacheEntry, error) {
	k, err := loader.Load()
	if err != nil {
		return cacheEntry{}, err
	}

	if e, ok := c.read(meta); ok && e.key.Created() == k.Created() {
		e.key.SetRevoked(k.Revoked())
		e.loadedAt = time.Now()

		c.write(e)

		k.Close()

		return e, nil
	}

	return c.install(KeyMeta{ID: meta.ID, Created: k.Created()}, k), nil
}

// install wraps k in a new entry stored under meta. Caller holds the
// write lock.
func (c *keyCache) install(meta KeyMeta, k *internal.CryptoKey) cacheEntry {
	e := cacheEntry{
		meta:     meta,
		key:      newCachedKey(k),
		loadedAt: time.Now(),
	}

	c.write(e)

	return e
}

// write stores e and updates the latest pointer for its id. A distinct
// entry previously stored under the same identity loses the cache's
// reference. Caller holds the write lock.
func (c *keyCache) write(e cacheEntry) {
	id := cacheKeyID(e.meta.ID, e.meta.Created)

	if old, ok := c.keys.Get(id); ok && old.key != e.key {
		log.Debugf("%s replace -> old: %s, new: %s, id: %s", c, old.key, e.key, id)
		old.key.Close()
	}

	c.keys.Set(id, e)

	if latest, ok := c.latest[e.meta.ID]; !ok || latest.Created < e.meta.Created {
		c.latest[e.meta.ID] = e.meta
	}
}

// shed evicts up to n entries, freeing their locked memory once all
// outstanding references are released.
func (c *keyCache) shed(n int) int {
	c.rw.Lock()
	defer c.rw.Unlock()

	evicted := 0

	for i := 0; i < n; i++ {
		if _, ok := c.keys.Evict(); !ok {
			break
		}

		evicted++
	}

	return evicted
}

// Close releases the cache's reference to every entry. Keys still in use
// by callers are destroyed when their last reference is released. Close
// is idempotent.
func (c *keyCache) Close() error {
	c.closeOnce.Do(func() {
		log.Debugf("%s closing", c)

		c.rw.Lock()
		defer c.rw.Unlock()

		c.closeErr = c.keys.Close()
		c.latest = nil
	})

	return c.closeErr
}

func (c *keyCache) String() string {
	return fmt.Sprintf("keyCache(%p){kind=%s,len=%d,cap=%d}", c, c.kind, c.keys.Len(), c.keys.Capacity())
}

// simpleCache is an unbounded map backend for keyCache. It never evicts
// on its own; Evict and Close hand entries to the eviction callback.
// Synchronization is provided by keyCache.
type simpleCache struct {
	m       map[string]cacheEntry
	onEvict cache.EvictFunc[string, cacheEntry]
}

func newSimpleCache(onEvict cache.EvictFunc[string, cacheEntry]) *simpleCache {
	return &simpleCache{
		m:       make(map[string]cacheEntry),
		onEvict: onEvict,
	}
}

func (s *simpleCache) Get(key string) (cacheEntry, bool) {
	e, ok := s.m[key]

	return e, ok
}

func (s *simpleCache) Set(key string, value cacheEntry) {
	s.m[key] = value
}

func (s *simpleCache) Delete(key string) bool {
	_, ok := s.m[key]
	delete(s.m, key)

	return ok
}

func (s *simpleCache) Evict() (string, bool) {
	for k, e := range s.m {
		delete(s.m, k)
		s.onEvict(k, e)

		return k, true
	}

	return "", false
}

func (s *simpleCache) Len() int {
	return len(s.m)
}

// Capacity returns -1: the simple cache is unbounded.
func (s *simpleCache) Capacity() int {
	return -1
}

func (s *simpleCache) Close() error {
	for k, e := range s.m {
		delete(s.m, k)
		s.onEvict(k, e)
	}

	return nil
}

// Verify neverCache implements the keyCacher interface.
var _ keyCacher = (*neverCache)(nil)

// neverCache satisfies keyCacher for policies with caching disabled:
// every lookup runs the loader and the caller owns the sole reference.
type neverCache struct{}

func (neverCache) GetOrLoad(_ KeyMeta, loader keyLoader) (*cachedKey, error) {
	k, err := loader.Load()
	if err != nil {
		return nil, err
	}

	return newCachedKey(k), nil
}

func (neverCache) GetOrLoadLatest(_ string, loader keyLoader) (*cachedKey, error) {
	k, err := loader.Load()
	if err != nil {
		return nil, err
	}

	return newCachedKey(k), nil
}

func (neverCache) shed(int) int {
	return 0
}

func (neverCache) Close() error {
	return nil
}

// Package cache provides a bounded in-memory cache with pluggable
// eviction policies.
//
// Supported policies:
//   - LRU (least recently used)
//   - SLRU (segmented least recently used)
//   - LFU (least frequently used)
//   - TinyLFU (sketch-based admission over SLRU)
//
// The cache is safe for concurrent use. Eviction callbacks run
// synchronously by default, before the triggering operation returns;
// asynchronous dispatch is available via the builder.
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/rowseal/rowseal/pkg/log"
)

// Interface is the generic contract implemented by the cache.
type Interface[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V)
	Delete(key K) bool
	// Evict removes the current policy victim, invoking the eviction
	// callback, and returns its key. The second return value is false if
	// the cache is empty.
	Evict() (K, bool)
	Len() int
	Capacity() int
	Close() error
}

// Policy names an eviction policy.
type Policy string

const (
	// LRU is the least recently used policy.
	LRU Policy = "lru"
	// SLRU is the segmented least recently used policy.
	SLRU Policy = "slru"
	// LFU is the least frequently used policy.
	LFU Policy = "lfu"
	// TinyLFU is the sketch-based admission policy.
	TinyLFU Policy = "tinylfu"
	// DefaultPolicy is used when no policy is specified.
	DefaultPolicy = LRU
)

// String returns the policy name.
func (p Policy) String() string {
	return string(p)
}

// Valid returns true if p names a supported policy.
func (p Policy) Valid() bool {
	switch p {
	case LRU, SLRU, LFU, TinyLFU:
		return true
	default:
		return false
	}
}

// EvictFunc is invoked with the key and value of each evicted item.
type EvictFunc[K comparable, V any] func(key K, value V)

// NopEvict is a no-op EvictFunc.
func NopEvict[K comparable, V any](K, V) {}

type item[K comparable, V any] struct {
	key   K
	value V

	parent *list.Element // policy bookkeeping

	expiration time.Time
}

// policy is implemented by each eviction strategy.
type policy[K comparable, V any] interface {
	init(capacity int)
	capacity() int
	// admit is called when an item enters the cache.
	admit(it *item[K, V])
	// access is called on every hit or update.
	access(it *item[K, V])
	// victim returns the next item to evict.
	victim() *item[K, V]
	// remove is called when an item leaves the cache.
	remove(it *item[K, V])
	close()
}

// Clock abstracts time for expiry tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Builder assembles a cache.
type Builder[K comparable, V any] struct {
	cap     int
	pol     policy[K, V]
	onEvict EvictFunc[K, V]
	clock   Clock
	expiry  time.Duration
	async   bool
}

// New returns a Builder for a cache with the given capacity. The default
// policy is LRU with synchronous eviction callbacks.
func New[K comparable, V any](capacity int) *Builder[K, V] {
	return &Builder[K, V]{
		cap:     capacity,
		pol:     new(lru[K, V]),
		onEvict: NopEvict[K, V],
		clock:   realClock{},
	}
}

// WithEvictFunc sets the eviction callback.
func (b *Builder[K, V]) WithEvictFunc(fn EvictFunc[K, V]) *Builder[K, V] {
	b.onEvict = fn

	return b
}

// WithPolicy selects the eviction policy. Unsupported names panic.
func (b *Builder[K, V]) WithPolicy(p Policy) *Builder[K, V] {
	switch p {
	case LRU:
		b.pol = new(lru[K, V])
	case SLRU:
		b.pol = new(slru[K, V])
	case LFU:
		b.pol = new(lfu[K, V])
	case TinyLFU:
		b.pol = new(tinyLFU[K, V])
	default:
		panic(fmt.Sprintf("cache: unsupported policy %q", p))
	}

	return b
}

// WithClock sets the clock used for expiry checks.
func (b *Builder[K, V]) WithClock(clock Clock) *Builder[K, V] {
	b.clock = clock

	return b
}

// WithExpiry sets a fixed time-to-live for items. Expired items are
// evicted on read.
func (b *Builder[K, V]) WithExpiry(expiry time.Duration) *Builder[K, V] {
	b.expiry = expiry

	return b
}

// Asynchronous dispatches eviction callbacks on a separate goroutine
// instead of running them inline.
func (b *Builder[K, V]) Asynchronous() *Builder[K, V] {
	b.async = true

	return b
}

// Build creates the cache.
func (b *Builder[K, V]) Build() Interface[K, V] {
	c := &cache[K, V]{
		byKey:   make(map[K]*item[K, V]),
		pol:     b.pol,
		clock:   b.clock,
		expiry:  b.expiry,
		onEvict: b.onEvict,
		async:   b.async,
	}

	c.pol.init(b.cap)

	c.startup()

	return c
}

type evictEvent[K comparable, V any] struct {
	it    *item[K, V]
	close bool
}

type cache[K comparable, V any] struct {
	mux sync.RWMutex

	byKey  map[K]*item[K, V]
	size   int
	pol    policy[K, V]
	events chan evictEvent[K, V]

	closing bool
	closeWG sync.WaitGroup

	onEvict EvictFunc[K, V]
	clock   Clock
	expiry  time.Duration
	async   bool
}

func (c *cache[K, V]) startup() {
	if !c.async {
		return
	}

	c.events = make(chan evictEvent[K, V])

	c.closeWG.Add(1)

	go func() {
		defer c.closeWG.Done()

		for e := range c.events {
			if e.close {
				return
			}

			c.onEvict(e.it.key, e.it.value)
		}
	}()
}

func (c *cache[K, V]) shutdown() {
	if !c.async {
		return
	}

	c.events <- evictEvent[K, V]{close: true}

	c.closeWG.Wait()

	close(c.events)
	c.events = nil
}

// Len returns the number of items in the cache.
func (c *cache[K, V]) Len() int {
	c.mux.RLock()
	defer c.mux.RUnlock()

	return c.size
}

// Capacity returns the maximum number of items the cache can hold.
func (c *cache[K, V]) Capacity() int {
	c.mux.RLock()
	defer c.mux.RUnlock()

	return c.pol.capacity()
}

// Set adds or updates a value.
func (c *cache[K, V]) Set(key K, value V) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.closing {
		return
	}

	if it, ok := c.byKey[key]; ok {
		it.value = value

		if c.expiry > 0 {
			it.expiration = c.clock.Now().Add(c.expiry)
		}

		c.pol.access(it)

		return
	}

	if c.size == c.pol.capacity() {
		c.evictVictim()
	}

	it := &item[K, V]{
		key:   key,
		value: value,
	}

	if c.expiry > 0 {
		it.expiration = c.clock.Now().Add(c.expiry)
	}

	c.byKey[key] = it
	c.size++

	c.pol.admit(it)
}

// Get returns the value for key if present and unexpired.
func (c *cache[K, V]) Get(key K) (V, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()

	var zero V

	if c.closing {
		return zero, false
	}

	it, ok := c.byKey[key]
	if !ok {
		return zero, false
	}

	if c.expiry > 0 && it.expiration.Before(c.clock.Now()) {
		c.evictItem(it)
		return zero, false
	}

	c.pol.access(it)

	return it.value, true
}

// Delete removes key without invoking the eviction callback.
func (c *cache[K, V]) Delete(key K) bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.closing {
		return false
	}

	it, ok := c.byKey[key]
	if !ok {
		return false
	}

	delete(c.byKey, key)
	c.size--

	c.pol.remove(it)

	return true
}

// Evict removes the current policy victim.
func (c *cache[K, V]) Evict() (K, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()

	var zero K

	if c.closing || c.size == 0 {
		return zero, false
	}

	it := c.pol.victim()
	if it == nil {
		return zero, false
	}

	c.evictItem(it)

	return it.key, true
}

// Close evicts all items and releases the cache. The cache cannot be
// used after Close.
func (c *cache[K, V]) Close() error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.closing {
		return nil
	}

	for c.size > 0 {
		c.evictVictim()
	}

	c.closing = true

	c.shutdown()

	c.byKey = nil

	c.pol.close()

	return nil
}

func (c *cache[K, V]) evictVictim() {
	if it := c.pol.victim(); it != nil {
		c.evictItem(it)
	}
}

// evictItem removes it and dispatches the eviction callback. Caller
// holds mux.
func (c *cache[K, V]) evictItem(it *item[K, V]) {
	delete(c.byKey, it.key)
	c.size--

	c.pol.remove(it)

	if c.async {
		log.Debugf("%s dispatching evict event for %v", c, it.key)
		c.events <- evictEvent[K, V]{it: it}

		return
	}

	c.onEvict(it.key, it.value)
}

func (c *cache[K, V]) String() string {
	return fmt.Sprintf("cache[%T,%T](%p)", *new(K), *new(V), c)
}

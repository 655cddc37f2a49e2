package cache

import (
	"github.com/rowseal/rowseal/pkg/cache/internal"
)

const (
	samplesMultiplier        = 8
	insertionsMultiplier     = 2
	countersMultiplier       = 1
	falsePositiveProbability = 0.1
	admissionRatio           = 0.01
)

type tinyLFUEntry[K comparable, V any] struct {
	hash   uint64
	parent policy[K, V]
}

// tinyLFU implements the admission policy from "TinyLFU: A Highly
// Efficient Cache Admission Policy" (https://arxiv.org/pdf/1512.00727v2.pdf):
// a small LRU admission window in front of an SLRU main cache, with a
// count-min sketch and bloom doorkeeper arbitrating between the window
// victim and the main-cache victim.
type tinyLFU[K comparable, V any] struct {
	cap int

	filter  internal.BloomFilter    // 1-bit doorkeeper
	counter internal.CountMinSketch // 4-bit counters

	additions int
	samples   int

	window lru[K, V]
	main   slru[K, V]

	keys map[K]tinyLFUEntry[K, V]
}

func (p *tinyLFU[K, V]) init(capacity int) {
	p.cap = capacity

	p.keys = make(map[K]tinyLFUEntry[K, V])

	p.samples = capacity * samplesMultiplier

	p.filter.Init(capacity*insertionsMultiplier, falsePositiveProbability)
	p.counter.Init(capacity * countersMultiplier)

	// For small capacities the admission window rounds to zero, in
	// which case the SLRU is the whole cache and the doorkeeper is
	// bypassed.
	windowCap := int(float64(capacity) * admissionRatio)
	p.window.init(windowCap)
	p.main.init(capacity - windowCap)
}

func (p *tinyLFU[K, V]) capacity() int {
	return p.cap
}

func (p *tinyLFU[K, V]) access(it *item[K, V]) {
	p.increment(it)

	p.keys[it.key].parent.access(it)
}

func (p *tinyLFU[K, V]) admit(it *item[K, V]) {
	if p.bypassed() {
		p.admitTo(it, &p.main)
		return
	}

	p.increment(it)

	if p.window.len() < p.window.cap {
		p.admitTo(it, &p.window)

		return
	}

	// push the window victim into the main cache, then take its place
	victim := p.window.victim()

	p.window.remove(victim)
	p.admitTo(victim, &p.main)

	p.admitTo(it, &p.window)
}

// bypassed returns true when the admission window is disabled.
func (p *tinyLFU[K, V]) bypassed() bool {
	return p.window.cap == 0
}

func (p *tinyLFU[K, V]) admitTo(it *item[K, V], dst policy[K, V]) {
	dst.admit(it)

	p.keys[it.key] = tinyLFUEntry[K, V]{
		hash:   internal.ComputeHash(it.key),
		parent: dst,
	}
}

func (p *tinyLFU[K, V]) victim() *item[K, V] {
	candidate := p.window.victim()

	// The window empties out while the cache is being purged; fall back
	// to the main cache directly.
	if candidate == nil {
		return p.main.victim()
	}

	victim := p.main.victim()
	if victim == nil {
		return candidate
	}

	candidateFreq := p.estimate(p.keys[candidate.key].hash)
	victimFreq := p.estimate(p.keys[victim.key].hash)

	// A hotter window candidate earns a slot in the main cache and the
	// main-cache victim goes instead.
	if candidateFreq > victimFreq {
		p.window.remove(candidate)

		p.admitTo(candidate, &p.main)

		return victim
	}

	return candidate
}

func (p *tinyLFU[K, V]) estimate(h uint64) uint8 {
	freq := p.counter.Estimate(h)
	if p.filter.Contains(h) {
		freq++
	}

	return freq
}

func (p *tinyLFU[K, V]) remove(it *item[K, V]) {
	p.keys[it.key].parent.remove(it)

	delete(p.keys, it.key)
}

func (p *tinyLFU[K, V]) increment(it *item[K, V]) {
	if p.bypassed() {
		return
	}

	p.additions++

	if p.additions >= p.samples {
		p.filter.Reset()
		p.counter.Reset()

		p.additions = 0
	}

	h := p.keys[it.key].hash
	if _, ok := p.keys[it.key]; !ok {
		// first sighting; the entry is recorded by admitTo afterwards
		h = internal.ComputeHash(it.key)
	}

	if p.filter.Put(h) {
		p.counter.Add(h)
	}
}

func (p *tinyLFU[K, V]) close() {
	p.window.close()
	p.main.close()

	p.keys = nil
	p.cap = 0
}

//nolint:forcetypeassert // list elements always hold our item types
package cache

import (
	"container/list"
)

// frequencyNode groups all items sharing an access frequency.
type frequencyNode[K comparable, V any] struct {
	entries   map[*item[K, V]]*list.Element
	frequency int
	byAccess  *list.List
}

// lfu implements the O(1) LFU algorithm from
// https://arxiv.org/pdf/2110.11602.pdf: a linked list of frequency
// nodes, each holding its items in access order.
type lfu[K comparable, V any] struct {
	cap         int
	frequencies *list.List
}

func (p *lfu[K, V]) init(capacity int) {
	p.cap = capacity
	p.frequencies = list.New()
}

func (p *lfu[K, V]) capacity() int {
	return p.cap
}

func (p *lfu[K, V]) access(it *item[K, V]) {
	p.increment(it)
}

func (p *lfu[K, V]) admit(it *item[K, V]) {
	p.increment(it)
}

func (p *lfu[K, V]) remove(it *item[K, V]) {
	p.delete(it.parent, it)
}

func (p *lfu[K, V]) victim() *item[K, V] {
	if front := p.frequencies.Front(); front != nil {
		if elem := front.Value.(*frequencyNode[K, V]).byAccess.Front(); elem != nil {
			return elem.Value.(*item[K, V])
		}
	}

	return nil
}

// increment moves it to the next higher frequency node, creating the
// node if it doesn't exist yet.
func (p *lfu[K, V]) increment(it *item[K, V]) {
	current := it.parent

	var (
		next       *list.Element
		nextAmount int
	)

	if current == nil {
		// first access
		nextAmount = 1
		next = p.frequencies.Front()
	} else {
		nextAmount = current.Value.(*frequencyNode[K, V]).frequency + 1
		next = current.Next()
	}

	if next == nil || next.Value.(*frequencyNode[K, V]).frequency != nextAmount {
		node := &frequencyNode[K, V]{
			entries:   make(map[*item[K, V]]*list.Element),
			frequency: nextAmount,
			byAccess:  list.New(),
		}

		if current == nil {
			next = p.frequencies.PushFront(node)
		} else {
			next = p.frequencies.InsertAfter(node, current)
		}
	}

	it.parent = next

	node := next.Value.(*frequencyNode[K, V])
	node.entries[it] = node.byAccess.PushBack(it)

	if current != nil {
		p.delete(current, it)
	}
}

// delete removes it from the given frequency node, dropping the node
// once it empties.
func (p *lfu[K, V]) delete(frequency *list.Element, it *item[K, V]) {
	node := frequency.Value.(*frequencyNode[K, V])

	node.byAccess.Remove(node.entries[it])
	delete(node.entries, it)

	if len(node.entries) == 0 {
		node.entries = nil
		node.byAccess = nil

		p.frequencies.Remove(frequency)
	}
}

func (p *lfu[K, V]) close() {
	p.frequencies = nil
	p.cap = 0
}

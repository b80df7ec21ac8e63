package statehistory

import (
	"container/list"
	"sync"
)

// LRUCache is a size-bounded least-recently-used cache safe for concurrent
// use. It caches artifact bytes for remote stores and decoded history-file
// nodes.
type LRUCache[V any] struct {
	capacity int
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List
	hits     uint64
	misses   uint64
}

type lruEntry[V any] struct {
	key   string
	value V
}

// NewLRUCache creates a cache holding at most capacity entries. A capacity
// below one disables caching.
func NewLRUCache[V any](capacity int) *LRUCache[V] {
	return &LRUCache[V]{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get retrieves an item and marks it most recently used.
func (c *LRUCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry[V]).value, true
}

// Put adds or replaces an item, evicting the least recently used ones.
func (c *LRUCache[V]) Put(key string, value V) {
	if c.capacity < 1 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry[V]).value = value
		c.order.MoveToFront(el)
		return
	}
	for c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry[V]).key)
	}
	c.items[key] = c.order.PushFront(&lruEntry[V]{key: key, value: value})
}

// Delete removes an item.
func (c *LRUCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// Len returns the number of cached items.
func (c *LRUCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns hit and miss counters.
func (c *LRUCache[V]) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

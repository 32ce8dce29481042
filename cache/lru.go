package cache

import (
	"container/list"
	"sync"
)

// Limits bounds an LRU. Zero values mean unbounded on that axis.
type Limits struct {
	MaxEntries    int   `yaml:"max_entries" mapstructure:"max_entries" validate:"gte=0"`
	MaxTotalBytes int64 `yaml:"max_total_bytes" mapstructure:"max_total_bytes" validate:"gte=0"`
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Entries    int
	TotalBytes int64
}

type entry[K comparable, V any] struct {
	key   K
	value V
	size  int64
}

// LRU is a lock-protected least-recently-used cache.
type LRU[K comparable, V any] struct {
	mu     sync.Mutex
	limits Limits
	order  *list.List // front is most recently used
	items  map[K]*list.Element
	bytes  int64
	stats  Stats

	onEvict func(K, V)
}

// NewLRU creates an LRU bounded by limits.
func NewLRU[K comparable, V any](limits Limits) *LRU[K, V] {
	return &LRU[K, V]{
		limits: limits,
		order:  list.New(),
		items:  make(map[K]*list.Element),
	}
}

// OnEvict registers a callback invoked, under the cache lock, for each
// entry evicted to satisfy the limits.
func (c *LRU[K, V]) OnEvict(fn func(K, V)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		c.stats.Hits++
		return el.Value.(*entry[K, V]).value, true
	}
	c.stats.Misses++
	var zero V
	return zero, false
}

// Peek returns the value for key without touching recency or stats.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		return el.Value.(*entry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Put stores value under key with the given size and evicts until both
// limits hold. An entry larger than MaxTotalBytes is not stored; Put then
// returns false.
func (c *LRU[K, V]) Put(key K, value V, sizeBytes int64) bool {
	if sizeBytes < 0 {
		sizeBytes = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limits.MaxTotalBytes > 0 && sizeBytes > c.limits.MaxTotalBytes {
		if el, ok := c.items[key]; ok {
			c.removeElement(el)
		}
		return false
	}

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		c.bytes += sizeBytes - e.size
		e.value, e.size = value, sizeBytes
		c.order.MoveToFront(el)
	} else {
		c.items[key] = c.order.PushFront(&entry[K, V]{key: key, value: value, size: sizeBytes})
		c.bytes += sizeBytes
	}
	c.evict()
	return true
}

func (c *LRU[K, V]) overLimit() bool {
	if c.limits.MaxEntries > 0 && c.order.Len() > c.limits.MaxEntries {
		return true
	}
	return c.limits.MaxTotalBytes > 0 && c.bytes > c.limits.MaxTotalBytes
}

func (c *LRU[K, V]) evict() {
	for c.overLimit() {
		el := c.order.Back()
		if el == nil {
			return
		}
		e := c.removeElement(el)
		c.stats.Evictions++
		if c.onEvict != nil {
			c.onEvict(e.key, e.value)
		}
	}
}

func (c *LRU[K, V]) removeElement(el *list.Element) *entry[K, V] {
	e := c.order.Remove(el).(*entry[K, V])
	delete(c.items, e.key)
	c.bytes -= e.size
	return e
}

// Remove deletes key. It reports whether the key was present.
func (c *LRU[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if ok {
		c.removeElement(el)
	}
	return ok
}

// Purge removes every entry. Stats counters are kept.
func (c *LRU[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[K]*list.Element)
	c.bytes = 0
}

// Len returns the number of entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// TotalBytes returns the aggregate size of all entries.
func (c *LRU[K, V]) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Keys returns keys from most to least recently used.
func (c *LRU[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]K, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[K, V]).key)
	}
	return keys
}

// Stats returns hit, miss and eviction counters plus current occupancy.
func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.order.Len()
	s.TotalBytes = c.bytes
	return s
}

package cache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/c360/duplexbus/errors"
)

type lruEntry[V any] struct {
	key   string
	value V
}

// LRU evicts the least recently used entry once more than maxSize are stored.
type LRU[V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]
}

// NewLRU returns an LRU holding at most maxSize entries.
func NewLRU[V any](maxSize int, options ...Option[V]) (*LRU[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: max size %d", errors.ErrInvalidConfig, maxSize),
			"cache", "NewLRU", "validate size")
	}
	opts := collect(options)

	var metrics *cacheMetrics
	if opts.registry != nil {
		var err error
		metrics, err = newCacheMetrics(opts.registry, opts.component)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewLRU", "metrics registration")
		}
	}

	return &LRU[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		stats:   NewStatistics(),
		metrics: metrics,
		evictFn: opts.onEvict,
	}, nil
}

// Get returns the value for key and marks it recently used.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		c.stats.Miss()
		c.metrics.recordMiss()
		var zero V
		return zero, false
	}
	c.order.MoveToFront(element)
	c.stats.Hit()
	c.metrics.recordHit()
	return element.Value.(*lruEntry[V]).value, true
}

// Set stores value under key and marks it recently used.
func (c *LRU[V]) Set(key string, value V) bool {
	var evicted []lruEntry[V]

	c.mu.Lock()
	c.stats.Set()
	c.metrics.recordSet()

	if element, exists := c.items[key]; exists {
		element.Value.(*lruEntry[V]).value = value
		c.order.MoveToFront(element)
		c.mu.Unlock()
		return false
	}

	c.items[key] = c.order.PushFront(&lruEntry[V]{key: key, value: value})
	for len(c.items) > c.maxSize {
		back := c.order.Back()
		evicted = append(evicted, *c.remove(back))
		c.stats.Eviction()
		c.metrics.recordEviction()
	}
	c.updateSize()
	c.mu.Unlock()

	c.notify(evicted)
	return true
}

// Delete removes key.
func (c *LRU[V]) Delete(key string) bool {
	c.mu.Lock()
	element, exists := c.items[key]
	if !exists {
		c.mu.Unlock()
		return false
	}
	entry := c.remove(element)
	c.stats.Delete()
	c.metrics.recordDelete()
	c.updateSize()
	c.mu.Unlock()

	c.notify([]lruEntry[V]{*entry})
	return true
}

// Clear removes every entry, reporting each to the eviction callback from
// least to most recently used.
func (c *LRU[V]) Clear() {
	c.mu.Lock()
	var removed []lruEntry[V]
	if c.evictFn != nil {
		removed = make([]lruEntry[V], 0, len(c.items))
		for element := c.order.Back(); element != nil; element = element.Prev() {
			removed = append(removed, *element.Value.(*lruEntry[V]))
		}
	}
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.updateSize()
	c.mu.Unlock()

	c.notify(removed)
}

// Size returns the number of entries.
func (c *LRU[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns the keys, most recently used first.
func (c *LRU[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.items))
	for element := c.order.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*lruEntry[V]).key)
	}
	return keys
}

// Stats returns the cache statistics.
func (c *LRU[V]) Stats() *Statistics {
	return c.stats
}

// remove must be called with c.mu held.
func (c *LRU[V]) remove(element *list.Element) *lruEntry[V] {
	entry := element.Value.(*lruEntry[V])
	delete(c.items, entry.key)
	c.order.Remove(element)
	return entry
}

// updateSize must be called with c.mu held.
func (c *LRU[V]) updateSize() {
	c.stats.UpdateSize(int64(len(c.items)))
	c.metrics.updateSize(len(c.items))
}

func (c *LRU[V]) notify(entries []lruEntry[V]) {
	if c.evictFn == nil {
		return
	}
	for _, e := range entries {
		c.evictFn(e.key, e.value)
	}
}

var _ Cache[int] = (*LRU[int])(nil)

// Package cache provides a generic, thread-safe LRU cache with built-in
// statistics and optional Prometheus metrics.
package cache

// Cache is a keyed store with a bounded number of entries.
type Cache[V any] interface {
	// Get returns the value for key and marks it recently used.
	Get(key string) (V, bool)

	// Set stores value under key. It reports whether a new entry was created.
	Set(key string, value V) bool

	// Delete removes key. It reports whether the key existed.
	Delete(key string) bool

	// Clear removes every entry.
	Clear()

	Size() int

	// Keys returns the keys, most recently used first.
	Keys() []string

	Stats() *Statistics
}

// EvictCallback is called with an entry removed by eviction, Delete or Clear.
// It runs without the cache lock held.
type EvictCallback[V any] func(key string, value V)

package ldbus

import (
	"errors"
	"sync"
)

var errNotFound = errors.New("cache entry not found")

// cache is a concurrency-safe memo table that remembers both
// successful results and errors.
type cache[K comparable, V any] struct {
	m sync.Map
}

type cacheEntry[V any] struct {
	val V
	err error
}

// Get returns the cached value or error for k, or errNotFound if k
// has no cached result.
func (c *cache[K, V]) Get(k K) (V, error) {
	v, ok := c.m.Load(k)
	if !ok {
		var zero V
		return zero, errNotFound
	}
	ent := v.(cacheEntry[V])
	return ent.val, ent.err
}

// Set records a successful result for k.
func (c *cache[K, V]) Set(k K, v V) {
	c.m.Store(k, cacheEntry[V]{val: v})
}

// SetErr records a failed result for k.
func (c *cache[K, V]) SetErr(k K, err error) {
	c.m.Store(k, cacheEntry[V]{err: err})
}

// Package cache provides read-through TTL caches with stampede protection.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Loader computes a value on a cache miss.
type Loader[V any] func(ctx context.Context) (V, error)

// ReadThrough caches loader results per key for ttl. Concurrent misses on the
// same key share one load. Errors are not cached.
type ReadThrough[V any] struct {
	lru   *expirable.LRU[string, V]
	group singleflight.Group
}

// New creates a cache holding up to size keys for ttl each.
func New[V any](size int, ttl time.Duration) *ReadThrough[V] {
	if size <= 0 {
		size = 16
	}
	return &ReadThrough[V]{
		lru: expirable.NewLRU[string, V](size, nil, ttl),
	}
}

// Get returns the cached value for key or loads it.
func (c *ReadThrough[V]) Get(ctx context.Context, key string, load Loader[V]) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.lru.Get(key); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		c.lru.Add(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Invalidate drops one key.
func (c *ReadThrough[V]) Invalidate(key string) {
	c.lru.Remove(key)
}

// Purge drops every key.
func (c *ReadThrough[V]) Purge() {
	c.lru.Purge()
}

// Len returns the number of live entries.
func (c *ReadThrough[V]) Len() int {
	return c.lru.Len()
}

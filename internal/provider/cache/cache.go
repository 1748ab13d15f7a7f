package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// entry stores one cached value with its expiry.
type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	maxItems int
	now      func() time.Time
}

// WithMaxItems caps the number of entries. Expired entries are evicted
// first, then arbitrary ones.
func WithMaxItems(n int) Option { return func(o *options) { o.maxItems = n } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// Cache is a keyed TTL cache that coalesces concurrent fetches for the same
// key into a single upstream call.
type Cache[T any] struct {
	ttl      time.Duration
	maxItems int
	now      func() time.Time

	mu    sync.Mutex
	items map[string]entry[T]

	inflight singleflight.Group
}

func New[T any](ttl time.Duration, opts ...Option) *Cache[T] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[T]{
		ttl:      ttl,
		maxItems: o.maxItems,
		now:      o.now,
		items:    make(map[string]entry[T]),
	}
}

// TTL is the lifetime of a fresh entry.
func (c *Cache[T]) TTL() time.Duration { return c.ttl }

// Get returns the cached value if it has not expired. An expired entry is
// purged and reported as a miss.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		var zero T
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.items, key)
		var zero T
		return zero, false
	}
	return e.value, true
}

// Set writes a fresh entry, replacing any previous one.
func (c *Cache[T]) Set(key string, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.items[key] = entry[T]{value: v, expiresAt: now.Add(c.ttl)}
	if c.maxItems > 0 && len(c.items) > c.maxItems {
		for k, e := range c.items {
			if len(c.items) <= c.maxItems {
				break
			}
			if !now.Before(e.expiresAt) {
				delete(c.items, k)
			}
		}
		for k := range c.items {
			if len(c.items) <= c.maxItems {
				break
			}
			if k != key {
				delete(c.items, k)
			}
		}
	}
}

// Delete drops a key.
func (c *Cache[T]) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Purge drops every expired entry and returns how many were removed.
func (c *Cache[T]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

// Len counts entries, fresh or not.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// GetOrFetch returns the fresh cached value for key, joins an in-flight fetch
// for key, or starts one by calling fetch.
//
// A started fetch is detached from the caller's cancellation and runs until
// it completes or its own upstream timeout fires. Every caller joined to it
// observes the same value or the same error. A caller whose ctx ends first
// gets ctx.Err() while the fetch keeps going and still fills the cache.
// Failures are never cached.
func (c *Cache[T]) GetOrFetch(ctx context.Context, key string, fetch func(ctx context.Context) (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	detached := context.WithoutCancel(ctx)
	ch := c.inflight.DoChan(key, func() (any, error) {
		// A fetch that finished between our miss and this registration
		// already wrote the entry.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := fetch(detached)
		if err != nil {
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultQueryTTL is how long a derived query result is served from cache.
const DefaultQueryTTL = 5 * time.Second

// QueryCache memoizes the result of a derived read, such as "does user X
// have an approved application", for a fixed TTL. An entry inserted at t is
// served for reads before t+TTL and recomputed on any read at or after it.
//
// Clear and Invalidate advance a generation counter. A compute that started
// in an earlier generation still answers the callers waiting on it, but its
// result is not stored, and a Get issued after the bump starts a new compute
// instead of joining the old one.
type QueryCache[V any] struct {
	table *Table[V]
	ttl   time.Duration
	group singleflight.Group

	mu  sync.Mutex
	gen uint64
}

// QueryOption configures a QueryCache.
type QueryOption func(*queryOptions)

type queryOptions struct {
	ttl time.Duration
	now func() time.Time
}

// WithTTL overrides DefaultQueryTTL.
func WithTTL(ttl time.Duration) QueryOption {
	return func(o *queryOptions) { o.ttl = ttl }
}

// WithClock injects the time source used to stamp and age entries.
func WithClock(now func() time.Time) QueryOption {
	return func(o *queryOptions) { o.now = now }
}

func NewQueryCache[V any](opts ...QueryOption) *QueryCache[V] {
	o := queryOptions{ttl: DefaultQueryTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		o.ttl = DefaultQueryTTL
	}
	return &QueryCache[V]{table: NewTable[V](o.now), ttl: o.ttl}
}

// TTL returns the configured time-to-live.
func (c *QueryCache[V]) TTL() time.Duration { return c.ttl }

// Peek returns the cached value for key if it is still fresh.
func (c *QueryCache[V]) Peek(key string) (V, bool) {
	e, ok := c.table.Lookup(key)
	if !ok || e.Age(c.table.Now()) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Get returns the fresh cached value for key or runs compute, stores its
// result and returns it. Concurrent misses on the same key share a single
// compute call. Errors are returned and never cached.
func (c *QueryCache[V]) Get(ctx context.Context, key string, compute func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Peek(key); ok {
		return v, nil
	}
	gen := c.generation()
	res, err, _ := c.group.Do(key+"#"+strconv.FormatUint(gen, 10), func() (any, error) {
		v, err := compute(ctx)
		if err != nil {
			return v, err
		}
		c.mu.Lock()
		if c.gen == gen {
			c.table.Put(key, v)
		}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

func (c *QueryCache[V]) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Invalidate forces the next Get for key to recompute.
func (c *QueryCache[V]) Invalidate(key string) {
	c.mu.Lock()
	c.gen++
	c.table.Invalidate(key)
	c.mu.Unlock()
}

// Clear forces every key to recompute on its next Get.
func (c *QueryCache[V]) Clear() {
	c.mu.Lock()
	c.gen++
	c.table.Clear()
	c.mu.Unlock()
}

package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/rental-store/cache"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTableStampsInsertTime(t *testing.T) {
	clock := newFakeClock()
	tbl := cache.NewTable[string](clock.Now)

	e := tbl.Put("users", "blob")
	assert.Equal(t, clock.Now(), e.InsertedAt)

	clock.Advance(3 * time.Second)
	got, ok := tbl.Lookup("users")
	require.True(t, ok)
	assert.Equal(t, "blob", got.Value)
	assert.Equal(t, 3*time.Second, got.Age(clock.Now()))
}

func TestBlobCacheInvalidate(t *testing.T) {
	c := cache.NewBlobCache[int](nil)
	c.Put("users", 1)
	c.Put("listings", 2)

	c.Invalidate("users")
	_, ok := c.Get("users")
	assert.False(t, ok)
	v, ok := c.Get("listings")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestBlobCacheHasNoTTL(t *testing.T) {
	clock := newFakeClock()
	c := cache.NewBlobCache[string](clock.Now)
	c.Put("users", "blob")
	clock.Advance(24 * time.Hour)
	v, ok := c.Get("users")
	require.True(t, ok)
	assert.Equal(t, "blob", v)
}

func TestQueryCacheServesWithinTTL(t *testing.T) {
	clock := newFakeClock()
	c := cache.NewQueryCache[bool](cache.WithClock(clock.Now))
	require.Equal(t, cache.DefaultQueryTTL, c.TTL())

	var calls int
	compute := func(context.Context) (bool, error) {
		calls++
		return calls%2 == 1, nil
	}
	ctx := context.Background()

	v, err := c.Get(ctx, "approved:u1", compute)
	require.NoError(t, err)
	assert.True(t, v)

	clock.Advance(c.TTL() - time.Millisecond)
	v, err = c.Get(ctx, "approved:u1", compute)
	require.NoError(t, err)
	assert.True(t, v, "read before t+TTL must come from cache")
	assert.Equal(t, 1, calls)
}

func TestQueryCacheRecomputesAtTTL(t *testing.T) {
	clock := newFakeClock()
	c := cache.NewQueryCache[int](cache.WithClock(clock.Now), cache.WithTTL(5000*time.Millisecond))

	var calls int
	compute := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}
	ctx := context.Background()

	v, _ := c.Get(ctx, "k", compute)
	assert.Equal(t, 1, v)

	clock.Advance(5000 * time.Millisecond)
	v, _ = c.Get(ctx, "k", compute)
	assert.Equal(t, 2, v, "read at exactly t+TTL must recompute")

	clock.Advance(time.Hour)
	v, _ = c.Get(ctx, "k", compute)
	assert.Equal(t, 3, v)
}

func TestQueryCacheClearForcesRecompute(t *testing.T) {
	c := cache.NewQueryCache[int]()
	var calls int
	compute := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}
	ctx := context.Background()

	c.Get(ctx, "a", compute)
	c.Get(ctx, "b", compute)
	c.Clear()
	v, _ := c.Get(ctx, "a", compute)
	assert.Equal(t, 3, v)

	c.Invalidate("a")
	_, ok := c.Peek("a")
	assert.False(t, ok)
	_, ok = c.Peek("b")
	assert.False(t, ok, "b was cleared too")
}

func TestQueryCacheDoesNotCacheErrors(t *testing.T) {
	c := cache.NewQueryCache[int]()
	boom := errors.New("boom")
	_, err := c.Get(context.Background(), "k", func(context.Context) (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)

	v, err := c.Get(context.Background(), "k", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestQueryCacheCollapsesConcurrentMisses(t *testing.T) {
	c := cache.NewQueryCache[int]()
	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.Get(context.Background(), "k", compute)
		}(i)
	}
	// Let the goroutines pile up on the in-flight call before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, 42, r)
	}
	v, ok := c.Peek("k")
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

// slowCompute blocks until release is closed and reports when it started.
func slowCompute(started chan<- struct{}, release <-chan struct{}, answer func() bool) func(context.Context) (bool, error) {
	return func(context.Context) (bool, error) {
		v := answer()
		close(started)
		<-release
		return v, nil
	}
}

func TestQueryCacheClearDropsInFlightResult(t *testing.T) {
	c := cache.NewQueryCache[bool]()
	ctx := context.Background()
	var approved atomic.Bool

	started, release := make(chan struct{}), make(chan struct{})
	done := make(chan bool, 1)
	go func() {
		v, _ := c.Get(ctx, "approved:u1", slowCompute(started, release, approved.Load))
		done <- v
	}()
	<-started

	// The write lands while the old answer is being computed.
	approved.Store(true)
	c.Clear()
	close(release)
	assert.False(t, <-done, "the caller that asked before the write sees the old answer")

	_, ok := c.Peek("approved:u1")
	assert.False(t, ok, "a result computed before Clear must not be stored")

	v, err := c.Get(ctx, "approved:u1", func(context.Context) (bool, error) { return approved.Load(), nil })
	require.NoError(t, err)
	assert.True(t, v)
}

func TestQueryCacheGetAfterClearDoesNotJoinOldCompute(t *testing.T) {
	c := cache.NewQueryCache[bool]()
	ctx := context.Background()

	started, release := make(chan struct{}), make(chan struct{})
	done := make(chan bool, 1)
	go func() {
		v, _ := c.Get(ctx, "k", slowCompute(started, release, func() bool { return false }))
		done <- v
	}()
	<-started

	c.Clear()
	v, err := c.Get(ctx, "k", func(context.Context) (bool, error) { return true, nil })
	require.NoError(t, err)
	assert.True(t, v)

	close(release)
	assert.False(t, <-done)
	v, ok := c.Peek("k")
	require.True(t, ok)
	assert.True(t, v, "the stale compute must not overwrite the fresh entry")
}

func TestQueryCacheInvalidateDropsInFlightResult(t *testing.T) {
	c := cache.NewQueryCache[bool]()
	ctx := context.Background()

	started, release := make(chan struct{}), make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Get(ctx, "k", slowCompute(started, release, func() bool { return false }))
	}()
	<-started
	c.Invalidate("k")
	close(release)
	<-done

	_, ok := c.Peek("k")
	assert.False(t, ok)
}

// Package cache provides the in-process caches that sit in front of the
// collection store: an invalidate-on-demand blob cache and a TTL cache for
// derived query results.
//
// Invalidation is always explicit. Nothing here watches the store for
// writes, so a caller that mutates a collection must clear every cache
// that depends on it.
package cache

import (
	"sync"
	"time"
)

// Entry is one cached payload together with the time it was inserted.
type Entry[V any] struct {
	Key        string
	Value      V
	InsertedAt time.Time
}

// Age reports how long ago the entry was inserted relative to now.
func (e Entry[V]) Age(now time.Time) time.Duration {
	return now.Sub(e.InsertedAt)
}

// Table is a thread-safe map of cache entries. It never expires anything
// on its own; holders decide freshness by inspecting Entry.InsertedAt.
type Table[V any] struct {
	mu      sync.RWMutex
	entries map[string]Entry[V]
	now     func() time.Time
}

// NewTable creates an empty table. A nil now uses time.Now.
func NewTable[V any](now func() time.Time) *Table[V] {
	if now == nil {
		now = time.Now
	}
	return &Table[V]{entries: make(map[string]Entry[V]), now: now}
}

// Lookup returns the entry stored under key, if any.
func (t *Table[V]) Lookup(key string) (Entry[V], bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	return e, ok
}

// Put stores value under key stamped with the current time.
func (t *Table[V]) Put(key string, value V) Entry[V] {
	e := Entry[V]{Key: key, Value: value, InsertedAt: t.now()}
	t.mu.Lock()
	t.entries[key] = e
	t.mu.Unlock()
	return e
}

// Invalidate discards the entry for key.
func (t *Table[V]) Invalidate(key string) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

// Clear discards every entry.
func (t *Table[V]) Clear() {
	t.mu.Lock()
	clear(t.entries)
	t.mu.Unlock()
}

// Len returns the number of entries, fresh or not.
func (t *Table[V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Now returns the table's notion of the current time.
func (t *Table[V]) Now() time.Time {
	return t.now()
}

package cache

import "time"

// BlobCache holds decoded collection blobs keyed by collection name. Entries
// live until they are invalidated; there is no TTL.
type BlobCache[V any] struct {
	table *Table[V]
}

func NewBlobCache[V any](now func() time.Time) *BlobCache[V] {
	return &BlobCache[V]{table: NewTable[V](now)}
}

// Get returns the cached blob for collection.
func (c *BlobCache[V]) Get(collection string) (V, bool) {
	e, ok := c.table.Lookup(collection)
	return e.Value, ok
}

func (c *BlobCache[V]) Put(collection string, blob V) {
	c.table.Put(collection, blob)
}

// Invalidate drops the cached blob for one collection.
func (c *BlobCache[V]) Invalidate(collection string) {
	c.table.Invalidate(collection)
}

// Clear drops every cached blob.
func (c *BlobCache[V]) Clear() {
	c.table.Clear()
}

func (c *BlobCache[V]) Len() int {
	return c.table.Len()
}

// Package backend defines the flat key-value persistence primitive and its
// implementations.
package backend

import "context"

// Backend is the interface that all persistence backends must implement.
// Keys and values are opaque strings. Implementations make no atomicity
// promise across calls: two sequential calls may not observe a consistent
// snapshot when another writer is active.
type Backend interface {
	// Get returns the value stored under key. The boolean is false when the
	// key does not exist.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys returns every stored key that starts with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

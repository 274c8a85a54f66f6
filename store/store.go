// Package store implements a schema-less, collection-oriented document store
// over a flat key-value Backend.
//
// Each collection lives under a single backend key, KeyPrefix+name, whose
// value is one JSON object mapping record id to record. Every mutation
// rewrites the whole object. Records are opaque to the store; by convention
// they carry an "id" field equal to the key they are stored under.
//
// A Store guards each collection's read-modify-write with its own lock, so
// writers inside one process never lose each other's updates. Writers in
// other processes sharing the same backend still race; callers that need a
// write to be durably visible should go through package verify.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/stevemurr/rental-store/backend"
	"github.com/stevemurr/rental-store/cache"
	"github.com/stevemurr/rental-store/idgen"
)

// DefaultKeyPrefix namespaces every collection key in the backend.
const DefaultKeyPrefix = "@rental:"

var (
	ErrEmptyCollectionName = errors.New("store: empty collection name")
	ErrEmptyID             = errors.New("store: empty record id")
	ErrCorruptBlob         = errors.New("store: corrupt collection blob")
)

// blob is one decoded collection. Insertion order is preserved so List
// returns records in the order they were first written.
type blob = *orderedmap.OrderedMap[string, json.RawMessage]

// Options configures a Store.
type Options struct {
	// KeyPrefix is prepended to collection names to form backend keys.
	// Defaults to DefaultKeyPrefix.
	KeyPrefix string
	Logger    *slog.Logger
	// Now stamps blob cache entries. Defaults to time.Now.
	Now func() time.Time
}

// Store is a collection store bound to one backend. The blob cache and the
// per-collection locks belong to the instance, so two stores never share
// cached state.
type Store struct {
	backend backend.Backend
	prefix  string
	blobs   *cache.BlobCache[blob]
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func New(b backend.Backend, opts Options) *Store {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		backend: b,
		prefix:  opts.KeyPrefix,
		blobs:   cache.NewBlobCache[blob](opts.Now),
		logger:  opts.Logger.With("component", "store"),
		locks:   make(map[string]*sync.RWMutex),
	}
}

// Backend returns the backend the store persists to.
func (s *Store) Backend() backend.Backend { return s.backend }

// Key returns the backend key that holds collection.
func (s *Store) Key(collection string) string {
	return s.prefix + collection
}

func (s *Store) lock(collection string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[collection]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[collection] = l
	}
	return l
}

func validate(collection, id string) error {
	if collection == "" {
		return ErrEmptyCollectionName
	}
	if id == "" {
		return ErrEmptyID
	}
	return nil
}

func decodeBlob(raw string) (blob, error) {
	m := orderedmap.New[string, json.RawMessage]()
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return m, nil
	}
	if trimmed[0] != '{' || !json.Valid([]byte(trimmed)) {
		return nil, ErrCorruptBlob
	}
	if err := m.UnmarshalJSON([]byte(trimmed)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBlob, err)
	}
	return m, nil
}

func encodeBlob(m blob) (string, error) {
	b, err := m.MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// fetch reads and decodes a collection straight from the backend.
func (s *Store) fetch(ctx context.Context, collection string) (blob, error) {
	raw, ok, err := s.backend.Get(ctx, s.Key(collection))
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", collection, err)
	}
	if !ok {
		return orderedmap.New[string, json.RawMessage](), nil
	}
	return decodeBlob(raw)
}

// read returns the collection through the blob cache. A backend failure or
// an undecodable blob is logged and reads as an empty collection; neither is
// cached, so the next read tries the backend again.
func (s *Store) read(ctx context.Context, collection string) blob {
	if m, ok := s.blobs.Get(collection); ok {
		return m
	}
	m, err := s.fetch(ctx, collection)
	if err != nil {
		s.logger.Warn("collection unreadable, treating as empty",
			"collection", collection, "error", err)
		return orderedmap.New[string, json.RawMessage]()
	}
	s.blobs.Put(collection, m)
	return m
}

// GetRaw returns the encoded record stored under id. A missing collection
// or id is reported through the boolean, never as an error.
func (s *Store) GetRaw(ctx context.Context, collection, id string) (json.RawMessage, bool, error) {
	if err := validate(collection, id); err != nil {
		return nil, false, err
	}
	l := s.lock(collection)
	l.RLock()
	defer l.RUnlock()
	raw, ok := s.read(ctx, collection).Get(id)
	if !ok {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), raw...), true, nil
}

// ListRaw returns every encoded record in insertion order.
func (s *Store) ListRaw(ctx context.Context, collection string) ([]json.RawMessage, error) {
	if collection == "" {
		return nil, ErrEmptyCollectionName
	}
	l := s.lock(collection)
	l.RLock()
	defer l.RUnlock()
	m := s.read(ctx, collection)
	out := make([]json.RawMessage, 0, m.Len())
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, append(json.RawMessage(nil), pair.Value...))
	}
	return out, nil
}

// UpsertRaw stores raw under id, replacing any previous record. raw must
// be valid JSON.
func (s *Store) UpsertRaw(ctx context.Context, collection, id string, raw json.RawMessage) error {
	if err := validate(collection, id); err != nil {
		return err
	}
	if !json.Valid(raw) {
		return fmt.Errorf("store: upsert %s/%s: invalid JSON record", collection, id)
	}
	return s.mutate(ctx, collection, func(m blob) bool {
		m.Set(id, append(json.RawMessage(nil), raw...))
		return true
	})
}

// Remove deletes one record. Removing a missing record is a no-op.
func (s *Store) Remove(ctx context.Context, collection, id string) error {
	if err := validate(collection, id); err != nil {
		return err
	}
	return s.mutate(ctx, collection, func(m blob) bool {
		_, present := m.Delete(id)
		return present
	})
}

// mutate runs a read-modify-write of one collection under its write lock.
// The cached blob is dropped before the write and again after it, so no
// read that follows can be served the pre-write state. fn reports whether
// it changed anything; an unchanged blob is not rewritten.
func (s *Store) mutate(ctx context.Context, collection string, fn func(blob) bool) error {
	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()

	s.blobs.Invalidate(collection)
	defer s.blobs.Invalidate(collection)

	m, err := s.fetch(ctx, collection)
	if errors.Is(err, ErrCorruptBlob) {
		s.logger.Warn("overwriting unreadable collection", "collection", collection, "error", err)
		m = orderedmap.New[string, json.RawMessage]()
	} else if err != nil {
		return err
	}
	if !fn(m) {
		return nil
	}
	encoded, err := encodeBlob(m)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", collection, err)
	}
	if err := s.backend.Set(ctx, s.Key(collection), encoded); err != nil {
		return fmt.Errorf("store: write %s: %w", collection, err)
	}
	return nil
}

// ClearCollection deletes the whole blob for one collection.
func (s *Store) ClearCollection(ctx context.Context, collection string) error {
	if collection == "" {
		return ErrEmptyCollectionName
	}
	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()
	s.blobs.Invalidate(collection)
	defer s.blobs.Invalidate(collection)
	if err := s.backend.Remove(ctx, s.Key(collection)); err != nil {
		return fmt.Errorf("store: clear %s: %w", collection, err)
	}
	return nil
}

// Collections returns the names of every collection present in the backend
// under this store's prefix.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	keys, err := s.backend.Keys(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("store: list collections: %w", err)
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		if name := strings.TrimPrefix(k, s.prefix); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// ClearAll deletes every collection blob under this store's prefix. It is
// meant for development and test teardown.
func (s *Store) ClearAll(ctx context.Context) error {
	names, err := s.Collections(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := s.ClearCollection(ctx, name); err != nil {
			return err
		}
	}
	s.blobs.Clear()
	return nil
}

// ClearCache drops every cached blob.
func (s *Store) ClearCache() {
	s.blobs.Clear()
}

// ClearCollectionCache drops the cached blob of one collection.
func (s *Store) ClearCollectionCache(collection string) {
	s.blobs.Invalidate(collection)
}

// Peek reads a record straight from the backend, bypassing the blob cache
// and leaving it untouched. Unlike GetRaw it reports backend and decode
// failures as errors.
func (s *Store) Peek(ctx context.Context, collection, id string) (json.RawMessage, bool, error) {
	if err := validate(collection, id); err != nil {
		return nil, false, err
	}
	m, err := s.fetch(ctx, collection)
	if err != nil {
		return nil, false, err
	}
	raw, ok := m.Get(id)
	return raw, ok, nil
}

// GenerateID mints a new record id. See idgen.Generate.
func GenerateID(prefix string) string {
	return idgen.Generate(prefix)
}

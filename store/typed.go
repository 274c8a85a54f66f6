package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Get decodes the record stored under id into a T.
func Get[T any](ctx context.Context, s *Store, collection, id string) (T, bool, error) {
	var zero T
	raw, ok, err := s.GetRaw(ctx, collection, id)
	if err != nil || !ok {
		return zero, false, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, false, fmt.Errorf("store: decode %s/%s: %w", collection, id, err)
	}
	return v, true, nil
}

// List decodes every record of collection into a T, in insertion order.
// Records that do not decode as T are skipped and logged. A collection that
// was never written lists as empty.
func List[T any](ctx context.Context, s *Store, collection string) ([]T, error) {
	raws, err := s.ListRaw(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			s.logger.Warn("skipping undecodable record", "collection", collection, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Upsert stores record under id, replacing any previous record. The last
// completed write wins; there is no merge.
func Upsert[T any](ctx context.Context, s *Store, collection, id string, record T) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", collection, id, err)
	}
	return s.UpsertRaw(ctx, collection, id, raw)
}

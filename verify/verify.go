package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stevemurr/rental-store/store"
)

// ErrNotDurable matches every *Error.
var ErrNotDurable = errors.New("verify: record not durable")

var (
	errMissing  = errors.New("record missing on read-back")
	errMismatch = errors.New("record id does not match its key")
	errPresent  = errors.New("record still present on read-back")
)

// Error reports a record that could not be shown to have persisted.
type Error struct {
	Collection string
	ID         string
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("verify: %s/%s not durable after %d attempt(s): %v", e.Collection, e.ID, e.Attempts, e.Err)
}

func (e *Error) Is(target error) bool { return target == ErrNotDurable }

func (e *Error) Unwrap() error { return e.Err }

// Verifier performs verified writes against one store.
type Verifier struct {
	store  *store.Store
	policy Policy
	logger *slog.Logger
}

func New(s *store.Store, p Policy, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{store: s, policy: p.normalize(), logger: logger.With("component", "verify")}
}

// Store returns the store the verifier writes to.
func (v *Verifier) Store() *store.Store { return v.store }

// Write upserts record and confirms it can be read back. See WriteRaw.
func Write[T any](ctx context.Context, v *Verifier, collection, id string, record T) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("verify: encode %s/%s: %w", collection, id, err)
	}
	return v.WriteRaw(ctx, collection, id, raw)
}

// WriteRaw runs the verified write sequence for one record. A write the
// backend rejects outright is retried like a failed read-back.
func (v *Verifier) WriteRaw(ctx context.Context, collection, id string, raw json.RawMessage) error {
	return v.run(ctx, collection, id, "write", func(ctx context.Context) error {
		v.store.ClearCollectionCache(collection)
		if err := v.store.UpsertRaw(ctx, collection, id, raw); err != nil {
			return err
		}
		return v.settleAndCheck(ctx, collection, id, true)
	})
}

// Remove deletes a record and confirms it is gone from both the store and
// the backend.
func (v *Verifier) Remove(ctx context.Context, collection, id string) error {
	return v.run(ctx, collection, id, "remove", func(ctx context.Context) error {
		v.store.ClearCollectionCache(collection)
		if err := v.store.Remove(ctx, collection, id); err != nil {
			return err
		}
		return v.settleAndCheck(ctx, collection, id, false)
	})
}

// Check reports whether a record is present with a matching id both
// through the store and in the backend, without writing anything.
func (v *Verifier) Check(ctx context.Context, collection, id string) error {
	v.store.ClearCollectionCache(collection)
	return v.readBack(ctx, collection, id, true)
}

func (v *Verifier) run(ctx context.Context, collection, id, op string, attempt func(context.Context) error) error {
	n, err := Do(ctx, v.policy, func(ctx context.Context, i int) error {
		err := attempt(ctx)
		if err != nil {
			v.logger.Warn("verification attempt failed",
				"op", op, "collection", collection, "id", id,
				"attempt", i, "of", v.policy.Attempts, "error", err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	// A caller that went away is not a durability failure.
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		err = ex.Last
	}
	return &Error{Collection: collection, ID: id, Attempts: n, Err: err}
}

func (v *Verifier) settleAndCheck(ctx context.Context, collection, id string, wantPresent bool) error {
	if err := v.policy.Sleep(ctx, v.policy.Settle); err != nil {
		return err
	}
	v.store.ClearCollectionCache(collection)
	return v.readBack(ctx, collection, id, wantPresent)
}

// readBack checks the record through the store's normal read path and then
// straight from the backend, so a cached blob cannot hide a lost write.
func (v *Verifier) readBack(ctx context.Context, collection, id string, wantPresent bool) error {
	viaStore, ok, err := v.store.GetRaw(ctx, collection, id)
	if err != nil {
		return err
	}
	if err := expect(viaStore, ok, id, wantPresent); err != nil {
		return fmt.Errorf("store read: %w", err)
	}
	viaBackend, ok, err := v.store.Peek(ctx, collection, id)
	if err != nil {
		return err
	}
	if err := expect(viaBackend, ok, id, wantPresent); err != nil {
		return fmt.Errorf("backend read: %w", err)
	}
	return nil
}

func expect(raw json.RawMessage, ok bool, id string, wantPresent bool) error {
	if !wantPresent {
		if ok {
			return errPresent
		}
		return nil
	}
	if !ok {
		return errMissing
	}
	var rec struct {
		ID *string `json:"id"`
	}
	// Records that are not objects, or carry no id field, are checked for
	// presence only.
	if json.Unmarshal(raw, &rec) == nil && rec.ID != nil && *rec.ID != id {
		return fmt.Errorf("%w: got %q", errMismatch, *rec.ID)
	}
	return nil
}

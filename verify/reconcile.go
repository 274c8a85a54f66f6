package verify

import (
	"context"
	"errors"
	"fmt"
)

// Pair describes one logical entity stored as two records in two
// collections, such as a credential and the profile it belongs to.
type Pair struct {
	// Left and Right are the collection names.
	Left, Right string
	// LeftID and RightID are the record ids of the two halves.
	LeftID, RightID string
	// FromLeft builds the Right record from the Left one; FromRight the
	// reverse. Either may be nil when that direction cannot be rebuilt.
	FromLeft  func(left []byte) (any, error)
	FromRight func(right []byte) (any, error)
}

// Repair names a record that reconciliation rewrote.
type Repair struct {
	Collection string
	ID         string
}

// ErrUnrecoverable means both halves of a pair are missing, or the half that
// is missing has no rebuild function.
var ErrUnrecoverable = errors.New("verify: pair cannot be reconciled")

// Reconcile re-reads both halves of every pair straight from the backend and
// rewrites, through verified writes, any half that is missing while the
// other is present. It keeps going after a failure and returns every repair
// it made along with the joined errors.
func (v *Verifier) Reconcile(ctx context.Context, pairs []Pair) ([]Repair, error) {
	var (
		repairs []Repair
		errs    []error
	)
	for _, p := range pairs {
		r, err := v.reconcile(ctx, p)
		if r != nil {
			repairs = append(repairs, *r)
			v.logger.Info("reconciled record", "collection", r.Collection, "id", r.ID)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return repairs, errors.Join(errs...)
}

func (v *Verifier) reconcile(ctx context.Context, p Pair) (*Repair, error) {
	v.store.ClearCollectionCache(p.Left)
	v.store.ClearCollectionCache(p.Right)
	left, hasLeft, err := v.store.Peek(ctx, p.Left, p.LeftID)
	if err != nil {
		return nil, err
	}
	right, hasRight, err := v.store.Peek(ctx, p.Right, p.RightID)
	if err != nil {
		return nil, err
	}

	var (
		rebuild    func([]byte) (any, error)
		src        []byte
		collection string
		id         string
	)
	switch {
	case hasLeft && hasRight:
		return nil, nil
	case hasLeft:
		rebuild, src, collection, id = p.FromLeft, left, p.Right, p.RightID
	case hasRight:
		rebuild, src, collection, id = p.FromRight, right, p.Left, p.LeftID
	default:
		return nil, fmt.Errorf("%w: %s/%s and %s/%s both missing", ErrUnrecoverable, p.Left, p.LeftID, p.Right, p.RightID)
	}
	if rebuild == nil {
		return nil, fmt.Errorf("%w: no way to rebuild %s/%s", ErrUnrecoverable, collection, id)
	}
	rec, err := rebuild(src)
	if err != nil {
		return nil, fmt.Errorf("verify: rebuild %s/%s: %w", collection, id, err)
	}
	if err := Write(ctx, v, collection, id, rec); err != nil {
		return nil, err
	}
	return &Repair{Collection: collection, ID: id}, nil
}

// Package verify turns the store's weak write guarantees into an operational
// "written and readable" guarantee.
//
// A verified write clears the collection's cached blob, upserts, waits for
// the backend to settle, clears the cache again and reads the record back
// twice: once through the store and once straight from the backend. It
// retries up to a fixed number of attempts and then fails with an *Error
// naming the record.
//
// Batches of verified writes are not transactional. If the third write of a
// batch fails, the first two stay written; callers must stop issuing
// dependent writes and surface the error rather than continue.
package verify

import (
	"context"
	"errors"
	"time"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policy bounds a retried operation.
type Policy struct {
	// Attempts is the attempt ceiling, at least 1.
	Attempts int
	// Settle is the wait between a write and its read-back.
	Settle time.Duration
	// Backoff is the wait before each attempt after the first.
	Backoff time.Duration
	// Sleep defaults to the real-time Sleep.
	Sleep Sleeper
}

// DefaultPolicy matches the settle window and ceiling the store's callers
// have always relied on.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Settle: 200 * time.Millisecond, Backoff: 100 * time.Millisecond}
}

func (p Policy) normalize() Policy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Sleep == nil {
		p.Sleep = Sleep
	}
	return p
}

// ErrExhausted is returned by Do when every attempt failed.
var ErrExhausted = errors.New("verify: attempts exhausted")

// ExhaustedError carries the attempt count and the last attempt's error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return ErrExhausted.Error() + ": " + e.Last.Error()
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrExhausted, e.Last} }

// Do runs op until it returns nil or the attempt ceiling is reached.
// attempt is 1-based. A cancelled context stops the loop and its error is
// returned as is. Do reports the number of attempts it made.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) (int, error) {
	p = p.normalize()
	var last error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if attempt > 1 && p.Backoff > 0 {
			if err := p.Sleep(ctx, p.Backoff); err != nil {
				return attempt - 1, err
			}
		}
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		last = op(ctx, attempt)
		if last == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
	}
	return p.Attempts, &ExhaustedError{Attempts: p.Attempts, Last: last}
}

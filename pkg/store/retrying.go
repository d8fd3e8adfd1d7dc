package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/crystal-mush/gochatter/pkg/retry"
	"github.com/crystal-mush/gochatter/pkg/world"
)

// Retrying wraps a Gateway so that every attempt is bounded by Timeout and
// transient failures are retried with Backoff. Errors that survive all
// attempts match ErrUnavailable. ErrNotFound and ErrNameTaken are returned
// at once.
type Retrying struct {
	Next    Gateway
	Backoff retry.Backoff
	Timeout time.Duration
}

// NewRetrying wraps next with the given attempt budget and per-attempt timeout.
func NewRetrying(next Gateway, attempts int, timeout time.Duration) *Retrying {
	b := retry.DefaultBackoff()
	b.MaxAttempts = attempts
	return &Retrying{Next: next, Backoff: b, Timeout: timeout}
}

func permanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNameTaken)
}

func call[T any](ctx context.Context, r *Retrying, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Backoff.Do(ctx, func(attempt int) error {
		v, err := bounded(ctx, r.Timeout, fn)
		if err == nil {
			out = v
			return nil
		}
		if permanent(err) {
			return retry.Permanent(err)
		}
		log.Printf("store: %s attempt %d failed: %v", op, attempt, err)
		return err
	})
	if err == nil || permanent(err) {
		return out, err
	}
	log.Printf("ERROR: store: %s: %v", op, err)
	return out, fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// bounded runs fn and stops waiting for it when the timeout passes. The
// call itself may keep running; its result is then discarded.
func bounded[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()
	select {
	case res := <-done:
		return res.v, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (r *Retrying) LoadIdentity(ctx context.Context, name string) (*Account, error) {
	return call(ctx, r, "load identity", func(ctx context.Context) (*Account, error) {
		return r.Next.LoadIdentity(ctx, name)
	})
}

func (r *Retrying) CreateIdentity(ctx context.Context, acct *Account) error {
	_, err := call(ctx, r, "create identity", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.Next.CreateIdentity(ctx, acct)
	})
	return err
}

func (r *Retrying) SaveIdentity(ctx context.Context, acct *Account) error {
	_, err := call(ctx, r, "save identity", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.Next.SaveIdentity(ctx, acct)
	})
	return err
}

func (r *Retrying) LoadWorldSnapshot(ctx context.Context) (*world.Snapshot, error) {
	return call(ctx, r, "load world", func(ctx context.Context) (*world.Snapshot, error) {
		return r.Next.LoadWorldSnapshot(ctx)
	})
}

func (r *Retrying) SaveWorldSnapshot(ctx context.Context, snap *world.Snapshot) error {
	_, err := call(ctx, r, "save world", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.Next.SaveWorldSnapshot(ctx, snap)
	})
	return err
}

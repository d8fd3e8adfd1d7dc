// Package retry retries fallible operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// PermanentError marks an error that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err has been marked as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Backoff is an exponential backoff policy.
type Backoff struct {
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int  // total attempts including the first; 0 retries until ctx ends
	Jitter       bool // randomize each delay by up to 25%
}

// DefaultBackoff suits short storage operations.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
		MaxAttempts:  4,
		Jitter:       true,
	}
}

// Do calls fn until it succeeds, returns a permanent error, runs out of
// attempts, or ctx ends. attempt is 1-based. The last error stays in the
// chain of the returned error.
func (b Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	delay := b.InitialDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}

	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return fmt.Errorf("retry: gave up after %d attempts: %w", attempt, err)
		}

		wait := delay
		if b.Jitter {
			wait = jitter(delay)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry: %w (last error: %w)", ctx.Err(), err)
		case <-t.C:
		}

		delay = time.Duration(float64(delay) * mult)
		if b.MaxDelay > 0 && delay > b.MaxDelay {
			delay = b.MaxDelay
		}
	}
}

func jitter(d time.Duration) time.Duration {
	quarter := float64(d) / 4
	out := time.Duration(float64(d) + rand.Float64()*2*quarter - quarter)
	if out < time.Millisecond {
		return time.Millisecond
	}
	return out
}

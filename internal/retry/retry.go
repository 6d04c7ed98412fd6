// Package retry runs an operation under a bounded exponential backoff
// policy with jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	dagerrors "github.com/stevehiehn/testagent/internal/errors"
)

// Policy bounds how often and for how long an operation is retried.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap for a single delay
	Multiplier  float64
	Jitter      float64       // randomization factor in [0, 1]
	Ceiling     time.Duration // wall-clock bound for all attempts together
}

// DefaultPolicy is five attempts starting at 200ms, capped at 30s overall.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2,
		Jitter:      0.5,
		Ceiling:     30 * time.Second,
	}
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 || p.Ceiling < 0 {
		return errors.New("retry: delays must not be negative")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("retry: jitter must be within [0, 1], got %v", p.Jitter)
	}
	return nil
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = p.Jitter
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	return b
}

// Permanent marks err so that Do stops retrying immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls fn until it succeeds, returns a permanent error, runs out of
// attempts or exceeds the ceiling. Every attempt's context carries the
// ceiling as its deadline. A *errors.RunError that is not Retryable is
// treated as permanent. The returned error is the last one fn produced.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) (attempts int, err error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Ceiling > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Ceiling)
		defer cancel()
	}

	var last error
	op := func() (struct{}, error) {
		attempts++
		last = fn(ctx)
		if last == nil {
			return struct{}{}, nil
		}
		var re *dagerrors.RunError
		if errors.As(last, &re) && !re.Retryable {
			return struct{}{}, backoff.Permanent(last)
		}
		return struct{}{}, last
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	}
	if p.Ceiling > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.Ceiling))
	}
	_, err = backoff.Retry(ctx, op, opts...)
	if err == nil {
		return attempts, nil
	}
	if last != nil {
		var perm *backoff.PermanentError
		if errors.As(last, &perm) {
			return attempts, perm.Unwrap()
		}
		return attempts, last
	}
	return attempts, err
}

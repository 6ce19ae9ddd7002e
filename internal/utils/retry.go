package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// ErrPollTimeout is returned when Poll gives up before the condition is met
var ErrPollTimeout = errors.New("timed out waiting for condition")

var errNotDone = errors.New("not done")

// Permanent marks err as non-retryable. Poll and Retry return the wrapped
// error immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &backoff.PermanentError{Err: err}
}

// Poll calls fn every interval until it reports done, returns a permanent
// error, or timeout elapses. Non-permanent errors are treated as transient.
func Poll(ctx context.Context, interval, timeout time.Duration, fn func(ctx context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var last error
	operation := func() error {
		done, err := fn(ctx)
		if err != nil {
			var permanent *backoff.PermanentError
			if errors.As(err, &permanent) {
				return permanent
			}
			last = err
			return err
		}
		if !done {
			return errNotDone
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.NewConstantBackOff(interval), ctx))
	if err == nil {
		return nil
	}
	if ctx.Err() == nil {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if last != nil {
			return fmt.Errorf("%w after %s: %v", ErrPollTimeout, timeout, last)
		}
		return fmt.Errorf("%w after %s", ErrPollTimeout, timeout)
	}
	return ctx.Err()
}

// Retrier retries transient failures with exponential backoff
type Retrier struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	MaxTries        int
	// ShouldRetry reports whether err is transient. nil retries every error.
	ShouldRetry func(err error) bool
	Notify      func(err error, d time.Duration)
}

// NewRetrier returns a Retrier tuned for eventually consistent control-plane
// calls such as using a freshly created IAM role.
func NewRetrier() *Retrier {
	return &Retrier{
		InitialInterval: 2 * time.Second,
		MaxInterval:     10 * time.Second,
		MaxElapsedTime:  time.Minute,
		MaxTries:        8,
	}
}

// Retry calls f until it succeeds or the backoff is exhausted
func (r *Retrier) Retry(ctx context.Context, f func() error) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.InitialInterval,
		MaxInterval:         r.MaxInterval,
		Multiplier:          1.5,
		RandomizationFactor: 0.2,
		MaxElapsedTime:      r.MaxElapsedTime,
		Clock:               backoff.SystemClock,
	}

	tries := r.MaxTries - 1
	if tries < 0 {
		tries = 0
	}

	operation := func() error {
		err := f()
		if err != nil && r.ShouldRetry != nil && !r.ShouldRetry(err) {
			return &backoff.PermanentError{Err: err}
		}
		return err
	}

	notify := func(err error, d time.Duration) {
		if r.Notify != nil {
			r.Notify(err, d)
		}
	}

	return backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(tries)), ctx), notify)
}

package exchange

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	retryInitialInterval = 1 * time.Second
	retryMaxInterval     = 10 * time.Second
	retryMaxAttempts     = 3
)

// WithRetry runs op with exponential backoff on transient failures.
// Non-transient errors (authentication, margin, market rejections) abort
// immediately. After the final attempt the last transport error is wrapped
// as ErrVenueUnavailable so callers can match the taxonomy.
func WithRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.MaxInterval = retryMaxInterval
	policy.RandomizationFactor = 0.2

	attempts := uint64(retryMaxAttempts)
	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, attempts-1), ctx))

	if err != nil && IsTransient(err) {
		return &unavailableError{err: err}
	}
	return err
}

type unavailableError struct{ err error }

func (e *unavailableError) Error() string { return ErrVenueUnavailable.Error() + ": " + e.err.Error() }

func (e *unavailableError) Unwrap() error { return e.err }

// Is lets errors.Is(err, ErrVenueUnavailable) match exhausted retries.
func (e *unavailableError) Is(target error) bool { return target == ErrVenueUnavailable }

// Package retry re-runs operations that fail with errors marked as
// retryable.
package retry

import (
	"context"
	"errors"
	"time"
)

// Config describes how many attempts are made and how far apart.
type Config struct {
	// MaxAttempts counts the first call too. Zero retries until ctx ends.
	MaxAttempts int
	Delay       time.Duration

	// OnRetry runs before each wait with the attempt that just failed.
	OnRetry func(attempt int, err error)
}

// Fixed waits delay between attempts, at most attempts times in total.
func Fixed(delay time.Duration, attempts int) Config {
	return Config{MaxAttempts: attempts, Delay: delay}
}

type retryable struct{ err error }

func (r retryable) Error() string { return r.err.Error() }
func (r retryable) Unwrap() error { return r.err }

// Retryable marks err so that Do tries again. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryable{err}
}

// IsRetryable reports whether err, or anything it wraps, was marked by
// Retryable.
func IsRetryable(err error) bool {
	var r retryable
	return errors.As(err, &r)
}

// Do calls fn until it succeeds, returns an unmarked error, or attempts run
// out. In the last case the final error is returned as is.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !IsRetryable(err) {
			return err
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		timer := time.NewTimer(cfg.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Package retry implements bounded retries with exponential backoff and
// jitter for the PostgreSQL and Redis call paths. Operations classify their
// own failures: wrap an error with Retryable to request another attempt or
// with Permanent to stop immediately; unclassified errors are returned
// after the first attempt.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Retryable marks an error as worth another attempt.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Permanent marks an error as final. The retrier unwraps it and returns it
// without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Config tunes a Retrier. Zero fields take the documented defaults.
type Config struct {
	// MaxAttempts bounds the total number of attempts, first try included.
	// Default 3.
	MaxAttempts int

	// InitialDelay is the sleep before the second attempt. Default 100ms.
	InitialDelay time.Duration

	// MaxDelay caps the backoff growth. Default 30s.
	MaxDelay time.Duration

	// Multiplier grows the delay after every attempt. Default 2.
	Multiplier float64

	// Jitter spreads each delay by up to the given fraction in either
	// direction, so synchronized callers do not re-dogpile a recovering
	// backend. Default 0.1.
	Jitter float64
}

// Retrier executes operations under one retry policy. A single Retrier is
// safe for concurrent use.
type Retrier struct {
	cfg Config
}

// New returns a Retrier for the given config with defaults applied.
func New(cfg Config) *Retrier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		cfg.Jitter = 0.1
	}
	return &Retrier{cfg: cfg}
}

// DatabaseRetrier is the policy for PostgreSQL calls.
func DatabaseRetrier() *Retrier {
	return New(Config{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Jitter:       0.05,
	})
}

// CacheRetrier is the policy for Redis calls. Fewer attempts than the
// database: every guarded read has a PostgreSQL fallback, so a struggling
// cache should fail fast rather than hold the request.
func CacheRetrier() *Retrier {
	return New(Config{
		MaxAttempts:  2,
		InitialDelay: 25 * time.Millisecond,
		MaxDelay:     250 * time.Millisecond,
		Multiplier:   2,
		Jitter:       0.1,
	})
}

// Do runs the operation until it succeeds, exhausts the attempt budget, or
// returns an error that is not marked Retryable. The error handed back to
// the caller is always the operation's own error, stripped of the
// classification wrapper.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		var retr *retryableError
		if !errors.As(err, &retr) {
			return err
		}
		if attempt == r.cfg.MaxAttempts {
			return retr.err
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(r.backoff(attempt)):
		}
	}

	return lastErr
}

func (r *Retrier) backoff(attempt int) time.Duration {
	delay := float64(r.cfg.InitialDelay) * math.Pow(r.cfg.Multiplier, float64(attempt-1))
	if delay > float64(r.cfg.MaxDelay) {
		delay = float64(r.cfg.MaxDelay)
	}
	if r.cfg.Jitter > 0 {
		delay += delay * r.cfg.Jitter * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

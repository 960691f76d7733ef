// Package backoff provides exponential backoff delays and a retry loop for
// broker operations.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial     time.Duration // default: 100ms
	Max         time.Duration // default: 5s
	MaxAttempts int           // default: 5, used by Retry
	Jitter      bool          // randomize each delay within [d/2, d]
}

// DefaultConfig returns the publish retry defaults.
func DefaultConfig() Config {
	return Config{
		Initial:     100 * time.Millisecond,
		Max:         5 * time.Second,
		MaxAttempts: 5,
	}
}

func (c *Config) withDefaults() Config {
	out := DefaultConfig()
	if c == nil {
		return out
	}
	if c.Initial > 0 {
		out.Initial = c.Initial
	}
	if c.Max > 0 {
		out.Max = c.Max
	}
	if c.MaxAttempts > 0 {
		out.MaxAttempts = c.MaxAttempts
	}
	out.Jitter = c.Jitter
	return out
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	c := cfg.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(c.Initial) * math.Pow(2.0, float64(attempt-1))
	if backoff > float64(c.Max) {
		backoff = float64(c.Max)
	}
	d := time.Duration(backoff)
	if c.Jitter && d > 1 {
		half := d / 2
		d = half + time.Duration(rand.Int64N(int64(d-half)+1))
	}
	return d
}

// Permanent marks an error that Retry must not retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Retry calls fn until it succeeds, returns a permanent error, the attempts
// run out or ctx is done. onRetry, if set, is called before each wait.
// The last error from fn is returned.
func Retry(ctx context.Context, cfg *Config, fn func(attempt int) error, onRetry func(attempt int, err error, wait time.Duration)) error {
	c := cfg.withDefaults()
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) || attempt >= c.MaxAttempts {
			return err
		}
		wait := Exponential(attempt, &c)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
		if sleepErr := Sleep(ctx, wait); sleepErr != nil {
			return errors.Join(err, sleepErr)
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

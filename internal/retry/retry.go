// Package retry runs an operation with exponential backoff and jitter. The
// provisioner uses it to wait for environments to come up.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy configures backoff.
type Policy struct {
	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration
	// MaxDelay caps a single delay before jitter.
	MaxDelay time.Duration
	// MaxElapsed bounds the total time spent retrying.
	MaxElapsed time.Duration
	// MaxAttempts bounds the number of attempts (0 = bounded by MaxElapsed only).
	MaxAttempts int
	// Logger receives retry progress. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultPolicy polls quickly at first and backs off to a few seconds.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		MaxElapsed:   30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = d.MaxElapsed
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return p
}

// Backoff returns the un-jittered delay after the given attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// jitter adds up to 50% on top of d.
func jitter(d time.Duration) time.Duration {
	if d < 2 {
		return d
	}
	return d + rand.N(d/2)
}

// Do calls fn until it succeeds, returns a PermanentError, the policy is
// exhausted, or ctx is done. The last error is wrapped in the result.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	start := time.Now()

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				p.Logger.Debug("Operation succeeded after retry",
					"operation", op,
					"attempt", attempt,
					"elapsed", time.Since(start).Round(time.Millisecond),
				)
			}
			return nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}

		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			p.Logger.Warn("Retries exhausted", "operation", op, "attempts", attempt, "error", err)
			return fmt.Errorf("%s: gave up after %d attempts: %w", op, attempt, err)
		}
		if time.Since(start) >= p.MaxElapsed {
			p.Logger.Warn("Retries exhausted", "operation", op, "elapsed", time.Since(start).Round(time.Millisecond), "error", err)
			return fmt.Errorf("%s: gave up after %v: %w", op, time.Since(start).Round(time.Millisecond), err)
		}

		wait := jitter(p.Backoff(attempt))
		p.Logger.Debug("Operation failed, retrying", "operation", op, "attempt", attempt, "delay", wait.Round(time.Millisecond), "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-timer.C:
		}
	}
}

// Package retry implements bounded exponential backoff with jitter.
//
// A Policy is an explicit value owned by its caller; nothing in this package
// retries implicitly. Operations classify their failures with Retryable and
// Permanent, and the policy decides whether another attempt is made.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryableError marks a failure that may succeed on another attempt.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so that a Policy retries it.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable checks if an error is marked retryable.
func IsRetryable(err error) bool {
	var target *RetryableError
	return errors.As(err, &target)
}

// PermanentError marks a failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that a Policy stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is marked permanent.
func IsPermanent(err error) bool {
	var target *PermanentError
	return errors.As(err, &target)
}

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts includes the first attempt. Values below 1 mean 1.
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// JitterFactor spreads each delay by ±factor (0 disables jitter).
	JitterFactor float64

	// RetryIf overrides the default classification (only RetryableError).
	RetryIf func(error) bool

	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns a three-attempt policy suitable for short writes.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// PersistencePolicy is tuned for durable progress writes: few attempts and
// short delays, because the user already sees the optimistic result.
func PersistencePolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.05,
	}
}

// NoRetry performs exactly one attempt.
func NoRetry() Policy {
	return Policy{MaxAttempts: 1}
}

// Outcome reports how an operation finished.
type Outcome struct {
	Attempts int
	Err      error
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func jitter() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Float64()*2 - 1
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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

// Delay returns the backoff delay after the given attempt (1-based), without
// jitter applied.
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

func (p Policy) jittered(attempt int) time.Duration {
	d := float64(p.Delay(attempt))
	if p.JitterFactor > 0 {
		d += d * p.JitterFactor * jitter()
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func (p Policy) shouldRetry(err error) bool {
	if IsPermanent(err) {
		return false
	}
	if p.RetryIf != nil {
		return p.RetryIf(err)
	}
	return IsRetryable(err)
}

// Do runs op until it succeeds, fails permanently, exhausts the attempts or
// ctx is done. The returned error has Retryable/Permanent markers removed.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) Outcome {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return Outcome{Attempts: attempt - 1, Err: unwrapMarkers(lastErr)}
		}

		err := op(ctx)
		if err == nil {
			return Outcome{Attempts: attempt}
		}
		lastErr = err

		if !p.shouldRetry(err) || attempt == maxAttempts {
			return Outcome{Attempts: attempt, Err: unwrapMarkers(err)}
		}

		delay := p.jittered(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return Outcome{Attempts: attempt, Err: unwrapMarkers(lastErr)}
		}
	}

	return Outcome{Attempts: maxAttempts, Err: unwrapMarkers(lastErr)}
}

// Do runs op under the default policy.
func Do(ctx context.Context, op func(ctx context.Context) error) error {
	return DefaultPolicy().Do(ctx, op).Err
}

// DoWithData is a helper for operations that return data.
func DoWithData[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, Outcome) {
	var result T
	out := p.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = op(ctx)
		return err
	})
	return result, out
}

func unwrapMarkers(err error) error {
	for {
		switch e := err.(type) {
		case *RetryableError:
			err = e.Err
		case *PermanentError:
			err = e.Err
		default:
			return err
		}
	}
}

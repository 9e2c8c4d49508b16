// Package retry wraps failable calls in bounded exponential backoff with
// jitter. Every attempt runs under its own timeout.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"mt5bridge/internal/domain"
)

type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
	AttemptTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		BaseDelay:      250 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		JitterFraction: 0.2,
		AttemptTimeout: 5 * time.Second,
	}
}

// Delay returns the wait before attempt n+1, for n >= 1. r is a uniform
// sample in [0,1) spreading the delay by +/- JitterFraction.
func (p Policy) Delay(n int, r float64) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay
	for i := 1; i < n && (p.MaxDelay <= 0 || d < p.MaxDelay); i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.JitterFraction > 0 {
		d = time.Duration(float64(d) * (1 + p.JitterFraction*(2*r-1)))
	}
	if d < 0 {
		return 0
	}
	return d
}

// Failure is returned once the attempts are exhausted or a non-retryable
// error stops the loop.
type Failure struct {
	Op       string
	Attempts int
	Cause    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: failed after %d attempt(s): %v", f.Op, f.Attempts, f.Cause)
}

func (f *Failure) Unwrap() error { return f.Cause }

// Controller applies a Policy. It is safe for concurrent use as long as the
// hooks it was built with are.
type Controller struct {
	policy    Policy
	sleep     func(ctx context.Context, d time.Duration) error
	random    func() float64
	onRetry   func(op string, attempt int, wait time.Duration, err error)
	retryable func(error) bool
}

type Option func(*Controller)

// WithSleep replaces the context-aware sleep, mostly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = fn }
}

func WithRandom(fn func() float64) Option {
	return func(c *Controller) { c.random = fn }
}

// WithOnRetry is called before every wait between attempts.
func WithOnRetry(fn func(op string, attempt int, wait time.Duration, err error)) Option {
	return func(c *Controller) { c.onRetry = fn }
}

func WithRetryable(fn func(error) bool) Option {
	return func(c *Controller) { c.retryable = fn }
}

func New(p Policy, opts ...Option) *Controller {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	c := &Controller{
		policy:    p,
		sleep:     sleepCtx,
		random:    rand.Float64,
		retryable: domain.IsRetryable,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) Policy() Policy { return c.policy }

// Do calls fn until it succeeds, fails with a non-retryable error, the
// attempts run out or ctx is done. Errors are always *Failure.
func Do[T any](ctx context.Context, c *Controller, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var last error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last == nil {
				last = err
			}
			return zero, &Failure{Op: op, Attempts: attempt - 1, Cause: last}
		}

		v, err := runAttempt(ctx, c.policy.AttemptTimeout, fn)
		if err == nil {
			return v, nil
		}
		last = err

		if !c.retryable(err) || attempt == c.policy.MaxAttempts {
			return zero, &Failure{Op: op, Attempts: attempt, Cause: err}
		}

		wait := c.policy.Delay(attempt, c.random())
		if c.onRetry != nil {
			c.onRetry(op, attempt, wait, err)
		}
		if err := c.sleep(ctx, wait); err != nil {
			return zero, &Failure{Op: op, Attempts: attempt, Cause: last}
		}
	}
	return zero, &Failure{Op: op, Attempts: c.policy.MaxAttempts, Cause: last}
}

// Run is Do for calls without a result.
func Run(ctx context.Context, c *Controller, op string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, c, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(actx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsFailure reports whether err came out of this package.
func IsFailure(err error) bool {
	var f *Failure
	return errors.As(err, &f)
}

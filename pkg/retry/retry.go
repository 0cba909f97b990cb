// Package retry runs an operation under a bounded exponential backoff
// policy. It is used in the same way for commands that change device
// state and for the get_power_state polls that observe it.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/openfroyo/oobctl/pkg/clock"
	"github.com/openfroyo/oobctl/pkg/hardware"
)

// Policy bounds a retry sequence.
type Policy struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the wait after the first failed attempt.
	BaseDelay time.Duration

	// MaxDelay caps the nominal wait between attempts.
	MaxDelay time.Duration

	// Deadline bounds the whole sequence, measured from the first
	// attempt. Zero means only MaxAttempts applies.
	Deadline time.Duration

	// JitterFraction spreads each wait uniformly within
	// ±JitterFraction of its nominal value. Must be in [0, 1).
	JitterFraction float64

	// Retryable decides whether an error is worth another attempt.
	// Defaults to hardware.IsRetryable.
	Retryable func(error) bool

	// Rand returns values in [0, 1). Defaults to math/rand/v2.
	Rand func() float64

	// OnRetry is called before each wait.
	OnRetry func(Attempt)
}

// Attempt describes a failed attempt that is about to be retried.
type Attempt struct {
	Number  int
	Elapsed time.Duration
	Delay   time.Duration
	Err     error
}

// DefaultPolicy returns the policy used for single commands and queries.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		BaseDelay:      time.Second,
		MaxDelay:       10 * time.Second,
		Deadline:       30 * time.Second,
		JitterFraction: 0.2,
	}
}

// Validate checks that the policy bounds are coherent.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 || p.Deadline < 0 {
		return fmt.Errorf("delays and deadline must not be negative")
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		return fmt.Errorf("base delay %s exceeds max delay %s", p.BaseDelay, p.MaxDelay)
	}
	if p.JitterFraction < 0 || p.JitterFraction >= 1 {
		return fmt.Errorf("jitter fraction must be in [0, 1), got %v", p.JitterFraction)
	}
	return nil
}

// NominalDelay returns the un-jittered wait after attempt n (1-based):
// min(MaxDelay, BaseDelay * 2^(n-1)).
func (p Policy) NominalDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Delay returns the jittered wait after attempt n.
func (p Policy) Delay(n int) time.Duration {
	nominal := p.NominalDelay(n)
	if p.JitterFraction <= 0 {
		return nominal
	}
	r := p.random()
	factor := 1 + p.JitterFraction*(2*r-1)
	return time.Duration(float64(nominal) * factor)
}

func (p Policy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return hardware.IsRetryable(err)
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// policy is exhausted.
//
// Each attempt's context expires at the policy deadline. A non-retryable
// error is returned unchanged. Exhaustion yields a RetriesExhausted
// error wrapping the last failure: by attempt count, by an attempt cut
// off at the deadline, or because the next wait would cross it.
// Cancellation of ctx yields Cancelled and a ctx deadline yields
// Timeout; no further attempt is started in either case.
func Do[T any](ctx context.Context, clk clock.Clock, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	if clk == nil {
		clk = clock.Real()
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	start := clk.Now()
	var deadline time.Time
	if p.Deadline > 0 {
		deadline = start.Add(p.Deadline)
	}

	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		if err := ctx.Err(); err != nil {
			return zero, hardware.FromContext(err)
		}

		attempt++
		v, cutShort, err := runAttempt(ctx, clk, deadline, attempt, fn)
		if err == nil {
			return v, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, hardware.FromContext(ctxErr)
		}
		if cutShort {
			if _, ok := hardware.AsError(err); !ok {
				err = hardware.NewTimeoutError("attempt ran past the retry deadline", err)
			}
		}
		if !p.retryable(err) {
			return zero, err
		}
		lastErr = err

		if attempt >= maxAttempts || cutShort {
			break
		}

		delay := p.Delay(attempt)
		now := clk.Now()
		if !deadline.IsZero() && now.Add(delay).After(deadline) {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(Attempt{
				Number:  attempt,
				Elapsed: now.Sub(start),
				Delay:   delay,
				Err:     err,
			})
		}

		select {
		case <-ctx.Done():
			return zero, hardware.FromContext(ctx.Err())
		case <-clk.After(delay):
		}
	}

	return zero, hardware.NewRetriesExhaustedError(attempt, lastErr)
}

// runAttempt calls fn once. With a deadline set, fn's context expires
// with it and cutShort reports whether it had when fn returned.
func runAttempt[T any](ctx context.Context, clk clock.Clock, deadline time.Time, n int, fn func(ctx context.Context, attempt int) (T, error)) (T, bool, error) {
	if deadline.IsZero() {
		v, err := fn(ctx, n)
		return v, false, err
	}
	actx, cancel := clk.WithDeadline(ctx, deadline)
	defer cancel()
	v, err := fn(actx, n)
	return v, actx.Err() != nil, err
}

// Run is Do for operations without a result.
func Run(ctx context.Context, clk clock.Clock, p Policy, fn func(ctx context.Context, attempt int) error) error {
	_, err := Do(ctx, clk, p, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	})
	return err
}

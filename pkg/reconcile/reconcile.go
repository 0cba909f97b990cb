// Package reconcile turns an asynchronous physical power transition into
// a single call that ends in exactly one of: target state observed,
// device fault, or deadline reached.
//
// A transition has two phases. The command phase issues power_on,
// power_off or power_reboot under a short retry policy. The polling
// phase then reads get_power_state, each read under its own retry
// policy, until the target is observed. Readings are authoritative: if
// the command's fate is unknown the polling phase decides the outcome.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/oobctl/pkg/clock"
	"github.com/openfroyo/oobctl/pkg/executor"
	"github.com/openfroyo/oobctl/pkg/hardware"
	"github.com/openfroyo/oobctl/pkg/retry"
	"github.com/openfroyo/oobctl/pkg/telemetry"
)

// Options bounds one transition.
type Options struct {
	// CommandPolicy retries the transition command itself.
	CommandPolicy retry.Policy

	// PollPolicy retries each get_power_state read.
	PollPolicy retry.Policy

	// PollInterval is the wait between successive reads.
	PollInterval time.Duration

	// Deadline bounds the whole transition, command phase included. It
	// caps both policy deadlines and both per-call timeouts.
	Deadline time.Duration

	// CommandTimeout and PollTimeout bound single transport calls.
	CommandTimeout time.Duration
	PollTimeout    time.Duration

	// RebootConfirmsOn accepts an on reading without a preceding off
	// as proof that a reboot completed.
	RebootConfirmsOn bool
}

// DefaultOptions returns the options used for power_on and power_reboot.
func DefaultOptions() Options {
	return Options{
		CommandPolicy: retry.Policy{
			MaxAttempts:    3,
			BaseDelay:      500 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			Deadline:       10 * time.Second,
			JitterFraction: 0.2,
		},
		PollPolicy: retry.Policy{
			MaxAttempts:    3,
			BaseDelay:      time.Second,
			MaxDelay:       4 * time.Second,
			Deadline:       15 * time.Second,
			JitterFraction: 0.2,
		},
		PollInterval:   2 * time.Second,
		Deadline:       60 * time.Second,
		CommandTimeout: 20 * time.Second,
		PollTimeout:    10 * time.Second,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	if err := o.CommandPolicy.Validate(); err != nil {
		return fmt.Errorf("command policy: %w", err)
	}
	if err := o.PollPolicy.Validate(); err != nil {
		return fmt.Errorf("poll policy: %w", err)
	}
	if o.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if o.Deadline <= 0 {
		return fmt.Errorf("deadline must be positive")
	}
	return nil
}

// Outcome reports a successful transition.
type Outcome struct {
	// State is the observed final state.
	State hardware.PowerState

	// Polls is the number of get_power_state reads performed.
	Polls int

	// Elapsed is measured from the start of the command phase.
	Elapsed time.Duration

	// CommandEffectUnknown is set when the command's delivery could not
	// be confirmed and success rests on the readings alone.
	CommandEffectUnknown bool
}

// Reconciler drives power transitions. It holds no per-node state and
// is safe for concurrent use.
type Reconciler struct {
	exec    *executor.Executor
	clock   clock.Clock
	metrics *telemetry.Metrics
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

// WithMetrics records polls and retries.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// New creates a Reconciler issuing commands through exec.
func New(exec *executor.Executor, opts ...Option) *Reconciler {
	r := &Reconciler{exec: exec, clock: clock.Real()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Transition drives node to target and waits until the target is
// observed.
func (r *Reconciler) Transition(ctx context.Context, transport hardware.Transport, node *hardware.Node, target hardware.PowerState, opts Options) (*Outcome, error) {
	cmd, err := hardware.PowerCommand(target)
	if err != nil {
		return nil, err
	}

	log := telemetry.FromContext(ctx).Zerolog()
	start := r.clock.Now()
	deadline := start.Add(opts.Deadline)

	res, effectUnknown, err := r.issue(ctx, transport, node, cmd, opts, deadline)
	if err != nil {
		if !r.clock.Now().Before(deadline) && ctx.Err() == nil && exhausted(err) {
			return nil, r.timedOut(node, cmd.Operation, target, hardware.PowerNoState, 0, err)
		}
		return nil, err
	}
	if effectUnknown {
		log.Warn().
			Str("target", string(target)).
			Msg("command delivery unconfirmed, deciding from power state readings")
	}

	pollPolicy := opts.PollPolicy
	pollPolicy.OnRetry = r.onRetry(node, hardware.OpGetPowerState)
	getState := hardware.Command{Operation: hardware.OpGetPowerState}

	var (
		polls    int
		lastErr  error
		lastSeen = hardware.PowerNoState
		// A reboot the transport turned into a plain power on started
		// from off.
		sawDown = res != nil && res.PriorState == hardware.PowerOff
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, r.interrupted(err, target, lastSeen, lastErr)
		}

		remaining := deadline.Sub(r.clock.Now())
		if remaining <= 0 {
			return nil, r.timedOut(node, cmd.Operation, target, lastSeen, polls, lastErr)
		}
		pollPolicy.Deadline = within(opts.PollPolicy.Deadline, remaining, remaining)
		pollTimeout := within(opts.PollTimeout, executor.DefaultTimeout, remaining)

		polls++
		res, err := retry.Do(ctx, r.clock, pollPolicy, func(ctx context.Context, attempt int) (*hardware.Result, error) {
			return r.exec.Execute(ctx, transport, node, getState, pollTimeout)
		})

		switch {
		case err == nil:
			lastErr = nil
			lastSeen = res.PowerState
			log.Debug().
				Int("poll", polls).
				Str("state", string(lastSeen)).
				Str("target", string(target)).
				Msg("power state observed")

			if lastSeen == hardware.PowerError {
				return nil, hardware.NewDeviceError(
					fmt.Sprintf("device reported error while transitioning to %s", target), nil).
					WithNode(node.ID()).
					WithOperation(cmd.Operation)
			}
			if lastSeen == hardware.PowerOff || lastSeen == hardware.PowerReboot {
				sawDown = true
			}
			if reached(target, lastSeen, sawDown, opts.RebootConfirmsOn) {
				elapsed := r.clock.Now().Sub(start)
				r.metrics.RecordReconcilePolls(node.HardwareType, string(target), polls)
				return &Outcome{
					State:                lastSeen,
					Polls:                polls,
					Elapsed:              elapsed,
					CommandEffectUnknown: effectUnknown,
				}, nil
			}

		case errors.Is(err, hardware.ErrCancelled):
			return nil, err

		case ctx.Err() != nil:
			return nil, r.interrupted(ctx.Err(), target, lastSeen, err)

		case exhausted(err):
			lastErr = err
			log.Debug().Err(err).Int("poll", polls).Msg("power state unavailable")

		default:
			return nil, err
		}

		now := r.clock.Now()
		if !now.Before(deadline) {
			return nil, r.timedOut(node, cmd.Operation, target, lastSeen, polls, lastErr)
		}

		wait := opts.PollInterval
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, r.interrupted(ctx.Err(), target, lastSeen, lastErr)
		case <-r.clock.After(wait):
		}
	}
}

// issue runs the command phase within deadline. A command whose
// delivery is unknown is neither retried nor fatal; the caller falls
// through to polling.
func (r *Reconciler) issue(ctx context.Context, transport hardware.Transport, node *hardware.Node, cmd hardware.Command, opts Options, deadline time.Time) (*hardware.Result, bool, error) {
	remaining := deadline.Sub(r.clock.Now())
	policy := opts.CommandPolicy
	policy.Deadline = within(policy.Deadline, remaining, remaining)
	policy.Retryable = func(err error) bool {
		return !hardware.IsEffectUnknown(err) && hardware.IsRetryable(err)
	}
	policy.OnRetry = r.onRetry(node, cmd.Operation)
	timeout := within(opts.CommandTimeout, executor.DefaultTimeout, remaining)

	res, err := retry.Do(ctx, r.clock, policy, func(ctx context.Context, attempt int) (*hardware.Result, error) {
		return r.exec.Execute(ctx, transport, node, cmd, timeout)
	})
	if err == nil {
		return res, false, nil
	}
	if hardware.IsEffectUnknown(err) && ctx.Err() == nil {
		return nil, true, nil
	}
	if herr, ok := hardware.AsError(err); ok && herr.Node == "" {
		herr.WithNode(node.ID()).WithOperation(cmd.Operation)
	}
	return nil, false, err
}

// within returns d, or def when d is unset, capped at left.
func within(d, def, left time.Duration) time.Duration {
	if d <= 0 {
		d = def
	}
	if d > left {
		return left
	}
	return d
}

// exhausted reports whether err only means the device did not answer
// in time, as opposed to refusing or faulting.
func exhausted(err error) bool {
	return errors.Is(err, hardware.ErrRetriesExhausted) || hardware.IsRetryable(err)
}

func (r *Reconciler) onRetry(node *hardware.Node, op hardware.Operation) func(retry.Attempt) {
	return func(a retry.Attempt) {
		r.metrics.RecordRetry(node.HardwareType, string(op))
	}
}

// reached decides whether observed completes a transition to target.
func reached(target, observed hardware.PowerState, sawDown, rebootConfirmsOn bool) bool {
	switch target {
	case hardware.PowerOn, hardware.PowerOff:
		return observed == target
	case hardware.PowerReboot:
		return observed == hardware.PowerOn && (sawDown || rebootConfirmsOn)
	}
	return false
}

func (r *Reconciler) timedOut(node *hardware.Node, op hardware.Operation, target, lastSeen hardware.PowerState, polls int, lastErr error) *hardware.Error {
	return hardware.NewReconciliationTimeoutError(
		fmt.Sprintf("%s not observed after %d poll(s), last state %s", target, polls, lastSeen), lastErr).
		WithNode(node.ID()).
		WithOperation(op).
		WithDetail("last_state", string(lastSeen)).
		WithDetail("polls", polls)
}

// interrupted maps a done context: cancellation stays Cancelled, an
// expired caller deadline means the target was not observed in time.
func (r *Reconciler) interrupted(ctxErr error, target, lastSeen hardware.PowerState, lastErr error) *hardware.Error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		cause := lastErr
		if cause == nil {
			cause = ctxErr
		}
		return hardware.NewReconciliationTimeoutError(
			fmt.Sprintf("caller deadline reached before %s was observed, last state %s", target, lastSeen), cause).
			WithDetail("last_state", string(lastSeen))
	}
	return hardware.NewCancelledError(ctxErr)
}

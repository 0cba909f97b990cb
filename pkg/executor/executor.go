// Package executor performs one logical command against a node: open a
// session, send, close, all bounded by a per-call timeout.
package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/openfroyo/oobctl/pkg/hardware"
	"github.com/openfroyo/oobctl/pkg/telemetry"
)

// DefaultTimeout bounds a single call when the caller passes zero.
const DefaultTimeout = 20 * time.Second

const (
	phaseOpen int32 = iota
	phaseSend
)

// Executor runs single commands. It is stateless apart from its
// telemetry sinks and safe for concurrent use.
type Executor struct {
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

// WithMetrics records one transport_calls_total sample per call.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithTracer opens a transport span per call.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// New creates an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type outcome struct {
	result *hardware.Result
	err    error
	phase  int32
}

// Execute sends cmd to node through transport and waits at most timeout
// for the reply. The timeout is enforced even if the transport ignores
// its context; the abandoned exchange finishes and closes its session in
// the background.
//
// Errors are always *hardware.Error: Timeout when the call expired,
// Cancelled when ctx was cancelled, TransportError otherwise. A mutating
// command that failed after it may have been delivered is flagged
// EffectUnknown.
func (e *Executor) Execute(ctx context.Context, transport hardware.Transport, node *hardware.Node, cmd hardware.Command, timeout time.Duration) (*hardware.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, e.finish(node, cmd, hardware.FromContext(err), 0)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, span := e.tracer.StartTransportSpan(ctx, node.HardwareType, string(cmd.Operation))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := telemetry.FromContext(ctx).Zerolog()
	log.Debug().
		Str("command", cmd.String()).
		Dur("timeout", timeout).
		Msg("executing command")

	timer := telemetry.NewTimer()
	var phase atomic.Int32
	done := make(chan outcome, 1)

	go func() {
		session, err := transport.Open(callCtx, node)
		if err != nil {
			done <- outcome{err: err, phase: phaseOpen}
			return
		}
		defer func() {
			if cerr := session.Close(); cerr != nil {
				log.Debug().Err(cerr).Msg("closing session")
			}
		}()

		phase.Store(phaseSend)
		res, err := session.Send(callCtx, cmd)
		done <- outcome{result: res, err: err, phase: phaseSend}
	}()

	var err error
	var res *hardware.Result
	select {
	case out := <-done:
		res = out.result
		if out.err != nil {
			err = e.normalize(ctx, callCtx, cmd, out.err, out.phase)
		}
	case <-callCtx.Done():
		err = e.expired(ctx, cmd, timeout, phase.Load())
	}

	duration := timer.Duration()
	if err != nil {
		herr := e.finish(node, cmd, err, duration)
		telemetry.RecordError(span, herr)
		log.Debug().
			Err(herr).
			Dur("duration", duration).
			Str("command", cmd.String()).
			Msg("command failed")
		return nil, herr
	}

	if res == nil {
		res = &hardware.Result{}
	}
	e.metrics.RecordTransportCall(node.HardwareType, string(cmd.Operation), "success", duration)
	telemetry.RecordSuccess(span)
	log.Debug().
		Dur("duration", duration).
		Str("command", cmd.String()).
		Str("power_state", string(res.PowerState)).
		Msg("command completed")
	return res, nil
}

// normalize converts a transport failure into the error taxonomy.
func (e *Executor) normalize(parent, callCtx context.Context, cmd hardware.Command, err error, phase int32) *hardware.Error {
	if errors.Is(parent.Err(), context.Canceled) {
		return hardware.NewCancelledError(err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		herr := hardware.NewTimeoutError("no reply before deadline", err)
		if phase == phaseSend && cmd.Operation.Mutating() {
			herr.WithEffectUnknown()
		}
		return herr
	}

	classified := hardware.ClassifyTransportError("command failed", err)
	herr := *classified
	if herr.Kind == hardware.KindTransport &&
		phase == phaseSend &&
		cmd.Operation.Mutating() &&
		herr.Temporary &&
		herr.Code != hardware.ErrCodeConnectionRefused {
		herr.EffectUnknown = true
	}
	return &herr
}

// expired builds the error for a call abandoned at its deadline.
func (e *Executor) expired(parent context.Context, cmd hardware.Command, timeout time.Duration, phase int32) *hardware.Error {
	if errors.Is(parent.Err(), context.Canceled) {
		return hardware.NewCancelledError(parent.Err())
	}
	herr := hardware.NewTimeoutError("no reply within "+timeout.String(), context.DeadlineExceeded)
	if phase == phaseSend && cmd.Operation.Mutating() {
		herr.WithEffectUnknown()
	}
	return herr
}

func (e *Executor) finish(node *hardware.Node, cmd hardware.Command, err error, duration time.Duration) *hardware.Error {
	herr, ok := hardware.AsError(err)
	if !ok {
		herr = hardware.ClassifyTransportError("command failed", err)
	}
	if herr.Node == "" {
		herr.WithNode(node.ID())
	}
	if herr.Operation == "" {
		herr.WithOperation(cmd.Operation)
	}
	e.metrics.RecordTransportCall(node.HardwareType, string(cmd.Operation), string(herr.Kind), duration)
	return herr
}

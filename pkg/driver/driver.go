// Package driver is the single entry point an orchestrator uses to
// control nodes out of band. Every call validates the node, resolves its
// hardware type in the capability registry, checks the operation, then
// dispatches: power transitions go through the reconciler, everything
// else through the retry-wrapped executor.
//
// Every error returned is a *hardware.Error.
package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/openfroyo/oobctl/pkg/clock"
	"github.com/openfroyo/oobctl/pkg/executor"
	"github.com/openfroyo/oobctl/pkg/hardware"
	"github.com/openfroyo/oobctl/pkg/reconcile"
	"github.com/openfroyo/oobctl/pkg/registry"
	"github.com/openfroyo/oobctl/pkg/retry"
	"github.com/openfroyo/oobctl/pkg/telemetry"
)

// Driver implements the power and management interface over a frozen
// registry. It keeps no per-node state and is safe for concurrent use.
type Driver struct {
	registry   *registry.Registry
	exec       *executor.Executor
	reconciler *reconcile.Reconciler
	clock      clock.Clock
	tel        *telemetry.Telemetry
	policies   Policies
}

// Option configures a Driver.
type Option func(*Driver)

// WithTelemetry sets the logger, metrics, tracer and event sinks.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(d *Driver) { d.tel = t }
}

// WithClock replaces the real clock used for backoff and polling.
func WithClock(c clock.Clock) Option {
	return func(d *Driver) { d.clock = c }
}

// WithPolicies replaces DefaultPolicies.
func WithPolicies(p Policies) Option {
	return func(d *Driver) { d.policies = p }
}

// New creates a Driver over reg.
func New(reg *registry.Registry, opts ...Option) *Driver {
	d := &Driver{
		registry: reg,
		clock:    clock.Real(),
		tel:      telemetry.Discard(),
		policies: DefaultPolicies(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.exec = executor.New(
		executor.WithMetrics(d.tel.Metrics),
		executor.WithTracer(d.tel.Tracer),
	)
	d.reconciler = reconcile.New(d.exec,
		reconcile.WithClock(d.clock),
		reconcile.WithMetrics(d.tel.Metrics),
	)
	return d
}

// Registry returns the registry the driver resolves hardware types in.
func (d *Driver) Registry() *registry.Registry {
	return d.registry
}

// PowerOn drives node to on and waits until on is observed.
func (d *Driver) PowerOn(ctx context.Context, node *hardware.Node) (*reconcile.Outcome, error) {
	return d.SetPowerState(ctx, node, hardware.PowerOn)
}

// PowerOff drives node to off and waits until off is observed.
func (d *Driver) PowerOff(ctx context.Context, node *hardware.Node) (*reconcile.Outcome, error) {
	return d.SetPowerState(ctx, node, hardware.PowerOff)
}

// Reboot power-cycles node and waits until it is observed on again.
func (d *Driver) Reboot(ctx context.Context, node *hardware.Node) (*reconcile.Outcome, error) {
	return d.SetPowerState(ctx, node, hardware.PowerReboot)
}

// SetPowerState drives node to target, one of on, off or reboot.
func (d *Driver) SetPowerState(ctx context.Context, node *hardware.Node, target hardware.PowerState) (*reconcile.Outcome, error) {
	op, ok := hardware.PowerOperation(target)
	if !ok {
		return nil, badArgument(node, fmt.Sprintf("%q is not a power target", target))
	}

	var outcome *reconcile.Outcome
	err := d.run(ctx, node, op, func(c *call) error {
		opts := d.policies.transition(target == hardware.PowerOff)
		opts.Deadline = node.Timeout(op, opts.Deadline)
		opts.RebootConfirmsOn = opts.RebootConfirmsOn || c.entry.RebootConfirmsOn

		events := d.tel.Events
		events.PublishTransitionStarted(c.id, node.ID(), node.HardwareType, string(target))

		out, err := d.reconciler.Transition(c.ctx, c.transport, node, target, opts)
		if err != nil {
			events.PublishTransitionFailed(c.id, node.ID(), node.HardwareType, string(target),
				string(hardware.KindOf(err)), err.Error())
			return err
		}

		events.PublishTransitionCompleted(c.id, node.ID(), node.HardwareType, string(target), out.Polls, out.Elapsed)
		d.tel.Metrics.SetPowerState(node.ID(), node.HardwareType, string(out.State))
		c.log.Zerolog().Info().
			Str("state", string(out.State)).
			Int("polls", out.Polls).
			Dur("elapsed", out.Elapsed).
			Bool("effect_unknown", out.CommandEffectUnknown).
			Msg("power transition completed")
		outcome = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// GetPowerState reads the node's current power state.
func (d *Driver) GetPowerState(ctx context.Context, node *hardware.Node) (hardware.PowerState, error) {
	state := hardware.PowerNoState
	err := d.run(ctx, node, hardware.OpGetPowerState, func(c *call) error {
		res, err := d.send(c, hardware.Command{Operation: hardware.OpGetPowerState}, d.policies.Query)
		if err != nil {
			return err
		}
		if !res.PowerState.Valid() || res.PowerState == hardware.PowerNoState {
			return hardware.NewMalformedReplyError("transport returned no power state", res.Raw)
		}
		state = res.PowerState
		d.tel.Metrics.SetPowerState(node.ID(), node.HardwareType, string(state))
		return nil
	})
	return state, err
}

// SetBootDevice selects the device node boots from next.
func (d *Driver) SetBootDevice(ctx context.Context, node *hardware.Node, device hardware.BootDevice, persistent bool) error {
	if !device.Valid() {
		return normalize(badArgument(node, fmt.Sprintf("unknown boot device %q", device)), node, hardware.OpSetBootDevice)
	}
	return d.run(ctx, node, hardware.OpSetBootDevice, func(c *call) error {
		_, err := d.send(c, hardware.Command{
			Operation:  hardware.OpSetBootDevice,
			BootDevice: device,
			Persistent: persistent,
		}, d.policies.Command)
		return err
	})
}

// GetBootDevice reads the configured boot device.
func (d *Driver) GetBootDevice(ctx context.Context, node *hardware.Node) (hardware.BootInfo, error) {
	var info hardware.BootInfo
	err := d.run(ctx, node, hardware.OpGetBootDevice, func(c *call) error {
		res, err := d.send(c, hardware.Command{Operation: hardware.OpGetBootDevice}, d.policies.Query)
		if err != nil {
			return err
		}
		if res.Boot == nil {
			return hardware.NewMalformedReplyError("transport returned no boot device", res.Raw)
		}
		info = *res.Boot
		return nil
	})
	return info, err
}

// VendorPassthru invokes a hardware-specific method. Unconfirmed
// deliveries are not repeated.
func (d *Driver) VendorPassthru(ctx context.Context, node *hardware.Node, method string, args map[string]interface{}) (map[string]interface{}, error) {
	var data map[string]interface{}
	err := d.run(ctx, node, hardware.OpVendorPassthru, func(c *call) error {
		if !c.entry.SupportsPassthru(method) {
			return hardware.NewUnsupportedOperationError(node.HardwareType, hardware.OpVendorPassthru).
				WithDetail("method", method).
				WithDetail("supported", c.entry.PassthruMethods)
		}
		c.log = c.log.WithField("method", method)

		policy := d.policies.Command
		policy.Retryable = func(err error) bool {
			return !hardware.IsEffectUnknown(err) && hardware.IsRetryable(err)
		}
		res, err := d.send(c, hardware.Command{
			Operation: hardware.OpVendorPassthru,
			Passthru:  method,
			Args:      args,
		}, policy)
		if err != nil {
			return err
		}
		data = res.Data
		if data == nil {
			data = map[string]interface{}{}
		}
		return nil
	})
	return data, err
}

// Validate reports whether op can be performed on node without any I/O.
func (d *Driver) Validate(node *hardware.Node, op hardware.Operation) error {
	_, err := d.check(node, op)
	return err
}

// SupportedOperations returns the operations node can perform: the
// hardware type's set narrowed by the node's declared capabilities.
func (d *Driver) SupportedOperations(node *hardware.Node) ([]hardware.Operation, error) {
	if err := node.Validate(); err != nil {
		return nil, err
	}
	entry, err := d.registry.Lookup(node.HardwareType)
	if err != nil {
		return nil, err
	}
	ops := entry.Operations
	if node.Capabilities != nil {
		ops = ops.Intersect(hardware.NewOperationSet(node.Capabilities...))
	}
	return ops.List(), nil
}

func (d *Driver) check(node *hardware.Node, op hardware.Operation) (registry.Entry, error) {
	if err := node.Validate(); err != nil {
		return registry.Entry{}, err
	}
	entry, err := d.registry.Lookup(node.HardwareType)
	if err != nil {
		return registry.Entry{}, err
	}
	if !entry.Operations.Has(op) {
		return registry.Entry{}, hardware.NewUnsupportedOperationError(node.HardwareType, op)
	}
	if !node.Allows(op) {
		return registry.Entry{}, hardware.NewUnsupportedOperationError(node.HardwareType, op).
			WithDetail("reason", "not in node capabilities")
	}
	return entry, nil
}

// call carries the per-operation state handed to dispatch functions.
type call struct {
	ctx       context.Context
	id        string
	node      *hardware.Node
	entry     registry.Entry
	transport hardware.Transport
	log       *telemetry.Logger
}

// run validates, instruments and normalizes one facade operation.
func (d *Driver) run(ctx context.Context, node *hardware.Node, op hardware.Operation, fn func(c *call) error) error {
	entry, err := d.check(node, op)
	if err != nil {
		herr := normalize(err, node, op)
		d.tel.Metrics.RecordError(string(herr.Kind))
		return herr
	}

	id := uuid.New().String()
	ic := d.tel.StartOperation(ctx, string(op), id, node.ID(), node.HardwareType)

	err = func() error {
		transport, err := entry.Factory()
		if err != nil {
			return hardware.NewTransportError("creating transport", err, false)
		}
		return fn(&call{
			ctx:       ic.Ctx,
			id:        id,
			node:      node,
			entry:     entry,
			transport: transport,
			log:       ic.Logger,
		})
	}()

	duration := ic.Timer.Duration()
	if err != nil {
		herr := normalize(err, node, op)
		ic.End(herr)
		d.tel.Metrics.RecordOperation(node.HardwareType, string(op), string(herr.Kind), duration)
		d.tel.Metrics.RecordError(string(herr.Kind))
		ic.Logger.Zerolog().Warn().
			Err(herr).
			Str("kind", string(herr.Kind)).
			Dur("duration", duration).
			Msg("operation failed")
		return herr
	}

	ic.End(nil)
	d.tel.Metrics.RecordOperation(node.HardwareType, string(op), "success", duration)
	ic.Logger.Zerolog().Debug().Dur("duration", duration).Msg("operation completed")
	return nil
}

// send runs cmd through the retry engine and the executor.
func (d *Driver) send(c *call, cmd hardware.Command, policy retry.Policy) (*hardware.Result, error) {
	node := c.node
	timeout := node.Timeout(cmd.Operation, d.policies.CallTimeout)
	policy.OnRetry = func(a retry.Attempt) {
		d.tel.Metrics.RecordRetry(node.HardwareType, string(cmd.Operation))
		c.log.Zerolog().Debug().
			Err(a.Err).
			Int("attempt", a.Number).
			Dur("delay", a.Delay).
			Msg("retrying command")
	}
	return retry.Do(c.ctx, d.clock, policy, func(ctx context.Context, attempt int) (*hardware.Result, error) {
		return d.exec.Execute(ctx, c.transport, node, cmd, timeout)
	})
}

// badArgument rejects a request the interface cannot express, before
// any lookup or I/O.
func badArgument(node *hardware.Node, msg string) *hardware.Error {
	herr := hardware.NewInvalidArgumentError(msg)
	if node != nil && (node.UUID != "" || node.Name != "") {
		herr.WithNode(node.ID())
	}
	return herr
}

// normalize guarantees that err is a *hardware.Error carrying node and
// operation context.
func normalize(err error, node *hardware.Node, op hardware.Operation) *hardware.Error {
	herr, ok := hardware.AsError(err)
	if !ok {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			herr = hardware.FromContext(err)
		default:
			herr = hardware.ClassifyTransportError("operation failed", err)
		}
	}
	if herr.Node == "" && node != nil && (node.UUID != "" || node.Name != "") {
		herr.WithNode(node.ID())
	}
	if herr.Operation == "" {
		herr.WithOperation(op)
	}
	return herr
}

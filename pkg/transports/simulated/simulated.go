// Package simulated implements an in-memory management controller. It
// backs the "fake" hardware type and is the scripted device used by the
// control layer's tests: power state sequences, injected failures and
// latency can all be programmed per device.
package simulated

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/oobctl/pkg/hardware"
)

// HardwareType is the registry name of the simulated transport.
const HardwareType = "fake"

// PassthruMethods lists the vendor methods the simulated device answers.
var PassthruMethods = []string{"echo", "history"}

// Device is one simulated management controller.
type Device struct {
	mu sync.Mutex

	state hardware.PowerState
	boot  hardware.BootInfo

	script     []hardware.PowerState
	openErrs   []error
	sendErrs   []error
	latency    time.Duration
	ignoreCtx  bool
	rebootOffs int
	pendingOff int

	opens    int
	closes   int
	commands []hardware.Command
	history  []hardware.PowerState
}

// NewDevice returns a device in state with boot device disk.
func NewDevice(state hardware.PowerState) *Device {
	return &Device{
		state:      state,
		boot:       hardware.BootInfo{Device: hardware.BootDisk, Persistent: true},
		rebootOffs: 1,
	}
}

// Script queues the replies of upcoming get_power_state commands. Once
// the script is consumed the device reports its modelled state.
func (d *Device) Script(states ...hardware.PowerState) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, states...)
	return d
}

// FailOpen queues errors returned by upcoming Open calls. A nil entry
// lets that call succeed.
func (d *Device) FailOpen(errs ...error) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErrs = append(d.openErrs, errs...)
	return d
}

// FailSend queues errors returned by upcoming Send calls. A nil entry
// lets that call succeed.
func (d *Device) FailSend(errs ...error) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sendErrs = append(d.sendErrs, errs...)
	return d
}

// SetLatency delays every Send by latency. With ignoreCtx the delay is
// not interrupted by context cancellation, like a controller stuck in a
// blocking read.
func (d *Device) SetLatency(latency time.Duration, ignoreCtx bool) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latency = latency
	d.ignoreCtx = ignoreCtx
	return d
}

// SetRebootOffPolls sets how many get_power_state replies report off
// after a reboot command before the device reports on again.
func (d *Device) SetRebootOffPolls(n int) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rebootOffs = n
	return d
}

// State returns the modelled power state.
func (d *Device) State() hardware.PowerState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Boot returns the configured boot device.
func (d *Device) Boot() hardware.BootInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.boot
}

// Opens returns the number of sessions opened.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Closes returns the number of sessions closed.
func (d *Device) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// Commands returns every command received, in order.
func (d *Device) Commands() []hardware.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]hardware.Command, len(d.commands))
	copy(out, d.commands)
	return out
}

// Count returns how many commands of op were received.
func (d *Device) Count(op hardware.Operation) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.commands {
		if c.Operation == op {
			n++
		}
	}
	return n
}

func (d *Device) open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.openErrs) > 0 {
		err := d.openErrs[0]
		d.openErrs = d.openErrs[1:]
		if err != nil {
			return err
		}
	}
	d.opens++
	return nil
}

func (d *Device) send(ctx context.Context, cmd hardware.Command) (*hardware.Result, error) {
	d.mu.Lock()
	d.commands = append(d.commands, cmd)
	latency, ignoreCtx := d.latency, d.ignoreCtx
	var injected error
	if len(d.sendErrs) > 0 {
		injected = d.sendErrs[0]
		d.sendErrs = d.sendErrs[1:]
	}
	d.mu.Unlock()

	if latency > 0 {
		if ignoreCtx {
			time.Sleep(latency)
		} else {
			select {
			case <-time.After(latency):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if injected != nil {
		return nil, injected
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.apply(cmd)
}

func (d *Device) apply(cmd hardware.Command) (*hardware.Result, error) {
	switch cmd.Operation {
	case hardware.OpPowerOn:
		d.state = hardware.PowerOn
		d.pendingOff = 0
	case hardware.OpPowerOff:
		d.state = hardware.PowerOff
		d.pendingOff = 0
	case hardware.OpPowerReboot:
		d.state = hardware.PowerOn
		d.pendingOff = d.rebootOffs
	case hardware.OpGetPowerState:
		state := d.observe()
		d.history = append(d.history, state)
		return &hardware.Result{PowerState: state, Raw: []byte(state)}, nil
	case hardware.OpSetBootDevice:
		if !cmd.BootDevice.Valid() {
			return nil, hardware.NewDeviceError(fmt.Sprintf("unsupported boot device %q", cmd.BootDevice), nil)
		}
		d.boot = hardware.BootInfo{Device: cmd.BootDevice, Persistent: cmd.Persistent}
	case hardware.OpGetBootDevice:
		boot := d.boot
		return &hardware.Result{Boot: &boot, Raw: []byte(boot.Device)}, nil
	case hardware.OpVendorPassthru:
		return d.passthru(cmd)
	default:
		return nil, hardware.NewTransportError(fmt.Sprintf("unknown operation %q", cmd.Operation), nil, false)
	}
	return &hardware.Result{}, nil
}

func (d *Device) observe() hardware.PowerState {
	if len(d.script) > 0 {
		s := d.script[0]
		d.script = d.script[1:]
		return s
	}
	if d.pendingOff > 0 {
		d.pendingOff--
		return hardware.PowerOff
	}
	return d.state
}

func (d *Device) passthru(cmd hardware.Command) (*hardware.Result, error) {
	switch cmd.Passthru {
	case "echo":
		data := make(map[string]interface{}, len(cmd.Args))
		for k, v := range cmd.Args {
			data[k] = v
		}
		return &hardware.Result{Data: data}, nil
	case "history":
		states := make([]string, len(d.history))
		for i, s := range d.history {
			states[i] = string(s)
		}
		return &hardware.Result{Data: map[string]interface{}{"states": states}}, nil
	}
	return nil, hardware.NewTransportError(fmt.Sprintf("unknown passthru method %q", cmd.Passthru), nil, false)
}

// Transport hands out sessions to simulated devices, one device per node.
type Transport struct {
	mu      sync.Mutex
	devices map[string]*Device
	shared  *Device
}

// New returns a Transport that creates a device per node on first use.
// The initial state comes from the endpoint param "initial_state" and
// defaults to off.
func New() *Transport {
	return &Transport{devices: make(map[string]*Device)}
}

// Single returns a Transport whose sessions all reach d.
func Single(d *Device) *Transport {
	return &Transport{shared: d}
}

// Factory returns a TransportFactory sharing one Transport, so device
// state survives across calls.
func Factory() hardware.TransportFactory {
	t := New()
	return func() (hardware.Transport, error) { return t, nil }
}

// Device returns the device backing node, creating it if needed.
func (t *Transport) Device(node *hardware.Node) *Device {
	if t.shared != nil {
		return t.shared
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[node.ID()]
	if !ok {
		initial, err := hardware.ParsePowerState(node.Endpoint.Param("initial_state", "off"))
		if err != nil || initial == hardware.PowerNoState {
			initial = hardware.PowerOff
		}
		d = NewDevice(initial)
		t.devices[node.ID()] = d
	}
	return d
}

// ErrAuth is what Open returns for a node whose credentials carry the
// password "wrong".
var ErrAuth = errors.New("simulated authentication failure")

// Open starts a session with the node's simulated device.
func (t *Transport) Open(ctx context.Context, node *hardware.Node) (hardware.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if node.Credentials.Password == "wrong" {
		return nil, hardware.NewAuthError("login rejected", ErrAuth)
	}
	d := t.Device(node)
	if err := d.open(); err != nil {
		return nil, err
	}
	return &session{device: d}, nil
}

type session struct {
	device *Device
	once   sync.Once
}

func (s *session) Send(ctx context.Context, cmd hardware.Command) (*hardware.Result, error) {
	return s.device.send(ctx, cmd)
}

func (s *session) Close() error {
	s.once.Do(func() {
		s.device.mu.Lock()
		s.device.closes++
		s.device.mu.Unlock()
	})
	return nil
}

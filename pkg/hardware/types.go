package hardware

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

// PowerState is the logical power state of a node.
type PowerState string

const (
	// PowerOn means the node is powered on.
	PowerOn PowerState = "on"

	// PowerOff means the node is powered off.
	PowerOff PowerState = "off"

	// PowerReboot is both a transition target and, for transports that
	// can observe it, the transitional state while a cycle is in progress.
	PowerReboot PowerState = "reboot"

	// PowerError means the device reported a fault. It is terminal for
	// the current attempt.
	PowerError PowerState = "error"

	// PowerNoState means the state has not been determined yet.
	PowerNoState PowerState = "nostate"
)

// Valid reports whether s is one of the known power states.
func (s PowerState) Valid() bool {
	switch s {
	case PowerOn, PowerOff, PowerReboot, PowerError, PowerNoState:
		return true
	}
	return false
}

// IsTarget reports whether s can be requested as a transition target.
func (s PowerState) IsTarget() bool {
	return s == PowerOn || s == PowerOff || s == PowerReboot
}

// ParsePowerState converts user input such as "on", "OFF" or "power on"
// to a PowerState.
func ParsePowerState(s string) (PowerState, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "power ")
	switch v {
	case "on":
		return PowerOn, nil
	case "off":
		return PowerOff, nil
	case "reboot", "rebooting", "cycle":
		return PowerReboot, nil
	case "error":
		return PowerError, nil
	case "nostate", "none", "":
		return PowerNoState, nil
	}
	return PowerNoState, fmt.Errorf("unknown power state %q", s)
}

// BootDevice is the device a node boots from on its next boot.
type BootDevice string

const (
	BootPXE   BootDevice = "pxe"
	BootDisk  BootDevice = "disk"
	BootCDROM BootDevice = "cdrom"
	BootBIOS  BootDevice = "bios"
	BootSafe  BootDevice = "safe"
)

// BootDevices lists every supported boot device.
var BootDevices = []BootDevice{BootPXE, BootDisk, BootCDROM, BootBIOS, BootSafe}

// Valid reports whether d is a known boot device.
func (d BootDevice) Valid() bool {
	for _, known := range BootDevices {
		if d == known {
			return true
		}
	}
	return false
}

// BootInfo describes the configured boot device.
type BootInfo struct {
	Device     BootDevice `json:"boot_device"`
	Persistent bool       `json:"persistent"`
}

// Operation is one of the fixed set of capabilities a hardware type may
// support.
type Operation string

const (
	OpPowerOn        Operation = "power_on"
	OpPowerOff       Operation = "power_off"
	OpPowerReboot    Operation = "power_reboot"
	OpGetPowerState  Operation = "get_power_state"
	OpSetBootDevice  Operation = "set_boot_device"
	OpGetBootDevice  Operation = "get_boot_device"
	OpVendorPassthru Operation = "vendor_passthru"
)

// Operations lists the closed set of operations.
var Operations = []Operation{
	OpPowerOn,
	OpPowerOff,
	OpPowerReboot,
	OpGetPowerState,
	OpSetBootDevice,
	OpGetBootDevice,
	OpVendorPassthru,
}

// Valid reports whether op is part of the closed operation set.
func (op Operation) Valid() bool {
	for _, known := range Operations {
		if op == known {
			return true
		}
	}
	return false
}

// Mutating reports whether op may change device state.
func (op Operation) Mutating() bool {
	switch op {
	case OpGetPowerState, OpGetBootDevice:
		return false
	}
	return true
}

// PowerOperation returns the operation that drives a node to target.
func PowerOperation(target PowerState) (Operation, bool) {
	switch target {
	case PowerOn:
		return OpPowerOn, true
	case PowerOff:
		return OpPowerOff, true
	case PowerReboot:
		return OpPowerReboot, true
	}
	return "", false
}

// OperationSet is an immutable set of operations.
type OperationSet struct {
	ops map[Operation]struct{}
}

// NewOperationSet builds a set from ops. Duplicates are ignored.
func NewOperationSet(ops ...Operation) OperationSet {
	m := make(map[Operation]struct{}, len(ops))
	for _, op := range ops {
		m[op] = struct{}{}
	}
	return OperationSet{ops: m}
}

// Has reports whether op is in the set.
func (s OperationSet) Has(op Operation) bool {
	_, ok := s.ops[op]
	return ok
}

// Len returns the number of operations in the set.
func (s OperationSet) Len() int { return len(s.ops) }

// List returns the operations in the set, sorted.
func (s OperationSet) List() []Operation {
	out := make([]Operation, 0, len(s.ops))
	for op := range s.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Intersect returns the operations present in both sets.
func (s OperationSet) Intersect(other OperationSet) OperationSet {
	m := make(map[Operation]struct{})
	for op := range s.ops {
		if other.Has(op) {
			m[op] = struct{}{}
		}
	}
	return OperationSet{ops: m}
}

func (s OperationSet) String() string {
	names := make([]string, 0, len(s.ops))
	for _, op := range s.List() {
		names = append(names, string(op))
	}
	return "{" + strings.Join(names, ", ") + "}"
}

// Endpoint locates a node's management controller.
type Endpoint struct {
	// Address is a host name or IP address.
	Address string `json:"address" yaml:"address"`

	// Port overrides the transport's default port when non-zero.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`

	// Params carries transport specific settings such as a PDU outlet
	// index, a board slot or a MAC address.
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// HostPort joins Address with Port, or with defaultPort if Port is zero.
func (e Endpoint) HostPort(defaultPort int) string {
	port := e.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(e.Address, strconv.Itoa(port))
}

// Param returns the named parameter or def if it is unset.
func (e Endpoint) Param(name, def string) string {
	if v, ok := e.Params[name]; ok && v != "" {
		return v
	}
	return def
}

// Credentials are opaque to the control layer; only transports read them.
type Credentials struct {
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"-" yaml:"password,omitempty"`

	// KeyFile is a private key path for key based transports.
	KeyFile string `json:"key_file,omitempty" yaml:"key_file,omitempty"`

	// Community is the SNMP community string.
	Community string `json:"-" yaml:"community,omitempty"`

	// Extra holds transport specific secrets.
	Extra map[string]string `json:"-" yaml:"extra,omitempty"`
}

// Node is the handle a caller passes for one physical machine. The
// control layer never retains it beyond a call.
type Node struct {
	UUID         string      `json:"uuid"`
	Name         string      `json:"name"`
	HardwareType string      `json:"hardware_type"`
	Endpoint     Endpoint    `json:"endpoint"`
	Credentials  Credentials `json:"-"`

	// Capabilities optionally narrows what the hardware type supports
	// for this specific node. Nil means no narrowing.
	Capabilities []Operation `json:"capabilities,omitempty"`

	// Timeouts holds per-operation overrides.
	Timeouts map[Operation]time.Duration `json:"timeouts,omitempty"`
}

// ID returns the best identifier for logs: the name, else the UUID.
func (n *Node) ID() string {
	if n.Name != "" {
		return n.Name
	}
	return n.UUID
}

// Timeout returns the override for op, or def.
func (n *Node) Timeout(op Operation, def time.Duration) time.Duration {
	if d, ok := n.Timeouts[op]; ok && d > 0 {
		return d
	}
	return def
}

// Allows reports whether the node's declared capabilities permit op.
func (n *Node) Allows(op Operation) bool {
	if n.Capabilities == nil {
		return true
	}
	for _, c := range n.Capabilities {
		if c == op {
			return true
		}
	}
	return false
}

// Validate checks the fields every transport relies on.
func (n *Node) Validate() error {
	if n == nil {
		return NewInvalidNodeError("node handle is nil")
	}
	if n.UUID == "" && n.Name == "" {
		return NewInvalidNodeError("node has neither uuid nor name")
	}
	if n.HardwareType == "" {
		return NewInvalidNodeError("node has no hardware type").WithNode(n.ID())
	}
	for _, op := range n.Capabilities {
		if !op.Valid() {
			return NewInvalidNodeError(fmt.Sprintf("unknown capability %q", op)).WithNode(n.ID())
		}
	}
	for op, d := range n.Timeouts {
		if !op.Valid() {
			return NewInvalidNodeError(fmt.Sprintf("timeout override for unknown operation %q", op)).WithNode(n.ID())
		}
		if d < 0 {
			return NewInvalidNodeError(fmt.Sprintf("negative timeout for %s", op)).WithNode(n.ID())
		}
	}
	return nil
}

// Command is a single logical instruction sent to a device.
type Command struct {
	Operation Operation

	// Target is set for power transitions.
	Target PowerState

	// Boot fields are set for set_boot_device.
	BootDevice BootDevice
	Persistent bool

	// Passthru names the vendor method for vendor_passthru.
	Passthru string
	Args     map[string]interface{}
}

// String returns a log-friendly description.
func (c Command) String() string {
	switch c.Operation {
	case OpSetBootDevice:
		return fmt.Sprintf("%s(%s, persistent=%t)", c.Operation, c.BootDevice, c.Persistent)
	case OpVendorPassthru:
		return fmt.Sprintf("%s(%s)", c.Operation, c.Passthru)
	}
	return string(c.Operation)
}

// PowerCommand builds the command that drives a node to target.
func PowerCommand(target PowerState) (Command, error) {
	op, ok := PowerOperation(target)
	if !ok {
		return Command{}, fmt.Errorf("%q is not a valid power target", target)
	}
	return Command{Operation: op, Target: target}, nil
}

// Result is the decoded reply to a Command. Transports fill the fields
// that apply to the command they executed.
type Result struct {
	// Raw is the undecoded reply, kept for diagnostics.
	Raw []byte

	PowerState PowerState
	Boot       *BootInfo

	// PriorState is the state a power command found the device in,
	// when the transport learned it while acting. Empty otherwise.
	PriorState PowerState

	// Data carries vendor passthru output.
	Data map[string]interface{}
}

// Package ipmi controls BMCs over IPMI v2.0 (lanplus) by running
// ipmitool. Every Send starts one ipmitool process; a session holds
// only the connection arguments.
package ipmi

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/oobctl/pkg/hardware"
	"github.com/openfroyo/oobctl/pkg/transports/nodemanager"
)

// HardwareType is the registry name of this transport.
const HardwareType = "ipmi"

// DefaultPort is the RMCP+ port.
const DefaultPort = 623

// Passthru methods served directly by ipmitool, in addition to the
// Intel Node Manager methods.
const (
	MethodSendRaw  = "send_raw"
	MethodBMCReset = "bmc_reset"
)

// PassthruMethods lists every vendor method the transport accepts.
func PassthruMethods() []string {
	return append([]string{MethodBMCReset, MethodSendRaw}, nodemanager.Methods()...)
}

// Transport opens ipmitool sessions.
type Transport struct {
	runner Runner
}

// Option configures a Transport.
type Option func(*Transport)

// WithRunner replaces the ipmitool runner.
func WithRunner(r Runner) Option {
	return func(t *Transport) { t.runner = r }
}

// New returns a Transport running ipmitool from PATH.
func New(opts ...Option) *Transport {
	t := &Transport{runner: ExecRunner{}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Factory returns a TransportFactory for the registry.
func Factory(opts ...Option) hardware.TransportFactory {
	return func() (hardware.Transport, error) { return New(opts...), nil }
}

// Open validates the endpoint and prepares connection arguments. No
// process is started until Send.
func (t *Transport) Open(ctx context.Context, node *hardware.Node) (hardware.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if node.Endpoint.Address == "" {
		return nil, hardware.NewInvalidNodeError("ipmi endpoint has no address").WithNode(node.ID())
	}

	port := node.Endpoint.Port
	if port == 0 {
		port = DefaultPort
	}
	args := []string{
		"-I", node.Endpoint.Param("interface", "lanplus"),
		"-H", node.Endpoint.Address,
		"-p", strconv.Itoa(port),
		"-L", node.Endpoint.Param("privilege_level", "ADMINISTRATOR"),
	}
	if node.Credentials.Username != "" {
		args = append(args, "-U", node.Credentials.Username)
	}
	if cs := node.Endpoint.Param("cipher_suite", ""); cs != "" {
		args = append(args, "-C", cs)
	}
	if ch := node.Endpoint.Param("bridging_channel", ""); ch != "" {
		args = append(args, "-b", ch)
	}
	if addr := node.Endpoint.Param("bridging_target", ""); addr != "" {
		args = append(args, "-t", addr)
	}

	// The password travels in the environment, never on the command line.
	var env []string
	if node.Credentials.Password != "" {
		args = append(args, "-E")
		env = append(env, "IPMI_PASSWORD="+node.Credentials.Password)
	}

	return &session{runner: t.runner, base: args, env: env, node: node.ID()}, nil
}

type session struct {
	runner Runner
	base   []string
	env    []string
	node   string
}

func (s *session) Close() error { return nil }

func (s *session) run(ctx context.Context, args ...string) (string, error) {
	full := append(append([]string{}, s.base...), args...)
	log.Debug().Str("node", s.node).Strs("args", args).Msg("running ipmitool")

	stdout, stderr, err := s.runner.Run(ctx, s.env, full...)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classify(args, stderr, err)
	}
	return string(stdout), nil
}

// Send executes cmd.
func (s *session) Send(ctx context.Context, cmd hardware.Command) (*hardware.Result, error) {
	switch cmd.Operation {
	case hardware.OpPowerOn:
		return s.simple(ctx, "chassis", "power", "on")
	case hardware.OpPowerOff:
		return s.simple(ctx, "chassis", "power", "off")
	case hardware.OpPowerReboot:
		return s.reboot(ctx)
	case hardware.OpGetPowerState:
		return s.powerStatus(ctx)
	case hardware.OpSetBootDevice:
		return s.setBootDevice(ctx, cmd.BootDevice, cmd.Persistent)
	case hardware.OpGetBootDevice:
		return s.bootDevice(ctx)
	case hardware.OpVendorPassthru:
		return s.passthru(ctx, cmd.Passthru, cmd.Args)
	}
	return nil, hardware.NewUnsupportedOperationError(HardwareType, cmd.Operation)
}

func (s *session) simple(ctx context.Context, args ...string) (*hardware.Result, error) {
	out, err := s.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	return &hardware.Result{Raw: []byte(out)}, nil
}

// reboot power cycles the chassis; a chassis that is off refuses a
// cycle and is powered on instead.
func (s *session) reboot(ctx context.Context) (*hardware.Result, error) {
	res, err := s.simple(ctx, "chassis", "power", "cycle")
	if herr, ok := hardware.AsError(err); ok && herr.Code == presentStateCode {
		log.Debug().Str("node", s.node).Msg("chassis refused power cycle, powering on")
		res, err = s.simple(ctx, "chassis", "power", "on")
		if err != nil {
			return nil, err
		}
		res.PriorState = hardware.PowerOff
	}
	return res, err
}

func (s *session) powerStatus(ctx context.Context) (*hardware.Result, error) {
	out, err := s.run(ctx, "chassis", "power", "status")
	if err != nil {
		return nil, err
	}
	state, err := parsePowerStatus(out)
	if err != nil {
		return nil, err
	}
	return &hardware.Result{Raw: []byte(out), PowerState: state}, nil
}

// parsePowerStatus reads "Chassis Power is on".
func parsePowerStatus(out string) (hardware.PowerState, error) {
	line := strings.ToLower(strings.TrimSpace(out))
	switch {
	case strings.HasSuffix(line, "power is on"):
		return hardware.PowerOn, nil
	case strings.HasSuffix(line, "power is off"):
		return hardware.PowerOff, nil
	}
	return hardware.PowerNoState, hardware.NewMalformedReplyError("unexpected chassis power status", []byte(out))
}

var bootDevices = map[hardware.BootDevice]string{
	hardware.BootPXE:   "pxe",
	hardware.BootDisk:  "disk",
	hardware.BootCDROM: "cdrom",
	hardware.BootBIOS:  "bios",
	hardware.BootSafe:  "safe",
}

func (s *session) setBootDevice(ctx context.Context, device hardware.BootDevice, persistent bool) (*hardware.Result, error) {
	name, ok := bootDevices[device]
	if !ok {
		return nil, hardware.NewInvalidArgumentError(fmt.Sprintf("boot device %q not supported by ipmi", device))
	}
	args := []string{"chassis", "bootdev", name}
	if persistent {
		args = append(args, "options=persistent")
	}
	return s.simple(ctx, args...)
}

func (s *session) bootDevice(ctx context.Context) (*hardware.Result, error) {
	out, err := s.run(ctx, "chassis", "bootparam", "get", "5")
	if err != nil {
		return nil, err
	}
	info, err := parseBootParam(out)
	if err != nil {
		return nil, err
	}
	return &hardware.Result{Raw: []byte(out), Boot: info}, nil
}

// bootSelectors maps the "Boot Device Selector" text of boot parameter 5.
var bootSelectors = map[string]hardware.BootDevice{
	"force pxe":                          hardware.BootPXE,
	"force boot from default hard-drive": hardware.BootDisk,
	"force boot from cd/dvd":             hardware.BootCDROM,
	"force boot into bios setup":         hardware.BootBIOS,

	"force boot from default hard-drive, request safe-mode": hardware.BootSafe,
}

func parseBootParam(out string) (*hardware.BootInfo, error) {
	info := &hardware.BootInfo{}
	found := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "options apply to all future boots"):
			info.Persistent = true
		case strings.HasPrefix(lower, "- boot device selector"):
			_, value, ok := strings.Cut(lower, ":")
			if !ok {
				continue
			}
			value = strings.TrimSpace(value)
			if value == "no override" {
				info.Device = hardware.BootDisk
				found = true
				continue
			}
			device, ok := bootSelectors[value]
			if !ok {
				return nil, hardware.NewMalformedReplyError(fmt.Sprintf("unknown boot device selector %q", value), []byte(out))
			}
			info.Device = device
			found = true
		}
	}
	if !found {
		return nil, hardware.NewMalformedReplyError("boot parameter 5 has no device selector", []byte(out))
	}
	return info, nil
}

func (s *session) passthru(ctx context.Context, method string, args map[string]interface{}) (*hardware.Result, error) {
	switch method {
	case MethodSendRaw:
		return s.sendRaw(ctx, args)
	case MethodBMCReset:
		kind := "cold"
		if warm, _ := args["warm"].(bool); warm || args["warm"] == "true" {
			kind = "warm"
		}
		res, err := s.simple(ctx, "mc", "reset", kind)
		if err != nil {
			return nil, err
		}
		res.Data = map[string]interface{}{"reset": kind}
		return res, nil
	}

	if !nodemanager.Supports(method) {
		return nil, hardware.NewUnsupportedOperationError(HardwareType, hardware.OpVendorPassthru).
			WithDetail("method", method)
	}
	req, err := nodemanager.Encode(method, args)
	if err != nil {
		return nil, err
	}
	out, err := s.run(ctx, append([]string{"raw"}, req.RawArgs()...)...)
	if err != nil {
		return nil, err
	}
	reply, err := nodemanager.ParseRawReply(out)
	if err != nil {
		return nil, err
	}
	data, err := nodemanager.Decode(method, reply)
	if err != nil {
		return nil, err
	}
	return &hardware.Result{Raw: []byte(out), Data: data}, nil
}

// sendRaw passes "raw_bytes" ("0x06 0x01") to ipmitool raw.
func (s *session) sendRaw(ctx context.Context, args map[string]interface{}) (*hardware.Result, error) {
	raw, _ := args["raw_bytes"].(string)
	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return nil, hardware.NewInvalidArgumentError("raw_bytes needs at least a netfn and a command")
	}
	for _, f := range fields {
		if _, err := strconv.ParseUint(f, 0, 8); err != nil {
			return nil, hardware.NewInvalidArgumentError(fmt.Sprintf("raw_bytes: %q is not a byte", f))
		}
	}
	out, err := s.run(ctx, append([]string{"raw"}, fields...)...)
	if err != nil {
		return nil, err
	}
	reply, err := nodemanager.ParseRawReply(out)
	if err != nil {
		return nil, err
	}
	hexBytes := make([]string, len(reply))
	for i, b := range reply {
		hexBytes[i] = fmt.Sprintf("0x%02x", b)
	}
	return &hardware.Result{Raw: []byte(out), Data: map[string]interface{}{"reply": hexBytes}}, nil
}

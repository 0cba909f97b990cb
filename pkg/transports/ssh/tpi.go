// Package ssh drives Turing Pi cluster boards: it logs into the board's
// BMC over SSH and runs the tpi command line tool there. One SSH
// connection is opened per session.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/oobctl/pkg/hardware"
)

// HardwareType is the registry name of this transport.
const HardwareType = "turingpi"

// Passthru methods.
const (
	MethodBMCInfo   = "bmc_info"
	MethodUARTGet   = "uart_get"
	MethodFlashNode = "flash_node"
	MethodFirmware  = "firmware_upgrade"
)

// PassthruMethods lists the vendor methods the transport accepts.
var PassthruMethods = []string{MethodBMCInfo, MethodFirmware, MethodFlashNode, MethodUARTGet}

// DefaultUploadDir is where images are staged on the BMC.
const DefaultUploadDir = "/mnt/sdcard/oobctl"

// maxSlot is the number of compute module slots on a board.
const maxSlot = 4

// Dialer opens the SSH connection for a session.
type Dialer func(ctx context.Context, config *Config) (*Client, error)

// Transport runs tpi commands on a Turing Pi BMC.
type Transport struct {
	dial Dialer
}

// New returns a Transport using Dial.
func New() *Transport {
	return &Transport{dial: Dial}
}

// Factory returns a TransportFactory for the registry.
func Factory() hardware.TransportFactory {
	return func() (hardware.Transport, error) { return New(), nil }
}

// Open connects to the BMC. The board slot comes from the "node"
// endpoint param, 1 to 4.
func (t *Transport) Open(ctx context.Context, node *hardware.Node) (hardware.Session, error) {
	slot, err := strconv.Atoi(node.Endpoint.Param("node", ""))
	if err != nil || slot < 1 || slot > maxSlot {
		return nil, hardware.NewInvalidNodeError(fmt.Sprintf("turingpi node needs a \"node\" param between 1 and %d", maxSlot)).
			WithNode(node.ID())
	}
	config, err := ConfigFromNode(node)
	if err != nil {
		return nil, err
	}

	client, err := t.dial(ctx, config)
	if err != nil {
		return nil, err
	}
	return &session{
		client:    client,
		slot:      slot,
		uploadDir: node.Endpoint.Param("upload_dir", DefaultUploadDir),
	}, nil
}

type session struct {
	client    *Client
	slot      int
	uploadDir string
}

func (s *session) Close() error { return s.client.Close() }

// Send executes cmd.
func (s *session) Send(ctx context.Context, cmd hardware.Command) (*hardware.Result, error) {
	switch cmd.Operation {
	case hardware.OpPowerOn:
		return s.power(ctx, "on")
	case hardware.OpPowerOff:
		return s.power(ctx, "off")
	case hardware.OpPowerReboot:
		return s.power(ctx, "reset")
	case hardware.OpGetPowerState:
		return s.powerStatus(ctx)
	case hardware.OpVendorPassthru:
		return s.passthru(ctx, cmd.Passthru, cmd.Args)
	}
	return nil, hardware.NewUnsupportedOperationError(HardwareType, cmd.Operation)
}

// run executes a tpi command and maps failures into the taxonomy.
func (s *session) run(ctx context.Context, cmd string) (string, error) {
	stdout, stderr, err := s.client.Run(ctx, cmd)
	if err == nil {
		return stdout, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		msg := fmt.Sprintf("%s exited with %d", cmd, exitErr.ExitStatus())
		if stderr != "" {
			msg += ": " + firstLine(stderr)
		}
		lower := strings.ToLower(stderr)
		if strings.Contains(lower, "busy") || strings.Contains(lower, "timed out") {
			return "", hardware.NewTransportError(msg, err, true).WithCode(hardware.ErrCodeBusy)
		}
		return "", hardware.NewDeviceError(msg, err)
	}

	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return "", hardware.NewTransportError(cmd+": connection closed before exit status", err, true).
			WithCode(hardware.ErrCodeConnectionReset)
	}
	return "", hardware.ClassifyTransportError(cmd, err)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (s *session) power(ctx context.Context, action string) (*hardware.Result, error) {
	out, err := s.run(ctx, fmt.Sprintf("tpi power %s --node %d", action, s.slot))
	if err != nil {
		return nil, err
	}
	return &hardware.Result{Raw: []byte(out)}, nil
}

func (s *session) powerStatus(ctx context.Context) (*hardware.Result, error) {
	out, err := s.run(ctx, "tpi power status")
	if err != nil {
		return nil, err
	}
	state, err := parsePowerStatus(out, s.slot)
	if err != nil {
		return nil, err
	}
	return &hardware.Result{Raw: []byte(out), PowerState: state}, nil
}

// parsePowerStatus finds the "nodeN: on|off" line for slot.
func parsePowerStatus(out string, slot int) (hardware.PowerState, error) {
	prefix := fmt.Sprintf("node%d", slot)
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), prefix) {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "on", "1":
			return hardware.PowerOn, nil
		case "off", "0":
			return hardware.PowerOff, nil
		}
		return hardware.PowerNoState, hardware.NewMalformedReplyError(fmt.Sprintf("unknown power status %q for %s", value, prefix), []byte(out))
	}
	return hardware.PowerNoState, hardware.NewMalformedReplyError(fmt.Sprintf("no power status for %s", prefix), []byte(out))
}

// parseInfo reads "key: value" lines.
func parseInfo(out string) map[string]interface{} {
	info := make(map[string]interface{})
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.Trim(strings.TrimSpace(key), "|"))
		if key == "" {
			continue
		}
		info[strings.ToLower(strings.ReplaceAll(key, " ", "_"))] = strings.TrimSpace(value)
	}
	return info
}

func (s *session) passthru(ctx context.Context, method string, args map[string]interface{}) (*hardware.Result, error) {
	switch method {
	case MethodBMCInfo:
		out, err := s.run(ctx, "tpi info")
		if err != nil {
			return nil, err
		}
		return &hardware.Result{Raw: []byte(out), Data: parseInfo(out)}, nil

	case MethodUARTGet:
		out, err := s.run(ctx, fmt.Sprintf("tpi uart --node %d get", s.slot))
		if err != nil {
			return nil, err
		}
		return &hardware.Result{Raw: []byte(out), Data: map[string]interface{}{"output": out}}, nil

	case MethodFlashNode:
		return s.flash(ctx, args, func(remote string) string {
			return fmt.Sprintf("tpi flash --node %d -i %s", s.slot, remote)
		})

	case MethodFirmware:
		return s.flash(ctx, args, func(remote string) string {
			return "tpi firmware upgrade " + remote
		})
	}
	return nil, hardware.NewUnsupportedOperationError(HardwareType, hardware.OpVendorPassthru).
		WithDetail("method", method)
}

// flash stages the local "image" file on the BMC and runs the command
// built by command.
func (s *session) flash(ctx context.Context, args map[string]interface{}, command func(remote string) string) (*hardware.Result, error) {
	image, _ := args["image"].(string)
	if image == "" {
		return nil, hardware.NewInvalidArgumentError("image is required")
	}
	f, err := os.Open(image)
	if err != nil {
		return nil, hardware.NewInvalidArgumentError(fmt.Sprintf("image: %v", err))
	}
	defer f.Close()

	remote := path.Join(s.uploadDir, filepath.Base(image))
	n, err := s.client.Upload(ctx, f, remote)
	if err != nil {
		return nil, err
	}
	log.Info().Str("image", image).Str("remote", remote).Int64("bytes", n).Msg("image staged on BMC")

	out, err := s.run(ctx, command(remote))
	if err != nil {
		return nil, err
	}
	return &hardware.Result{
		Raw:  []byte(out),
		Data: map[string]interface{}{"remote_path": remote, "bytes": n, "output": out},
	}, nil
}

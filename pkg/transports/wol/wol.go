// Package wol powers nodes on with Wake-on-LAN magic packets and infers
// their power state from a TCP probe. It cannot power nodes off.
package wol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/oobctl/pkg/hardware"
)

// HardwareType is the registry name of this transport.
const HardwareType = "wol"

// Endpoint param defaults.
const (
	DefaultBroadcast    = "255.255.255.255"
	DefaultPort         = 9
	DefaultProbePort    = 22
	DefaultProbeTimeout = time.Second
)

// Sender delivers a magic packet to addr.
type Sender func(ctx context.Context, addr string, packet []byte) error

// Prober dials address and reports the dial error, if any.
type Prober func(ctx context.Context, address string, timeout time.Duration) error

// Transport wakes nodes.
type Transport struct {
	send  Sender
	probe Prober
}

// Option configures a Transport.
type Option func(*Transport)

// WithSender replaces the UDP sender.
func WithSender(s Sender) Option {
	return func(t *Transport) { t.send = s }
}

// WithProber replaces the TCP prober.
func WithProber(p Prober) Option {
	return func(t *Transport) { t.probe = p }
}

// New returns a Transport sending UDP broadcasts.
func New(opts ...Option) *Transport {
	t := &Transport{send: sendUDP, probe: dialTCP}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Factory returns a TransportFactory for the registry.
func Factory(opts ...Option) hardware.TransportFactory {
	return func() (hardware.Transport, error) { return New(opts...), nil }
}

// MagicPacket builds the 102 byte payload: six 0xFF followed by the MAC
// sixteen times.
func MagicPacket(mac net.HardwareAddr) []byte {
	packet := make([]byte, 0, 6+16*len(mac))
	packet = append(packet, bytes.Repeat([]byte{0xFF}, 6)...)
	for i := 0; i < 16; i++ {
		packet = append(packet, mac...)
	}
	return packet
}

// Open parses the endpoint. Params: mac (required), broadcast,
// wol_port, probe_port and probe_timeout. The probe targets the
// endpoint address.
func (t *Transport) Open(ctx context.Context, node *hardware.Node) (hardware.Session, error) {
	invalid := func(format string, args ...interface{}) error {
		return hardware.NewInvalidNodeError(fmt.Sprintf(format, args...)).WithNode(node.ID())
	}

	mac, err := net.ParseMAC(node.Endpoint.Param("mac", ""))
	if err != nil || len(mac) != 6 {
		return nil, invalid("wol node needs a 48-bit \"mac\" param")
	}
	wolPort, err := strconv.Atoi(node.Endpoint.Param("wol_port", strconv.Itoa(DefaultPort)))
	if err != nil {
		return nil, invalid("bad wol_port: %v", err)
	}
	probePort, err := strconv.Atoi(node.Endpoint.Param("probe_port", strconv.Itoa(DefaultProbePort)))
	if err != nil {
		return nil, invalid("bad probe_port: %v", err)
	}
	probeTimeout, err := time.ParseDuration(node.Endpoint.Param("probe_timeout", DefaultProbeTimeout.String()))
	if err != nil || probeTimeout <= 0 {
		return nil, invalid("bad probe_timeout %q", node.Endpoint.Param("probe_timeout", ""))
	}

	s := &session{
		transport:    t,
		node:         node.ID(),
		packet:       MagicPacket(mac),
		broadcast:    net.JoinHostPort(node.Endpoint.Param("broadcast", DefaultBroadcast), strconv.Itoa(wolPort)),
		probeTimeout: probeTimeout,
	}
	if node.Endpoint.Address != "" {
		s.probeAddr = net.JoinHostPort(node.Endpoint.Address, strconv.Itoa(probePort))
	}
	return s, nil
}

type session struct {
	transport    *Transport
	node         string
	packet       []byte
	broadcast    string
	probeAddr    string
	probeTimeout time.Duration
}

func (s *session) Close() error { return nil }

// Send executes cmd.
func (s *session) Send(ctx context.Context, cmd hardware.Command) (*hardware.Result, error) {
	switch cmd.Operation {
	case hardware.OpPowerOn:
		if err := s.transport.send(ctx, s.broadcast, s.packet); err != nil {
			return nil, hardware.ClassifyTransportError("sending magic packet to "+s.broadcast, err)
		}
		log.Debug().Str("node", s.node).Str("broadcast", s.broadcast).Msg("magic packet sent")
		return &hardware.Result{}, nil
	case hardware.OpGetPowerState:
		return s.state(ctx)
	}
	return nil, hardware.NewUnsupportedOperationError(HardwareType, cmd.Operation)
}

// state treats any TCP answer, including a refusal, as a running host.
func (s *session) state(ctx context.Context) (*hardware.Result, error) {
	if s.probeAddr == "" {
		return nil, hardware.NewInvalidNodeError("wol node has no address to probe").WithNode(s.node)
	}
	err := s.transport.probe(ctx, s.probeAddr, s.probeTimeout)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	state := probeState(err)
	log.Debug().Str("node", s.node).Str("probe", s.probeAddr).Err(err).Str("state", string(state)).Msg("probed host")
	return &hardware.Result{PowerState: state}, nil
}

func probeState(err error) hardware.PowerState {
	if err == nil || errors.Is(err, syscall.ECONNREFUSED) {
		return hardware.PowerOn
	}
	return hardware.PowerOff
}

func sendUDP(ctx context.Context, addr string, packet []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp4", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	_, err = conn.Write(packet)
	return err
}

func dialTCP(ctx context.Context, address string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}

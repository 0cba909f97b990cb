// Package snmp switches PDU outlets over SNMP. A node is one outlet:
// the "driver" endpoint param selects the vendor table and "outlet"
// its index.
package snmp

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/oobctl/pkg/hardware"
)

// HardwareType is the registry name of this transport.
const HardwareType = "snmp"

// DefaultRebootDelay is how long an outlet stays off during a reboot.
const DefaultRebootDelay = 5 * time.Second

// Transport controls PDU outlets.
type Transport struct {
	dial  Dialer
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Transport.
type Option func(*Transport)

// WithDialer replaces the gosnmp dialer.
func WithDialer(d Dialer) Option {
	return func(t *Transport) { t.dial = d }
}

// WithSleep replaces the wait between off and on during a reboot.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(t *Transport) { t.sleep = sleep }
}

// New returns a Transport using gosnmp.
func New(opts ...Option) *Transport {
	t := &Transport{dial: Dial, sleep: sleepContext}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Factory returns a TransportFactory for the registry.
func Factory(opts ...Option) hardware.TransportFactory {
	return func() (hardware.Transport, error) { return New(opts...), nil }
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Open resolves the outlet and connects to the agent.
func (t *Transport) Open(ctx context.Context, node *hardware.Node) (hardware.Session, error) {
	driver := node.Endpoint.Param("driver", "")
	vendor, ok := LookupVendor(driver)
	if !ok {
		return nil, hardware.NewInvalidNodeError(fmt.Sprintf("unknown snmp driver %q, want one of %v", driver, Vendors())).
			WithNode(node.ID())
	}
	outlet, err := strconv.Atoi(node.Endpoint.Param("outlet", ""))
	if err != nil || outlet < 1 {
		return nil, hardware.NewInvalidNodeError("snmp node needs a positive \"outlet\" param").WithNode(node.ID())
	}
	delay := DefaultRebootDelay
	if d := node.Endpoint.Param("reboot_delay", ""); d != "" {
		if delay, err = time.ParseDuration(d); err != nil || delay < 0 {
			return nil, hardware.NewInvalidNodeError(fmt.Sprintf("bad reboot_delay %q", d)).WithNode(node.ID())
		}
	}

	client, err := t.dial(ctx, node)
	if err != nil {
		return nil, err
	}
	return &session{
		client: client,
		vendor: vendor,
		oid:    vendor.OID(outlet),
		delay:  delay,
		sleep:  t.sleep,
		node:   node.ID(),
	}, nil
}

type session struct {
	client Client
	vendor Vendor
	oid    string
	delay  time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
	node   string
}

func (s *session) Close() error { return s.client.Close() }

// Send executes cmd.
func (s *session) Send(ctx context.Context, cmd hardware.Command) (*hardware.Result, error) {
	switch cmd.Operation {
	case hardware.OpPowerOn:
		return done(s.set(s.vendor.On))
	case hardware.OpPowerOff:
		return done(s.set(s.vendor.Off))
	case hardware.OpPowerReboot:
		return done(s.reboot(ctx))
	case hardware.OpGetPowerState:
		return s.state()
	}
	return nil, hardware.NewUnsupportedOperationError(HardwareType, cmd.Operation)
}

func done(err error) (*hardware.Result, error) {
	if err != nil {
		return nil, err
	}
	return &hardware.Result{}, nil
}

// reboot turns the outlet off, waits, and turns it back on.
func (s *session) reboot(ctx context.Context) error {
	if err := s.set(s.vendor.Off); err != nil {
		return err
	}
	log.Debug().Str("node", s.node).Dur("delay", s.delay).Msg("outlet off, waiting before power on")
	if err := s.sleep(ctx, s.delay); err != nil {
		return err
	}
	return s.set(s.vendor.On)
}

func (s *session) set(value int) error {
	p, err := s.client.Set([]gosnmp.SnmpPDU{{Name: s.oid, Type: gosnmp.Integer, Value: value}})
	if err != nil {
		return requestError("snmp set "+s.oid, err)
	}
	return packetError("snmp set "+s.oid, p)
}

func (s *session) state() (*hardware.Result, error) {
	p, err := s.client.Get([]string{s.oid})
	if err != nil {
		return nil, requestError("snmp get "+s.oid, err)
	}
	if err := packetError("snmp get "+s.oid, p); err != nil {
		return nil, err
	}
	if len(p.Variables) != 1 {
		return nil, hardware.NewMalformedReplyError(fmt.Sprintf("expected 1 variable, got %d", len(p.Variables)), nil)
	}

	pdu := p.Variables[0]
	switch pdu.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance:
		return nil, hardware.NewDeviceError(fmt.Sprintf("outlet oid %s does not exist", s.oid), nil)
	case gosnmp.Integer, gosnmp.Gauge32, gosnmp.Uinteger32, gosnmp.Counter32:
	default:
		return nil, hardware.NewMalformedReplyError(fmt.Sprintf("outlet oid %s has type %s", s.oid, pdu.Type), nil)
	}

	value := gosnmp.ToBigInt(pdu.Value)
	raw := []byte(value.String())
	switch {
	case value.Cmp(big.NewInt(int64(s.vendor.On))) == 0:
		return &hardware.Result{Raw: raw, PowerState: hardware.PowerOn}, nil
	case value.Cmp(big.NewInt(int64(s.vendor.Off))) == 0:
		return &hardware.Result{Raw: raw, PowerState: hardware.PowerOff}, nil
	}
	return &hardware.Result{Raw: raw, PowerState: hardware.PowerError}, nil
}

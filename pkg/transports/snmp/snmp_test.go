package snmp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/oobctl/pkg/hardware"
)

// fakeAgent holds outlet values keyed by OID.
type fakeAgent struct {
	mu      sync.Mutex
	values  map[string]int
	sets    []gosnmp.SnmpPDU
	setErr  error
	getErr  error
	status  gosnmp.SNMPError
	missing bool
	closed  int
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{values: make(map[string]int)}
}

func (a *fakeAgent) Get(oids []string) (*gosnmp.SnmpPacket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.getErr != nil {
		return nil, a.getErr
	}
	p := &gosnmp.SnmpPacket{Error: a.status}
	for _, oid := range oids {
		if a.missing {
			p.Variables = append(p.Variables, gosnmp.SnmpPDU{Name: oid, Type: gosnmp.NoSuchInstance})
			continue
		}
		p.Variables = append(p.Variables, gosnmp.SnmpPDU{Name: oid, Type: gosnmp.Integer, Value: a.values[oid]})
	}
	return p, nil
}

func (a *fakeAgent) Set(pdus []gosnmp.SnmpPDU) (*gosnmp.SnmpPacket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.setErr != nil {
		return nil, a.setErr
	}
	a.sets = append(a.sets, pdus...)
	if a.status == gosnmp.NoError {
		for _, pdu := range pdus {
			a.values[pdu.Name] = pdu.Value.(int)
		}
	}
	return &gosnmp.SnmpPacket{Error: a.status}, nil
}

func (a *fakeAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed++
	return nil
}

func (a *fakeAgent) setValues() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, len(a.sets))
	for i, pdu := range a.sets {
		out[i] = pdu.Value.(int)
	}
	return out
}

func pduNode(driver, outlet string) *hardware.Node {
	return &hardware.Node{
		Name:         "pdu1-7",
		HardwareType: HardwareType,
		Endpoint: hardware.Endpoint{
			Address: "10.0.1.2",
			Params:  map[string]string{"driver": driver, "outlet": outlet},
		},
		Credentials: hardware.Credentials{Community: "private"},
	}
}

func transportFor(agent *fakeAgent, opts ...Option) *Transport {
	dial := func(ctx context.Context, node *hardware.Node) (Client, error) { return agent, nil }
	return New(append([]Option{WithDialer(dial)}, opts...)...)
}

func send(t *testing.T, tr *Transport, node *hardware.Node, op hardware.Operation) (*hardware.Result, error) {
	t.Helper()
	s, err := tr.Open(context.Background(), node)
	require.NoError(t, err)
	defer s.Close()
	return s.Send(context.Background(), hardware.Command{Operation: op})
}

func TestVendorOIDs(t *testing.T) {
	tests := []struct {
		driver string
		outlet int
		oid    string
	}{
		{"apc", 3, "1.3.6.1.4.1.318.1.1.4.4.2.1.3.3"},
		{"apc_rackpdu", 12, "1.3.6.1.4.1.318.1.1.12.3.3.1.1.4.12"},
		{"cyberpower", 1, "1.3.6.1.4.1.3808.1.1.3.3.3.1.1.4.1"},
		{"teltronix", 8, "1.3.6.1.4.1.23620.1.2.2.1.4.8"},
		{"aten", 2, "1.3.6.1.4.1.21317.1.3.2.2.2.2.2.0"},
	}
	for _, tt := range tests {
		v, ok := LookupVendor(tt.driver)
		require.True(t, ok, tt.driver)
		assert.Equal(t, tt.oid, v.OID(tt.outlet), tt.driver)
	}
	assert.Len(t, Vendors(), 5)
}

func TestPowerOnOffWritesVendorValues(t *testing.T) {
	tests := []struct {
		driver  string
		on, off int
	}{
		{"apc", 1, 2},
		{"teltronix", 2, 1},
		{"aten", 2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			agent := newFakeAgent()
			tr := transportFor(agent)
			node := pduNode(tt.driver, "4")

			_, err := send(t, tr, node, hardware.OpPowerOn)
			require.NoError(t, err)
			res, err := send(t, tr, node, hardware.OpGetPowerState)
			require.NoError(t, err)
			assert.Equal(t, hardware.PowerOn, res.PowerState)

			_, err = send(t, tr, node, hardware.OpPowerOff)
			require.NoError(t, err)
			res, err = send(t, tr, node, hardware.OpGetPowerState)
			require.NoError(t, err)
			assert.Equal(t, hardware.PowerOff, res.PowerState)

			assert.Equal(t, []int{tt.on, tt.off}, agent.setValues())
			assert.Equal(t, 4, agent.closed)
		})
	}
}

func TestRebootCyclesOutlet(t *testing.T) {
	agent := newFakeAgent()
	var waited time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		waited = d
		return nil
	}
	node := pduNode("cyberpower", "2")
	node.Endpoint.Params["reboot_delay"] = "3s"

	_, err := send(t, transportFor(agent, WithSleep(sleep)), node, hardware.OpPowerReboot)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, agent.setValues())
	assert.Equal(t, 3*time.Second, waited)
}

func TestRebootCancelledWhileOff(t *testing.T) {
	agent := newFakeAgent()
	tr := transportFor(agent)
	node := pduNode("apc", "1")
	node.Endpoint.Params["reboot_delay"] = "1h"

	s, err := tr.Open(context.Background(), node)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Send(ctx, hardware.Command{Operation: hardware.OpPowerReboot})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, []int{2}, agent.setValues(), "outlet must not be switched back on")
}

func TestUnknownValueIsPowerError(t *testing.T) {
	agent := newFakeAgent()
	node := pduNode("apc", "5")
	v, _ := LookupVendor("apc")
	agent.values[v.OID(5)] = 4

	res, err := send(t, transportFor(agent), node, hardware.OpGetPowerState)
	require.NoError(t, err)
	assert.Equal(t, hardware.PowerError, res.PowerState)
}

func TestAgentErrors(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*fakeAgent)
		op        hardware.Operation
		kind      hardware.ErrorKind
		auth      bool
		retryable bool
	}{
		{
			name:  "read only community",
			setup: func(a *fakeAgent) { a.status = gosnmp.NoAccess },
			op:    hardware.OpPowerOn,
			kind:  hardware.KindTransport,
			auth:  true,
		},
		{
			name:      "timeout",
			setup:     func(a *fakeAgent) { a.getErr = errors.New("request timeout (after 0 retries)") },
			op:        hardware.OpGetPowerState,
			kind:      hardware.KindTransport,
			retryable: true,
		},
		{
			name:  "wrong value",
			setup: func(a *fakeAgent) { a.status = gosnmp.WrongValue },
			op:    hardware.OpPowerOff,
			kind:  hardware.KindDevice,
		},
		{
			name:  "no such outlet",
			setup: func(a *fakeAgent) { a.missing = true },
			op:    hardware.OpGetPowerState,
			kind:  hardware.KindDevice,
		},
		{
			name:  "usm failure",
			setup: func(a *fakeAgent) { a.setErr = errors.New("incoming packet is not authentic, discarding") },
			op:    hardware.OpPowerOn,
			kind:  hardware.KindTransport,
			auth:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := newFakeAgent()
			tt.setup(agent)
			_, err := send(t, transportFor(agent), pduNode("apc", "1"), tt.op)
			require.Error(t, err)
			assert.Equal(t, tt.kind, hardware.KindOf(err))
			assert.Equal(t, tt.auth, hardware.IsAuth(err))
			assert.Equal(t, tt.retryable, hardware.IsRetryable(err))
		})
	}
}

func TestOpenRejectsBadEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		driver string
		outlet string
		delay  string
	}{
		{"unknown driver", "eaton", "1", ""},
		{"no outlet", "apc", "", ""},
		{"zero outlet", "apc", "0", ""},
		{"bad delay", "apc", "1", "later"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := newFakeAgent()
			node := pduNode(tt.driver, tt.outlet)
			if tt.delay != "" {
				node.Endpoint.Params["reboot_delay"] = tt.delay
			}
			_, err := transportFor(agent).Open(context.Background(), node)
			assert.Equal(t, hardware.KindInvalidNode, hardware.KindOf(err))
		})
	}
}

func TestSessionForVersions(t *testing.T) {
	node := pduNode("apc", "1")
	g, err := sessionFor(node)
	require.NoError(t, err)
	assert.Equal(t, gosnmp.Version2c, g.Version)
	assert.Equal(t, "private", g.Community)
	assert.Equal(t, uint16(DefaultPort), g.Port)

	node.Endpoint.Params["version"] = "3"
	node.Credentials = hardware.Credentials{
		Username: "oob",
		Password: "authpass",
		Extra:    map[string]string{"privacy_password": "privpass"},
	}
	g, err = sessionFor(node)
	require.NoError(t, err)
	assert.Equal(t, gosnmp.Version3, g.Version)
	assert.Equal(t, gosnmp.AuthPriv, g.MsgFlags)
	usm, ok := g.SecurityParameters.(*gosnmp.UsmSecurityParameters)
	require.True(t, ok)
	assert.Equal(t, gosnmp.SHA, usm.AuthenticationProtocol)
	assert.Equal(t, gosnmp.AES, usm.PrivacyProtocol)

	node.Endpoint.Params["version"] = "2c"
	node.Credentials = hardware.Credentials{}
	_, err = sessionFor(node)
	assert.Equal(t, hardware.KindInvalidNode, hardware.KindOf(err))
}

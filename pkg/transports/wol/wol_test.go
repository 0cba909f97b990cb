package wol

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/oobctl/pkg/hardware"
)

func wolNode(params map[string]string) *hardware.Node {
	p := map[string]string{"mac": "52:54:00:12:34:56"}
	for k, v := range params {
		p[k] = v
	}
	return &hardware.Node{
		Name:         "desk-1",
		HardwareType: HardwareType,
		Endpoint:     hardware.Endpoint{Address: "127.0.0.1", Params: p},
	}
}

func TestMagicPacket(t *testing.T) {
	mac, err := net.ParseMAC("52:54:00:12:34:56")
	require.NoError(t, err)

	packet := MagicPacket(mac)
	require.Len(t, packet, 102)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, packet[:6])
	for i := 0; i < 16; i++ {
		assert.Equal(t, []byte(mac), packet[6+i*6:12+i*6])
	}
}

func TestPowerOnSendsPacketOverUDP(t *testing.T) {
	listener, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	node := wolNode(map[string]string{"broadcast": "127.0.0.1", "wol_port": strconv.Itoa(port)})
	s, err := New().Open(context.Background(), node)
	require.NoError(t, err)

	_, err = s.Send(context.Background(), hardware.Command{Operation: hardware.OpPowerOn})
	require.NoError(t, err)

	buf := make([]byte, 256)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := listener.ReadFrom(buf)
	require.NoError(t, err)
	mac, _ := net.ParseMAC("52:54:00:12:34:56")
	assert.Equal(t, MagicPacket(mac), buf[:n])
}

func TestPowerStateFromProbe(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port

	node := wolNode(map[string]string{"probe_port": strconv.Itoa(port)})
	s, err := New().Open(context.Background(), node)
	require.NoError(t, err)

	res, err := s.Send(context.Background(), hardware.Command{Operation: hardware.OpGetPowerState})
	require.NoError(t, err)
	assert.Equal(t, hardware.PowerOn, res.PowerState)
	listener.Close()
}

func TestProbeState(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want hardware.PowerState
	}{
		{"accepted", nil, hardware.PowerOn},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, hardware.PowerOn},
		{"timeout", &net.OpError{Op: "dial", Err: errors.New("i/o timeout")}, hardware.PowerOff},
		{"unreachable", &net.OpError{Op: "dial", Err: syscall.EHOSTUNREACH}, hardware.PowerOff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, probeState(tt.err))
		})
	}
}

func TestProbeUsesTimeoutParam(t *testing.T) {
	var got time.Duration
	prober := func(ctx context.Context, address string, timeout time.Duration) error {
		got = timeout
		return errors.New("i/o timeout")
	}
	s, err := New(WithProber(prober)).Open(context.Background(), wolNode(map[string]string{"probe_timeout": "250ms"}))
	require.NoError(t, err)

	res, err := s.Send(context.Background(), hardware.Command{Operation: hardware.OpGetPowerState})
	require.NoError(t, err)
	assert.Equal(t, hardware.PowerOff, res.PowerState)
	assert.Equal(t, 250*time.Millisecond, got)
}

func TestPowerOffUnsupported(t *testing.T) {
	s, err := New().Open(context.Background(), wolNode(nil))
	require.NoError(t, err)

	for _, op := range []hardware.Operation{hardware.OpPowerOff, hardware.OpPowerReboot, hardware.OpSetBootDevice} {
		_, err := s.Send(context.Background(), hardware.Command{Operation: op})
		assert.Equal(t, hardware.KindUnsupportedOperation, hardware.KindOf(err), op)
	}
}

func TestSendFailureIsTransportError(t *testing.T) {
	sender := func(ctx context.Context, addr string, packet []byte) error {
		return &net.OpError{Op: "write", Err: syscall.ENETUNREACH}
	}
	s, err := New(WithSender(sender)).Open(context.Background(), wolNode(nil))
	require.NoError(t, err)

	_, err = s.Send(context.Background(), hardware.Command{Operation: hardware.OpPowerOn})
	assert.Equal(t, hardware.KindTransport, hardware.KindOf(err))
	assert.True(t, hardware.IsRetryable(err))
}

func TestOpenRejectsBadParams(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]string
	}{
		{"no mac", map[string]string{"mac": ""}},
		{"eui-64", map[string]string{"mac": "02:00:5e:10:00:00:00:01"}},
		{"bad port", map[string]string{"wol_port": "nine"}},
		{"bad probe port", map[string]string{"probe_port": "ssh"}},
		{"bad timeout", map[string]string{"probe_timeout": "-1s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New().Open(context.Background(), wolNode(tt.params))
			assert.Equal(t, hardware.KindInvalidNode, hardware.KindOf(err))
		})
	}
}

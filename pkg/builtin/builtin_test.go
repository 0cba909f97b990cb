package builtin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/oobctl/pkg/hardware"
	"github.com/openfroyo/oobctl/pkg/registry"
	"github.com/openfroyo/oobctl/pkg/transports/simulated"
)

func TestRegistryHardwareTypes(t *testing.T) {
	r := Registry(Options{})
	assert.Equal(t, []string{"fake", "ipmi", "snmp", "turingpi", "wol"}, r.HardwareTypes())
}

func TestCapabilities(t *testing.T) {
	r := Registry(Options{})
	tests := []struct {
		hardwareType string
		op           hardware.Operation
		supported    bool
	}{
		{"ipmi", hardware.OpSetBootDevice, true},
		{"ipmi", hardware.OpVendorPassthru, true},
		{"turingpi", hardware.OpPowerReboot, true},
		{"turingpi", hardware.OpGetBootDevice, false},
		{"snmp", hardware.OpPowerOff, true},
		{"snmp", hardware.OpVendorPassthru, false},
		{"wol", hardware.OpPowerOn, true},
		{"wol", hardware.OpPowerOff, false},
		{"wol", hardware.OpPowerReboot, false},
		{"fake", hardware.OpGetBootDevice, true},
	}
	for _, tt := range tests {
		err := r.Validate(tt.hardwareType, tt.op)
		if tt.supported {
			assert.NoError(t, err, "%s %s", tt.hardwareType, tt.op)
		} else {
			assert.Equal(t, hardware.KindUnsupportedOperation, hardware.KindOf(err), "%s %s", tt.hardwareType, tt.op)
		}
	}
}

func TestPassthruMethods(t *testing.T) {
	r := Registry(Options{})

	ipmiEntry, err := r.Lookup("ipmi")
	require.NoError(t, err)
	assert.True(t, ipmiEntry.SupportsPassthru("get_nm_capabilities"))
	assert.True(t, ipmiEntry.SupportsPassthru("bmc_reset"))
	assert.False(t, ipmiEntry.SupportsPassthru("bmc_info"))

	tpi, err := r.Lookup("turingpi")
	require.NoError(t, err)
	assert.True(t, tpi.SupportsPassthru("flash_node"))
	assert.True(t, tpi.RebootConfirmsOn)
}

func TestSharedSimulatedTransport(t *testing.T) {
	sim := simulated.New()
	r := Registry(Options{Simulated: sim})

	factory, err := r.Resolve("fake")
	require.NoError(t, err)
	tr, err := factory()
	require.NoError(t, err)

	node := &hardware.Node{Name: "n1", HardwareType: "fake"}
	s, err := tr.Open(context.Background(), node)
	require.NoError(t, err)
	_, err = s.Send(context.Background(), hardware.Command{Operation: hardware.OpPowerOn, Target: hardware.PowerOn})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.Equal(t, 1, sim.Device(node).Count(hardware.OpPowerOn))
}

func TestRegisterTwiceFails(t *testing.T) {
	b := registry.NewBuilder()
	require.NoError(t, Register(b, Options{}))
	assert.Error(t, Register(b, Options{}))
}

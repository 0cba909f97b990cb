// Package builtin registers the hardware types shipped with oobctl.
package builtin

import (
	"github.com/openfroyo/oobctl/pkg/hardware"
	"github.com/openfroyo/oobctl/pkg/registry"
	"github.com/openfroyo/oobctl/pkg/transports/ipmi"
	"github.com/openfroyo/oobctl/pkg/transports/simulated"
	"github.com/openfroyo/oobctl/pkg/transports/snmp"
	"github.com/openfroyo/oobctl/pkg/transports/ssh"
	"github.com/openfroyo/oobctl/pkg/transports/wol"
)

// Options tune the built-in transports.
type Options struct {
	// IPMIToolPath overrides the ipmitool binary looked up in PATH.
	IPMIToolPath string

	// Simulated, when set, backs the "fake" hardware type so callers
	// can inspect and script its devices.
	Simulated *simulated.Transport
}

var powerOps = []hardware.Operation{
	hardware.OpPowerOn,
	hardware.OpPowerOff,
	hardware.OpPowerReboot,
	hardware.OpGetPowerState,
}

// Entries returns the built-in registry entries.
func Entries(opts Options) []registry.Entry {
	fake := simulated.Factory()
	if opts.Simulated != nil {
		sim := opts.Simulated
		fake = func() (hardware.Transport, error) { return sim, nil }
	}

	return []registry.Entry{
		{
			HardwareType:    simulated.HardwareType,
			Description:     "in-memory simulated controller",
			Factory:         fake,
			Operations:      hardware.NewOperationSet(hardware.Operations...),
			PassthruMethods: simulated.PassthruMethods,
		},
		{
			HardwareType:    ipmi.HardwareType,
			Description:     "IPMI v2.0 BMC through ipmitool, with Intel Node Manager passthru",
			Factory:         ipmi.Factory(ipmi.WithRunner(ipmi.ExecRunner{Path: opts.IPMIToolPath})),
			Operations:      hardware.NewOperationSet(hardware.Operations...),
			PassthruMethods: ipmi.PassthruMethods(),
		},
		{
			HardwareType:     ssh.HardwareType,
			Description:      "Turing Pi board BMC driven over SSH with the tpi tool",
			Factory:          ssh.Factory(),
			Operations:       hardware.NewOperationSet(append(powerOps, hardware.OpVendorPassthru)...),
			PassthruMethods:  ssh.PassthruMethods,
			RebootConfirmsOn: true,
		},
		{
			HardwareType:     snmp.HardwareType,
			Description:      "switched PDU outlet over SNMP",
			Factory:          snmp.Factory(),
			Operations:       hardware.NewOperationSet(powerOps...),
			RebootConfirmsOn: true,
		},
		{
			HardwareType: wol.HardwareType,
			Description:  "Wake-on-LAN with a TCP reachability probe",
			Factory:      wol.Factory(),
			Operations:   hardware.NewOperationSet(hardware.OpPowerOn, hardware.OpGetPowerState),
		},
	}
}

// Register adds the built-in entries to b.
func Register(b *registry.Builder, opts Options) error {
	for _, e := range Entries(opts) {
		if err := b.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// Registry returns a registry holding only the built-in entries.
func Registry(opts Options) *registry.Registry {
	b := registry.NewBuilder()
	for _, e := range Entries(opts) {
		b.MustRegister(e)
	}
	return b.Build()
}

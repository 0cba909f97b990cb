package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/oobctl/pkg/hardware"
)

func newBootCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Select or read a node's boot device",
	}
	cmd.AddCommand(newBootSetCommand(opts))
	cmd.AddCommand(newBootGetCommand(opts))
	return cmd
}

func newBootSetCommand(opts *globalOptions) *cobra.Command {
	var persistent bool

	cmd := &cobra.Command{
		Use:       "set <node> <device>",
		Short:     "Select the device a node boots from next",
		Long:      "Devices: pxe, disk, cdrom, bios, safe. Without --persistent the choice applies to the next boot only.",
		Example:   "  oobctl boot set rack1-node4 pxe\n  oobctl boot set rack1-node4 disk --persistent",
		Args:      cobra.ExactArgs(2),
		ValidArgs: bootDeviceNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			device := hardware.BootDevice(args[1])
			if !device.Valid() {
				return fmt.Errorf("unknown boot device %q (want one of %v)", args[1], bootDeviceNames())
			}

			a, err := opts.newApp()
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			node, err := a.inv.Node(args[0])
			if err != nil {
				return err
			}
			if err := a.drv.SetBootDevice(cmd.Context(), node, device, persistent); err != nil {
				return err
			}

			info := hardware.BootInfo{Device: device, Persistent: persistent}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: boot device set to %s%s\n", node.ID(), device, persistenceSuffix(persistent))
			return nil
		},
	}

	cmd.Flags().BoolVar(&persistent, "persistent", false, "keep the boot device for all future boots")
	return cmd
}

func newBootGetCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <node>",
		Short: "Read a node's current boot device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp()
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			node, err := a.inv.Node(args[0])
			if err != nil {
				return err
			}
			info, err := a.drv.GetBootDevice(cmd.Context(), node)
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s%s\n", node.ID(), info.Device, persistenceSuffix(info.Persistent))
			return nil
		},
	}
}

func persistenceSuffix(persistent bool) string {
	if persistent {
		return " (persistent)"
	}
	return " (next boot only)"
}

func bootDeviceNames() []string {
	out := make([]string, 0, len(hardware.BootDevices))
	for _, d := range hardware.BootDevices {
		out = append(out, string(d))
	}
	return out
}

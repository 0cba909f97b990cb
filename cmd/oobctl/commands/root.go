package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// globalOptions holds the persistent flags.
type globalOptions struct {
	inventoryPath string
	ipmitoolPath  string
	verbose       bool
	jsonOutput    bool
	version       string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "oobctl",
		Short: "oobctl - out-of-band power and boot control",
		Long: `oobctl drives physical machines through their management controllers.

Supported hardware types:
  - ipmi      IPMI v2.0 BMCs through ipmitool, with Intel Node Manager passthru
  - turingpi  Turing Pi boards over SSH
  - snmp      switched PDU outlets
  - wol       Wake-on-LAN with a reachability probe
  - fake      an in-memory simulator for dry runs

Nodes are described in a YAML inventory (see --inventory).`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultInventory := os.Getenv("OOBCTL_INVENTORY")
	if defaultInventory == "" {
		defaultInventory = "inventory.yaml"
	}

	rootCmd.PersistentFlags().StringVarP(&opts.inventoryPath, "inventory", "i", defaultInventory, "inventory file path (env OOBCTL_INVENTORY)")
	rootCmd.PersistentFlags().StringVar(&opts.ipmitoolPath, "ipmitool", "", "ipmitool binary (default: looked up in PATH)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newPowerCommand(opts))
	rootCmd.AddCommand(newBootCommand(opts))
	rootCmd.AddCommand(newPassthruCommand(opts))
	rootCmd.AddCommand(newTypesCommand(opts))
	rootCmd.AddCommand(newExporterCommand(opts))

	return rootCmd
}

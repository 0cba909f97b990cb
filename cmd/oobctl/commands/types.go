package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/oobctl/pkg/hardware"
)

type typeView struct {
	HardwareType     string   `json:"hardware_type"`
	Description      string   `json:"description"`
	Operations       []string `json:"operations"`
	PassthruMethods  []string `json:"passthru_methods,omitempty"`
	RebootConfirmsOn bool     `json:"reboot_confirms_on,omitempty"`
}

func newTypesCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List supported hardware types and their operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := opts.registry()

			var views []typeView
			for _, t := range reg.HardwareTypes() {
				entry, err := reg.Lookup(t)
				if err != nil {
					return err
				}
				v := typeView{
					HardwareType:     entry.HardwareType,
					Description:      entry.Description,
					RebootConfirmsOn: entry.RebootConfirmsOn,
				}
				for _, op := range entry.Operations.List() {
					v.Operations = append(v.Operations, string(op))
				}
				if entry.Operations.Has(hardware.OpVendorPassthru) {
					v.PassthruMethods = append([]string(nil), entry.PassthruMethods...)
				}
				views = append(views, v)
			}

			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), views)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tOPERATIONS\tDESCRIPTION")
			for _, v := range views {
				fmt.Fprintf(w, "%s\t%s\t%s\n", v.HardwareType, strings.Join(v.Operations, ","), v.Description)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if opts.verbose {
				for _, v := range views {
					if len(v.PassthruMethods) > 0 {
						fmt.Fprintf(cmd.OutOrStdout(), "\n%s passthru methods:\n  %s\n", v.HardwareType, strings.Join(v.PassthruMethods, "\n  "))
					}
				}
			}
			return nil
		},
	}
}

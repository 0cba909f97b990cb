package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newPassthruCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "passthru <node> <method> [key=value...]",
		Short: "Invoke a vendor-specific method",
		Long: `Invoke a hardware-specific method through the node's transport.

Argument values are parsed as JSON when they are valid JSON and passed as
strings otherwise, so count=3 is a number, enabled=true a boolean and
image=/tmp/fw.bin a string. Run "oobctl types" to list each hardware
type's methods.`,
		Example: `  oobctl passthru rack1-node4 get_nm_version
  oobctl passthru rack1-node4 get_nm_policy domain_id=platform policy_id=1
  oobctl passthru tp1-n2 flash_node image=./rk1.img`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			methodArgs, err := parsePassthruArgs(args[2:])
			if err != nil {
				return err
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
			data, err := a.drv.VendorPassthru(cmd.Context(), node, args[1], methodArgs)
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), data)
			}
			writeMap(cmd.OutOrStdout(), data)
			return nil
		},
	}
}

// parsePassthruArgs turns key=value pairs into method arguments.
func parsePassthruArgs(pairs []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", pair)
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("argument %q given twice", key)
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/oobctl/pkg/hardware"
)

// powerResult is one node's line of output.
type powerResult struct {
	Node       string              `json:"node"`
	PowerState hardware.PowerState `json:"power_state,omitempty"`
	Polls      int                 `json:"polls,omitempty"`
	Elapsed    string              `json:"elapsed,omitempty"`
	Error      *errorView          `json:"error,omitempty"`
}

func newPowerCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "power",
		Short: "Change or read node power state",
		Long: `Power commands drive nodes to a target state and wait until the device
reports it, retrying transient transport failures within the inventory's
policy bounds. Several nodes are handled concurrently.`,
	}

	targets := []struct {
		use    string
		short  string
		target hardware.PowerState
	}{
		{"on", "Power nodes on and wait until they report on", hardware.PowerOn},
		{"off", "Power nodes off and wait until they report off", hardware.PowerOff},
		{"reboot", "Power cycle nodes and wait until they are back on", hardware.PowerReboot},
	}
	for _, t := range targets {
		cmd.AddCommand(newPowerTransitionCommand(opts, t.use, t.short, t.target))
	}
	cmd.AddCommand(newPowerStatusCommand(opts))

	return cmd
}

type fanOutFlags struct {
	all      bool
	parallel int
}

func (f *fanOutFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.all, "all", false, "act on every inventory node")
	cmd.Flags().IntVarP(&f.parallel, "parallel", "p", 4, "maximum nodes handled at once")
}

func newPowerTransitionCommand(opts *globalOptions, use, short string, target hardware.PowerState) *cobra.Command {
	var flags fanOutFlags

	cmd := &cobra.Command{
		Use:   use + " [node...]",
		Short: short,
		Example: fmt.Sprintf(`  oobctl power %s rack1-node4
  oobctl power %s --all --parallel 8`, use, use),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPerNode(cmd, opts, args, flags, func(ctx context.Context, a *app, node *hardware.Node) powerResult {
				out, err := a.drv.SetPowerState(ctx, node, target)
				if err != nil {
					return powerResult{Node: node.ID(), Error: newErrorView(err)}
				}
				return powerResult{
					Node:       node.ID(),
					PowerState: out.State,
					Polls:      out.Polls,
					Elapsed:    out.Elapsed.Round(time.Millisecond).String(),
				}
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newPowerStatusCommand(opts *globalOptions) *cobra.Command {
	var flags fanOutFlags

	cmd := &cobra.Command{
		Use:   "status [node...]",
		Short: "Read the current power state of nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPerNode(cmd, opts, args, flags, func(ctx context.Context, a *app, node *hardware.Node) powerResult {
				state, err := a.drv.GetPowerState(ctx, node)
				if err != nil {
					return powerResult{Node: node.ID(), Error: newErrorView(err)}
				}
				return powerResult{Node: node.ID(), PowerState: state}
			})
		},
	}
	flags.register(cmd)
	return cmd
}

// runPerNode applies fn to each selected node, at most flags.parallel at
// a time, and prints the results in argument order.
func runPerNode(cmd *cobra.Command, opts *globalOptions, args []string, flags fanOutFlags,
	fn func(context.Context, *app, *hardware.Node) powerResult) error {
	a, err := opts.newApp()
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	nodes, err := a.nodes(args, flags.all)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	results := make([]powerResult, len(nodes))
	g := new(errgroup.Group)
	if flags.parallel > 0 {
		g.SetLimit(flags.parallel)
	}
	for i, node := range nodes {
		g.Go(func() error {
			results[i] = fn(ctx, a, node)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Error != nil {
			failed++
		}
	}

	if opts.jsonOutput {
		if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
			return err
		}
		return failures(failed, len(results))
	}

	for _, r := range results {
		switch {
		case r.Error != nil:
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", r.Node, r.Error.Message)
		case r.Polls > 0:
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%d polls, %s)\n", r.Node, r.PowerState, r.Polls, r.Elapsed)
		default:
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", r.Node, r.PowerState)
		}
	}
	return failures(failed, len(results))
}

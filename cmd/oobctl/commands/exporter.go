package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/oobctl/pkg/config"
	"github.com/openfroyo/oobctl/pkg/driver"
	"github.com/openfroyo/oobctl/pkg/exporter"
	"github.com/openfroyo/oobctl/pkg/telemetry"
)

func newExporterCommand(opts *globalOptions) *cobra.Command {
	var (
		listen   string
		interval time.Duration
		parallel int
		watch    bool
	)

	cmd := &cobra.Command{
		Use:   "exporter",
		Short: "Serve node power states and metrics over HTTP",
		Long: `Run a long-lived exporter that reads every inventory node's power state
on an interval and serves:

  /metrics        Prometheus metrics
  /healthz        liveness
  /nodes          last observed power state of every node
  /nodes/{node}   last observed power state of one node

The inventory is reloaded when the file changes unless --watch=false.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			inv, err := config.Load(opts.inventoryPath)
			if err != nil {
				return err
			}

			tcfg := opts.telemetryConfig()
			tel, err := telemetry.NewTelemetry(tcfg)
			if err != nil {
				return fmt.Errorf("failed to set up telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tel.Shutdown(shutdownCtx)
			}()
			logger := *tel.Logger.Zerolog()

			reg := opts.registry()
			newDriver := func(inv *config.Inventory) *driver.Driver {
				return driver.New(reg, driver.WithTelemetry(tel), driver.WithPolicies(inv.Policies()))
			}

			exp := exporter.New(inv, newDriver(inv), tel, exporter.Options{
				Interval: interval,
				Parallel: parallel,
			})

			if watch {
				if _, err := config.Watch(ctx, opts.inventoryPath, logger, func(inv *config.Inventory) {
					exp.SetInventory(inv, newDriver(inv))
				}); err != nil {
					return err
				}
			}

			server := &http.Server{
				Addr:              listen,
				Handler:           exp.Router(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			go exp.Run(ctx)

			logger.Info().
				Str("listen", listen).
				Int("nodes", len(inv.Nodes)).
				Dur("interval", interval).
				Msg("Exporter started")

			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("exporter server: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":9290", "HTTP listen address")
	cmd.Flags().DurationVar(&interval, "interval", exporter.DefaultInterval, "power state refresh interval")
	cmd.Flags().IntVar(&parallel, "parallel", exporter.DefaultParallel, "maximum nodes queried at once")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload the inventory when the file changes")

	return cmd
}

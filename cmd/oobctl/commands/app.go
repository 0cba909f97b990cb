package commands

import (
	"context"
	"fmt"

	"github.com/openfroyo/oobctl/pkg/builtin"
	"github.com/openfroyo/oobctl/pkg/config"
	"github.com/openfroyo/oobctl/pkg/driver"
	"github.com/openfroyo/oobctl/pkg/hardware"
	"github.com/openfroyo/oobctl/pkg/registry"
	"github.com/openfroyo/oobctl/pkg/telemetry"
)

// app is what a command needs to reach the inventory's nodes.
type app struct {
	inv *config.Inventory
	reg *registry.Registry
	drv *driver.Driver
	tel *telemetry.Telemetry
}

func (o *globalOptions) telemetryConfig() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = o.version
	cfg.ApplyEnv()
	if o.verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg
}

func (o *globalOptions) registry() *registry.Registry {
	return builtin.Registry(builtin.Options{IPMIToolPath: o.ipmitoolPath})
}

// newApp loads the inventory and builds a driver for a one-shot command.
func (o *globalOptions) newApp() (*app, error) {
	inv, err := config.Load(o.inventoryPath)
	if err != nil {
		return nil, err
	}

	cfg := o.telemetryConfig()
	cfg.Metrics.Enabled = false
	cfg.Events.QueueSize = 0
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	reg := o.registry()
	return &app{
		inv: inv,
		reg: reg,
		drv: driver.New(reg, driver.WithTelemetry(tel), driver.WithPolicies(inv.Policies())),
		tel: tel,
	}, nil
}

func (a *app) close(ctx context.Context) {
	_ = a.tel.Shutdown(ctx)
}

// nodes resolves ids, or every inventory node when all is set.
func (a *app) nodes(ids []string, all bool) ([]*hardware.Node, error) {
	if all {
		if len(ids) > 0 {
			return nil, fmt.Errorf("--all cannot be combined with node names")
		}
		if len(a.inv.Nodes) == 0 {
			return nil, fmt.Errorf("the inventory has no nodes")
		}
		return a.inv.HardwareNodes(), nil
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("name at least one node, or pass --all")
	}
	out := make([]*hardware.Node, 0, len(ids))
	for _, id := range ids {
		n, err := a.inv.Node(id)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

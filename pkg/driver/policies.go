package driver

import (
	"time"

	"github.com/openfroyo/oobctl/pkg/executor"
	"github.com/openfroyo/oobctl/pkg/reconcile"
	"github.com/openfroyo/oobctl/pkg/retry"
)

// Policies holds the timing bounds the driver applies per operation.
type Policies struct {
	// CallTimeout bounds a single transport call for queries, boot
	// settings and passthru.
	CallTimeout time.Duration

	// Query retries get_power_state and get_boot_device.
	Query retry.Policy

	// Command retries set_boot_device and vendor_passthru.
	Command retry.Policy

	// PowerOn is used for power_on and power_reboot transitions.
	PowerOn reconcile.Options

	// PowerOff is used for power_off transitions.
	PowerOff reconcile.Options
}

// DefaultPolicies returns the built-in bounds.
func DefaultPolicies() Policies {
	on := reconcile.DefaultOptions()

	// A soft power-off is polled every 5s for six readings.
	off := reconcile.DefaultOptions()
	off.PollInterval = 5 * time.Second
	off.Deadline = 30 * time.Second

	return Policies{
		CallTimeout: executor.DefaultTimeout,
		Query:       retry.DefaultPolicy(),
		Command:     on.CommandPolicy,
		PowerOn:     on,
		PowerOff:    off,
	}
}

// Validate checks every policy.
func (p Policies) Validate() error {
	if err := p.Query.Validate(); err != nil {
		return err
	}
	if err := p.Command.Validate(); err != nil {
		return err
	}
	if err := p.PowerOn.Validate(); err != nil {
		return err
	}
	return p.PowerOff.Validate()
}

func (p Policies) transition(powerOff bool) reconcile.Options {
	if powerOff {
		return p.PowerOff
	}
	return p.PowerOn
}

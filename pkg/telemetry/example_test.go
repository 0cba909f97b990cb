package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/oobctl/pkg/telemetry"
)

// Example_operation shows how the driver instruments a single operation.
func Example_operation() {
	tel, err := telemetry.NewTelemetry(telemetry.TestConfig())
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	op := tel.StartOperation(context.Background(), "power_on", "op-1", "rack1-node4", "ipmi")
	telemetry.FromContext(op.Ctx).Zerolog().Debug().Msg("issuing command")
	op.End(nil)

	tel.Metrics.RecordOperation("ipmi", "power_on", "success", op.Timer.Duration())
	tel.Metrics.SetPowerState("rack1-node4", "ipmi", "on")
}

// Example_events subscribes to completed transitions.
func Example_events() {
	cfg := telemetry.TestConfig()
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.Node, e.Data["polls"])
	}, telemetry.FilterByType(telemetry.EventTypeTransitionCompleted))

	tel.Events.PublishTransitionStarted("op-2", "node-7", "snmp", "off")
	tel.Events.PublishTransitionCompleted("op-2", "node-7", "snmp", "off", 3, 2*time.Second)
	// Output: transition.completed node-7 3
}

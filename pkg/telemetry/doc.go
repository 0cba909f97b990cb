// Package telemetry provides the observability stack of oobctl:
// structured logging (zerolog), Prometheus metrics, OpenTelemetry
// tracing and power transition events.
//
// A Telemetry value is built once from Config and handed to the driver
// facade, which opens an InstrumentedContext per operation. The context
// carries a logger tagged with the node, hardware type and operation ID,
// so lower layers log through FromContext without knowing who called
// them.
//
// Metrics, Tracer and EventPublisher are all safe to use when disabled
// or nil; they simply record nothing.
package telemetry

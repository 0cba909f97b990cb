package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics and event sinks handed
// to the driver.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
}

// NewTelemetry validates cfg and builds every sink.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(context.Background(), cfg.Tracing, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventPublisher(cfg.Events),
	}, nil
}

// Discard returns telemetry that records nothing.
func Discard() *Telemetry {
	return &Telemetry{
		Logger:  Nop(),
		Metrics: &Metrics{},
		Events:  &EventPublisher{},
	}
}

// Shutdown drains queued events and flushes spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Events.Shutdown(ctx), t.Tracer.Shutdown(ctx))
}

// InstrumentedContext is one facade call in progress.
type InstrumentedContext struct {
	// Ctx carries Span and Logger.
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation opens the span of a facade call and derives a logger
// tagged with the node, hardware type, operation and trace.
func (t *Telemetry) StartOperation(ctx context.Context, operation, operationID, node, hardwareType string) *InstrumentedContext {
	ctx, span := t.Tracer.StartOperationSpan(ctx, operation, operationID, node, hardwareType)

	base := t.Logger
	if base == nil {
		base = FromContext(ctx)
	}
	zc := base.zl.With().
		Str("node", node).
		Str("hardware_type", hardwareType).
		Str("operation", operation).
		Str("operation_id", operationID)
	if sc := span.SpanContext(); sc.IsValid() {
		zc = zc.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
	}
	logger := &Logger{zl: zc.Logger()}

	return &InstrumentedContext{
		Ctx:    logger.WithContext(ctx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End closes the span, recording err if set.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const instrumentationName = "github.com/openfroyo/oobctl"

// Span attribute keys.
var (
	AttrNode         = attribute.Key("node.id")
	AttrHardwareType = attribute.Key("node.hardware_type")
	AttrOperation    = attribute.Key("oob.operation")
	AttrOperationID  = attribute.Key("oob.operation_id")
	AttrErrorKind    = attribute.Key("oob.error_kind")
)

// Tracer starts spans for facade operations and transport exchanges.
// A nil Tracer, or one built with exporter "none", starts no-op spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer exporting through cfg.Exporter.
func NewTracer(ctx context.Context, cfg TracingConfig, version string) (*Tracer, error) {
	exporter, err := newSpanExporter(ctx, cfg, version)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s span exporter: %w", cfg.Exporter, err)
	}
	if exporter == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(instrumentationName)}, nil
	}

	var batch []sdktrace.BatchSpanProcessorOption
	if cfg.BatchTimeout > 0 {
		batch = append(batch, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceNameKey.String("oobctl"),
			semconv.ServiceVersionKey.String(version),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exporter, batch...),
	)
	return &Tracer{provider: provider, tracer: provider.Tracer(instrumentationName)}, nil
}

func newSpanExporter(ctx context.Context, cfg TracingConfig, version string) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "none":
		return nil, nil
	case "stdout":
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent("oobctl/" + version)),
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		return otlptracegrpc.New(ctx, opts...)
	}
	return nil, fmt.Errorf("unknown exporter %q", cfg.Exporter)
}

func (t *Tracer) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return noop.NewTracerProvider().Tracer(instrumentationName).Start(ctx, name)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartOperationSpan starts the span of one facade call.
func (t *Tracer) StartOperationSpan(ctx context.Context, operation, operationID, node, hardwareType string) (context.Context, trace.Span) {
	return t.start(ctx, "oob."+operation,
		AttrOperation.String(operation),
		AttrOperationID.String(operationID),
		AttrNode.String(node),
		AttrHardwareType.String(hardwareType),
	)
}

// StartTransportSpan starts the span of one open/send/close exchange.
func (t *Tracer) StartTransportSpan(ctx context.Context, hardwareType, operation string) (context.Context, trace.Span) {
	return t.start(ctx, "transport."+hardwareType,
		AttrHardwareType.String(hardwareType),
		AttrOperation.String(operation),
	)
}

// kindLabeler is implemented by errors that carry a classification.
type kindLabeler interface {
	KindLabel() string
}

// RecordError marks span failed and tags it with the error kind.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	var k kindLabeler
	if errors.As(err, &k) {
		span.SetAttributes(AttrErrorKind.String(k.KindLabel()))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks span successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

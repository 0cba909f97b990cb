package telemetry

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config selects where logs, traces, metrics and events go.
type Config struct {
	// ServiceVersion is reported on every span.
	ServiceVersion string `validate:"required"`

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error"`
	Format string `validate:"oneof=console json"`

	// Output is stdout, stderr or a file path.
	Output string

	// Caller adds file:line to every entry.
	Caller bool
}

// TracingConfig selects the span exporter. Exporter "none" turns
// tracing off and every span becomes a no-op.
type TracingConfig struct {
	Exporter string `validate:"oneof=none stdout otlp"`

	// Endpoint is the OTLP gRPC collector, host:port.
	Endpoint string `validate:"required_if=Exporter otlp"`
	Insecure bool
	Headers  map[string]string

	SampleRatio  float64       `validate:"gte=0,lte=1"`
	BatchTimeout time.Duration `validate:"gte=0"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled   bool
	Namespace string `validate:"required_if=Enabled true"`

	// Buckets are the latency histogram buckets in seconds.
	Buckets []float64
}

// EventsConfig configures transition event delivery.
type EventsConfig struct {
	Enabled bool

	// QueueSize above zero delivers events from a background goroutine
	// through a queue of that size. Zero delivers inline.
	QueueSize int `validate:"gte=0"`
}

var validate = validator.New()

// DefaultConfig logs to stderr, keeps metrics in memory and traces nothing.
func DefaultConfig() *Config {
	return &Config{
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SampleRatio:  1,
			BatchTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "oobctl",
			// Power transitions take seconds to minutes.
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		Events: EventsConfig{
			Enabled:   true,
			QueueSize: 256,
		},
	}
}

// DevelopmentConfig logs at debug with callers and prints spans.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.Caller = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// ProductionConfig logs JSON and ships a tenth of traces over OTLP.
func ProductionConfig(endpoint string) *Config {
	cfg := DefaultConfig()
	cfg.Logging.Format = "json"
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = endpoint
	cfg.Tracing.SampleRatio = 0.1
	return cfg
}

// TestConfig is quiet and delivers events inline.
func TestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Events.QueueSize = 0
	return cfg
}

// ApplyEnv overrides cfg from the environment:
//
//	OOBCTL_LOG_LEVEL, OOBCTL_LOG_FORMAT   logging
//	OOBCTL_TRACE_EXPORTER                 none, stdout or otlp
//	OTEL_EXPORTER_OTLP_ENDPOINT           collector; enables otlp
//	OTEL_EXPORTER_OTLP_INSECURE           "true" disables TLS
func (c *Config) ApplyEnv() {
	if v := os.Getenv("OOBCTL_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("OOBCTL_LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Tracing.Endpoint = strings.TrimPrefix(strings.TrimPrefix(v, "http://"), "https://")
		if c.Tracing.Exporter == "none" {
			c.Tracing.Exporter = "otlp"
		}
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"); v != "" {
		c.Tracing.Insecure = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("OOBCTL_TRACE_EXPORTER"); v != "" {
		c.Tracing.Exporter = strings.ToLower(v)
	}
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log entry %q: %v", buf.String(), err)
	}
	return entry
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.WithNode("node-1", "ipmi").WithOperationID("abc").Zerolog().Warn().Err(errors.New("boom")).Msg("power on failed")

	entry := decodeEntry(t, &buf)
	want := map[string]string{
		"level":         "warn",
		"node":          "node-1",
		"hardware_type": "ipmi",
		"operation_id":  "abc",
		"error":         "boom",
		"message":       "power on failed",
	}
	for field, value := range want {
		if entry[field] != value {
			t.Errorf("%s = %v, want %q", field, entry[field], value)
		}
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Zerolog().Info().Msg("hidden")
	logger.Zerolog().Debug().Int("n", 2).Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected no output below warn, got %q", buf.String())
	}

	logger.Zerolog().Error().Int("n", 1).Msg("shown")
	if !strings.Contains(buf.String(), `"n":1`) {
		t.Errorf("expected error entry, got %q", buf.String())
	}
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "info", Format: "json"}, &buf).NewComponentLogger("executor")

	ctx := logger.WithContext(context.Background())
	FromContext(ctx).Zerolog().Info().Msg("hello")
	if !strings.Contains(buf.String(), `"component":"executor"`) {
		t.Errorf("component field missing: %q", buf.String())
	}

	if FromContext(context.Background()) == nil {
		t.Error("FromContext should fall back to a default logger")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug": "debug",
		"bogus": "info",
		"":      "info",
	}
	for in, want := range tests {
		if got := ParseLevel(in).String(); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestMetricsRecord(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.RecordOperation("ipmi", "power_on", "success", time.Second)
	m.RecordOperation("ipmi", "power_on", "success", time.Second)
	m.RecordTransportCall("ipmi", "get_power_state", "timeout", 10*time.Millisecond)
	m.RecordRetry("ipmi", "get_power_state")
	m.RecordReconcilePolls("ipmi", "on", 3)
	m.RecordError("timeout")
	m.SetPowerState("node-1", "ipmi", "on")
	m.SetInventoryNodes(4)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"operations", testutil.ToFloat64(m.operations.WithLabelValues("ipmi", "power_on", "success")), 2},
		{"transport calls", testutil.ToFloat64(m.transportCalls.WithLabelValues("ipmi", "get_power_state", "timeout")), 1},
		{"retries", testutil.ToFloat64(m.retries.WithLabelValues("ipmi", "get_power_state")), 1},
		{"errors", testutil.ToFloat64(m.errorsByKind.WithLabelValues("timeout")), 1},
		{"power state on", testutil.ToFloat64(m.powerState.WithLabelValues("node-1", "ipmi", "on")), 1},
		{"power state off", testutil.ToFloat64(m.powerState.WithLabelValues("node-1", "ipmi", "off")), 0},
		{"inventory nodes", testutil.ToFloat64(m.inventoryNodes), 4},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	m.SetPowerState("node-1", "ipmi", "off")
	if got := testutil.ToFloat64(m.powerState.WithLabelValues("node-1", "ipmi", "on")); got != 0 {
		t.Errorf("previous state still set: %v", got)
	}

	m.ForgetNode("node-1")
	if n := testutil.CollectAndCount(m.powerState); n != 0 {
		t.Errorf("expected no power state series after ForgetNode, got %d", n)
	}
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordError("cancelled")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `oobctl_errors_total{kind="cancelled"} 1`) {
		t.Errorf("cancelled counter missing from scrape")
	}
}

func TestMetricsDisabledAndNil(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.RecordOperation("a", "b", "c", time.Second)
	nilMetrics.SetPowerState("n", "t", "on")

	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	disabled.RecordRetry("a", "b")

	rec := httptest.NewRecorder()
	disabled.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestEventsSynchronous(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true})

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByNode("node-2"))

	ep.PublishPowerStateChanged("node-1", "snmp", "off", "on")
	ep.PublishPowerStateChanged("node-2", "snmp", "on", "error")

	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	e := got[0]
	if e.Type != EventTypePowerStateChanged || e.Level != EventLevelWarning {
		t.Errorf("unexpected event %s/%s", e.Type, e.Level)
	}
	if e.ID == "" || e.Timestamp.IsZero() {
		t.Errorf("event missing id or timestamp: %+v", e)
	}
}

func TestEventsAsyncShutdownDrains(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true, QueueSize: 16})

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	for i := 0; i < 5; i++ {
		ep.PublishTransitionFailed("op", "node", "wol", "on", "timeout", "no answer")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	mu.Lock()
	if count != 5 {
		t.Errorf("delivered %d events, want 5", count)
	}
	mu.Unlock()

	// Publishing after shutdown is a no-op.
	ep.PublishTransitionStarted("op", "node", "wol", "on")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"development", func(c *Config) { *c = *DevelopmentConfig() }, false},
		{"production", func(c *Config) { *c = *ProductionConfig("collector:4317") }, false},
		{"production without endpoint", func(c *Config) { *c = *ProductionConfig("") }, true},
		{"no version", func(c *Config) { c.ServiceVersion = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }, true},
		{"bad sample ratio", func(c *Config) { c.Tracing.SampleRatio = 2 }, true},
		{"metrics without namespace", func(c *Config) { c.Metrics.Namespace = "" }, true},
		{"disabled metrics without namespace", func(c *Config) { c.Metrics.Enabled = false; c.Metrics.Namespace = "" }, false},
		{"negative queue", func(c *Config) { c.Events.QueueSize = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("OOBCTL_LOG_LEVEL", "DEBUG")
	t.Setenv("OOBCTL_LOG_FORMAT", "json")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Tracing.Exporter != "otlp" || cfg.Tracing.Endpoint != "collector:4317" || !cfg.Tracing.Insecure {
		t.Errorf("tracing = %+v", cfg.Tracing)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	t.Setenv("OOBCTL_TRACE_EXPORTER", "none")
	cfg = DefaultConfig()
	cfg.ApplyEnv()
	if cfg.Tracing.Exporter != "none" {
		t.Errorf("exporter = %q, want none", cfg.Tracing.Exporter)
	}
}

type labelled struct{}

func (labelled) Error() string     { return "labelled" }
func (labelled) KindLabel() string { return "timeout" }

func TestStartOperationWithDisabledTracer(t *testing.T) {
	tel := Discard()
	op := tel.StartOperation(context.Background(), "get_power_state", "id-1", "node-1", "fake")
	if op.Ctx == nil {
		t.Fatal("operation has no context")
	}
	if op.Span.SpanContext().IsValid() {
		t.Error("disabled tracer produced a valid span")
	}
	op.End(fmt.Errorf("wrapped: %w", labelled{}))
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestStartOperationTagsLogger(t *testing.T) {
	var buf bytes.Buffer
	tel := Discard()
	tel.Logger = NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	op := tel.StartOperation(context.Background(), "power_on", "id-2", "rack1-node4", "ipmi")
	FromContext(op.Ctx).Zerolog().Debug().Msg("issuing command")
	op.End(nil)

	entry := decodeEntry(t, &buf)
	want := map[string]string{
		"node":          "rack1-node4",
		"hardware_type": "ipmi",
		"operation":     "power_on",
		"operation_id":  "id-2",
	}
	for field, value := range want {
		if entry[field] != value {
			t.Errorf("%s = %v, want %q", field, entry[field], value)
		}
	}
}

func TestStdoutTracerRecordsSpans(t *testing.T) {
	tracer, err := NewTracer(context.Background(), TracingConfig{Exporter: "stdout", SampleRatio: 1}, "test")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}

	_, span := tracer.StartTransportSpan(context.Background(), "ipmi", "power_on")
	if !span.SpanContext().IsValid() {
		t.Error("expected a sampled span")
	}
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracer.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}

	if _, err := NewTracer(context.Background(), TracingConfig{Exporter: "jaeger"}, "test"); err == nil {
		t.Error("expected an error for an unknown exporter")
	}
}

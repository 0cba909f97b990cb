package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// powerStates are the label values of the power_state gauge.
var powerStates = []string{"on", "off", "reboot", "error", "nostate"}

// Metrics provides Prometheus metrics for the control layer. A nil or
// disabled *Metrics accepts every call and records nothing.
type Metrics struct {
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	transportCalls    *prometheus.CounterVec
	transportDuration *prometheus.HistogramVec

	retries        *prometheus.CounterVec
	reconcilePolls *prometheus.HistogramVec
	errorsByKind   *prometheus.CounterVec

	powerState     *prometheus.GaugeVec
	inventoryNodes prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Driver operations by hardware type, operation and result",
			},
			[]string{"hardware_type", "operation", "result"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of driver operations in seconds",
				Buckets:   buckets,
			},
			[]string{"hardware_type", "operation"},
		),
		transportCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_calls_total",
				Help:      "Single open/send/close exchanges with a management controller",
			},
			[]string{"hardware_type", "operation", "result"},
		),
		transportDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transport_call_duration_seconds",
				Help:      "Duration of single transport exchanges in seconds",
				Buckets:   buckets,
			},
			[]string{"hardware_type", "operation"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Attempts retried after a transient failure",
			},
			[]string{"hardware_type", "operation"},
		),
		reconcilePolls: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_polls",
				Help:      "Power state polls needed per transition",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34},
			},
			[]string{"hardware_type", "target"},
		),
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Errors returned to callers by kind",
			},
			[]string{"kind"},
		),
		powerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "power_state",
				Help:      "Last observed power state per node (1 for the current state)",
			},
			[]string{"node", "hardware_type", "state"},
		),
		inventoryNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inventory_nodes",
				Help:      "Nodes in the loaded inventory",
			},
		),
	}

	registry.MustRegister(
		m.operations,
		m.operationDuration,
		m.transportCalls,
		m.transportDuration,
		m.retries,
		m.reconcilePolls,
		m.errorsByKind,
		m.powerState,
		m.inventoryNodes,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordOperation records a completed driver operation.
func (m *Metrics) RecordOperation(hardwareType, operation, result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.operations.WithLabelValues(hardwareType, operation, result).Inc()
	m.operationDuration.WithLabelValues(hardwareType, operation).Observe(duration.Seconds())
}

// RecordTransportCall records one transport exchange.
func (m *Metrics) RecordTransportCall(hardwareType, operation, result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.transportCalls.WithLabelValues(hardwareType, operation, result).Inc()
	m.transportDuration.WithLabelValues(hardwareType, operation).Observe(duration.Seconds())
}

// RecordRetry records a retried attempt.
func (m *Metrics) RecordRetry(hardwareType, operation string) {
	if !m.enabled() {
		return
	}
	m.retries.WithLabelValues(hardwareType, operation).Inc()
}

// RecordReconcilePolls records how many polls a transition needed.
func (m *Metrics) RecordReconcilePolls(hardwareType, target string, polls int) {
	if !m.enabled() {
		return
	}
	m.reconcilePolls.WithLabelValues(hardwareType, target).Observe(float64(polls))
}

// RecordError records an error kind returned to a caller.
func (m *Metrics) RecordError(kind string) {
	if !m.enabled() || kind == "" {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// SetPowerState marks state as the node's current power state.
func (m *Metrics) SetPowerState(node, hardwareType, state string) {
	if !m.enabled() {
		return
	}
	for _, s := range powerStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.powerState.WithLabelValues(node, hardwareType, s).Set(v)
	}
}

// ForgetNode drops the power state series of a node that left the inventory.
func (m *Metrics) ForgetNode(node string) {
	if !m.enabled() {
		return
	}
	m.powerState.DeletePartialMatch(prometheus.Labels{"node": node})
}

// SetInventoryNodes sets the number of inventory nodes.
func (m *Metrics) SetInventoryNodes(n int) {
	if !m.enabled() {
		return
	}
	m.inventoryNodes.Set(float64(n))
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer measures the duration of an operation.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

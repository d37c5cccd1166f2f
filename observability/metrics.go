package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	engerrors "paymentengine/core/errors"
)

// Namespace prefixes every metric exported by the engine.
const Namespace = "paymentengine"

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// EscrowMetrics records lifecycle outcomes and event delivery.
type EscrowMetrics struct {
	operations    *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	events        *prometheus.CounterVec
	sinkFailures  *prometheus.CounterVec
	auditFailures prometheus.Counter
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by module, method and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total failed JSON-RPC requests segmented by module, method and HTTP status.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. status is the HTTP status
// written to the client; anything from 400 up counts as an error.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(module, method, strconv.Itoa(status)).Inc()
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// Escrow returns the singleton escrow lifecycle metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "escrow",
				Name:      "operations_total",
				Help:      "Escrow operations segmented by operation and error kind (empty on success).",
			}, []string{"op", "kind"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "escrow",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for escrow operations including lock wait.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Committed lifecycle events handed to sinks.",
			}, []string{"type"}),
			sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "events",
				Name:      "sink_failures_total",
				Help:      "Events a sink failed to accept.",
			}, []string{"type"}),
			auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "audit",
				Name:      "append_failures_total",
				Help:      "Audit log rows that could not be persisted.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.operations,
			escrowRegistry.latency,
			escrowRegistry.events,
			escrowRegistry.sinkFailures,
			escrowRegistry.auditFailures,
		)
	})
	return escrowRegistry
}

// ObserveOperation records the outcome and latency of one escrow operation.
func (m *EscrowMetrics) ObserveOperation(op string, kind engerrors.Kind, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, string(kind)).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveEvent counts an event delivered after commit.
func (m *EscrowMetrics) ObserveEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

// ObserveSinkFailure counts an event a sink could not accept.
func (m *EscrowMetrics) ObserveSinkFailure(eventType string) {
	if m == nil {
		return
	}
	m.sinkFailures.WithLabelValues(eventType).Inc()
}

// RecordAuditFailure counts an audit row that could not be written.
func (m *EscrowMetrics) RecordAuditFailure() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}

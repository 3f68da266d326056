package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/flanksource/resultcache/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder publishes Prometheus metrics for result cache activity. It
// implements cache.Metrics and is safe to call on a nil receiver.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	retries    *prometheus.CounterVec
}

var _ cache.Metrics = (*Recorder)(nil)

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so recorders never collide on the global
// default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resultcache",
		Name:      "operations_total",
		Help:      "Result cache operations by outcome.",
	}, []string{"operation", "outcome"})

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "resultcache",
		Name:      "operation_duration_seconds",
		Help:      "Latency of result cache operations, including retries.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
	}, []string{"operation", "outcome"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resultcache",
		Name:      "lock_retries_total",
		Help:      "Attempts retried after SQLite reported lock contention.",
	}, []string{"operation"})

	reg.MustRegister(operations, latency, retries)

	return &Recorder{
		gatherer:   reg,
		handler:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		operations: operations,
		latency:    latency,
		retries:    retries,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveOperation records a completed cache operation
func (r *Recorder) ObserveOperation(op cache.Operation, outcome cache.Outcome, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := normalizeLabel(string(op))
	outcomeLabel := normalizeLabel(string(outcome))
	r.operations.WithLabelValues(opLabel, outcomeLabel).Inc()
	r.latency.WithLabelValues(opLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveRetry records an attempt that will be retried
func (r *Recorder) ObserveRetry(op cache.Operation) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(normalizeLabel(string(op))).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

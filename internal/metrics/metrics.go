// Package metrics exposes Prometheus collectors for the relay's runtime
// state: active sessions, write-queue backlog, and upstream connectivity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voicerelay"

var (
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live client WebSocket sessions",
		},
	)

	sessionsFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finalized_total",
			Help:      "Total number of sessions finalized, by final status",
		},
		[]string{"status"}, // COMPLETED, NO_DATA, FAILED
	)

	writeQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "write_queue_depth",
			Help:      "Number of operations waiting in the durable write queue",
		},
	)

	writeQueueInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "write_queue_in_flight",
			Help:      "Number of write-queue operations currently executing",
		},
	)

	writeQueueRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_queue_retries_total",
			Help:      "Total number of write-queue operation retries",
		},
		[]string{"table"},
	)

	writeQueueDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_queue_dropped_total",
			Help:      "Total number of write-queue operations dropped after exhausting retries",
		},
		[]string{"table"},
	)

	upstreamConnectFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connect_failures_total",
			Help:      "Total number of failed upstream STT connection attempts",
		},
		[]string{"provider"},
	)

	quotaRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Total number of Connect attempts rejected for exceeded quota",
		},
	)

	allMetrics = []prometheus.Collector{
		sessionsActive,
		sessionsFinalizedTotal,
		writeQueueDepth,
		writeQueueInFlight,
		writeQueueRetriesTotal,
		writeQueueDroppedTotal,
		upstreamConnectFailuresTotal,
		quotaRejectionsTotal,
	}
)

// Registry is a dedicated Prometheus registry rather than the global
// default, so tests can spin up independent instances without colliding
// on collector registration.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry registers every collector and returns a handle for exposing
// /metrics.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(allMetrics...)
	return &Registry{reg: reg}
}

// Handler returns the http.Handler serving the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// SetSessionsActive reports the current number of live sessions.
func SetSessionsActive(n int) {
	sessionsActive.Set(float64(n))
}

// RecordSessionFinalized increments the finalized-session counter for status.
func RecordSessionFinalized(status string) {
	sessionsFinalizedTotal.WithLabelValues(status).Inc()
}

// SetWriteQueueDepth reports the current backlog and in-flight count.
func SetWriteQueueDepth(depth, inFlight int) {
	writeQueueDepth.Set(float64(depth))
	writeQueueInFlight.Set(float64(inFlight))
}

// RecordWriteQueueRetry increments the retry counter for table.
func RecordWriteQueueRetry(table string) {
	writeQueueRetriesTotal.WithLabelValues(table).Inc()
}

// RecordWriteQueueDropped increments the dropped counter for table.
func RecordWriteQueueDropped(table string) {
	writeQueueDroppedTotal.WithLabelValues(table).Inc()
}

// RecordUpstreamConnectFailure increments the connect-failure counter for provider.
func RecordUpstreamConnectFailure(provider string) {
	upstreamConnectFailuresTotal.WithLabelValues(provider).Inc()
}

// RecordQuotaRejection increments the quota-rejection counter.
func RecordQuotaRejection() {
	quotaRejectionsTotal.Inc()
}

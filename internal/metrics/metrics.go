// Package metrics wraps a private Prometheus registry (never the global
// default registry — see 99souls-ariadne's telemetry provider, which this
// is grounded on) with the counters and histograms the pipeline's stages,
// queues, and listeners need.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns one prometheus.Registry and the named metric vectors the
// engine exposes. Constructed once by the orchestrator and passed by
// reference into every stage, queue backend, and listener.
type Registry struct {
	reg *prometheus.Registry

	QueueDepth     *prometheus.GaugeVec
	QueuePublished *prometheus.CounterVec
	QueueAcked     *prometheus.CounterVec
	QueueNacked    *prometheus.CounterVec
	QueueDeadLettered *prometheus.CounterVec

	StageProcessed *prometheus.CounterVec
	StageErrors    *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec

	MLLPConnections *prometheus.GaugeVec
	MLLPMessages    *prometheus.CounterVec

	SenderRetries *prometheus.CounterVec
}

// New builds a Registry with every metric registered against a fresh
// private prometheus.Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "interop", Subsystem: "queue", Name: "depth",
			Help: "current number of envelopes pending in a queue",
		}, []string{"queue"}),
		QueuePublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "interop", Subsystem: "queue", Name: "published_total",
			Help: "total envelopes published to a queue",
		}, []string{"queue"}),
		QueueAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "interop", Subsystem: "queue", Name: "acked_total",
			Help: "total deliveries acknowledged",
		}, []string{"queue"}),
		QueueNacked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "interop", Subsystem: "queue", Name: "nacked_total",
			Help: "total deliveries nacked",
		}, []string{"queue"}),
		QueueDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "interop", Subsystem: "queue", Name: "dead_lettered_total",
			Help: "total envelopes moved to a dead-letter queue",
		}, []string{"queue"}),
		StageProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "interop", Subsystem: "stage", Name: "processed_total",
			Help: "total envelopes processed by a stage",
		}, []string{"stage", "outcome"}),
		StageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "interop", Subsystem: "stage", Name: "errors_total",
			Help: "total stage processing errors by kind",
		}, []string{"stage", "kind"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "interop", Subsystem: "stage", Name: "duration_seconds",
			Help:    "stage process() duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		MLLPConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "interop", Subsystem: "mllp", Name: "connections",
			Help: "current accepted MLLP connections",
		}, []string{"listener"}),
		MLLPMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "interop", Subsystem: "mllp", Name: "messages_total",
			Help: "total MLLP messages received by ack kind",
		}, []string{"listener", "ack"}),
		SenderRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "interop", Subsystem: "sender", Name: "retries_total",
			Help: "total retry attempts by sender and error kind",
		}, []string{"sender", "kind"}),
	}

	reg.MustRegister(
		r.QueueDepth, r.QueuePublished, r.QueueAcked, r.QueueNacked, r.QueueDeadLettered,
		r.StageProcessed, r.StageErrors, r.StageDuration,
		r.MLLPConnections, r.MLLPMessages,
		r.SenderRetries,
	)
	return r
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Package metrics exposes the counters, gauges, and histograms named in
// spec §6.6 via github.com/prometheus/client_golang, replacing the
// teacher's hand-rolled sync.Map-based registry (which has no histogram
// support and could not satisfy edgebot_send_duration_seconds or
// edgebot_batch_size_events).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every exported series. It is safe for concurrent use — the
// underlying prometheus collectors already guard themselves with atomics
// or locks, satisfying spec §5's "must use atomics or a lock" requirement
// for the metrics registry.
type Metrics struct {
	reg *prometheus.Registry

	EventsIngestedTotal *prometheus.CounterVec
	EventsDroppedTotal  *prometheus.CounterVec
	BatchesSentTotal    *prometheus.CounterVec
	EventsSentTotal     *prometheus.CounterVec
	BatchesFailedTotal  *prometheus.CounterVec
	RetriesTotal        *prometheus.CounterVec
	BytesSentTotal      *prometheus.CounterVec

	SpoolPending     prometheus.Gauge
	SpoolInflight    prometheus.Gauge
	SpoolBytes       prometheus.Gauge
	BreakerState     *prometheus.GaugeVec
	Up               prometheus.Gauge
	ComponentHealthy *prometheus.GaugeVec

	SendDuration    *prometheus.HistogramVec
	BatchSizeEvents *prometheus.HistogramVec
}

// New builds a fresh Metrics instance registered against its own registry,
// following the same "one registry per process" shape as
// Naman30903-Parsec/internal/metrics/metrics.go.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		EventsIngestedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgebot_events_ingested_total",
			Help: "Total events accepted by a listener and enqueued to the spool.",
		}, []string{"source"}),

		EventsDroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgebot_events_dropped_total",
			Help: "Total events dropped before reaching the spool.",
		}, []string{"source", "reason"}),

		BatchesSentTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgebot_batches_sent_total",
			Help: "Total batches successfully shipped.",
		}, []string{"sink"}),

		EventsSentTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgebot_events_sent_total",
			Help: "Total events successfully shipped.",
		}, []string{"sink"}),

		BatchesFailedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgebot_batches_failed_total",
			Help: "Total batches that terminally failed.",
		}, []string{"sink", "kind"}),

		RetriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgebot_retries_total",
			Help: "Total retry attempts issued by the retry policy.",
		}, []string{"sink"}),

		BytesSentTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgebot_bytes_sent_total",
			Help: "Total bytes successfully shipped on the wire.",
		}, []string{"sink"}),

		SpoolPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "edgebot_spool_pending",
			Help: "Number of spool records currently pending.",
		}),
		SpoolInflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "edgebot_spool_inflight",
			Help: "Number of spool records currently in flight.",
		}),
		SpoolBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "edgebot_spool_bytes",
			Help: "Total bytes occupied by the spool on disk.",
		}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgebot_breaker_state",
			Help: "Per-sink circuit breaker state: 0=closed, 1=open, 2=half_open.",
		}, []string{"sink"}),
		Up: f.NewGauge(prometheus.GaugeOpts{
			Name: "edgebot_up",
			Help: "1 if the process is up.",
		}),
		ComponentHealthy: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgebot_component_healthy",
			Help: "1 if the named supervised component is healthy, else 0.",
		}, []string{"name"}),

		SendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgebot_send_duration_seconds",
			Help:    "Duration of a sink.Write call, including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"sink"}),
		BatchSizeEvents: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgebot_batch_size_events",
			Help:    "Number of events per shipped batch.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"sink"}),
	}
}

// Handler returns the promhttp handler for /metrics (spec §4.9).
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// BreakerStateValue maps a breaker state name to the numeric encoding used
// by edgebot_breaker_state (spec §6.6).
func BreakerStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}

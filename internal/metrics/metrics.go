// Package metrics exposes markd's Prometheus metrics.
//
// All metrics hang off a Metrics value registered against one
// prometheus.Registerer, so tests and embedded uses can keep their own
// registry instead of the process default.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "markd"

// Metrics holds every markd metric.
type Metrics struct {
	registry *prometheus.Registry

	HighlightsAdded   prometheus.Counter
	HighlightsRemoved *prometheus.CounterVec // reason: erase, clear, evict, prune
	Restores          *prometheus.CounterVec // result: ok, failed, skipped
	Saves             *prometheus.CounterVec // result: ok, error, quota, skipped
	SaveDuration      prometheus.Histogram
	Evicted           prometheus.Counter

	OpenDocuments prometheus.Gauge
	StorageUsed   prometheus.Gauge

	Requests        *prometheus.CounterVec // transport, command, status
	RequestDuration *prometheus.HistogramVec
}

// New registers a full metric set on a fresh registry. The registry also
// carries the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return register(reg)
}

// Discard returns metrics bound to a private registry that nothing
// scrapes. Components use it when no Metrics is configured.
func Discard() *Metrics {
	return register(prometheus.NewRegistry())
}

func register(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		HighlightsAdded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "highlights_added_total",
			Help:      "Highlights created by add.",
		}),
		HighlightsRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "highlights_removed_total",
			Help:      "Highlights removed, by reason.",
		}, []string{"reason"}),
		Restores: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restores_total",
			Help:      "Highlight restore attempts, by result.",
		}, []string{"result"}),
		Saves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Collection writes, by result.",
		}, []string{"result"}),
		SaveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_duration_seconds",
			Help:      "Time spent writing a collection.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		Evicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_records_total",
			Help:      "Records dropped by quota eviction.",
		}),
		OpenDocuments: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_documents",
			Help:      "Documents currently hosted.",
		}),
		StorageUsed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_used_bytes",
			Help:      "Bytes in use reported by the store at the last quota check.",
		}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Commands handled, by transport, command and status.",
		}, []string{"transport", "command", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Command latency by transport.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transport"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one handled command.
func (m *Metrics) ObserveRequest(transport, command, status string, started time.Time) {
	m.Requests.WithLabelValues(transport, command, status).Inc()
	m.RequestDuration.WithLabelValues(transport).Observe(time.Since(started).Seconds())
}

// SaveTimer starts a timer for SaveDuration.
func (m *Metrics) SaveTimer() *prometheus.Timer {
	return prometheus.NewTimer(m.SaveDuration)
}

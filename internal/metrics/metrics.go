// Package metrics exposes the relay's Prometheus counters on a private
// registry so tests can create independent instances. A nil *Metrics is valid
// and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request results.
const (
	ResultHit        = "hit"
	ResultMiss       = "miss"
	ResultInvalid    = "invalid"
	ResultFetchError = "fetch_error"
	ResultRejected   = "rejected"
)

type Metrics struct {
	registry       *prometheus.Registry
	requests       *prometheus.CounterVec
	indexSaveFail  prometheus.Counter
	artifactFail   prometheus.Counter
	upstreamFetch  prometheus.Histogram
	upstreamStatus *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imgrelay_requests_total",
		Help: "Total relay requests by outcome",
	}, []string{"result"})

	indexSaveFail := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imgrelay_index_save_failures_total",
		Help: "Total failed cache index writes",
	})

	artifactFail := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imgrelay_artifact_write_failures_total",
		Help: "Total failed artifact writes",
	})

	upstreamFetch := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "imgrelay_upstream_fetch_seconds",
		Help:    "Upstream fetch duration",
		Buckets: prometheus.DefBuckets,
	})

	upstreamStatus := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imgrelay_upstream_responses_total",
		Help: "Upstream responses by status class",
	}, []string{"status_class"})

	registry.MustRegister(requests, indexSaveFail, artifactFail, upstreamFetch, upstreamStatus)

	return &Metrics{
		registry:       registry,
		requests:       requests,
		indexSaveFail:  indexSaveFail,
		artifactFail:   artifactFail,
		upstreamFetch:  upstreamFetch,
		upstreamStatus: upstreamStatus,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(result).Inc()
}

// ObserveFetch records an upstream round trip; status 0 means no response.
func (m *Metrics) ObserveFetch(status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.upstreamFetch.Observe(duration.Seconds())
	m.upstreamStatus.WithLabelValues(statusClass(status)).Inc()
}

func (m *Metrics) IndexSaveFailed() {
	if m == nil {
		return
	}
	m.indexSaveFail.Inc()
}

func (m *Metrics) ArtifactWriteFailed() {
	if m == nil {
		return
	}
	m.artifactFail.Inc()
}

// Registry returns the underlying registry; used by tests to gather values.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func statusClass(status int) string {
	switch {
	case status <= 0:
		return "error"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/goliatone/go-repository-sync/entity"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	mutations     *prometheus.HistogramVec
	reads         *prometheus.CounterVec
	deferred      *prometheus.CounterVec
	indexApplied  *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	sweepRepairs  *prometheus.CounterVec
	sweepRuns     *prometheus.CounterVec
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		mutations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "notes",
			Name:      "mutation_duration_seconds",
			Help:      "Latency of coordinated mutations by operation and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "outcome"}),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notes",
			Name:      "reads_total",
			Help:      "Reads served by the read router by source.",
		}, []string{"source"}),
		deferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notes",
			Name:      "sync_deferred_total",
			Help:      "Cache or index writes deferred to background repair.",
		}, []string{"stage"}),
		indexApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notes",
			Name:      "index_intents_total",
			Help:      "Search index intents by result.",
		}, []string{"result"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notes",
			Name:      "cache_invalidation_retries_total",
			Help:      "Background cache invalidation retries by result.",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "notes",
			Name:      "index_queue_depth",
			Help:      "Intents waiting for the search synchronizer.",
		}),
		sweepRepairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notes",
			Name:      "sweep_repairs_total",
			Help:      "Intents re-enqueued by the reconciliation sweep by reason.",
		}, []string{"reason"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notes",
			Name:      "sweep_runs_total",
			Help:      "Reconciliation sweep passes by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.mutations,
		m.reads,
		m.deferred,
		m.indexApplied,
		m.invalidations,
		m.queueDepth,
		m.sweepRepairs,
		m.sweepRuns,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveMutation(op entity.Op, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op.String(), Outcome(err)).Observe(d.Seconds())
}

func (m *Metrics) ObserveRead(source string) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(source).Inc()
}

func (m *Metrics) SyncDeferred(stage entity.SyncStage) {
	if m == nil {
		return
	}
	m.deferred.WithLabelValues(string(stage)).Inc()
}

func (m *Metrics) IndexIntent(result string) {
	if m == nil {
		return
	}
	m.indexApplied.WithLabelValues(result).Inc()
}

func (m *Metrics) InvalidationRetry(result string) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(result).Inc()
}

func (m *Metrics) QueueDepth(delta float64) {
	if m == nil {
		return
	}
	m.queueDepth.Add(delta)
}

func (m *Metrics) SweepRepair(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.sweepRepairs.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) SweepRun(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sweepRuns.WithLabelValues(result).Inc()
}

// Outcome maps an error onto a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, entity.ErrValidation):
		return "invalid"
	case errors.Is(err, entity.ErrConflict):
		return "conflict"
	case errors.Is(err, entity.ErrNotFound):
		return "not_found"
	case errors.Is(err, entity.ErrStoreUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

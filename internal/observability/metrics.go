package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tmardale/coursehub-backend/internal/data/repos/jobs"
)

// Metrics is the process-wide instrument set. A nil *Metrics is safe to
// call so wiring stays optional in tests.
type Metrics struct {
	registry *prometheus.Registry

	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	queueDepth  *prometheus.GaugeVec

	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	cacheInvalidations prometheus.Counter

	batchUnits *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		jobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coursehub_job_runs_total",
			Help: "Job executions by queue, type and settled status.",
		}, []string{"queue", "job_type", "status"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coursehub_job_run_seconds",
			Help:    "Job execution wall time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2.5, 10),
		}, []string{"queue", "job_type"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coursehub_queue_depth",
			Help: "Jobs per queue and status, sampled by the janitor.",
		}, []string{"queue", "status"}),
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coursehub_cache_hits_total",
			Help: "Cache reads answered from the backend.",
		}, []string{"source"}),
		cacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coursehub_cache_misses_total",
			Help: "Cache reads that fell through to compute.",
		}, []string{"source"}),
		cacheInvalidations: factory.NewCounter(prometheus.CounterOpts{
			Name: "coursehub_cache_invalidated_keys_total",
			Help: "Keys dropped by tag invalidation.",
		}),
		batchUnits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coursehub_batch_units_total",
			Help: "Batch units settled, by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveJobRun(queue, jobType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(queue, jobType, status).Inc()
	m.jobDuration.WithLabelValues(queue, jobType).Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepths(counts []jobs.QueueCounts) {
	if m == nil {
		return
	}
	m.queueDepth.Reset()
	for _, c := range counts {
		m.queueDepth.WithLabelValues(c.Queue, c.Status).Set(float64(c.Count))
	}
}

func (m *Metrics) CacheHit(source string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(source).Inc()
}

func (m *Metrics) CacheMiss(source string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(source).Inc()
}

func (m *Metrics) CacheInvalidated(keys int) {
	if m == nil || keys <= 0 {
		return
	}
	m.cacheInvalidations.Add(float64(keys))
}

func (m *Metrics) BatchUnits(kind, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.batchUnits.WithLabelValues(kind, outcome).Add(float64(n))
}

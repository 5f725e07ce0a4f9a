package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/aigrid/internal/scheduler"
)

var requestDurationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Metrics holds the process's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted   prometheus.Counter
	runsFinished  *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runQueries    *prometheus.CounterVec
	runDuration   prometheus.Histogram
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	httpInFlight  prometheus.Gauge
	backupObjects *prometheus.CounterVec
}

// NewMetrics creates and registers every collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aigrid_runs_started_total",
			Help: "Runs started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigrid_runs_finished_total",
			Help: "Runs finished, by final state.",
		}, []string{"state"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aigrid_runs_active",
			Help: "Runs currently in progress.",
		}),
		runQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigrid_run_queries_total",
			Help: "Cell queries resolved by runs, by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aigrid_run_duration_seconds",
			Help:    "Wall time of finished runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigrid_http_requests_total",
			Help: "HTTP requests served.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aigrid_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: requestDurationBuckets,
		}, []string{"method", "route"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aigrid_http_requests_in_flight",
			Help: "HTTP requests being served.",
		}),
		backupObjects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigrid_backup_objects_total",
			Help: "Table states written to or read from backup storage.",
		}, []string{"direction"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runsStarted, m.runsFinished, m.runsActive, m.runQueries, m.runDuration,
		m.httpRequests, m.httpDuration, m.httpInFlight, m.backupObjects,
	)
	return m
}

// RunStarted records a run start.
func (m *Metrics) RunStarted(tableID string, total int) {
	m.runsStarted.Inc()
	m.runsActive.Inc()
}

// RunFinished records a run's outcome.
func (m *Metrics) RunFinished(tableID string, state scheduler.State, total, succeeded, fallbacks int, d time.Duration) {
	m.runsActive.Dec()
	m.runsFinished.WithLabelValues(string(state)).Inc()
	m.runQueries.WithLabelValues("succeeded").Add(float64(succeeded))
	m.runQueries.WithLabelValues("fallback").Add(float64(fallbacks))
	m.runDuration.Observe(d.Seconds())
}

// RequestStarted and RequestFinished bracket one HTTP request. route is the
// matched route pattern, not the raw path.
func (m *Metrics) RequestStarted() { m.httpInFlight.Inc() }

func (m *Metrics) RequestFinished(method, route string, status int, d time.Duration) {
	m.httpInFlight.Dec()
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// BackupObjects counts objects moved by backup ("export") or restore
// ("import").
func (m *Metrics) BackupObjects(direction string, n int) {
	m.backupObjects.WithLabelValues(direction).Add(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

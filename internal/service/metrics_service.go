package service

import (
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/sma-attendance-sync/internal/models"
	"github.com/noah-isme/sma-attendance-sync/pkg/jobs"
)

const metricsNamespace = "attendance"

// MetricsService owns the Prometheus registry and keeps running totals for the JSON summary.
// Every method is safe on a nil receiver so callers can run without metrics.
type MetricsService struct {
	registry *prometheus.Registry
	handler  http.Handler

	requestDuration *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
	scans           *prometheus.CounterVec
	syncRuns        *prometheus.CounterVec
	syncDuration    prometheus.Histogram
	unsynced        prometheus.Gauge
	importRows      *prometheus.CounterVec

	requests      atomic.Uint64
	cacheHits     atomic.Uint64
	cacheMisses   atomic.Uint64
	scanAccepted  atomic.Uint64
	scanRejected  atomic.Uint64
	syncSucceeded atomic.Uint64
	syncFailed    atomic.Uint64
	unsyncedLast  atomic.Int64
}

// NewMetricsService builds a private registry with the service collectors plus the Go
// runtime and process collectors.
func NewMetricsService() *MetricsService {
	m := &MetricsService{
		registry: prometheus.NewRegistry(),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Calendar cache lookups by result.",
		}, []string{"result"}),
		cacheLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "operation_seconds",
			Help:      "Calendar cache latency by operation.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5},
		}, []string{"op"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "capture",
			Name:      "scans_total",
			Help:      "Scans seen by the capture gate by outcome.",
		}, []string{"outcome"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Completed sync runs by result.",
		}, []string{"result"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Time from refresh to terminal sync state.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}),
		unsynced: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "unsynced_records",
			Help:      "Ledger rows not yet acknowledged by the remote store.",
		}),
		importRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "calendar",
			Name:      "import_rows_total",
			Help:      "Calendar CSV rows by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.requestDuration, m.cacheLookups, m.cacheLatency, m.scans,
		m.syncRuns, m.syncDuration, m.unsynced, m.importRows,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.handler = promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records one served request. route is the matched pattern, not the raw path.
func (m *MetricsService) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
	m.requests.Add(1)
}

// RecordCacheOperation records a cache read and whether it hit.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
		m.cacheHits.Add(1)
	} else {
		m.cacheMisses.Add(1)
	}
	m.cacheLookups.WithLabelValues(result).Inc()
	m.cacheLatency.WithLabelValues("get").Observe(duration.Seconds())
}

// ObserveCacheWrite records a cache write.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.WithLabelValues("set").Observe(duration.Seconds())
}

// RecordScan counts a gate decision. outcome is "accepted" or the rejection reason.
func (m *MetricsService) RecordScan(outcome string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(outcome).Inc()
	if outcome == "accepted" {
		m.scanAccepted.Add(1)
	} else {
		m.scanRejected.Add(1)
	}
}

// RecordSyncRun tracks a finished sync run.
func (m *MetricsService) RecordSyncRun(success bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if success {
		m.syncSucceeded.Add(1)
	} else {
		result = "error"
		m.syncFailed.Add(1)
	}
	m.syncRuns.WithLabelValues(result).Inc()
	m.syncDuration.Observe(duration.Seconds())
}

// SetUnsynced publishes the current unsynced ledger size.
func (m *MetricsService) SetUnsynced(count int) {
	if m == nil {
		return
	}
	m.unsynced.Set(float64(count))
	m.unsyncedLast.Store(int64(count))
}

// ObserveQueue exports the depth and in-flight count of a job queue as gauges.
func (m *MetricsService) ObserveQueue(name string, stats func() jobs.Stats) {
	if m == nil || stats == nil {
		return
	}
	labels := prometheus.Labels{"queue": name}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "job_queue_pending",
			Help:        "Jobs buffered and waiting for a worker.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Pending) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "job_queue_inflight",
			Help:        "Jobs currently being handled.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().InFlight) }),
	)
}

// RecordImport counts calendar rows from one import report.
func (m *MetricsService) RecordImport(report models.ImportReport) {
	if m == nil {
		return
	}
	m.importRows.WithLabelValues("imported").Add(float64(report.Imported))
	m.importRows.WithLabelValues("skipped").Add(float64(report.Skipped))
}

// Snapshot returns the running totals for the summary endpoint.
func (m *MetricsService) Snapshot() models.MetricsSnapshot {
	if m == nil {
		return models.MetricsSnapshot{}
	}
	hits, misses := m.cacheHits.Load(), m.cacheMisses.Load()
	var ratio float64
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}
	return models.MetricsSnapshot{
		RequestsTotal:  m.requests.Load(),
		CacheHitRatio:  ratio,
		ScansAccepted:  m.scanAccepted.Load(),
		ScansRejected:  m.scanRejected.Load(),
		SyncSucceeded:  m.syncSucceeded.Load(),
		SyncFailed:     m.syncFailed.Load(),
		UnsyncedRecord: m.unsyncedLast.Load(),
		Goroutines:     runtime.NumGoroutine(),
		GeneratedAt:    time.Now().UTC(),
	}
}

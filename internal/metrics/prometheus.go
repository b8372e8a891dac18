// Package metrics provides Prometheus-based metrics collection for reachscan.
// Probe outcomes, scan passes, geolocation lookups, cache efficiency,
// persistence batches, retries, worker pool activity and status API traffic
// are exported under the "reachscan" namespace.
package metrics

import (
	"context"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all reachscan metrics
	namespace = "reachscan"

	// Subsystems
	subsystemProbe   = "probe"
	subsystemPass    = "pass"
	subsystemGeo     = "geo"
	subsystemStore   = "store"
	subsystemRetry   = "retry"
	subsystemWorkers = "workers"
	subsystemHTTP    = "http"
	subsystemSystem  = "system"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Probe metrics
	probesTotal   *prometheus.CounterVec
	probeDuration prometheus.Histogram

	// Pass metrics
	passesTotal   *prometheus.CounterVec
	passDuration  prometheus.Histogram
	passReachable prometheus.Gauge
	passProgress  prometheus.Gauge

	// Geolocation metrics
	geoLookups *prometheus.CounterVec
	geoCache   *prometheus.CounterVec

	// Storage metrics
	storeRecords  *prometheus.CounterVec
	storeDuration prometheus.Histogram

	// Retry metrics
	retryAttempts *prometheus.CounterVec

	// Worker pool metrics
	workerPoolSize prometheus.Gauge
	workerJobs     *prometheus.CounterVec

	// Status API metrics
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	websocketClients prometheus.Gauge
	websocketEvents  *prometheus.CounterVec

	// System metrics
	uptime     prometheus.Gauge
	goroutines prometheus.Gauge

	startTime  time.Time
	lastUpdate time.Time
	mu         sync.RWMutex
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initProbeMetrics()
	pm.initPassMetrics()
	pm.initGeoMetrics()
	pm.initStoreMetrics()
	pm.initRetryMetrics()
	pm.initWorkerMetrics()
	pm.initHTTPMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initProbeMetrics() {
	pm.probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "total",
			Help:      "Total number of TCP reachability probes by result",
		},
		[]string{"result"},
	)

	pm.probeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "duration_seconds",
			Help:      "Duration of TCP reachability probes in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		},
	)
}

func (pm *PrometheusMetrics) initPassMetrics() {
	pm.passesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPass,
			Name:      "total",
			Help:      "Total number of scan passes by status",
		},
		[]string{"status"},
	)

	pm.passDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemPass,
			Name:      "duration_seconds",
			Help:      "Duration of complete scan passes in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
	)

	pm.passReachable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemPass,
			Name:      "reachable",
			Help:      "Number of reachable addresses found by the last completed pass",
		},
	)

	pm.passProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemPass,
			Name:      "progress_ratio",
			Help:      "Fraction of the current pass that has been processed",
		},
	)
}

func (pm *PrometheusMetrics) initGeoMetrics() {
	pm.geoLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemGeo,
			Name:      "lookups_total",
			Help:      "Total number of geolocation provider lookups by provider and status",
		},
		[]string{"provider", "status"},
	)

	pm.geoCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemGeo,
			Name:      "cache_total",
			Help:      "Total number of geolocation cache reads by result",
		},
		[]string{"result"},
	)
}

func (pm *PrometheusMetrics) initStoreMetrics() {
	pm.storeRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemStore,
			Name:      "records_total",
			Help:      "Total number of scan results written by status",
		},
		[]string{"status"},
	)

	pm.storeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemStore,
			Name:      "duration_seconds",
			Help:      "Duration of result batch writes in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0},
		},
	)
}

func (pm *PrometheusMetrics) initRetryMetrics() {
	pm.retryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRetry,
			Name:      "attempts_total",
			Help:      "Total number of attempts made through the retry executor",
		},
		[]string{"operation", "status"},
	)
}

func (pm *PrometheusMetrics) initWorkerMetrics() {
	pm.workerPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemWorkers,
			Name:      "pool_size",
			Help:      "Number of workers in the scan worker pool",
		},
	)

	pm.workerJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemWorkers,
			Name:      "jobs_total",
			Help:      "Total number of jobs processed by the worker pool",
		},
		[]string{"job_type", "status"},
	)
}

func (pm *PrometheusMetrics) initHTTPMetrics() {
	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHTTP,
			Name:      "requests_total",
			Help:      "Total number of status API requests",
		},
		[]string{"method", "route", "status"},
	)

	pm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemHTTP,
			Name:      "request_duration_seconds",
			Help:      "Duration of status API requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	pm.websocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemHTTP,
			Name:      "websocket_clients",
			Help:      "Number of connected result feed clients",
		},
	)

	pm.websocketEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHTTP,
			Name:      "websocket_events_total",
			Help:      "Total number of events broadcast to the result feed by type and status",
		},
		[]string{"type", "status"},
	)
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Application uptime in seconds",
		},
	)

	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Number of goroutines",
		},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.probesTotal,
		pm.probeDuration,
		pm.passesTotal,
		pm.passDuration,
		pm.passReachable,
		pm.passProgress,
		pm.geoLookups,
		pm.geoCache,
		pm.storeRecords,
		pm.storeDuration,
		pm.retryAttempts,
		pm.workerPoolSize,
		pm.workerJobs,
		pm.httpRequests,
		pm.httpDuration,
		pm.websocketClients,
		pm.websocketEvents,
		pm.uptime,
		pm.goroutines,
	)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// ObserveProbe records one probe and how long it took.
func (pm *PrometheusMetrics) ObserveProbe(reachable bool, duration time.Duration) {
	result := "unreachable"
	if reachable {
		result = "reachable"
	}
	pm.probesTotal.WithLabelValues(result).Inc()
	pm.probeDuration.Observe(duration.Seconds())
}

// ObservePass records a finished pass.
func (pm *PrometheusMetrics) ObservePass(status string, duration time.Duration, reachable int) {
	pm.passesTotal.WithLabelValues(status).Inc()
	pm.passDuration.Observe(duration.Seconds())
	if status == "success" {
		pm.passReachable.Set(float64(reachable))
	}
}

// SetPassProgress sets the completed fraction of the running pass.
func (pm *PrometheusMetrics) SetPassProgress(fraction float64) {
	pm.passProgress.Set(fraction)
}

// IncrementGeoLookups counts a provider lookup.
func (pm *PrometheusMetrics) IncrementGeoLookups(provider, status string) {
	pm.geoLookups.WithLabelValues(provider, status).Inc()
}

// IncrementGeoCache counts a cache read, result being "hit" or "miss".
func (pm *PrometheusMetrics) IncrementGeoCache(result string) {
	pm.geoCache.WithLabelValues(result).Inc()
}

// ObserveStore records a batch write outcome.
func (pm *PrometheusMetrics) ObserveStore(succeeded, failed int, duration time.Duration) {
	pm.storeRecords.WithLabelValues("success").Add(float64(succeeded))
	pm.storeRecords.WithLabelValues("error").Add(float64(failed))
	pm.storeDuration.Observe(duration.Seconds())
}

// IncrementRetryAttempts counts an attempt made by the retry executor.
func (pm *PrometheusMetrics) IncrementRetryAttempts(operation, status string) {
	pm.retryAttempts.WithLabelValues(operation, status).Inc()
}

// SetWorkerPoolSize records the configured worker count.
func (pm *PrometheusMetrics) SetWorkerPoolSize(size int) {
	pm.workerPoolSize.Set(float64(size))
}

// IncrementWorkerJobs counts a processed job.
func (pm *PrometheusMetrics) IncrementWorkerJobs(jobType, status string) {
	pm.workerJobs.WithLabelValues(jobType, status).Inc()
}

// ObserveHTTPRequest records a status API request.
func (pm *PrometheusMetrics) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	pm.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	pm.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetWebSocketClients records the number of connected feed clients.
func (pm *PrometheusMetrics) SetWebSocketClients(n int) {
	pm.websocketClients.Set(float64(n))
}

// IncrementWebSocketEvents counts a broadcast event, status being "sent"
// or "dropped".
func (pm *PrometheusMetrics) IncrementWebSocketEvents(eventType, status string) {
	pm.websocketEvents.WithLabelValues(eventType, status).Inc()
}

// UpdateSystemMetrics updates all system metrics with current values
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
	pm.lastUpdate = time.Now()
}

// GetUptime returns the application uptime
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// GetLastUpdate returns the last metrics update time
func (pm *PrometheusMetrics) GetLastUpdate() time.Time {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.lastUpdate
}

// StartPeriodicUpdates starts a goroutine that periodically updates system metrics
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Update immediately
	pm.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.UpdateSystemMetrics()
		}
	}
}

// Global instance for easy access
var globalMetrics *PrometheusMetrics
var metricsOnce sync.Once

// GetGlobalMetrics returns the global Prometheus metrics instance
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}

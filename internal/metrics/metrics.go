package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the gateway metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Path resolution outcomes per dispatch route
	ResolutionTotal *prometheus.CounterVec

	// Authorization decisions
	AuthorizationTotal *prometheus.CounterVec

	// Cache backend operations
	CacheOperationTotal *prometheus.CounterVec

	// Version counter bumps
	VersionBumpTotal *prometheus.CounterVec

	// Invalidation signals received over the event bus
	InvalidationEventTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics returns the process-wide Metrics instance, creating and registering it on first use.
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smg_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "class", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smg_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "class", "status"}),

		ResolutionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smg_path_resolutions_total",
			Help: "Path resolutions by route and outcome",
		}, []string{"route", "outcome"}),

		AuthorizationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smg_authorization_decisions_total",
			Help: "Authorization decisions by asset state, decision and source",
		}, []string{"state", "decision", "source"}),

		CacheOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smg_cache_operations_total",
			Help: "Cache operations by operation and result",
		}, []string{"op", "result"}),

		VersionBumpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smg_cache_version_bumps_total",
			Help: "Cache version bumps by scope",
		}, []string{"scope"}),

		InvalidationEventTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smg_invalidation_events_total",
			Help: "Invalidation events by type and status",
		}, []string{"type", "status"}),
	}

	registerMetrics(m)
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.ResolutionTotal)
	registerOrGet(m.AuthorizationTotal)
	registerOrGet(m.CacheOperationTotal)
	registerOrGet(m.VersionBumpTotal)
	registerOrGet(m.InvalidationEventTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

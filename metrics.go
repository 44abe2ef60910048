package esi

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Include outcomes recorded by RecordInclude.
const (
	IncludeFetched = "fetched"
	IncludeFailed  = "failed"
	IncludeDropped = "dropped"
)

// MetricsCollector provides Prometheus metrics for fragment fetching and page
// assembly. All methods are safe on a nil collector.
type MetricsCollector struct {
	fetchesTotal    *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	fetchesInFlight *prometheus.GaugeVec

	retriesTotal        *prometheus.CounterVec
	retryBudgetExceeded *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec
	rateLimiterTokens   *prometheus.GaugeVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheSize   prometheus.Gauge

	deduplicationHits prometheus.Counter
	errorsTotal       *prometheus.CounterVec

	includesTotal   *prometheus.CounterVec
	processPasses   prometheus.Histogram
	processDuration prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetricsCollector creates a collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied
// registerer. Registering twice on the same registerer panics.
func NewMetricsCollectorWithRegistry(registerer prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registerer)

	mc := &MetricsCollector{
		fetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "esi_fetches_total",
				Help: "Total number of fragment requests sent, by host and status code",
			},
			[]string{"host", "status_code"},
		),
		fetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "esi_fetch_duration_seconds",
				Help:    "Duration of fragment requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"host"},
		),
		fetchesInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "esi_fetches_in_flight",
				Help: "Number of fragment requests currently in flight",
			},
			[]string{"host"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "esi_fetch_retries_total",
				Help: "Total number of fragment retry attempts",
			},
			[]string{"host", "attempt"},
		),
		retryBudgetExceeded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "esi_retry_budget_exceeded_total",
				Help: "Total number of retries skipped because the retry budget was spent",
			},
			[]string{"host"},
		),
		circuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "esi_circuit_breaker_state",
				Help: "Circuit breaker state per fragment host (0=closed, 1=open, 2=half-open)",
			},
			[]string{"host"},
		),
		rateLimiterTokens: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "esi_rate_limiter_tokens",
				Help: "Available rate limiter tokens per bucket",
			},
			[]string{"key"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "esi_response_cache_hits_total",
				Help: "Total number of fragment response cache hits",
			},
			[]string{"host"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "esi_response_cache_misses_total",
				Help: "Total number of fragment response cache misses",
			},
			[]string{"host"},
		),
		cacheSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "esi_response_cache_entries",
				Help: "Current number of entries in the fragment response cache",
			},
		),
		deduplicationHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "esi_deduplication_hits_total",
				Help: "Total number of fetches served by joining an identical in-flight fetch",
			},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "esi_errors_total",
				Help: "Total number of fragment fetch errors by type",
			},
			[]string{"type", "host"},
		),
		includesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "esi_includes_total",
				Help: "Total number of include directives by outcome",
			},
			[]string{"outcome"},
		),
		processPasses: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "esi_process_passes",
				Help:    "Number of substitution passes per processed document",
				Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
			},
		),
		processDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "esi_process_duration_seconds",
				Help:    "Time spent assembling a document",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	if reg, ok := registerer.(*prometheus.Registry); ok {
		mc.registry = reg
	}
	return mc
}

// RecordFetch records a finished fragment request. statusCode is 0 for
// transport failures.
func (mc *MetricsCollector) RecordFetch(host string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.fetchesTotal.WithLabelValues(host, strconv.Itoa(statusCode)).Inc()
	mc.fetchDuration.WithLabelValues(host).Observe(duration.Seconds())
}

func (mc *MetricsCollector) RecordFetchStart(host string) {
	if mc == nil {
		return
	}
	mc.fetchesInFlight.WithLabelValues(host).Inc()
}

func (mc *MetricsCollector) RecordFetchEnd(host string) {
	if mc == nil {
		return
	}
	mc.fetchesInFlight.WithLabelValues(host).Dec()
}

func (mc *MetricsCollector) RecordRetry(host string, attempt int) {
	if mc == nil {
		return
	}
	mc.retriesTotal.WithLabelValues(host, strconv.Itoa(attempt)).Inc()
}

func (mc *MetricsCollector) RecordRetryBudgetExceeded(host string) {
	if mc == nil {
		return
	}
	mc.retryBudgetExceeded.WithLabelValues(host).Inc()
}

// RecordCircuitBreakerState sets the breaker gauge for host.
func (mc *MetricsCollector) RecordCircuitBreakerState(host string, state CircuitState) {
	if mc == nil {
		return
	}
	mc.circuitBreakerState.WithLabelValues(host).Set(float64(state))
}

func (mc *MetricsCollector) RecordRateLimiterTokens(key string, tokens int) {
	if mc == nil {
		return
	}
	mc.rateLimiterTokens.WithLabelValues(key).Set(float64(tokens))
}

func (mc *MetricsCollector) RecordCacheHit(host string) {
	if mc == nil {
		return
	}
	mc.cacheHits.WithLabelValues(host).Inc()
}

func (mc *MetricsCollector) RecordCacheMiss(host string) {
	if mc == nil {
		return
	}
	mc.cacheMisses.WithLabelValues(host).Inc()
}

func (mc *MetricsCollector) RecordCacheSize(size int) {
	if mc == nil {
		return
	}
	mc.cacheSize.Set(float64(size))
}

func (mc *MetricsCollector) RecordDeduplicationHit() {
	if mc == nil {
		return
	}
	mc.deduplicationHits.Inc()
}

// RecordError increments the error counter for an *Error type.
func (mc *MetricsCollector) RecordError(errorType, host string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(errorType, host).Inc()
}

// RecordInclude adds n include directives resolved with outcome.
func (mc *MetricsCollector) RecordInclude(outcome string, n int) {
	if mc == nil || n <= 0 {
		return
	}
	mc.includesTotal.WithLabelValues(outcome).Add(float64(n))
}

// RecordProcess records one completed Process call.
func (mc *MetricsCollector) RecordProcess(passes int, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.processPasses.Observe(float64(passes))
	mc.processDuration.Observe(duration.Seconds())
}

// Registry returns the registry the collector was created with, or nil when
// it was created on another kind of registerer.
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}

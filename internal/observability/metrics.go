package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	upstreamErrors    *prometheus.CounterVec
	gatingRejections  *prometheus.CounterVec
	rateLimitRejected *prometheus.CounterVec
	circuitBreaker    *prometheus.GaugeVec
	instanceHealth    *prometheus.GaugeVec
	cacheLookups      *prometheus.CounterVec
	storeOperations   *prometheus.CounterVec
	storeDuration     *prometheus.HistogramVec
	configReloads     *prometheus.CounterVec
	startTime         prometheus.Gauge
	registry          *prometheus.Registry
}

// NewMetrics creates a new Metrics instance on a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of dispatched HTTP requests",
		},
		[]string{"method", "service", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10, 30,
			},
		},
		[]string{"method", "service", "status"},
	)

	m.upstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream transport failures by kind",
		},
		[]string{"service", "kind"},
	)

	m.gatingRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gating_rejections_total",
			Help:      "Requests rejected before dispatch (circuit_open, no_capacity)",
		},
		[]string{"service", "reason"},
	)

	m.rateLimitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the rate limiter",
		},
		[]string{"endpoint"},
	)

	m.circuitBreaker = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"service"},
	)

	m.instanceHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_instance_health",
			Help:      "Backend instance health (1=healthy, 0=unhealthy)",
		},
		[]string{"service", "instance"},
	)

	m.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_cache_lookups_total",
			Help:      "Response cache lookups by result",
		},
		[]string{"result"},
	)

	m.storeOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Shared state store operations",
		},
		[]string{"store", "operation", "status"},
	)

	m.storeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Duration of shared state store operations in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"store", "operation"},
	)

	m.configReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts by result",
		},
		[]string{"result"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the gateway in unix seconds",
		},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.upstreamErrors,
		m.gatingRejections,
		m.rateLimitRejected,
		m.circuitBreaker,
		m.instanceHealth,
		m.cacheLookups,
		m.storeOperations,
		m.storeDuration,
		m.configReloads,
		m.startTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.startTime.SetToCurrentTime()

	return m
}

// RecordRequest records a completed request. service is the backend
// name, never the raw path, to keep label cardinality bounded.
func (m *Metrics) RecordRequest(method, service string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(method, service, statusStr).Inc()
	m.requestDuration.WithLabelValues(method, service, statusStr).Observe(duration.Seconds())
}

// RecordUpstreamError records a failed upstream call.
func (m *Metrics) RecordUpstreamError(service, kind string) {
	m.upstreamErrors.WithLabelValues(service, kind).Inc()
}

// RecordGatingRejection records a request refused by the breaker or balancer.
func (m *Metrics) RecordGatingRejection(service, reason string) {
	m.gatingRejections.WithLabelValues(service, reason).Inc()
}

// RecordRateLimitRejection records a 429.
func (m *Metrics) RecordRateLimitRejection(endpoint string) {
	m.rateLimitRejected.WithLabelValues(endpoint).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state gauge.
func (m *Metrics) SetCircuitBreakerState(service string, state int) {
	m.circuitBreaker.WithLabelValues(service).Set(float64(state))
}

// SetInstanceHealth sets the health gauge of a backend instance.
func (m *Metrics) SetInstanceHealth(service, instance string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.instanceHealth.WithLabelValues(service, instance).Set(value)
}

// RecordCacheLookup records a response cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveStoreOperation records one round trip to a shared state store.
func (m *Metrics) ObserveStoreOperation(store, operation string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.storeOperations.WithLabelValues(store, operation, status).Inc()
	m.storeDuration.WithLabelValues(store, operation).Observe(duration.Seconds())
}

// RecordConfigReload records the outcome of a configuration reload.
func (m *Metrics) RecordConfigReload(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.configReloads.WithLabelValues(result).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

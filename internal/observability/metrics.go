package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles Prometheus metrics used across the ingestion service and API.
type Metrics struct {
	namespace string

	messagesReceived prometheus.Counter
	decodeErrors     *prometheus.CounterVec
	storeErrors      prometheus.Counter
	uplinksStored    *prometheus.CounterVec
	storeLatency     prometheus.Histogram
	pipelineErrors   prometheus.Counter
	droppedMessages  prometheus.Counter
	busState         prometheus.Gauge
	downlinks        *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpLatency      *prometheus.HistogramVec
	cacheLookups     *prometheus.CounterVec

	healthy atomic.Bool
}

// MetricsOption customises metrics creation.
type MetricsOption func(*metricsConfig)

type metricsConfig struct {
	namespace string
	registry  prometheus.Registerer
}

// WithNamespace overrides the metric namespace (default: lorapipe).
func WithNamespace(ns string) MetricsOption {
	return func(cfg *metricsConfig) {
		if ns != "" {
			cfg.namespace = ns
		}
	}
}

// WithRegistry overrides the Prometheus registerer (useful for tests).
func WithRegistry(reg prometheus.Registerer) MetricsOption {
	return func(cfg *metricsConfig) {
		if reg != nil {
			cfg.registry = reg
		}
	}
}

// NewMetrics initialises and registers service metrics.
func NewMetrics(opts ...MetricsOption) *Metrics {
	cfg := metricsConfig{
		namespace: "lorapipe",
		registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.registry)

	m := &Metrics{
		namespace: cfg.namespace,
		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "messages_received_total",
			Help:      "Total number of MQTT messages received from the broker.",
		}),
		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "decode_errors_total",
			Help:      "Total number of messages rejected during decoding, by reason.",
		}, []string{"reason"}),
		storeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "store_errors_total",
			Help:      "Total number of storage errors.",
		}),
		uplinksStored: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "uplinks_stored_total",
			Help:      "Total number of uplinks handled by the store, partitioned by outcome.",
		}, []string{"outcome"}),
		storeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Name:      "store_duration_seconds",
			Help:      "Duration of the uplink upsert transaction.",
			Buckets:   prometheus.DefBuckets,
		}),
		pipelineErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "pipeline_errors_total",
			Help:      "Total number of pipeline errors forwarded to the supervisor.",
		}),
		droppedMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of MQTT messages discarded during shutdown.",
		}),
		busState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "bus_state",
			Help:      "MQTT connection state: 0 disconnected, 1 connecting, 2 subscribed.",
		}),
		downlinks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "downlinks_total",
			Help:      "Total number of downlink publish attempts, by result.",
		}, []string{"result"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "http_requests_total",
			Help:      "Total number of API requests, by route and status code.",
		}, []string{"route", "code"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "cache_lookups_total",
			Help:      "API response cache lookups, by result.",
		}, []string{"result"}),
	}

	m.healthy.Store(true)
	return m
}

// IncMessagesReceived increments the raw message counter.
func (m *Metrics) IncMessagesReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

// IncDecodeErrors counts a rejected message. Decode errors are input problems and
// do not affect health.
func (m *Metrics) IncDecodeErrors(reason string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(reason).Inc()
}

// IncStoreErrors increments store error counter and marks service unhealthy.
func (m *Metrics) IncStoreErrors() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
	m.healthy.Store(false)
}

// ObserveUplinkStored records a store outcome ("inserted" or "deduplicated") and
// marks the service healthy again.
func (m *Metrics) ObserveUplinkStored(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.uplinksStored.WithLabelValues(outcome).Inc()
	m.storeLatency.Observe(seconds)
	m.healthy.Store(true)
}

// IncPipelineErrors increments general pipeline error counter.
func (m *Metrics) IncPipelineErrors() {
	if m == nil {
		return
	}
	m.pipelineErrors.Inc()
}

// IncDroppedMessages counts messages discarded while the client shuts down.
func (m *Metrics) IncDroppedMessages() {
	if m == nil {
		return
	}
	m.droppedMessages.Inc()
}

// SetBusState exports the MQTT connection state.
func (m *Metrics) SetBusState(state int) {
	if m == nil {
		return
	}
	m.busState.Set(float64(state))
}

// IncDownlinks counts a downlink publish attempt.
func (m *Metrics) IncDownlinks(result string) {
	if m == nil {
		return
	}
	m.downlinks.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest records an API request.
func (m *Metrics) ObserveHTTPRequest(route, code string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, code).Inc()
	m.httpLatency.WithLabelValues(route).Observe(seconds)
}

// IncCacheLookup counts a response cache "hit" or "miss".
func (m *Metrics) IncCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// Healthy reports whether recent operations have seen errors.
func (m *Metrics) Healthy() bool {
	if m == nil {
		return true
	}
	return m.healthy.Load()
}

// MarkHealthy resets the healthy flag.
func (m *Metrics) MarkHealthy() {
	if m == nil {
		return
	}
	m.healthy.Store(true)
}

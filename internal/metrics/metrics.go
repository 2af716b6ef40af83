package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for the offline agent
type Metrics struct {
	// Proxy metrics
	ProxyRequestsTotal   *prometheus.CounterVec
	ProxyRequestDuration *prometheus.HistogramVec

	// Strategy metrics
	StrategyResults *prometheus.CounterVec

	// Cache store metrics
	CacheOperations   *prometheus.CounterVec
	PrecacheDuration  prometheus.Histogram
	GenerationsPurged prometheus.Counter

	// Sync queue metrics
	QueueDepth    *prometheus.GaugeVec
	QueueEnqueued *prometheus.CounterVec
	QueueReplays  *prometheus.CounterVec

	// Push metrics
	PushDisplayed *prometheus.CounterVec
	PushActions   *prometheus.CounterVec

	// Channel metrics
	ChannelState        prometheus.Gauge
	ChannelReconnects   prometheus.Counter
	ChannelFrames       *prometheus.CounterVec
	ChannelSendsDropped prometheus.Counter
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	m.ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "madrasti_proxy_requests_total",
			Help: "Total number of intercepted requests",
		},
		[]string{"method", "class", "status"},
	)

	m.ProxyRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "madrasti_proxy_request_duration_seconds",
			Help:    "Duration of intercepted request handling",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"class"},
	)

	m.StrategyResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "madrasti_strategy_results_total",
			Help: "Caching strategy outcomes by source",
		},
		[]string{"strategy", "source"},
	)

	m.CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "madrasti_cache_operations_total",
			Help: "Cache store operations",
		},
		[]string{"operation", "result"},
	)

	m.PrecacheDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "madrasti_precache_duration_seconds",
			Help:    "Duration of install-time manifest precaching",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	m.GenerationsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "madrasti_cache_generations_purged_total",
			Help: "Stale cache generations deleted at activation",
		},
	)

	m.QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "madrasti_sync_queue_depth",
			Help: "Pending mutations per topic",
		},
		[]string{"topic"},
	)

	m.QueueEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "madrasti_sync_queue_enqueued_total",
			Help: "Mutations enqueued for later replay",
		},
		[]string{"topic"},
	)

	m.QueueReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "madrasti_sync_queue_replays_total",
			Help: "Replay attempts by result",
		},
		[]string{"topic", "result"},
	)

	m.PushDisplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "madrasti_push_displayed_total",
			Help: "Push notifications displayed by priority",
		},
		[]string{"priority"},
	)

	m.PushActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "madrasti_push_actions_total",
			Help: "Notification interactions by action",
		},
		[]string{"action"},
	)

	m.ChannelState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "madrasti_channel_state",
			Help: "Current channel state (0=idle 1=connecting 2=authenticating 3=open 4=closing 5=closed)",
		},
	)

	m.ChannelReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "madrasti_channel_reconnects_total",
			Help: "Reconnection attempts after unexpected closure",
		},
	)

	m.ChannelFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "madrasti_channel_frames_total",
			Help: "Inbound channel frames by type",
		},
		[]string{"type"},
	)

	m.ChannelSendsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "madrasti_channel_sends_dropped_total",
			Help: "Outbound sends dropped because the channel was not open",
		},
	)

	return m
}

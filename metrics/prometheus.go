package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exchange runtime metrics collector.

var (
	// Singleton collector
	collector     *Collector
	collectorOnce sync.Once
)

// Collector holds all exchange metrics
type Collector struct {
	// Order metrics
	OrdersTotal  *prometheus.CounterVec
	OrderLatency *prometheus.HistogramVec

	// Matching engine metrics
	SweepsTotal     *prometheus.CounterVec
	MatchConflicts  *prometheus.CounterVec
	MatchingLatency *prometheus.HistogramVec
	MatchingStalls  *prometheus.CounterVec
	OrderbookDepth  *prometheus.GaugeVec

	// Trade metrics
	TradesTotal *prometheus.CounterVec
	TradeVolume *prometheus.CounterVec

	// Ledger gateway metrics
	LedgerSubmitsTotal  *prometheus.CounterVec
	LedgerSubmitLatency *prometheus.HistogramVec
	StreamOffset        prometheus.Gauge
	StreamReconnects    prometheus.Counter

	// Fan-out metrics
	SubscribersActive  *prometheus.GaugeVec
	EventsPublished    *prometheus.CounterVec
	SubscribersDropped *prometheus.CounterVec

	// WebSocket metrics
	WSConnectionsActive prometheus.Gauge
	WSMessagesTotal     *prometheus.CounterVec

	// API metrics
	APIRequestsTotal  *prometheus.CounterVec
	APIRequestLatency *prometheus.HistogramVec
	RateLimitHits     *prometheus.CounterVec
}

// GetCollector returns the singleton metrics collector
func GetCollector() *Collector {
	collectorOnce.Do(func() {
		collector = newCollector()
	})
	return collector
}

func newCollector() *Collector {
	c := &Collector{}

	c.OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "orders",
			Name:      "total",
			Help:      "Total number of orders submitted",
		},
		[]string{"pair", "side", "mode", "status"},
	)

	c.OrderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "exchange",
			Subsystem: "orders",
			Name:      "latency_ms",
			Help:      "Order placement latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		},
		[]string{"pair", "mode"},
	)

	c.SweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "matching",
			Name:      "sweeps_total",
			Help:      "Matching sweeps executed",
		},
		[]string{"pair", "outcome"},
	)

	c.MatchConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "matching",
			Name:      "conflicts_total",
			Help:      "Match submissions lost to contention",
		},
		[]string{"pair"},
	)

	c.MatchingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "exchange",
			Subsystem: "matching",
			Name:      "latency_ms",
			Help:      "Match settlement latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		},
		[]string{"pair"},
	)

	c.MatchingStalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "matching",
			Name:      "stalls_total",
			Help:      "Sweeps with both sides populated and no progress past the stall threshold",
		},
		[]string{"pair"},
	)

	c.OrderbookDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "exchange",
			Subsystem: "orderbook",
			Name:      "depth",
			Help:      "Resting orders per side",
		},
		[]string{"pair", "side"},
	)

	c.TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "trades",
			Name:      "total",
			Help:      "Total number of trades executed",
		},
		[]string{"pair"},
	)

	c.TradeVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "trades",
			Name:      "volume",
			Help:      "Total traded volume in base units",
		},
		[]string{"pair"},
	)

	c.LedgerSubmitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "ledger",
			Name:      "submits_total",
			Help:      "Ledger command submissions",
		},
		[]string{"outcome"},
	)

	c.LedgerSubmitLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "exchange",
			Subsystem: "ledger",
			Name:      "submit_latency_ms",
			Help:      "Ledger submit round-trip latency in milliseconds",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000, 15000},
		},
		[]string{"outcome"},
	)

	c.StreamOffset = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "exchange",
			Subsystem: "ledger",
			Name:      "stream_offset",
			Help:      "Last ledger offset processed by the event ingestor",
		},
	)

	c.StreamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "ledger",
			Name:      "stream_reconnects_total",
			Help:      "Update stream reconnections",
		},
	)

	c.SubscribersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "exchange",
			Subsystem: "fanout",
			Name:      "subscribers_active",
			Help:      "Active topic subscribers",
		},
		[]string{"channel"},
	)

	c.EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "fanout",
			Name:      "events_published_total",
			Help:      "Events published to topics",
		},
		[]string{"channel"},
	)

	c.SubscribersDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "fanout",
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers dropped for lagging behind",
		},
		[]string{"channel"},
	)

	c.WSConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "exchange",
			Subsystem: "ws",
			Name:      "connections_active",
			Help:      "Open WebSocket connections",
		},
	)

	c.WSMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "ws",
			Name:      "messages_total",
			Help:      "WebSocket messages sent",
		},
		[]string{"type"},
	)

	c.APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	c.APIRequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "exchange",
			Subsystem: "api",
			Name:      "request_latency_ms",
			Help:      "HTTP API request latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"method", "path"},
	)

	c.RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected by the rate limiter",
		},
		[]string{"path"},
	)

	prometheus.MustRegister(
		c.OrdersTotal,
		c.OrderLatency,
		c.SweepsTotal,
		c.MatchConflicts,
		c.MatchingLatency,
		c.MatchingStalls,
		c.OrderbookDepth,
		c.TradesTotal,
		c.TradeVolume,
		c.LedgerSubmitsTotal,
		c.LedgerSubmitLatency,
		c.StreamOffset,
		c.StreamReconnects,
		c.SubscribersActive,
		c.EventsPublished,
		c.SubscribersDropped,
		c.WSConnectionsActive,
		c.WSMessagesTotal,
		c.APIRequestsTotal,
		c.APIRequestLatency,
		c.RateLimitHits,
	)
	return c
}

// ============ Helper Methods ============

// RecordOrder records a submitted order
func (c *Collector) RecordOrder(pair, side, mode, status string) {
	c.OrdersTotal.WithLabelValues(pair, side, mode, status).Inc()
}

// RecordOrderLatency records order placement latency
func (c *Collector) RecordOrderLatency(pair, mode string, latencyMs float64) {
	c.OrderLatency.WithLabelValues(pair, mode).Observe(latencyMs)
}

// RecordTrade records an executed trade
func (c *Collector) RecordTrade(pair string, volume float64) {
	c.TradesTotal.WithLabelValues(pair).Inc()
	c.TradeVolume.WithLabelValues(pair).Add(volume)
}

// RecordSweep records a matching sweep outcome
func (c *Collector) RecordSweep(pair, outcome string) {
	c.SweepsTotal.WithLabelValues(pair, outcome).Inc()
}

// RecordDepth records current book depth
func (c *Collector) RecordDepth(pair string, buys, sells int) {
	c.OrderbookDepth.WithLabelValues(pair, "buy").Set(float64(buys))
	c.OrderbookDepth.WithLabelValues(pair, "sell").Set(float64(sells))
}

// RecordSubmit records a ledger submission outcome
func (c *Collector) RecordSubmit(outcome string, latencyMs float64) {
	c.LedgerSubmitsTotal.WithLabelValues(outcome).Inc()
	c.LedgerSubmitLatency.WithLabelValues(outcome).Observe(latencyMs)
}

// RecordAPIRequest records an HTTP API request
func (c *Collector) RecordAPIRequest(method, path, status string, latencyMs float64) {
	c.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.APIRequestLatency.WithLabelValues(method, path).Observe(latencyMs)
}

// ============ HTTP Handler ============

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed milliseconds
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ElapsedMs returns elapsed milliseconds since the timer started
func (t *Timer) ElapsedMs() float64 {
	return float64(time.Since(t.start).Microseconds()) / 1000.0
}

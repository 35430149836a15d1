// Package metrics defines the bot's Prometheus collectors and the health
// status served on /healthz.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the bot.
type Metrics struct {
	// Feed
	CandlesTotal      *prometheus.CounterVec // labels: symbol
	CandlesRejected   *prometheus.CounterVec // labels: symbol
	MalformedMessages *prometheus.CounterVec // labels: symbol
	WSReconnects      *prometheus.CounterVec // labels: symbol
	FeedState         *prometheus.GaugeVec   // labels: symbol

	// Signal engine
	SignalsTotal        *prometheus.CounterVec // labels: symbol, direction
	OrdersTotal         *prometheus.CounterVec // labels: symbol, side, outcome
	IndicatorComputeDur prometheus.Histogram

	// Backpressure
	BusDropsTotal *prometheus.CounterVec // labels: subscriber

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisSkippedWrites       prometheus.Counter

	// Archive
	SQLiteCommitDur prometheus.Histogram
}

// NewMetrics creates all collectors and registers them on reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinebot_candles_total",
			Help: "Closed candles accepted into the buffer",
		}, []string{"symbol"}),
		CandlesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinebot_candles_rejected_total",
			Help: "Candles rejected as out-of-order or duplicate",
		}, []string{"symbol"}),
		MalformedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinebot_malformed_messages_total",
			Help: "Stream messages skipped because they could not be parsed",
		}, []string{"symbol"}),
		WSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinebot_ws_reconnects_total",
			Help: "Stream reconnection attempts",
		}, []string{"symbol"}),
		FeedState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "klinebot_feed_state",
			Help: "Feed connector state (0=disconnected, 1=connecting, 2=streaming, 3=reconnecting, 4=stopped)",
		}, []string{"symbol"}),

		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinebot_signals_total",
			Help: "Non-flat signals generated",
		}, []string{"symbol", "direction"}),
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinebot_orders_total",
			Help: "Entry orders by outcome (placed, failed)",
		}, []string{"symbol", "side", "outcome"}),
		IndicatorComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "klinebot_indicator_compute_duration_seconds",
			Help:    "Indicator compute latency per buffer update",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),

		BusDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinebot_bus_drops_total",
			Help: "Events dropped by the fan-out bus per subscriber",
		}, []string{"subscriber"}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klinebot_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisSkippedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinebot_redis_skipped_writes_total",
			Help: "Redis writes skipped while the circuit breaker was open",
		}),

		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "klinebot_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.CandlesTotal,
		m.CandlesRejected,
		m.MalformedMessages,
		m.WSReconnects,
		m.FeedState,
		m.SignalsTotal,
		m.OrdersTotal,
		m.IndicatorComputeDur,
		m.BusDropsTotal,
		m.RedisCircuitBreakerState,
		m.RedisSkippedWrites,
		m.SQLiteCommitDur,
	)

	return m
}

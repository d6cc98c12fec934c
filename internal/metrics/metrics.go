// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts executed trades, partitioned by action.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmarket_trades_total",
		Help: "Total number of trades executed",
	}, []string{"action"})

	// TradeLatency tracks end-to-end execution time including retries.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentmarket_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	// TradeConflictRetries counts transactions retried after a write conflict.
	TradeConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmarket_trade_conflict_retries_total",
		Help: "Trade transactions retried after a transient write conflict",
	})

	// TradeRejections counts submissions refused before or during execution.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmarket_trade_rejections_total",
		Help: "Trades rejected by admission checks or state validation",
	}, []string{"reason"})

	// HoldingFloorClamps counts holdings clamped at zero instead of going negative.
	HoldingFloorClamps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmarket_holding_floor_clamps_total",
		Help: "Holding updates floored at zero",
	})

	// SharesTraded tracks cumulative resolved shares per action.
	SharesTraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmarket_shares_traded_total",
		Help: "Cumulative shares moved by executed trades",
	}, []string{"action"})

	// LeaderboardIncrementalErrors counts failed best-effort leaderboard updates.
	LeaderboardIncrementalErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmarket_leaderboard_incremental_errors_total",
		Help: "Incremental leaderboard updates that failed after a trade",
	})

	// ReconcileDuration tracks the duration of full leaderboard sweeps.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentmarket_leaderboard_reconcile_duration_seconds",
		Help:    "Full leaderboard reconciliation duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// ReconcileFailures counts agents whose entry could not be recomputed.
	ReconcileFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmarket_leaderboard_reconcile_failures_total",
		Help: "Agents skipped during leaderboard reconciliation due to errors",
	})

	// StatsDropped counts stats increments dropped because the queue was full.
	StatsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmarket_stats_increments_dropped_total",
		Help: "Stats increments dropped because the queue was full",
	})

	// StatsBackfills counts window refreshes that rebuilt buckets from the trade log.
	StatsBackfills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmarket_stats_backfills_total",
		Help: "Rolling-window refreshes that rebuilt minute buckets from the trade log",
	})

	// TradesLastHour mirrors the last computed rolling-window count.
	TradesLastHour = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentmarket_trades_last_hour",
		Help: "Trades executed in the trailing hour",
	})

	// RoundDecisions counts built-in agent decisions by outcome.
	RoundDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmarket_round_decisions_total",
		Help: "Built-in agent decisions by outcome",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentmarket_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmarket_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentmarket_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Label by route pattern, not raw path, to bound cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack exposes the underlying connection for websocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

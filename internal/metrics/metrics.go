// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesOpened counts trades opened, partitioned by balance mode.
	TradesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_trades_opened_total",
		Help: "Total number of trades opened",
	}, []string{"mode"})

	// TradesSettled counts settled trades by outcome and exit price source.
	TradesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_trades_settled_total",
		Help: "Total number of trades settled",
	}, []string{"outcome", "source"})

	// SettlementLag tracks how long after expiry a trade was settled.
	SettlementLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settle_trade_settlement_lag_seconds",
		Help:    "Delay between trade expiry and settlement",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 1800},
	})

	// AtomicUnits counts state-transition units by operation, consistency
	// mode and result.
	AtomicUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_atomic_units_total",
		Help: "State-transition units executed",
	}, []string{"op", "mode", "result"})

	// AtomicUnitLatency tracks unit duration by operation.
	AtomicUnitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_atomic_unit_latency_seconds",
		Help:    "State-transition unit latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// ExposureRejections counts trades rejected by the exposure limiter.
	ExposureRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_exposure_rejections_total",
		Help: "Trades rejected by exposure limiter",
	}, []string{"reason"})

	// StuckTradesRecovered counts trades settled by the recovery sweep.
	StuckTradesRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_stuck_trades_recovered_total",
		Help: "Trades settled by the stuck-trade sweep",
	})

	// BotCounterCorrections counts bot active-trade counters rewritten by resync.
	BotCounterCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_bot_counter_corrections_total",
		Help: "Bot activeTrades counters corrected by resync",
	})

	// BotStatusChanges counts automatic bot status transitions.
	BotStatusChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_bot_status_changes_total",
		Help: "Automatic bot status transitions",
	}, []string{"status", "reason"})

	// VaultTransitions counts vault status transitions by target status.
	VaultTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_vault_transitions_total",
		Help: "Vault status transitions",
	}, []string{"status"})

	// QueueScheduled tracks settlement jobs waiting in the delayed queue.
	QueueScheduled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_queue_scheduled",
		Help: "Settlement jobs waiting in the delayed queue",
	})

	// QueueRetries counts settlement jobs re-scheduled after a failure.
	QueueRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_queue_retries_total",
		Help: "Settlement jobs re-scheduled after failure",
	})

	// LedgerDrift counts reconciliations that found ledger/balance drift.
	LedgerDrift = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_ledger_drift_total",
		Help: "Reconciliations where ledger sum and balance (or vault NAV) disagree",
	}, []string{"mode"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_http_request_duration_seconds",
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
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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

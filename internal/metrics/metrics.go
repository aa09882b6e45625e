// Package metrics provides Prometheus instrumentation for the settlement engine.
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
	// BetsPlaced counts accepted bets, partitioned by side and payment method.
	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clashout_bets_placed_total",
		Help: "Total number of bets accepted",
	}, []string{"side", "payment_method"})

	// BetRejections counts placements refused before any state changed.
	BetRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clashout_bet_rejections_total",
		Help: "Bets rejected by validation, limits or balance checks",
	}, []string{"reason"})

	// BetsCancelled counts bets moved to cancelled, by who cancelled them.
	BetsCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clashout_bets_cancelled_total",
		Help: "Bets cancelled by users or aborted by the engine",
	}, []string{"reason"})

	BetPlacementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clashout_bet_placement_latency_seconds",
		Help:    "Bet placement latency in seconds, provider calls included",
		Buckets: prometheus.DefBuckets,
	}, []string{"payment_method"})

	// PoolVolume tracks cumulative stake per dispute and side.
	PoolVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clashout_pool_volume_total",
		Help: "Cumulative stake placed into pools",
	}, []string{"dispute_id", "side"})

	// Settlements counts settle calls; outcome is "settled" or "replayed".
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clashout_settlements_total",
		Help: "Dispute settlement calls by outcome",
	}, []string{"outcome"})

	// Payouts counts payout state changes.
	Payouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clashout_payouts_total",
		Help: "Payout transitions by resulting status",
	}, []string{"status"})

	// PayoutsManualReview counts payouts that exhausted their retries.
	PayoutsManualReview = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clashout_payouts_manual_review_total",
		Help: "Payouts flagged for manual review after the retry cap",
	})

	// ProviderCalls counts custody provider calls by result
	// (ok, timeout, error).
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clashout_provider_calls_total",
		Help: "Escrow provider calls",
	}, []string{"provider", "op", "result"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clashout_provider_latency_seconds",
		Help:    "Escrow provider call latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"provider", "op"})

	// InboxEvents counts provider events by handling result
	// (accepted, duplicate, processed, failed).
	InboxEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clashout_inbox_events_total",
		Help: "Provider webhook events by handling result",
	}, []string{"provider", "result"})

	// InvariantViolations counts operations aborted because they would
	// have broken a ledger invariant. Any non-zero value needs a look.
	InvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clashout_invariant_violations_total",
		Help: "Operations aborted by ledger invariant checks",
	}, []string{"kind"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clashout_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clashout_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clashout_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveProvider records one provider call.
func ObserveProvider(provider, op, result string, started time.Time) {
	ProviderCalls.WithLabelValues(provider, op, result).Inc()
	ProviderLatency.WithLabelValues(provider, op).Observe(time.Since(started).Seconds())
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

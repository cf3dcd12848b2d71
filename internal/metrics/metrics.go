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
	// BetsTotal counts committed bets, partitioned by side.
	BetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "friendsmarket_bets_total",
		Help: "Total number of committed bets",
	}, []string{"side"})

	// BetRejections counts refused bets by reason (price_lock, solvency, ...).
	BetRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "friendsmarket_bet_rejections_total",
		Help: "Bets refused by a precondition",
	}, []string{"reason"})

	// BetLatency measures time from lock acquisition request to commit.
	BetLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "friendsmarket_bet_latency_seconds",
		Help:    "Bet execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// MarketsCreated counts seeded markets.
	MarketsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "friendsmarket_markets_created_total",
		Help: "Markets created",
	})

	// ActiveMarkets tracks OPEN markets created by this process.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "friendsmarket_active_markets",
		Help: "Number of currently open markets",
	})

	// Resolutions counts settlements by outcome.
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "friendsmarket_resolutions_total",
		Help: "Markets settled, by outcome",
	}, []string{"outcome"})

	// CreatorSettlement observes the creator's settlement amount. Negative
	// values mean the loss cap failed to hold.
	CreatorSettlement = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "friendsmarket_creator_settlement_units",
		Help:    "Creator settlement amount at resolution",
		Buckets: []float64{-5, -1, 0, 1, 5, 10, 20, 50, 100},
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "friendsmarket_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "friendsmarket_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "friendsmarket_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveBet records the outcome of one bet attempt.
func ObserveBet(side, reason string, elapsed time.Duration) {
	if reason != "ok" {
		BetRejections.WithLabelValues(reason).Inc()
		return
	}
	BetsTotal.WithLabelValues(side).Inc()
	BetLatency.WithLabelValues(side).Observe(elapsed.Seconds())
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for the path label to avoid high cardinality.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

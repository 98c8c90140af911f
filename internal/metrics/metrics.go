// Package metrics provides Prometheus instrumentation for the wager engine.
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
	// LedgerOpsTotal counts ledger operations by operation and outcome.
	LedgerOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_ledger_ops_total",
		Help: "Total ledger operations by result",
	}, []string{"op", "result"})

	// LedgerOpLatency tracks end-to-end operation latency including retries.
	LedgerOpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wager_ledger_op_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// TxConflicts counts transaction attempts that lost an optimistic race.
	TxConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_tx_conflicts_total",
		Help: "Transaction attempts aborted by a write conflict",
	}, []string{"op"})

	// PointsStaked is the cumulative amount of points wagered.
	PointsStaked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wager_points_staked_total",
		Help: "Cumulative points placed on bets",
	})

	// PointsPaidOut is the cumulative amount credited to winners and refunds.
	PointsPaidOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_points_paid_out_total",
		Help: "Cumulative points credited back to users",
	}, []string{"reason"})

	// NotificationsTotal counts notification emissions by outcome.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_notifications_total",
		Help: "Notifications by result (sent, failed, dropped)",
	}, []string{"result"})

	// LiveSubscribers tracks open live-query subscriptions by topic.
	LiveSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wager_live_subscribers",
		Help: "Number of open live-query subscriptions",
	}, []string{"topic"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wager_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wager_http_request_duration_seconds",
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels by chi route pattern so IDs in the path don't explode
// label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Hijack passes through to the underlying writer for websocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

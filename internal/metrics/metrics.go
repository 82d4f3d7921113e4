// Package metrics provides Prometheus instrumentation for the paper engine.
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
	// OrdersPlaced counts accepted orders by type and side.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_orders_placed_total",
		Help: "Total number of orders accepted",
	}, []string{"type", "side"})

	// OrdersRejected counts orders rejected before creation, by reason.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_orders_rejected_total",
		Help: "Orders rejected at placement",
	}, []string{"reason"})

	// OrdersCancelled counts successful cancellations.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paper_orders_cancelled_total",
		Help: "Total number of orders cancelled",
	})

	// FillsTotal counts executed fills, partitioned by side.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_fills_total",
		Help: "Total number of fills executed",
	}, []string{"side"})

	// FillLatency tracks executeFill latency, including lock wait.
	FillLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paper_fill_latency_seconds",
		Help:    "Fill execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// FillConflicts counts store conflicts retried during a fill.
	FillConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paper_fill_conflicts_total",
		Help: "Persistence conflicts retried while executing fills",
	})

	// QuoteFailures counts quote lookups that ended without a quote.
	QuoteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_quote_failures_total",
		Help: "Quote lookups that failed, by reason",
	}, []string{"reason"})

	// MatchPasses counts recurring matching passes.
	MatchPasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paper_match_passes_total",
		Help: "Recurring matching passes over open orders",
	})

	// OpenOrders is the number of OPEN orders seen by the last matching pass.
	OpenOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paper_open_orders",
		Help: "OPEN orders at the last matching pass",
	})

	// BroadcastsDropped counts P&L broadcasts dropped because the queue was full.
	BroadcastsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paper_pnl_broadcasts_dropped_total",
		Help: "P&L broadcasts dropped because the queue was full",
	})

	// BroadcastErrors counts publisher failures, by sink.
	BroadcastErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_pnl_broadcast_errors_total",
		Help: "P&L broadcast delivery failures",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paper_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paper_http_request_duration_seconds",
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

		// Route pattern keeps label cardinality bounded (ids are not labels).
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
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
	return h.Hijack()
}

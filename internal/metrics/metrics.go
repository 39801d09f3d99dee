// Package metrics provides Prometheus instrumentation for the margin engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// RequestsTotal counts position requests by kind and resulting status.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_requests_total",
		Help: "Position requests by kind and status transition",
	}, []string{"kind", "status"})

	// ExecuteRejections counts execute attempts that failed, by reason.
	// TooEarly and PriceOutOfBounds are expected and retried by keepers.
	ExecuteRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_execute_rejections_total",
		Help: "Execute attempts rejected, by reason",
	}, []string{"reason"})

	// RequestAge is the age of a request when it executes.
	RequestAge = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "margin_request_age_seconds",
		Help:    "Seconds between request creation and execution",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// LoansTotal counts loan operations, partitioned by op.
	LoansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_loan_operations_total",
		Help: "Loan issuances and repayments",
	}, []string{"op"})

	// LtvRejections counts operations refused by the LTV limit.
	LtvRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_ltv_rejections_total",
		Help: "Operations rejected by the loan-to-value limit",
	}, []string{"op"})

	// ExposureRejections counts increase requests refused by exposure limits.
	ExposureRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "margin_exposure_limit_rejections_total",
		Help: "Increase requests rejected by exposure limits",
	})

	// Controllers tracks the number of position controllers created.
	Controllers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "margin_controllers",
		Help: "Number of position controllers",
	})

	// PoolReserve, PoolOutstanding and PoolShares mirror the pool after
	// every commit that touches it.
	PoolReserve = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "margin_pool_reserve",
		Help: "Liquidity pool cash reserve",
	})
	PoolOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "margin_pool_outstanding_loans",
		Help: "Liquidity pool principal lent out",
	})
	PoolShares = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "margin_pool_total_shares",
		Help: "Liquidity pool shares issued",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "margin_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// RateLimited counts HTTP requests refused by the per-caller limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "margin_http_rate_limited_total",
		Help: "HTTP requests refused by the rate limiter",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "margin_http_request_duration_seconds",
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

// Hijack passes through to the wrapped writer so WebSocket upgrades work
// behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

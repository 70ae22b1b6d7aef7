// Package metrics provides Prometheus instrumentation for the market engine.
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
	// QuotesTotal counts planning attempts by outcome.
	QuotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "easybet_market_quotes_total",
		Help: "Allocation plans built, by outcome",
	}, []string{"outcome"})

	// StaleListings counts listings excluded because the seller no longer
	// owns the ticket.
	StaleListings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "easybet_market_stale_listings_total",
		Help: "Listings excluded as stale during validation",
	})

	// ListingReadFailures counts listings dropped from a snapshot.
	ListingReadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "easybet_market_listing_read_failures_total",
		Help: "Listings dropped from a snapshot, by failing step",
	}, []string{"step"})

	// BatchesTotal counts executed batches by final status.
	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "easybet_market_batches_total",
		Help: "Settlement batches by status",
	}, []string{"status"})

	// BatchSplits counts batches halved after hitting the gas ceiling.
	BatchSplits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "easybet_market_batch_splits_total",
		Help: "Batches split because the gas estimate exceeded the ceiling",
	})

	// GasEstimate tracks the ledger's gas estimate per batch.
	GasEstimate = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "easybet_market_gas_estimate",
		Help:    "Gas estimated per settlement batch",
		Buckets: prometheus.ExponentialBuckets(100_000, 2, 9),
	})

	// FinalityLatency tracks time from submission to receipt.
	FinalityLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "easybet_market_finality_latency_seconds",
		Help:    "Time from batch submission to final receipt",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	// PurchasesTotal counts finished purchases by terminal state.
	PurchasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "easybet_market_purchases_total",
		Help: "Purchases by terminal state",
	}, []string{"state"})

	// SettledQuantity tracks units acquired through settlement.
	SettledQuantity = promauto.NewCounter(prometheus.CounterOpts{
		Name: "easybet_market_settled_quantity_total",
		Help: "Ticket units confirmed settled by the ledger",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "easybet_market_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "easybet_market_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "easybet_market_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern, not the raw path, to keep label cardinality bounded.
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

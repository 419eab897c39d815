// Package metrics provides Prometheus instrumentation for the CDP indexer.
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
	// EventsProcessed counts applied events, partitioned by action type.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdpidx_events_processed_total",
		Help: "Events applied to the CDP state",
	}, []string{"type"})

	// EventsDuplicate counts replayed events skipped by the idempotence check.
	EventsDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdpidx_events_duplicate_total",
		Help: "Replayed events skipped because the action already exists",
	}, []string{"type"})

	// OrphanActions counts actions recorded for unknown positions.
	OrphanActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdpidx_orphan_actions_total",
		Help: "Actions recorded for positions that were never opened",
	}, []string{"type"})

	// DecodeFailures counts events dropped because a field failed to decode.
	DecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdpidx_decode_failures_total",
		Help: "Events dropped due to malformed parameters",
	})

	// ProcessLatency tracks per-event processing time.
	ProcessLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cdpidx_process_latency_seconds",
		Help:    "Event processing latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// OracleReads counts oracle peek() calls by asset.
	OracleReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdpidx_oracle_reads_total",
		Help: "Oracle reads issued on price cache misses",
	}, []string{"asset"})

	// PriceMissing counts blocks for which no valid price was available.
	PriceMissing = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdpidx_price_missing_total",
		Help: "Price lookups that returned no valid price",
	}, []string{"asset"})

	// OpenCdps mirrors the aggregate open position count.
	OpenCdps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cdpidx_open_cdps",
		Help: "Number of currently open CDPs",
	})

	// LastBlock is the block of the most recently applied event.
	LastBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cdpidx_last_block",
		Help: "Block number of the last applied event",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cdpidx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdpidx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cdpidx_http_request_duration_seconds",
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

// routePattern returns the matched chi route, e.g. /api/v1/cdps/{cdpID},
// so ids in the URL do not become label values.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

// Package metrics provides Prometheus instrumentation for the table engine.
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
	// ActiveTables tracks tables by lobby status.
	ActiveTables = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lunopoly_tables",
		Help: "Number of registered tables by status",
	}, []string{"status"})

	// TurnsTotal counts turns started, partitioned by how they ended.
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lunopoly_turns_total",
		Help: "Total number of turns",
	}, []string{"outcome"})

	// CommandLatency tracks table command handling time by command.
	CommandLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lunopoly_command_latency_seconds",
		Help:    "Table command latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})

	// CommandErrors counts rejected table commands.
	CommandErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lunopoly_command_errors_total",
		Help: "Table commands rejected",
	}, []string{"command"})

	// AuctionsTotal counts settled auctions by status.
	AuctionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lunopoly_auctions_total",
		Help: "Settled auctions",
	}, []string{"status"})

	// TradesTotal counts resolved trades by status.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lunopoly_trades_total",
		Help: "Resolved trades",
	}, []string{"status"})

	// Bankruptcies counts grace periods entered and eliminations.
	Bankruptcies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lunopoly_bankruptcies_total",
		Help: "Bankruptcy protocol outcomes",
	}, []string{"outcome"})

	// CreditsMinted counts credits minted from deposits.
	CreditsMinted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lunopoly_credits_minted_total",
		Help: "Credits minted from external deposits",
	})

	// DistributedCredits counts credits allocated per fund by the distribution engine.
	DistributedCredits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lunopoly_distributed_credits_total",
		Help: "Yield credits allocated by fund",
	}, []string{"fund"})

	// PrizeFund tracks the current prize fund balance.
	PrizeFund = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lunopoly_prize_fund",
		Help: "Current prize fund balance in credits",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lunopoly_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsDropped counts events dropped because the broadcast buffer was full.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lunopoly_events_dropped_total",
		Help: "Realtime events dropped on a full buffer",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lunopoly_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lunopoly_http_request_duration_seconds",
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

		// Route pattern keeps table ids out of the label set.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot be hijacked")
	}
	return h.Hijack()
}

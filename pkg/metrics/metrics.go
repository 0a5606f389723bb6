// Package metrics exposes the client-side Prometheus metrics named in the
// domain stack: per-server RPC count and latency, reconnect counts, and an
// active-session gauge. Collecting these is entirely optional — a caller
// that never constructs a Metrics, or that registers one but never wires
// Handler() into an HTTP mux, gets a client with zero observability
// overhead beyond a few counter increments.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for one client instance.
type Metrics struct {
	RPCTotal        *prometheus.CounterVec
	RPCDuration     *prometheus.HistogramVec
	ReconnectsTotal *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// New registers a fresh set of collectors against reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests, multiple
// clients in one process); pass nil to register against the default global
// registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		RPCTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpclient_rpc_total",
				Help: "Total number of JSON-RPC requests issued, by server, method, and outcome.",
			},
			[]string{"server", "method", "outcome"},
		),
		RPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpclient_rpc_duration_seconds",
				Help:    "Duration of JSON-RPC requests, by server and method.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
			[]string{"server", "method"},
		),
		ReconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpclient_reconnects_total",
				Help: "Total number of transport reconnect attempts, by server.",
			},
			[]string{"server"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcpclient_active_sessions",
				Help: "Current number of registered servers with a live session.",
			},
		),
	}
}

// Default returns the process-wide Metrics registered against
// prometheus.DefaultRegisterer, constructing it on first use. Most hosts
// that want global metrics (one client, scraped via the default
// /metrics registry) should use this instead of calling New directly.
func Default() *Metrics {
	defaultOnce.Do(func() { defaultMetrics = New(prometheus.DefaultRegisterer) })
	return defaultMetrics
}

// Handler returns an http.Handler serving the default registry in the
// Prometheus exposition format, for wiring into a host's own mux (e.g.
// e.GET("/metrics", echo.WrapHandler(metrics.Handler()))).
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRPC records one completed RPC's outcome and latency. outcome should
// be "ok", "error", or "timeout"; callers that only have an error value can
// use ClassifyOutcome.
func (m *Metrics) RecordRPC(server, method string, duration time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.RPCTotal.WithLabelValues(server, method, outcome).Inc()
	m.RPCDuration.WithLabelValues(server, method).Observe(duration.Seconds())
}

// RecordReconnect records one transport reconnect attempt for server.
func (m *Metrics) RecordReconnect(server string) {
	if m == nil {
		return
	}
	m.ReconnectsTotal.WithLabelValues(server).Inc()
}

// SetActiveSessions sets the current registered-server count.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// ClassifyOutcome maps an error (possibly nil, possibly a timeout) to the
// outcome label RecordRPC expects.
func ClassifyOutcome(err error, isTimeout func(error) bool) string {
	switch {
	case err == nil:
		return "ok"
	case isTimeout != nil && isTimeout(err):
		return "timeout"
	default:
		return "error"
	}
}

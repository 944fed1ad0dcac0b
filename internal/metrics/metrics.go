// Package metrics implements the observation surface of §6: Prometheus
// counters/gauges/histogram and the /metrics, /health HTTP endpoints.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the syslog_* metric families on an isolated Prometheus
// registry (not the global default) so multiple pipelines in the same
// test binary don't collide on registration.
type Registry struct {
	reg *prometheus.Registry

	MessagesReceived    *prometheus.CounterVec
	MessagesForwarded   *prometheus.CounterVec
	MessagesDropped     *prometheus.CounterVec
	MessagesParseErrors *prometheus.CounterVec
	DestinationUp       *prometheus.GaugeVec
	ActiveConnections   *prometheus.GaugeVec
	ProcessingLatency   *prometheus.HistogramVec
}

// NewRegistry builds and registers every metric family named in §6.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syslog_messages_received_total",
			Help: "Total number of syslog messages received",
		}, []string{"protocol", "facility", "severity"}),
		MessagesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syslog_messages_forwarded_total",
			Help: "Total number of syslog messages forwarded",
		}, []string{"destination"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syslog_messages_dropped_total",
			Help: "Total number of syslog messages dropped",
		}, []string{"reason"}),
		MessagesParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syslog_messages_parse_errors_total",
			Help: "Total number of message parse errors",
		}, []string{"protocol"}),
		DestinationUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "syslog_destination_up",
			Help: "Whether a destination is reachable (1=up, 0=down)",
		}, []string{"destination"}),
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "syslog_active_connections",
			Help: "Number of active TCP connections",
		}, []string{"input"}),
		ProcessingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "syslog_processing_latency_seconds",
			Help:    "Time spent evaluating router rules per record",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"filter"}),
	}

	reg.MustRegister(
		r.MessagesReceived,
		r.MessagesForwarded,
		r.MessagesDropped,
		r.MessagesParseErrors,
		r.DestinationUp,
		r.ActiveConnections,
		r.ProcessingLatency,
	)
	return r
}

// Server exposes a Registry's metrics plus a liveness handler over HTTP.
type Server struct {
	httpServer *http.Server
	required   bool
}

// NewServer builds (but does not start) the observation endpoint. When
// required is true, a bind failure at Start is fatal to the caller;
// otherwise the caller may treat it as a non-fatal warning (§7).
func NewServer(addr string, reg *Registry, isRunning func() bool, required bool) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !isRunning() {
			http.Error(w, "not running", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: mux},
		required:   required,
	}
}

// Required reports whether a bind failure should be treated as fatal.
func (s *Server) Required() bool { return s.required }

// Start runs the HTTP server in the background. The returned error
// channel receives exactly one value if ListenAndServe exits for any
// reason other than a clean Shutdown.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops the HTTP server within the parent context's deadline,
// capped at 5 seconds.
func (s *Server) Shutdown(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

// Package observability provides HTTP endpoints for metrics and health checks.
package observability

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"

	"github.com/plugboard/plugboard/internal/authz"
	"github.com/plugboard/plugboard/internal/plugin"
)

// ReadinessChecker reports whether the host finished booting plugins.
type ReadinessChecker func() bool

// Metrics contains the host-level Prometheus metrics. Per-package metrics
// (hook handler failures, authorization checks) register themselves on the
// default registry via promauto; the server gathers both.
type Metrics struct {
	PluginsByStatus *prometheus.GaugeVec
	BootsTotal      *prometheus.CounterVec
}

// NewMetrics creates and registers the host metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PluginsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "plugboard_plugins",
				Help: "Number of registered plugins by lifecycle status",
			},
			[]string{"status"},
		),
		BootsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugboard_plugin_boots_total",
				Help: "Total plugin boot attempts by outcome",
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(m.PluginsByStatus)
	reg.MustRegister(m.BootsTotal)

	return m
}

// ObserveStats exports registry counts as gauges.
func (m *Metrics) ObserveStats(stats plugin.Stats) {
	m.PluginsByStatus.WithLabelValues(string(plugin.StatusPending)).Set(float64(stats.Pending))
	m.PluginsByStatus.WithLabelValues(string(plugin.StatusBooting)).Set(float64(stats.Booting))
	m.PluginsByStatus.WithLabelValues(string(plugin.StatusActive)).Set(float64(stats.Active))
	m.PluginsByStatus.WithLabelValues(string(plugin.StatusQuarantined)).Set(float64(stats.Quarantined))
}

// RecordBoot counts one boot attempt. outcome is "active" or "quarantined".
func (m *Metrics) RecordBoot(outcome string) {
	m.BootsTotal.WithLabelValues(outcome).Inc()
}

// Server provides HTTP endpoints for observability (metrics and health probes).
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	isReady    ReadinessChecker
	authz      *authz.Service
	running    atomic.Bool
}

// NewServer creates a new observability server listening on addr
// ("host:port", e.g. ":9100").
func NewServer(addr string, readinessChecker ReadinessChecker) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Server{
		addr:     addr,
		registry: registry,
		metrics:  NewMetrics(registry),
		isReady:  readinessChecker,
	}
}

// Metrics returns the host metrics for recording lifecycle events.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// SetAuthzService enables the /debug/authz endpoint for policy debugging.
// Must be called before Start.
func (s *Server) SetAuthzService(svc *authz.Service) {
	s.authz = svc
}

// Start begins serving observability endpoints. The returned channel
// receives any serve error and is closed on graceful stop; callers should
// monitor it to detect failures.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()

	// Gather both the private registry and the default one, where the
	// hook and authz packages register via promauto.
	gatherers := prometheus.Gatherers{s.registry, prometheus.DefaultGatherer}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	mux.HandleFunc("/healthz", s.handleLiveness)
	mux.HandleFunc("/readyz", s.handleReadiness)
	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)

	if s.authz != nil {
		mux.HandleFunc("/debug/authz", s.handleAuthzCheck)
	}

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		// Local httpSrv avoids a race with subsequent Start() calls.
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the observability server.
func (s *Server) Stop(ctx context.Context) error {
	// CompareAndSwap prevents a concurrent Start() from slipping between
	// the state check and the store.
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Restore running state so the server can be stopped again.
			s.running.Store(true)
			return oops.With("operation", "shutdown observability server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the listen address, or "" when not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable
	w.Write([]byte("ok\n"))
}

// handleAuthzCheck runs one authorization check from query parameters and
// returns the decision as JSON. Debug tooling only; the endpoint answers
// exactly what the service would answer, fail-closed semantics included.
func (s *Server) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	tc := authz.TenantContext{
		TenantID: q.Get("tenant"),
		UserID:   q.Get("user"),
	}
	req := authz.CheckRequest{Ability: q.Get("ability")}
	if rt := q.Get("resource_type"); rt != "" {
		req.Resource = &authz.Resource{Type: rt, ID: q.Get("resource_id")}
	}

	decision := s.authz.Check(r.Context(), tc, req)

	w.Header().Set("Content-Type", "application/json")
	//nolint:errcheck // debug endpoint write error is acceptable
	json.NewEncoder(w).Encode(map[string]any{
		"allow":  decision.Allow,
		"reason": decision.Reason,
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.isReady == nil || s.isReady() {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // health check write error is acceptable
		w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	//nolint:errcheck // health check write error is acceptable
	w.Write([]byte("not ready\n"))
}

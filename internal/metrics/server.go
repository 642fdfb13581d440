package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const collectionInterval = 20 * time.Second

// NewServer creates a metrics server serving the metrics registered on registry
func NewServer(m *Metrics, registry *prometheus.Registry, addr string, checks map[string]HealthCheck, logger *zap.Logger) *Server {
	return &Server{
		metrics:   m,
		gatherer:  registry,
		checks:    checks,
		addr:      addr,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Handler returns the router serving /metrics and /health
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	return router
}

// Start begins serving and collecting background metrics until ctx is done
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return &MetricsError{Op: "listen", Err: err}
	}

	s.startMetricsCollection(ctx)

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("starting metrics server",
			zap.String("address", listener.Addr().String()))

		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown gracefully stops the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down metrics server")
	return s.server.Shutdown(ctx)
}

// startMetricsCollection refreshes gauges that are not updated by requests
func (s *Server) startMetricsCollection(ctx context.Context) {
	s.metrics.updateUptimeMetric(s.startTime)

	go func() {
		ticker := time.NewTicker(collectionInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("stopping metrics collection",
					zap.String("reason", "context cancelled"))
				return
			case <-ticker.C:
				s.metrics.updateUptimeMetric(s.startTime)
			}
		}
	}()
}

// healthHandler runs every dependency check and reports 503 when one fails
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		start := time.Now()
		err := s.checks[name](ctx)
		s.metrics.RecordOperation("health_"+name, time.Since(start), err)
		if err != nil {
			s.logger.Error("health check failed", zap.String("check", name), zap.Error(err))
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(results)
}

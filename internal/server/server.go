package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cropalato/chart-registry/internal/config"
	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

// New creates the registry API server
func New(releases Releases, indexes Indexes, cfg config.ServerConfig, logger *zap.Logger) *Server {
	return &Server{
		releases: releases,
		indexes:  indexes,
		config:   cfg,
		logger:   logger,
	}
}

// Handler returns the API router
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.recoverMiddleware, s.loggingMiddleware)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, customerrors.NewNotFoundError("route", r.URL.Path))
	})

	router.HandleFunc("/heartbeat", s.heartbeat).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/{owner:[0-9]+}/index.yaml", s.getIndex).Methods(http.MethodGet, http.MethodHead)

	releases := router.PathPrefix("/repositories/{id:[0-9]+}/releases").Subrouter()
	releases.HandleFunc("", s.listReleases).Methods(http.MethodGet)

	// Archive routes come first, {version} alone would match them too
	releases.HandleFunc("/{version}.tar.gz.prov", s.getProvenance).Methods(http.MethodGet)
	releases.HandleFunc("/{version}.tar.gz", s.uploadRelease).Methods(http.MethodPost, http.MethodPut)
	releases.HandleFunc("/{version}.tar.gz", s.getTarball).Methods(http.MethodGet)

	releases.HandleFunc("/{version}", s.getRelease).Methods(http.MethodGet)
	releases.HandleFunc("/{version}", s.updateRelease).Methods(http.MethodPatch)
	releases.HandleFunc("/{version}", s.deleteRelease).Methods(http.MethodDelete)
	releases.HandleFunc("/{version}/Chart.yaml", s.getChartYAML).Methods(http.MethodGet)
	releases.HandleFunc("/{version}/values.yaml", s.getValuesYAML).Methods(http.MethodGet)
	releases.HandleFunc("/{version}/templates", s.listTemplates).Methods(http.MethodGet)
	releases.HandleFunc("/{version}/templates/{name:.+}", s.getTemplate).Methods(http.MethodGet)

	return router
}

// Start begins serving the API in the background
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.config.Addr)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		s.logger.Info("starting registry server",
			zap.String("address", listener.Addr().String()),
			zap.String("base_url", s.config.BaseURL))

		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("registry server error", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down registry server")
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Debug("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				s.logger.Error("panic while serving request",
					zap.String("path", r.URL.Path),
					zap.Any("panic", p),
					zap.Stack("stack"))
				s.writeError(w, r, errors.Errorf("panic: %v", p))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Package server implements the remote replica endpoint: a multi-database
// document store behind HTTP, with a websocket change feed and a stale
// cursor reaper. Sync engines replicate against it through store.RemoteStore.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/froz-husain/sketchsync/internal/config"
	"github.com/froz-husain/sketchsync/internal/metrics"
)

// Server is the replica server
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	backend    Backend
	auth       *Authenticator
	metrics    *metrics.Metrics
	logger     *zap.Logger
	cfg        config.ServerConfig
	upgrader   websocket.Upgrader

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New creates a replica server over the given backend
func New(cfg config.ServerConfig, backend Backend, m *metrics.Metrics, logger *zap.Logger) *Server {
	router := mux.NewRouter()
	baseCtx, baseCancel := context.WithCancel(context.Background())

	s := &Server{
		router:  router,
		backend: backend,
		auth:    NewAuthenticator(cfg.Auth),
		metrics: m,
		logger:  logger,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	s.setupRoutes()
	return s
}

// Handler returns the server's HTTP handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	chain := []func(http.Handler) http.Handler{
		Recovery(s.logger),
		RequestID,
		Logging(s.logger),
		s.instrument,
	}
	if s.cfg.RateLimit > 0 {
		chain = append(chain, NewRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst, s.logger).Limit)
	}
	outer := Chain(chain...)
	authed := Chain(append(chain, BasicAuth(s.auth, s.logger))...)

	s.router.Handle("/health", outer(http.HandlerFunc(s.handleHealth))).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.router.Handle("/v1/session", authed(http.HandlerFunc(s.handleCreateSession))).Methods(http.MethodPost)

	// The websocket feed authenticates with a feed token, not basic auth
	s.router.Handle("/v1/db/{db}/feed", outer(http.HandlerFunc(s.handleFeed))).Methods(http.MethodGet)

	db := func(path string, h http.HandlerFunc, methods ...string) {
		s.router.Handle("/v1/db/{db}"+path, authed(h)).Methods(methods...)
	}
	db("", s.handleEnsureDatabase, http.MethodPut)
	db("", s.handleInfo, http.MethodGet)
	db("/doc/{key}", s.handleGetDoc, http.MethodGet)
	db("/doc/{key}", s.handlePutDoc, http.MethodPut)
	db("/doc/{key}", s.handleDeleteDoc, http.MethodDelete)
	db("/docs", s.handleListDocs, http.MethodGet)
	db("/changes", s.handleChanges, http.MethodGet)
	db("/apply", s.handleApply, http.MethodPost)
}

// instrument records request count and duration metrics
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		s.metrics.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rw.status)).Inc()
		s.metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// Start begins serving and blocks until the listener fails or closes
func (s *Server) Start() error {
	s.logger.Info("replica server starting",
		zap.String("addr", s.httpServer.Addr),
		zap.String("backend", s.cfg.Backend),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return nil
}

// Shutdown stops the listener, ends open feeds and drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.baseCancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("replica server stopped")
	return nil
}

// Package api exposes the control surface for serve mode: session inspection,
// run submission, stop and stage-retry flags, checkpoint browsing, health,
// Prometheus metrics, and the WebSocket event stream.
//
// Handlers never talk to the driver directly. Stop and retry requests are
// written to the durable session state; the driver picks them up at its next
// iteration boundary, so a control request works the same whether the run
// lives in this process or in another one sharing the state file.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/kkelly-offical/kkcode-sub002/pkg/checkpoint"
	"github.com/kkelly-offical/kkcode-sub002/pkg/config"
	"github.com/kkelly-offical/kkcode-sub002/pkg/events"
	"github.com/kkelly-offical/kkcode-sub002/pkg/metrics"
	"github.com/kkelly-offical/kkcode-sub002/pkg/session"
	"github.com/kkelly-offical/kkcode-sub002/pkg/state"
)

// Server hosts the control API on a single HTTP listener.
type Server struct {
	cfg         config.APIConfig
	store       *state.Store
	checkpoints *checkpoint.Store
	manager     *session.Manager
	metrics     *metrics.Registry
	connManager *events.ConnectionManager
	runCtx      context.Context
	logger      *slog.Logger
	httpSrv     *http.Server
}

// Deps carries the server's collaborators. Store and Manager are required in
// serve mode; the rest degrade gracefully when nil (no metrics endpoint, 503
// from the WebSocket handler, and so on).
type Deps struct {
	Store       *state.Store
	Checkpoints *checkpoint.Store
	Manager     *session.Manager
	Metrics     *metrics.Registry
	ConnManager *events.ConnectionManager

	// RunContext is the parent context for runs started over HTTP. Runs must
	// outlive the request that submitted them, so this should be the process
	// root context. Defaults to context.Background().
	RunContext context.Context
}

// NewServer builds the router and wires all routes. It does not listen yet;
// call Start for that.
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	s := &Server{
		cfg:         cfg,
		store:       deps.Store,
		checkpoints: deps.Checkpoints,
		manager:     deps.Manager,
		metrics:     deps.Metrics,
		connManager: deps.ConnManager,
		runCtx:      deps.RunContext,
		logger:      slog.Default().With("component", "api"),
	}
	if s.runCtx == nil {
		s.runCtx = context.Background()
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.Use(requestLogger(s.logger))
	s.registerRoutes(e)

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(e *echo.Echo) {
	v1 := e.Group("/api/v1")
	v1.GET("/sessions", s.listSessionsHandler)
	v1.GET("/sessions/:id", s.getSessionHandler)
	v1.POST("/runs", s.submitRunHandler)
	v1.POST("/sessions/:id/stop", s.stopSessionHandler)
	v1.POST("/sessions/:id/retry-stage", s.retryStageHandler)
	v1.GET("/sessions/:id/checkpoints", s.listCheckpointsHandler)
	v1.GET("/sessions/:id/checkpoints/:name", s.getCheckpointHandler)
	v1.GET("/health", s.healthHandler)
	v1.GET("/ws", s.wsHandler)

	if s.metrics != nil {
		promh := s.metrics.Handler()
		e.GET("/metrics", func(c *echo.Context) error {
			promh.ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}
}

// Start serves on the configured listen address and blocks until the listener
// fails or Shutdown is called. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("Control API listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and waits for in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the HTTP handler behind the server. Tests mount it on
// httptest servers instead of binding a port.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

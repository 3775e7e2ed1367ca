// Package server exposes the orchestrator over an HTTP API: manifest
// planning and session runs, queue and pool inspection, Prometheus
// metrics, and a WebSocket event stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wavework/foreman/internal/events"
	"github.com/wavework/foreman/internal/orchestrator"
	"github.com/wavework/foreman/internal/state"
)

// Config holds the API server's dependencies.
type Config struct {
	// Addr is the listen address, e.g. ":8420".
	Addr string
	// Orchestrator drives planning and execution.
	Orchestrator *orchestrator.Orchestrator
	// Store serves session history endpoints. Optional.
	Store state.Store
	// Bus feeds the WebSocket event stream. Optional.
	Bus events.Bus
	// Gatherer serves /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
	// Logger is the structured logger.
	Logger *zap.Logger
}

// Server is the HTTP API server.
type Server struct {
	router *gin.Engine
	server *http.Server
	orch   *orchestrator.Orchestrator
	store  state.Store
	bus    events.Bus
	logger *zap.Logger
}

// NewServer builds the API server and its routes.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	s := &Server{
		router: router,
		orch:   cfg.Orchestrator,
		store:  cfg.Store,
		bus:    cfg.Bus,
		logger: logger,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.setupRoutes(gatherer)

	s.server = &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/plans", s.handleCreatePlan)
		v1.POST("/sessions", s.handleRunSession)
		v1.GET("/sessions", s.handleListSessions)
		v1.GET("/sessions/:id", s.handleGetSession)
		v1.GET("/sessions/:id/plan", s.handleGetSessionPlan)
		v1.GET("/sessions/:id/outcomes", s.handleGetSessionOutcomes)

		v1.GET("/queue/stats", s.handleQueueStats)
		v1.GET("/queue/tasks/:id", s.handleGetTask)
		v1.DELETE("/queue/tasks/:id", s.handleCancelTask)

		v1.GET("/servers", s.handleListServers)
		v1.GET("/servers/stats", s.handlePoolStats)
		v1.DELETE("/servers/:id", s.handleRemoveServer)

		v1.GET("/events/ws", s.handleEventStream)
	}
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown or listener failure.
func (s *Server) Start() error {
	s.logger.Info("starting API server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

// requestLogger logs one line per request.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

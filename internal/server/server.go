// Package server exposes notification intake and read-only queries over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/hotswap/internal/eventlog"
	"github.com/roach88/hotswap/internal/flow"
	"github.com/roach88/hotswap/internal/flowstore"
	"github.com/roach88/hotswap/internal/swap"
)

// Submitter accepts change notifications. *swap.Orchestrator satisfies it.
type Submitter interface {
	Submit(n swap.ChangeNotification) (*swap.Ticket, error)
}

// Library is the flow library. *analysis.Service satisfies it.
type Library interface {
	Store() flowstore.Store
	DeleteFlow(ctx context.Context, id flow.ID) error
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP front end.
type Server struct {
	Engine *gin.Engine
	Addr   string

	submitter Submitter
	log       eventlog.Log
	library   Library
	health    HealthChecker
	now       func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithHealthCheck adds a dependency probed by /healthz.
func WithHealthCheck(h HealthChecker) Option {
	return func(s *Server) { s.health = h }
}

// WithNow sets the clock used to stamp notifications without a detection
// time.
func WithNow(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New builds the router. mode is a gin mode name.
func New(addr, mode string, submitter Submitter, log eventlog.Log, library Library, opts ...Option) *Server {
	switch mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	s := &Server{
		Engine:    r,
		Addr:      addr,
		submitter: submitter,
		log:       log,
		library:   library,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.RegisterRoutes(r)
	return s
}

// RegisterRoutes registers every route on r.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.GET("/healthz", s.healthHandler)

	v1 := r.Group("/v1")
	v1.POST("/notifications", s.notifyHandler)
	v1.GET("/units/:unit/events", s.unitEventsHandler)
	v1.GET("/flows", s.listFlowsHandler)
	v1.GET("/flows/search", s.searchFlowsHandler)
	v1.GET("/flows/stats", s.statsHandler)
	v1.GET("/flows/:id", s.getFlowHandler)
	v1.DELETE("/flows/:id", s.deleteFlowHandler)
	v1.GET("/detections", s.detectionsHandler)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.health != nil {
		if err := s.health.Ping(ctx); err != nil {
			slog.Error("health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "store unreachable",
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("http server starting", "address", s.Addr)

	go func() {
		<-ctx.Done()
		slog.Info("http server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server forced to shutdown", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

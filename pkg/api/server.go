// Package api is C10: a gin-based HTTP server exposing the diagnosis
// pipeline's surface (§6.1) plus a /health endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dietary/diagnosis-pipeline/pkg/config"
	"github.com/dietary/diagnosis-pipeline/pkg/database"
	"github.com/dietary/diagnosis-pipeline/pkg/diagnosis"
	"github.com/dietary/diagnosis-pipeline/pkg/events"
	"github.com/dietary/diagnosis-pipeline/pkg/queue"
	"github.com/dietary/diagnosis-pipeline/pkg/store"
)

// Server is the HTTP API server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server

	cfg          *config.Config
	store        *store.Store
	orchestrator *diagnosis.Orchestrator
	hub          *events.Hub
	publisher    *events.Publisher
	workerPool   *queue.WorkerPool // nil until set
}

// NewServer creates a new API server wired to its required collaborators.
// Optional collaborators are injected afterward via Set* and checked by
// ValidateWiring before the server starts serving, mirroring the teacher's
// wiring-validation idiom.
func NewServer(cfg *config.Config, st *store.Store, orchestrator *diagnosis.Orchestrator, hub *events.Hub, publisher *events.Publisher) *Server {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery())

	s := &Server{
		engine:       e,
		cfg:          cfg,
		store:        st,
		orchestrator: orchestrator,
		hub:          hub,
		publisher:    publisher,
	}
	s.setupRoutes()
	return s
}

// SetWorkerPool wires the worker pool, surfaced by the health handler.
func (s *Server) SetWorkerPool(pool *queue.WorkerPool) {
	s.workerPool = pool
}

// ValidateWiring checks that every required collaborator was set before
// Start is called, so a misconfigured deployment fails fast at startup
// instead of nil-panicking on first request (§4.10).
func (s *Server) ValidateWiring() error {
	var errs []error
	if s.orchestrator == nil {
		errs = append(errs, fmt.Errorf("orchestrator not set"))
	}
	if s.hub == nil {
		errs = append(errs, fmt.Errorf("event hub not set"))
	}
	if s.publisher == nil {
		errs = append(errs, fmt.Errorf("event publisher not set"))
	}
	if s.workerPool == nil {
		errs = append(errs, fmt.Errorf("worker pool not set (call SetWorkerPool)"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("server wiring incomplete: %w", errors.Join(errs...))
	}
	return nil
}

// setupRoutes registers all API routes.
func (s *Server) setupRoutes() {
	s.engine.Use(securityHeaders())
	// Server-wide body size limit (2 MB), same convention as the teacher's
	// BodyLimit middleware — comfortably above any diagnosis/analyze body.
	s.engine.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 2*1024*1024)
		c.Next()
	})

	s.engine.GET("/health", s.healthHandler)

	v1 := s.engine.Group("/api/v1")
	diag := v1.Group("/diagnosis")
	diag.POST("/analyze", s.analyzeHandler)
	diag.GET("/stream/:run_id", s.streamHandler)
	diag.GET("/status/:run_id", s.statusHandler)
	diag.GET("/usage-summary", s.usageSummaryHandler)
	diag.GET("/clusters", s.clustersHandler)
	diag.POST("/reset", s.resetHandler)
	diag.DELETE("/results/:result_id", s.deleteResultHandler)
}

// Start starts the HTTP server on the given address (non-blocking from the
// caller's perspective once a goroutine wraps this call).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener (for
// example one bound to a random OS-assigned port).
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.engine}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler handles GET /health: DB reachability, worker pool health,
// and config validity, aggregated into one status per §6.1.
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(reqCtx, s.store.DB())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Database: dbHealth})
		return
	}

	status := "healthy"
	if err := s.cfg.Validate(); err != nil {
		status = "degraded"
	}

	resp := HealthResponse{Status: status, Database: dbHealth}
	if s.workerPool != nil {
		resp.WorkerPool = s.workerPool.Health()
		if !resp.WorkerPool.IsHealthy {
			resp.Status = "degraded"
		}
	}
	c.JSON(http.StatusOK, resp)
}

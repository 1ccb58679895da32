// Package api is the REST façade over the orchestration core: completion
// endpoints, status and spend surfaces, a WebSocket bridge for the event
// bus, and the health/metrics endpoints.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"maestro/internal/ai"
	"maestro/internal/catalog"
	"maestro/internal/config"
	"maestro/internal/events"
	"maestro/internal/logging"
	"maestro/internal/spend"
)

// Server holds the router and the collaborators the handlers reach into.
type Server struct {
	cfg          *config.Config
	orchestrator *ai.Orchestrator
	registry     *ai.ProviderRegistry
	catalog      *catalog.Registry
	store        *spend.Store
	bus          events.Bus
	log          *zap.Logger

	engine *gin.Engine
}

// NewServer wires the routes. store may be nil (spend endpoints then 503).
func NewServer(cfg *config.Config, orch *ai.Orchestrator, registry *ai.ProviderRegistry, cat *catalog.Registry, store *spend.Store, bus events.Bus) *Server {
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:          cfg,
		orchestrator: orch,
		registry:     registry,
		catalog:      cat,
		store:        store,
		bus:          bus,
		log:          logging.L().Named("api"),
	}

	engine := gin.New()
	engine.Use(RequestID(), AccessLog(), Recovery(), HTTPMetrics())

	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/v1/ai", Auth(cfg))
	{
		v1.POST("/execute", s.handleExecute)
		v1.POST("/cascade", s.handleCascade)
		v1.POST("/query", s.handleQuery)
		v1.POST("/chat", s.handleChat)
		v1.POST("/summarize", s.handleSummarize)
		v1.POST("/parse", s.handleParse)

		v1.GET("/status", s.handleStatus)
		v1.GET("/models", s.handleModels)
		v1.GET("/providers/health", s.handleProviderHealth)
		v1.GET("/spend", s.handleSpend)
		v1.GET("/events", s.handleEvents)
	}

	s.engine = engine
	return s
}

// Handler exposes the router for tests and the HTTP server.
func (s *Server) Handler() http.Handler { return s.engine }

// HTTPServer builds the net/http server the daemon runs.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

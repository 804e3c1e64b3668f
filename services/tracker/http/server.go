package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/02loveslollipop/campus-tracker/services/tracker/config"
	"github.com/02loveslollipop/campus-tracker/services/tracker/ingest"
	"github.com/02loveslollipop/campus-tracker/services/tracker/query"
)

// IngestionStatus reports the subscriber's state for health checks.
type IngestionStatus interface {
	State() ingest.State
	Stats() ingest.Stats
}

// Server bundles router and dependencies for the REST API.
type Server struct {
	cfg       config.Config
	svc       *query.Service
	ingestion IngestionStatus
	hub       *Hub
	engine    *gin.Engine
}

// New constructs a server with routes and middleware. ingestion may be nil
// when the process runs without a subscriber.
func New(cfg config.Config, svc *query.Service, ingestion IngestionStatus, hub *Hub) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gin.Logger())
	engine.Use(corsMiddleware())

	if hub == nil {
		hub = NewHub()
	}
	server := &Server{cfg: cfg, svc: svc, ingestion: ingestion, hub: hub, engine: engine}
	server.registerRoutes()
	return server
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr(),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.registerV1Routes()
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.ingestion != nil {
		body["ingestion"] = gin.H{
			"state": s.ingestion.State().String(),
			"stats": s.ingestion.Stats(),
		}
	} else {
		body["ingestion"] = gin.H{"state": "disabled"}
	}
	c.JSON(http.StatusOK, body)
}

func bearerAuthMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		if token != expected {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func apiVersionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-API-Version", "v1")
		c.Next()
	}
}

// Package api serves the signal webhook, the ledger views and the live event
// feed over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"futures-engine/internal/engine"
	"futures-engine/internal/events"
	"futures-engine/internal/monitor"
)

var log = logrus.WithField("component", "api")

// Server wires HTTP endpoints around the engine service.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	Engine    engine.Service
	Metrics   *monitor.SystemMetrics
	JWTSecret string
}

func NewServer(bus *events.Bus, engSvc engine.Service, metrics *monitor.SystemMetrics, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack, order matters
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware(newIPLimiter(20, 50)))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       bus,
		Engine:    engSvc,
		Metrics:   metrics,
		JWTSecret: jwtSecret,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/orders", s.getOrders)
		api.GET("/orders/:id", s.getOrder)
		api.GET("/positions", s.getPositions)
		api.GET("/audit", s.getAudit)

		// Mutating routes
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/signals", s.createSignal)
			protected.POST("/resync", s.triggerResync)
			protected.POST("/paper/price", s.setPaperPrice)
			protected.POST("/paper/fill", s.fillPaperOrder)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Package ops exposes the operational HTTP surface: liveness, readiness and
// Prometheus metrics.
package ops

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthChecker reports whether the upstream feed connection is usable.
type HealthChecker interface {
	Healthy() bool
}

// Server serves /healthz, /readyz and /metrics.
type Server struct {
	logger *zap.Logger
	srv    *http.Server
}

// NewServer builds the ops server. Readiness reflects the feed health check.
func NewServer(addr string, feed HealthChecker, logger *zap.Logger) *Server {
	return &Server{
		logger: logger.Named("ops"),
		srv: &http.Server{
			Addr:    addr,
			Handler: newRouter(feed),
		},
	}
}

func newRouter(feed HealthChecker) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", func(c *gin.Context) {
		if feed == nil || !feed.Healthy() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "feed unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// Start serves until Shutdown is called. It blocks; run it in a goroutine.
func (s *Server) Start() error {
	s.logger.Info("ops server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/specialistvlad/dirflow/internal/ctxlog"
	"github.com/specialistvlad/dirflow/internal/runner"
)

// statusSource is the live view served on /status.
type statusSource interface {
	Status() []runner.Status
}

// healthRouter answers /health with OK and /status with the live runner
// statuses.
func (a *App) healthRouter(src statusSource) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		a.logger.Debug("Health check endpoint hit.", "remote_addr", c.Request.RemoteAddr, "path", c.Request.URL.Path)
		c.String(http.StatusOK, "OK\n")
	})
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tasks": src.Status()})
	})
	return router
}

// startHealthCheckServer runs the health check server in the background.
// A non-positive port disables it and returns nil.
func (a *App) startHealthCheckServer(ctx context.Context, port int, src statusSource) *http.Server {
	logger := ctxlog.FromContext(ctx)
	if port <= 0 {
		logger.Debug("Health check server not started: disabled")
		return nil
	}
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: a.healthRouter(src)}

	go func() {
		logger.Info("🩺 Health check server starting", "address", fmt.Sprintf("http://localhost%s/health", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Health check server failed unexpectedly", "error", err)
		}
	}()
	return srv
}

func (a *App) closeHealthCheckServer(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	logger := ctxlog.FromContext(ctx)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	logger.Info("🩺 Shutting down health check server...")
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Health check server shutdown failed", "error", err)
		return err
	}
	logger.Debug("Health check server shut down gracefully.")
	return nil
}

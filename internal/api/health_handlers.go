package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/deployd/agent/internal/repository"
	"github.com/gin-gonic/gin"
)

// EnginePinger checks the container engine
type EnginePinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	startTime  time.Time
	version    string
	dbProvider repository.DatabaseProvider
	engine     EnginePinger
}

func NewHealthHandler(dbProvider repository.DatabaseProvider, engine EnginePinger, version string) *HealthHandler {
	return &HealthHandler{
		startTime:  time.Now(),
		version:    version,
		dbProvider: dbProvider,
		engine:     engine,
	}
}

// HealthCheck handles GET /health
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"service":    "deployd-agent",
		"version":    h.version,
		"uptime":     time.Since(h.startTime).String(),
		"goroutines": runtime.NumGoroutine(),
		"alloc_mb":   m.Alloc / 1024 / 1024,
	})
}

// ReadinessCheck handles GET /ready
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	if h.dbProvider == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"reason": "database_unavailable",
		})
		return
	}
	if err := h.dbProvider.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"reason": "database_unavailable",
			"error":  err.Error(),
		})
		return
	}

	if h.engine != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := h.engine.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not_ready",
				"reason": "docker_unavailable",
				"error":  err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "ready",
		"database": "connected",
		"docker":   "connected",
		"uptime":   time.Since(h.startTime).String(),
	})
}

// LivenessCheck handles GET /live
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

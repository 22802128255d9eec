package api

import (
	"net/http"

	"github.com/deployd/agent/internal/middleware"
	"github.com/deployd/agent/pkg/config"
	"github.com/gin-gonic/gin"
)

func SetupRouter(
	healthHandler *HealthHandler,
	prometheusHandler *PrometheusHandler,
	schedulerHandler *SchedulerHandler,
	backupHandler *BackupHandler,
	terminalHandler *TerminalHandler,
	eventsHandler *EventsHandler,
	dashboardWsHandler *DashboardWebSocket,
	rateLimiter *middleware.RateLimiter,
	cfg *config.Config,
) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware (in order)
	router.Use(gin.Recovery())
	router.Use(middleware.ErrorHandler())
	router.Use(middleware.RequestLogger())
	router.Use(corsMiddleware(cfg.CORSOrigins))

	// Health and metrics (no auth required)
	router.GET("/health", healthHandler.HealthCheck)
	router.HEAD("/health", healthHandler.HealthCheck) // Docker healthcheck uses HEAD
	router.GET("/ready", healthHandler.ReadinessCheck)
	router.GET("/live", healthHandler.LivenessCheck)
	router.GET("/metrics", prometheusHandler.MetricsEndpoint)

	// The exec socket authenticates in-band with its first frame
	router.GET("/api/containers/:id/exec", terminalHandler.HandleExec)

	api := router.Group("/api")
	if rateLimiter != nil {
		api.Use(middleware.RateLimitMiddleware(rateLimiter))
	}
	api.Use(middleware.AuthMiddleware())
	{
		scheduler := api.Group("/scheduler")
		{
			scheduler.GET("/tasks", schedulerHandler.ListTasks)
			scheduler.POST("/tasks", schedulerHandler.CreateTask)
			scheduler.GET("/tasks/:id", schedulerHandler.GetTask)
			scheduler.PUT("/tasks/:id", schedulerHandler.UpdateTask)
			scheduler.DELETE("/tasks/:id", schedulerHandler.DeleteTask)
			scheduler.POST("/tasks/:id/run", schedulerHandler.RunTask)
			scheduler.GET("/tasks/:id/executions", schedulerHandler.GetTaskExecutions)
			scheduler.GET("/executions", schedulerHandler.GetRecentExecutions)
		}

		backups := api.Group("/backups")
		{
			backups.GET("", backupHandler.ListBackups)
			backups.POST("", backupHandler.CreateBackup)
			backups.GET("/jobs", backupHandler.ListJobs)
			backups.GET("/jobs/:id", backupHandler.GetJob)
			backups.GET("/:id", backupHandler.GetBackup)
			backups.DELETE("/:id", backupHandler.DeleteBackup)
			backups.POST("/:id/restore", backupHandler.RestoreBackup)
			backups.GET("/:id/download", backupHandler.DownloadBackup)
		}

		deployments := api.Group("/deployments/:name")
		{
			deployments.GET("/backups", backupHandler.ListDeploymentBackups)
			deployments.POST("/backups", backupHandler.CreateBackup)
			deployments.GET("/backup-config", backupHandler.GetBackupConfig)
			deployments.PUT("/backup-config", backupHandler.UpdateBackupConfig)
		}

		api.GET("/events", eventsHandler.ListEvents)
		api.GET("/events/stream", dashboardWsHandler.HandleConnection)
	}

	return router
}

// corsMiddleware answers preflights and sets CORS headers for allowed origins
func corsMiddleware(origins []string) gin.HandlerFunc {
	anyOrigin := allowsAnyOrigin(origins)
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (anyOrigin || originAllowed(origin, origins)) {
			if anyOrigin {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
				c.Writer.Header().Add("Vary", "Origin")
			}
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

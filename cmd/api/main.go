package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deployd/agent/internal/api"
	"github.com/deployd/agent/internal/docker"
	"github.com/deployd/agent/internal/events"
	"github.com/deployd/agent/internal/middleware"
	"github.com/deployd/agent/internal/monitoring"
	"github.com/deployd/agent/internal/repository"
	"github.com/deployd/agent/internal/service"
	"github.com/deployd/agent/internal/storage"
	"github.com/deployd/agent/pkg/config"
	"github.com/deployd/agent/pkg/logger"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	appLogger := logger.NewLogger(logger.ParseLevel(cfg.LogLevel), os.Stdout, cfg.LogJSON)
	logger.SetDefault(appLogger)

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", err, nil)
	}

	logger.Info("Starting agent", map[string]interface{}{
		"app":     cfg.AppName,
		"version": version,
		"debug":   cfg.Debug,
		"port":    cfg.Port,
	})

	// Initialize database
	if err := repository.InitDB(cfg); err != nil {
		logger.Fatal("Failed to initialize database", err, nil)
	}
	defer repository.GetDBProvider().Close()
	logger.Info("Database initialized", map[string]interface{}{
		"type": cfg.DatabaseType,
	})
	db := repository.GetDB()

	// Event bus with database storage, mirrored to InfluxDB when configured
	dbStorage := events.NewDatabaseEventStorage(db)
	var eventStorage events.EventStorage = dbStorage
	if cfg.InfluxDBURL != "" && cfg.InfluxDBToken != "" {
		influxClient, err := storage.NewInfluxDBClient(storage.InfluxDBConfig{
			URL:    cfg.InfluxDBURL,
			Token:  cfg.InfluxDBToken,
			Org:    cfg.InfluxDBOrg,
			Bucket: cfg.InfluxDBBucket,
		})
		if err != nil {
			logger.Warn("Failed to initialize InfluxDB, falling back to database-only storage", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			defer influxClient.Close()
			eventStorage = events.NewMultiEventStorage(dbStorage, events.NewInfluxDBEventStorage(influxClient))
			logger.Info("Event bus initialized with dual storage (database + InfluxDB)", map[string]interface{}{
				"influxdb_url": cfg.InfluxDBURL,
				"org":          cfg.InfluxDBOrg,
				"bucket":       cfg.InfluxDBBucket,
			})
		}
	} else {
		logger.Info("Event bus initialized with database storage only", nil)
	}
	bus := events.GetEventBus()
	bus.SetStorage(eventStorage)

	// Initialize Docker service
	dockerService, err := docker.NewDockerService()
	if err != nil {
		logger.Fatal("Failed to initialize Docker service", err, nil)
	}
	defer dockerService.Close()
	logger.Info("Docker service initialized", nil)

	// Initialize repositories
	taskRepo := repository.NewTaskRepository(db)
	execRepo := repository.NewExecutionRepository(db)
	backupRepo := repository.NewBackupRepository(db)
	jobRepo := repository.NewBackupJobRepository(db)
	backupConfigRepo := repository.NewBackupConfigRepository(db)

	// Auth
	authService := service.NewAuthService(cfg)
	middleware.SetAuthService(authService)

	// Backups
	backupService := service.NewBackupService(backupRepo, jobRepo, backupConfigRepo, dockerService, cfg)
	backupService.SetEventBus(bus)
	if cfg.StorageBoxEnabled {
		sftpClient, err := storage.NewSFTPClient(cfg)
		if err != nil {
			logger.Warn("Storage Box unavailable, backups stay local only", map[string]interface{}{
				"host":  cfg.StorageBoxHost,
				"error": err.Error(),
			})
		} else {
			defer sftpClient.Close()
			backupService.SetOffsiteStore(sftpClient)
			logger.Info("Storage Box offsite mirror enabled", map[string]interface{}{
				"host": cfg.StorageBoxHost,
				"path": cfg.StorageBoxPath,
			})
		}
	}
	if err := backupService.Recover(); err != nil {
		logger.Error("Failed to recover interrupted backup jobs", err, nil)
	}

	retentionWorker := service.NewBackupRetentionWorker(backupService, cfg.BackupCleanupPeriod)
	retentionWorker.SetEventPruning(dbStorage, time.Duration(cfg.EventRetentionDays)*24*time.Hour)
	retentionWorker.Start()

	// Scheduler
	commandRunner := service.NewCommandRunner(dockerService, cfg.CommandOutputLimit)
	schedulerService := service.NewSchedulerService(taskRepo, execRepo, backupService, commandRunner, cfg.SchedulerTickInterval)
	schedulerService.SetEventBus(bus)
	if err := schedulerService.Recover(); err != nil {
		logger.Error("Failed to recover interrupted task executions", err, nil)
	}
	schedulerService.Start()

	// Terminal
	terminalService := service.NewTerminalService(dockerService, authService, cfg)
	terminalService.SetEventBus(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Gauges
	exporter := monitoring.NewPrometheusExporter(taskRepo, backupRepo)
	go exporter.Run(ctx, 30*time.Second)

	// Dashboard event stream
	dashboardWs := api.NewDashboardWebSocket(bus, cfg.CORSOrigins)
	go dashboardWs.Run(ctx)

	var rateLimiter *middleware.RateLimiter
	if cfg.RateLimitRPS > 0 {
		rateLimiter = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		go rateLimiter.RunCleanup(time.Minute, ctx.Done())
	}

	router := api.SetupRouter(
		api.NewHealthHandler(repository.GetDBProvider(), dockerService, version),
		api.NewPrometheusHandler(),
		api.NewSchedulerHandler(schedulerService),
		api.NewBackupHandler(backupService),
		api.NewTerminalHandler(terminalService, cfg.CORSOrigins),
		api.NewEventsHandler(bus),
		dashboardWs,
		rateLimiter,
		cfg,
	)

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Server starting", map[string]interface{}{
			"address":      addr,
			"api_endpoint": fmt.Sprintf("http://localhost%s/api", addr),
			"health_check": fmt.Sprintf("http://localhost%s/health", addr),
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", err, nil)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", err, nil)
	}
	cancel()

	if err := schedulerService.Stop(shutdownCtx); err != nil {
		logger.Warn("Scheduler did not drain in time", map[string]interface{}{"error": err.Error()})
	}
	retentionWorker.Stop()
	if err := backupService.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Backup jobs did not drain in time", map[string]interface{}{"error": err.Error()})
	}

	logger.Info("Shutdown complete", nil)
}

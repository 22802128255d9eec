package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/deployd/agent/internal/repository"
	"github.com/deployd/agent/pkg/logger"
)

// PrometheusExporter refreshes gauges that are derived from the database
type PrometheusExporter struct {
	taskRepo   *repository.TaskRepository
	backupRepo *repository.BackupRepository
}

// NewPrometheusExporter creates a new Prometheus exporter
func NewPrometheusExporter(taskRepo *repository.TaskRepository, backupRepo *repository.BackupRepository) *PrometheusExporter {
	return &PrometheusExporter{
		taskRepo:   taskRepo,
		backupRepo: backupRepo,
	}
}

// CollectMetrics updates task and backup storage gauges
func (e *PrometheusExporter) CollectMetrics() error {
	enabled, disabled, err := e.taskRepo.CountByEnabled()
	if err != nil {
		return fmt.Errorf("failed to count tasks: %w", err)
	}
	ScheduledTasks.WithLabelValues("enabled").Set(float64(enabled))
	ScheduledTasks.WithLabelValues("disabled").Set(float64(disabled))

	sizes, err := e.backupRepo.TotalSizeByDeployment()
	if err != nil {
		return fmt.Errorf("failed to sum backup sizes: %w", err)
	}
	BackupStorageBytes.Reset()
	for deployment, size := range sizes {
		BackupStorageBytes.WithLabelValues(deployment).Set(float64(size))
	}

	logger.Debug("Prometheus metrics collected", map[string]interface{}{
		"tasks_enabled":  enabled,
		"tasks_disabled": disabled,
		"deployments":    len(sizes),
	})
	return nil
}

// Run collects immediately and then on every interval until ctx is done
func (e *PrometheusExporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := e.CollectMetrics(); err != nil {
			logger.Error("Failed to collect Prometheus metrics", err, nil)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

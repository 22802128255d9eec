package repository

import (
	"time"

	"github.com/deployd/agent/internal/models"
	"gorm.io/gorm"
)

// ExecutionRepository handles database operations for task executions
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Create creates a new execution record
func (r *ExecutionRepository) Create(exec *models.TaskExecution) error {
	return r.db.Create(exec).Error
}

// FindByID finds an execution by ID
func (r *ExecutionRepository) FindByID(id uint) (*models.TaskExecution, error) {
	var exec models.TaskExecution
	if err := r.db.First(&exec, id).Error; err != nil {
		return nil, err
	}
	return &exec, nil
}

// MarkRunning moves a pending execution to running.
func (r *ExecutionRepository) MarkRunning(id uint) (bool, error) {
	res := r.db.Model(&models.TaskExecution{}).
		Where("id = ? AND status = ?", id, models.ExecutionStatusPending).
		Update("status", models.ExecutionStatusRunning)
	return res.RowsAffected == 1, res.Error
}

// Finish writes the terminal state of an execution exactly once.
func (r *ExecutionRepository) Finish(id uint, status models.ExecutionStatus, output, message string, startedAt, endedAt time.Time) (bool, error) {
	duration := endedAt.Sub(startedAt).Milliseconds()
	res := r.db.Model(&models.TaskExecution{}).
		Where("id = ? AND status IN ?", id, []models.ExecutionStatus{models.ExecutionStatusPending, models.ExecutionStatusRunning}).
		Updates(map[string]interface{}{
			"status":      status,
			"output":      output,
			"error":       message,
			"ended_at":    endedAt,
			"duration_ms": duration,
		})
	return res.RowsAffected == 1, res.Error
}

// ListByTask returns a task's executions, newest first.
func (r *ExecutionRepository) ListByTask(taskID uint, limit int) ([]models.TaskExecution, error) {
	var execs []models.TaskExecution
	query := r.db.Where("task_id = ?", taskID).Order("started_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&execs).Error
	return execs, err
}

// ListRecent returns executions across all tasks, newest first.
func (r *ExecutionRepository) ListRecent(limit int) ([]models.TaskExecution, error) {
	var execs []models.TaskExecution
	query := r.db.Order("started_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&execs).Error
	return execs, err
}

// FailInterrupted fails executions a previous process left unfinished.
func (r *ExecutionRepository) FailInterrupted(message string, at time.Time) (int64, error) {
	res := r.db.Model(&models.TaskExecution{}).
		Where("status IN ?", []models.ExecutionStatus{models.ExecutionStatusPending, models.ExecutionStatusRunning}).
		Updates(map[string]interface{}{
			"status":   models.ExecutionStatusFailed,
			"error":    message,
			"ended_at": at,
		})
	return res.RowsAffected, res.Error
}

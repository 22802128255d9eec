package repository

import (
	"time"

	"github.com/deployd/agent/internal/models"
	"gorm.io/gorm"
)

// TaskRepository handles database operations for scheduled tasks
type TaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository creates a new task repository
func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create creates a new task
func (r *TaskRepository) Create(task *models.ScheduledTask) error {
	return r.db.Create(task).Error
}

// FindByID finds a task by ID
func (r *TaskRepository) FindByID(id uint) (*models.ScheduledTask, error) {
	var task models.ScheduledTask
	if err := r.db.First(&task, id).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// List returns tasks ordered by id, optionally for one deployment.
func (r *TaskRepository) List(deployment string) ([]models.ScheduledTask, error) {
	var tasks []models.ScheduledTask
	query := r.db.Order("id ASC")
	if deployment != "" {
		query = query.Where("deployment_name = ?", deployment)
	}
	err := query.Find(&tasks).Error
	return tasks, err
}

// Update applies a set of column changes to one task.
func (r *TaskRepository) Update(id uint, updates map[string]interface{}) error {
	res := r.db.Model(&models.ScheduledTask{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Delete deletes a task. Executions are kept.
func (r *TaskRepository) Delete(id uint) error {
	res := r.db.Delete(&models.ScheduledTask{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// FindDue returns enabled, idle tasks whose next run is not after now.
func (r *TaskRepository) FindDue(now time.Time) ([]models.ScheduledTask, error) {
	var tasks []models.ScheduledTask
	err := r.db.Where("enabled = ? AND running = ? AND next_run IS NOT NULL AND next_run <= ?", true, false, now).
		Order("next_run ASC").
		Find(&tasks).Error
	return tasks, err
}

// ClaimDue atomically takes the firing of dueAt for one task. Exactly one
// caller observes true for a given due instant; the claim moves next_run to
// nextRun and marks the task running.
func (r *TaskRepository) ClaimDue(id uint, dueAt, nextRun, now time.Time) (bool, error) {
	res := r.db.Model(&models.ScheduledTask{}).
		Where("id = ? AND enabled = ? AND running = ? AND next_run = ?", id, true, false, dueAt).
		Updates(map[string]interface{}{
			"running":  true,
			"last_run": now,
			"next_run": nextRun,
		})
	return res.RowsAffected == 1, res.Error
}

// ClaimManual marks an idle task running without touching next_run.
func (r *TaskRepository) ClaimManual(id uint, now time.Time) (bool, error) {
	res := r.db.Model(&models.ScheduledTask{}).
		Where("id = ? AND running = ?", id, false).
		Updates(map[string]interface{}{
			"running":  true,
			"last_run": now,
		})
	return res.RowsAffected == 1, res.Error
}

// Release clears the running flag. When nextRun is given and the stored
// next_run already passed, next_run moves forward to it as well.
func (r *TaskRepository) Release(id uint, now time.Time, nextRun *time.Time) error {
	if err := r.db.Model(&models.ScheduledTask{}).
		Where("id = ?", id).
		Update("running", false).Error; err != nil {
		return err
	}
	if nextRun == nil {
		return nil
	}
	return r.db.Model(&models.ScheduledTask{}).
		Where("id = ? AND enabled = ? AND next_run IS NOT NULL AND next_run <= ?", id, true, now).
		Update("next_run", *nextRun).Error
}

// ResetRunning clears running flags left by a previous process.
func (r *TaskRepository) ResetRunning() (int64, error) {
	res := r.db.Model(&models.ScheduledTask{}).
		Where("running = ?", true).
		Update("running", false)
	return res.RowsAffected, res.Error
}

// CountByEnabled returns the number of enabled and disabled tasks.
func (r *TaskRepository) CountByEnabled() (enabled, disabled int64, err error) {
	if err = r.db.Model(&models.ScheduledTask{}).Where("enabled = ?", true).Count(&enabled).Error; err != nil {
		return
	}
	err = r.db.Model(&models.ScheduledTask{}).Where("enabled = ?", false).Count(&disabled).Error
	return
}

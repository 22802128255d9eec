package repository

import (
	"errors"
	"strings"
	"time"

	"github.com/deployd/agent/internal/models"
	"gorm.io/gorm"
)

// ErrActiveJobExists is returned when a deployment already has a pending or running job.
var ErrActiveJobExists = errors.New("deployment already has an active backup job")

var activeJobStatuses = []models.BackupJobStatus{models.BackupJobStatusPending, models.BackupJobStatusRunning}

// BackupJobRepository handles database operations for backup and restore jobs
type BackupJobRepository struct {
	db *gorm.DB
}

// NewBackupJobRepository creates a new backup job repository
func NewBackupJobRepository(db *gorm.DB) *BackupJobRepository {
	return &BackupJobRepository{db: db}
}

// Create inserts a job. The partial unique index on active jobs turns a
// concurrent second job for the same deployment into ErrActiveJobExists.
func (r *BackupJobRepository) Create(job *models.BackupJob) error {
	err := r.db.Create(job).Error
	if isUniqueViolation(err) {
		return ErrActiveJobExists
	}
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}

// FindByID finds a job by ID
func (r *BackupJobRepository) FindByID(id string) (*models.BackupJob, error) {
	var job models.BackupJob
	if err := r.db.Where("id = ?", id).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns jobs newest first, optionally for one deployment.
func (r *BackupJobRepository) List(deployment string, limit int) ([]models.BackupJob, error) {
	var jobs []models.BackupJob
	query := r.db.Order("started_at DESC")
	if deployment != "" {
		query = query.Where("deployment_name = ?", deployment)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&jobs).Error
	return jobs, err
}

// ActiveRestoreFor reports whether an in-flight restore reads the backup.
func (r *BackupJobRepository) ActiveRestoreFor(backupID string) (bool, error) {
	var count int64
	err := r.db.Model(&models.BackupJob{}).
		Where("backup_id = ? AND type = ? AND status IN ?", backupID, models.BackupJobTypeRestore, activeJobStatuses).
		Count(&count).Error
	return count > 0, err
}

// MarkRunning moves a pending job to running.
func (r *BackupJobRepository) MarkRunning(id, progress string) (bool, error) {
	res := r.db.Model(&models.BackupJob{}).
		Where("id = ? AND status = ?", id, models.BackupJobStatusPending).
		Updates(map[string]interface{}{"status": models.BackupJobStatusRunning, "progress": progress})
	return res.RowsAffected == 1, res.Error
}

// UpdateProgress replaces the progress line of a running job.
func (r *BackupJobRepository) UpdateProgress(id, progress string) error {
	return r.db.Model(&models.BackupJob{}).
		Where("id = ? AND status = ?", id, models.BackupJobStatusRunning).
		Update("progress", progress).Error
}

// SetBackupID links a backup job to the Backup it produces.
func (r *BackupJobRepository) SetBackupID(id, backupID string) error {
	return r.db.Model(&models.BackupJob{}).
		Where("id = ?", id).
		Update("backup_id", backupID).Error
}

// Finish writes the terminal state. It only applies to a job that is not
// terminal yet, so terminal fields are written at most once.
func (r *BackupJobRepository) Finish(id string, status models.BackupJobStatus, progress, message string, completedAt time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, errors.New("finish requires a terminal status")
	}
	res := r.db.Model(&models.BackupJob{}).
		Where("id = ? AND status IN ?", id, activeJobStatuses).
		Updates(map[string]interface{}{
			"status":       status,
			"progress":     progress,
			"error":        message,
			"completed_at": completedAt,
		})
	return res.RowsAffected == 1, res.Error
}

// FailInterrupted fails jobs a previous process left unfinished.
func (r *BackupJobRepository) FailInterrupted(message string, at time.Time) (int64, error) {
	res := r.db.Model(&models.BackupJob{}).
		Where("status IN ?", activeJobStatuses).
		Updates(map[string]interface{}{
			"status":       models.BackupJobStatusFailed,
			"error":        message,
			"completed_at": at,
		})
	return res.RowsAffected, res.Error
}

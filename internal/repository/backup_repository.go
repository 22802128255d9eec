package repository

import (
	"time"

	"github.com/deployd/agent/internal/models"
	"gorm.io/gorm"
)

// BackupRepository handles database operations for backups
type BackupRepository struct {
	db *gorm.DB
}

// NewBackupRepository creates a new backup repository
func NewBackupRepository(db *gorm.DB) *BackupRepository {
	return &BackupRepository{db: db}
}

// Create creates a new backup record
func (r *BackupRepository) Create(backup *models.Backup) error {
	return r.db.Create(backup).Error
}

// FindByID finds a backup by ID
func (r *BackupRepository) FindByID(id string) (*models.Backup, error) {
	var backup models.Backup
	err := r.db.Where("id = ?", id).First(&backup).Error
	if err != nil {
		return nil, err
	}
	return &backup, nil
}

// ExistsID reports whether a backup with this id was ever recorded.
func (r *BackupRepository) ExistsID(id string) (bool, error) {
	var count int64
	err := r.db.Model(&models.Backup{}).Where("id = ?", id).Count(&count).Error
	return count > 0, err
}

// List returns backups newest first, optionally for one deployment.
func (r *BackupRepository) List(deployment string, limit int) ([]models.Backup, error) {
	var backups []models.Backup
	query := r.db.Order("created_at DESC")
	if deployment != "" {
		query = query.Where("deployment_name = ?", deployment)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&backups).Error
	return backups, err
}

// ListCompletedScheduled returns a deployment's completed scheduled backups, newest first.
func (r *BackupRepository) ListCompletedScheduled(deployment string) ([]models.Backup, error) {
	var backups []models.Backup
	err := r.db.Where("deployment_name = ? AND status = ? AND triggered_by = ?",
		deployment, models.BackupStatusCompleted, models.BackupTriggerScheduled).
		Order("created_at DESC").
		Find(&backups).Error
	return backups, err
}

// MarkInProgress moves a pending backup to in_progress.
func (r *BackupRepository) MarkInProgress(id string) (bool, error) {
	res := r.db.Model(&models.Backup{}).
		Where("id = ? AND status = ?", id, models.BackupStatusPending).
		Update("status", models.BackupStatusInProgress)
	return res.RowsAffected == 1, res.Error
}

// MarkCompleted records the finished archive in one update.
func (r *BackupRepository) MarkCompleted(id string, size int64, path, remotePath string, components []models.BackupComponent, warnings []string, completedAt time.Time, expiresAt *time.Time) (bool, error) {
	res := r.db.Model(&models.Backup{}).
		Where("id = ? AND status = ?", id, models.BackupStatusInProgress).
		Updates(map[string]interface{}{
			"status":       models.BackupStatusCompleted,
			"size":         size,
			"path":         path,
			"remote_path":  remotePath,
			"components":   datatypesSlice(components),
			"warnings":     datatypesSlice(warnings),
			"completed_at": completedAt,
			"expires_at":   expiresAt,
		})
	return res.RowsAffected == 1, res.Error
}

// MarkFailed fails a backup that has not reached a terminal state.
func (r *BackupRepository) MarkFailed(id, message string, warnings []string) (bool, error) {
	res := r.db.Model(&models.Backup{}).
		Where("id = ? AND status IN ?", id, []models.BackupStatus{models.BackupStatusPending, models.BackupStatusInProgress}).
		Updates(map[string]interface{}{
			"status":   models.BackupStatusFailed,
			"error":    message,
			"path":     "",
			"size":     0,
			"warnings": datatypesSlice(warnings),
		})
	return res.RowsAffected == 1, res.Error
}

// FailInterrupted fails backups a previous process left unfinished.
func (r *BackupRepository) FailInterrupted(message string) (int64, error) {
	res := r.db.Model(&models.Backup{}).
		Where("status IN ?", []models.BackupStatus{models.BackupStatusPending, models.BackupStatusInProgress}).
		Updates(map[string]interface{}{"status": models.BackupStatusFailed, "error": message, "path": ""})
	return res.RowsAffected, res.Error
}

// FindExpired finds completed backups whose expiry date passed
func (r *BackupRepository) FindExpired(now time.Time) ([]models.Backup, error) {
	var backups []models.Backup
	err := r.db.Where("expires_at IS NOT NULL AND expires_at < ? AND status = ?",
		now, models.BackupStatusCompleted).
		Order("created_at ASC").
		Find(&backups).Error
	return backups, err
}

// Delete deletes a backup record
func (r *BackupRepository) Delete(id string) error {
	return r.db.Delete(&models.Backup{}, "id = ?", id).Error
}

// TotalSizeByDeployment sums completed archive sizes per deployment.
func (r *BackupRepository) TotalSizeByDeployment() (map[string]int64, error) {
	var rows []struct {
		DeploymentName string
		Total          int64
	}
	err := r.db.Model(&models.Backup{}).
		Select("deployment_name, COALESCE(SUM(size), 0) AS total").
		Where("status = ?", models.BackupStatusCompleted).
		Group("deployment_name").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.DeploymentName] = row.Total
	}
	return out, nil
}

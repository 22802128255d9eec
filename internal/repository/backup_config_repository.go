package repository

import (
	"github.com/deployd/agent/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BackupConfigRepository stores the BackupSpec of each deployment
type BackupConfigRepository struct {
	db *gorm.DB
}

// NewBackupConfigRepository creates a new backup config repository
func NewBackupConfigRepository(db *gorm.DB) *BackupConfigRepository {
	return &BackupConfigRepository{db: db}
}

// Get returns the spec of a deployment, or gorm.ErrRecordNotFound.
func (r *BackupConfigRepository) Get(deployment string) (*models.BackupSpec, error) {
	var cfg models.DeploymentBackupConfig
	if err := r.db.Where("deployment_name = ?", deployment).First(&cfg).Error; err != nil {
		return nil, err
	}
	spec := cfg.Spec.Data()
	return &spec, nil
}

// Upsert creates or replaces the spec of a deployment.
func (r *BackupConfigRepository) Upsert(deployment string, spec models.BackupSpec) error {
	cfg := models.DeploymentBackupConfig{
		DeploymentName: deployment,
		Spec:           datatypes.NewJSONType(spec),
	}
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "deployment_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"spec", "updated_at"}),
	}).Create(&cfg).Error
}

// Delete removes the spec of a deployment.
func (r *BackupConfigRepository) Delete(deployment string) error {
	return r.db.Delete(&models.DeploymentBackupConfig{}, "deployment_name = ?", deployment).Error
}

package models

import (
	"time"

	"gorm.io/datatypes"
)

// BackupStatus represents the status of a backup
type BackupStatus string

const (
	BackupStatusPending    BackupStatus = "pending"     // Record created, job not started
	BackupStatusInProgress BackupStatus = "in_progress" // Capture and packaging running
	BackupStatusCompleted  BackupStatus = "completed"   // Archive written and sized
	BackupStatusFailed     BackupStatus = "failed"      // Aborted, no archive kept
)

// BackupTrigger tells manual backups apart from the ones a scheduled task produced.
// Only scheduled backups are subject to retention_count pruning.
type BackupTrigger string

const (
	BackupTriggerManual    BackupTrigger = "manual"
	BackupTriggerScheduled BackupTrigger = "scheduled"
)

// BackupComponent names one captured part of a deployment.
type BackupComponent string

const (
	ComponentCompose BackupComponent = "compose"
	ComponentEnv     BackupComponent = "env"
	ComponentData    BackupComponent = "data"
	ComponentDB      BackupComponent = "db"
)

// Backup is one snapshot archive of a deployment.
type Backup struct {
	ID             string        `gorm:"primaryKey;size:128" json:"id"`
	DeploymentName string        `gorm:"size:255;not null;index" json:"deployment_name"`
	Status         BackupStatus  `gorm:"size:20;not null;index" json:"status"`
	Trigger        BackupTrigger `gorm:"column:triggered_by;size:20;not null;index" json:"trigger"`
	TaskID         *uint         `gorm:"index" json:"task_id,omitempty"`

	// Meaningful once Status is completed
	Size       int64                               `gorm:"not null;default:0" json:"size"`
	Path       string                              `gorm:"size:1024" json:"path"`
	RemotePath string                              `gorm:"size:1024" json:"remote_path,omitempty"`
	Components datatypes.JSONSlice[BackupComponent] `json:"components"`

	// Skipped optional paths and failed post hooks
	Warnings datatypes.JSONSlice[string] `json:"warnings,omitempty"`
	Error    string                      `gorm:"size:2048" json:"error,omitempty"`

	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   *time.Time `gorm:"index" json:"expires_at,omitempty"`
}

// TableName specifies the table name
func (Backup) TableName() string {
	return "backups"
}

// HasComponent reports whether the archive contains the given part.
func (b *Backup) HasComponent(c BackupComponent) bool {
	for _, have := range b.Components {
		if have == c {
			return true
		}
	}
	return false
}

// IsExpired checks if the backup passed its expiry date
func (b *Backup) IsExpired(now time.Time) bool {
	return b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}

// BackupJobType distinguishes backup from restore jobs.
type BackupJobType string

const (
	BackupJobTypeBackup  BackupJobType = "backup"
	BackupJobTypeRestore BackupJobType = "restore"
)

// BackupJobStatus is the pollable state of a job.
type BackupJobStatus string

const (
	BackupJobStatusPending   BackupJobStatus = "pending"
	BackupJobStatusRunning   BackupJobStatus = "running"
	BackupJobStatusCompleted BackupJobStatus = "completed"
	BackupJobStatusFailed    BackupJobStatus = "failed"
)

// IsTerminal reports whether the job will not change anymore.
func (s BackupJobStatus) IsTerminal() bool {
	return s == BackupJobStatusCompleted || s == BackupJobStatusFailed
}

// BackupJob is the asynchronous handle for one backup or restore run.
type BackupJob struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	Type           BackupJobType   `gorm:"size:20;not null" json:"type"`
	Status         BackupJobStatus `gorm:"size:20;not null;index" json:"status"`
	DeploymentName string          `gorm:"size:255;not null;index" json:"deployment_name"`
	BackupID       string          `gorm:"size:128;index" json:"backup_id,omitempty"`
	Progress       string          `gorm:"size:512" json:"progress,omitempty"`
	Error          string          `gorm:"size:4096" json:"error,omitempty"`
	StartedAt      time.Time       `gorm:"index" json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// TableName specifies the table name
func (BackupJob) TableName() string {
	return "backup_jobs"
}

// RestoreOptions selects which components a restore applies.
type RestoreOptions struct {
	RestoreData bool `json:"restore_data"`
	RestoreDB   bool `json:"restore_db"`
	StopFirst   bool `json:"stop_first"`
}

// DefaultRestoreOptions restores every component without stopping containers.
func DefaultRestoreOptions() RestoreOptions {
	return RestoreOptions{RestoreData: true, RestoreDB: true}
}

package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/deployd/agent/internal/middleware"
	"github.com/deployd/agent/internal/models"
	"github.com/deployd/agent/internal/service"
	"github.com/gin-gonic/gin"
)

// BackupManager is the executor surface the handlers use
type BackupManager interface {
	CreateBackup(ctx context.Context, deployment string) (*models.BackupJob, error)
	RestoreBackup(ctx context.Context, backupID string, opts models.RestoreOptions) (*models.BackupJob, error)
	DeleteBackup(ctx context.Context, backupID string) error
	GetBackup(id string) (*models.Backup, error)
	ListBackups(deployment string, limit int) ([]models.Backup, error)
	GetJob(id string) (*models.BackupJob, error)
	ListJobs(deployment string, limit int) ([]models.BackupJob, error)
	GetBackupConfig(deployment string) (*models.BackupSpec, error)
	UpdateBackupConfig(deployment string, spec models.BackupSpec) (*models.BackupSpec, error)
	OpenArchive(id string) (*models.Backup, string, error)
}

type BackupHandler struct {
	backupService BackupManager
}

func NewBackupHandler(backupService BackupManager) *BackupHandler {
	return &BackupHandler{
		backupService: backupService,
	}
}

// CreateBackup handles POST /api/deployments/:name/backups and POST /api/backups
func (h *BackupHandler) CreateBackup(c *gin.Context) {
	deployment := c.Param("name")
	if deployment == "" {
		var req struct {
			DeploymentName string `json:"deployment_name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.HandleAppError(c, middleware.NewBadRequestError("deployment_name is required"))
			return
		}
		deployment = req.DeploymentName
	}

	// The job outlives the request
	job, err := h.backupService.CreateBackup(context.Background(), deployment)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":  job.ID,
		"message": "backup started",
	})
}

// ListBackups handles GET /api/backups?deployment=&limit=
func (h *BackupHandler) ListBackups(c *gin.Context) {
	h.listBackups(c, c.Query("deployment"))
}

// ListDeploymentBackups handles GET /api/deployments/:name/backups?limit=
func (h *BackupHandler) ListDeploymentBackups(c *gin.Context) {
	h.listBackups(c, c.Param("name"))
}

func (h *BackupHandler) listBackups(c *gin.Context, deployment string) {
	limit, err := queryLimit(c)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	backups, err := h.backupService.ListBackups(deployment, limit)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	if backups == nil {
		backups = []models.Backup{}
	}
	c.JSON(http.StatusOK, gin.H{"backups": backups})
}

// GetBackup handles GET /api/backups/:id
func (h *BackupHandler) GetBackup(c *gin.Context) {
	backup, err := h.backupService.GetBackup(c.Param("id"))
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backup": backup})
}

// RestoreBackup handles POST /api/backups/:id/restore
// Body (optional, omitted fields keep these defaults):
// {"restore_data": true, "restore_db": true, "stop_first": false}
func (h *BackupHandler) RestoreBackup(c *gin.Context) {
	opts := models.DefaultRestoreOptions()
	if err := c.ShouldBindJSON(&opts); err != nil && !errors.Is(err, io.EOF) {
		middleware.HandleAppError(c, middleware.NewBadRequestError("Invalid request body: "+err.Error()))
		return
	}

	job, err := h.backupService.RestoreBackup(context.Background(), c.Param("id"), opts)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":  job.ID,
		"message": "restore started",
	})
}

// DeleteBackup handles DELETE /api/backups/:id
func (h *BackupHandler) DeleteBackup(c *gin.Context) {
	if err := h.backupService.DeleteBackup(c.Request.Context(), c.Param("id")); err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "backup deleted"})
}

// DownloadBackup handles GET /api/backups/:id/download
func (h *BackupHandler) DownloadBackup(c *gin.Context) {
	backup, path, err := h.backupService.OpenArchive(c.Param("id"))
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.Header("Content-Type", "application/gzip")
	c.FileAttachment(path, backup.ID+".tar.gz")
}

// GetJob handles GET /api/backups/jobs/:id
func (h *BackupHandler) GetJob(c *gin.Context) {
	job, err := h.backupService.GetJob(c.Param("id"))
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// ListJobs handles GET /api/backups/jobs?deployment=&limit=
func (h *BackupHandler) ListJobs(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	jobs, err := h.backupService.ListJobs(c.Query("deployment"), limit)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	if jobs == nil {
		jobs = []models.BackupJob{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// GetBackupConfig handles GET /api/deployments/:name/backup-config
func (h *BackupHandler) GetBackupConfig(c *gin.Context) {
	spec, err := h.backupService.GetBackupConfig(c.Param("name"))
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backup_config": spec})
}

// UpdateBackupConfig handles PUT /api/deployments/:name/backup-config
func (h *BackupHandler) UpdateBackupConfig(c *gin.Context) {
	var spec models.BackupSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		middleware.HandleAppError(c, middleware.NewBadRequestError("Invalid request body: "+err.Error()))
		return
	}
	stored, err := h.backupService.UpdateBackupConfig(c.Param("name"), spec)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backup_config": stored})
}

var _ BackupManager = (*service.BackupService)(nil)

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/deployd/agent/internal/docker"
	"github.com/deployd/agent/internal/events"
	"github.com/deployd/agent/internal/models"
	"github.com/deployd/agent/internal/monitoring"
	"github.com/deployd/agent/internal/repository"
	"github.com/deployd/agent/pkg/config"
	"github.com/deployd/agent/pkg/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	interruptedMessage = "interrupted by agent restart"
	defaultListLimit   = 50
	maxListLimit       = 500
	stopTimeoutSeconds = 30
)

var deploymentNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,99}$`)

// Compose files captured from the deployment directory, in this order.
var composeFileNames = []string{
	"docker-compose.yml", "docker-compose.yaml",
	"compose.yml", "compose.yaml",
	"docker-compose.override.yml", "docker-compose.override.yaml",
	"compose.override.yml", "compose.override.yaml",
}

// OffsiteStore mirrors archives to remote storage.
type OffsiteStore interface {
	Upload(localPath, remoteName string) (string, error)
	Download(remotePath, localPath string) error
	Delete(remotePath string) error
}

// BackupService creates, restores and prunes deployment backups
type BackupService struct {
	backupRepo *repository.BackupRepository
	jobRepo    *repository.BackupJobRepository
	configRepo *repository.BackupConfigRepository
	runtime    docker.ContainerRuntime
	exec       *containerExecutor
	offsite    OffsiteStore
	bus        *events.EventBus

	backupDir         string
	deploymentsDir    string
	retentionDays     int
	hookTimeout       time.Duration
	dumpTimeout       time.Duration
	outputLimit       int
	restoreStartDelay time.Duration

	locks *deploymentLocks
	mu    sync.Mutex // orders restore creation against deletion
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBackupService creates a new backup service
func NewBackupService(
	backupRepo *repository.BackupRepository,
	jobRepo *repository.BackupJobRepository,
	configRepo *repository.BackupConfigRepository,
	runtime docker.ContainerRuntime,
	cfg *config.Config,
) *BackupService {
	ctx, cancel := context.WithCancel(context.Background())
	s := &BackupService{
		backupRepo:        backupRepo,
		jobRepo:           jobRepo,
		configRepo:        configRepo,
		runtime:           runtime,
		exec:              newContainerExecutor(runtime),
		backupDir:         cfg.BackupDir,
		deploymentsDir:    cfg.DeploymentsDir,
		retentionDays:     cfg.BackupRetentionDays,
		hookTimeout:       cfg.BackupHookTimeout,
		dumpTimeout:       cfg.BackupDumpTimeout,
		outputLimit:       cfg.CommandOutputLimit,
		restoreStartDelay: 5 * time.Second,
		locks:             newDeploymentLocks(),
		now:               func() time.Time { return time.Now().UTC() },
		ctx:               ctx,
		cancel:            cancel,
	}

	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		logger.Error("BACKUP: Failed to create backup directory", err, map[string]interface{}{
			"path": s.backupDir,
		})
	}
	return s
}

// SetOffsiteStore replaces the offsite mirror; nil disables it.
func (s *BackupService) SetOffsiteStore(store OffsiteStore) {
	s.offsite = store
}

// SetEventBus sets the bus backup events are published on.
func (s *BackupService) SetEventBus(bus *events.EventBus) {
	s.bus = bus
}

// backupRequest carries what differs between manual and scheduled backups.
type backupRequest struct {
	Deployment string
	Trigger    models.BackupTrigger
	TaskID     *uint
	StorageDir string
}

// CreateBackup starts an asynchronous backup and returns its job.
func (s *BackupService) CreateBackup(ctx context.Context, deployment string) (*models.BackupJob, error) {
	spec, err := s.loadSpec(deployment)
	if err != nil {
		return nil, err
	}
	job, err := s.beginJob(deployment, models.BackupJobTypeBackup, "")
	if err != nil {
		return nil, err
	}

	logger.Info("BACKUP: Backup job queued", map[string]interface{}{
		"job_id":     job.ID,
		"deployment": deployment,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.locks.Unlock(deployment)
		_, _ = s.runBackup(s.ctx, job, *spec, backupRequest{
			Deployment: deployment,
			Trigger:    models.BackupTriggerManual,
		})
	}()
	return job, nil
}

// RunScheduledBackup runs a backup inline for a scheduled task and applies
// the task's retention_count afterwards.
func (s *BackupService) RunScheduledBackup(ctx context.Context, taskID uint, deployment string, cfg models.BackupTaskConfig) (*models.Backup, error) {
	spec, err := s.loadSpec(deployment)
	if err != nil {
		return nil, err
	}
	job, err := s.beginJob(deployment, models.BackupJobTypeBackup, "")
	if err != nil {
		return nil, err
	}
	defer s.locks.Unlock(deployment)

	backup, err := s.runBackup(ctx, job, *spec, backupRequest{
		Deployment: deployment,
		Trigger:    models.BackupTriggerScheduled,
		TaskID:     &taskID,
		StorageDir: cfg.StoragePath,
	})
	if err != nil {
		return nil, err
	}

	if cfg.RetentionCount > 0 {
		if _, err := s.pruneScheduled(deployment, cfg.RetentionCount); err != nil {
			logger.Warn("BACKUP: Retention pruning failed", map[string]interface{}{
				"deployment": deployment,
				"error":      err.Error(),
			})
		}
	}
	return backup, nil
}

func (s *BackupService) loadSpec(deployment string) (*models.BackupSpec, error) {
	if err := validateDeploymentName(deployment); err != nil {
		return nil, err
	}
	spec, err := s.configRepo.Get(deployment)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, validationErrorf("deployment", "no backup configuration for deployment %s", deployment)
		}
		return nil, fmt.Errorf("failed to load backup configuration: %w", err)
	}
	return spec, nil
}

func validateDeploymentName(name string) error {
	if !deploymentNamePattern.MatchString(name) {
		return validationErrorf("deployment", "invalid deployment name %q", name)
	}
	return nil
}

// beginJob takes the deployment lock and records a pending job. The caller
// releases the lock when the job is terminal.
func (s *BackupService) beginJob(deployment string, jobType models.BackupJobType, backupID string) (*models.BackupJob, error) {
	if !s.locks.TryLock(deployment) {
		return nil, &ConflictError{Message: fmt.Sprintf("a backup or restore is already running for deployment %s", deployment)}
	}
	job := &models.BackupJob{
		ID:             uuid.NewString(),
		Type:           jobType,
		Status:         models.BackupJobStatusPending,
		DeploymentName: deployment,
		BackupID:       backupID,
		Progress:       "queued",
		StartedAt:      s.now(),
	}
	if err := s.jobRepo.Create(job); err != nil {
		s.locks.Unlock(deployment)
		if errors.Is(err, repository.ErrActiveJobExists) {
			return nil, &ConflictError{Message: fmt.Sprintf("a backup or restore is already running for deployment %s", deployment)}
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// backupRun accumulates state while one backup job runs.
type backupRun struct {
	s          *BackupService
	job        *models.BackupJob
	backup     *models.Backup
	spec       models.BackupSpec
	req        backupRequest
	warnings   []string
	components []models.BackupComponent
	manifest   archiveManifest
}

func (r *backupRun) progress(msg string) {
	if err := r.s.jobRepo.UpdateProgress(r.job.ID, msg); err != nil {
		logger.Warn("BACKUP: Failed to update job progress", map[string]interface{}{
			"job_id": r.job.ID,
			"error":  err.Error(),
		})
	}
}

func (r *backupRun) warn(msg string) {
	r.warnings = append(r.warnings, msg)
	logger.Warn("BACKUP: "+msg, map[string]interface{}{
		"backup_id":  r.backup.ID,
		"deployment": r.req.Deployment,
	})
}

func (r *backupRun) addComponent(c models.BackupComponent) {
	for _, have := range r.components {
		if have == c {
			return
		}
	}
	r.components = append(r.components, c)
}

// runBackup performs one backup job to a terminal state.
func (s *BackupService) runBackup(ctx context.Context, job *models.BackupJob, spec models.BackupSpec, req backupRequest) (result *models.Backup, err error) {
	run := &backupRun{s: s, job: job, spec: spec, req: req}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backup panicked: %v", r)
			result = nil
			logger.Error("BACKUP: Worker panicked", err, map[string]interface{}{"job_id": job.ID})
		}
		if err != nil {
			s.failBackup(run, err)
		}
	}()

	if _, err := s.jobRepo.MarkRunning(job.ID, "starting"); err != nil {
		return nil, fmt.Errorf("failed to mark job running: %w", err)
	}

	createdAt := s.now()
	backupID, err := s.nextBackupID(req.Deployment, createdAt)
	if err != nil {
		return nil, err
	}
	run.backup = &models.Backup{
		ID:             backupID,
		DeploymentName: req.Deployment,
		Status:         models.BackupStatusPending,
		Trigger:        req.Trigger,
		TaskID:         req.TaskID,
		CreatedAt:      createdAt,
	}
	if err := s.backupRepo.Create(run.backup); err != nil {
		run.backup = nil
		return nil, fmt.Errorf("failed to create backup record: %w", err)
	}
	if err := s.jobRepo.SetBackupID(job.ID, backupID); err != nil {
		return nil, fmt.Errorf("failed to link backup to job: %w", err)
	}
	if _, err := s.backupRepo.MarkInProgress(backupID); err != nil {
		return nil, fmt.Errorf("failed to mark backup in progress: %w", err)
	}

	logger.Info("BACKUP: Backup started", map[string]interface{}{
		"backup_id":  backupID,
		"job_id":     job.ID,
		"deployment": req.Deployment,
		"trigger":    req.Trigger,
	})

	if err := s.capture(ctx, run); err != nil {
		return nil, err
	}

	completedAt := s.now()
	var expiresAt *time.Time
	if s.retentionDays > 0 {
		t := completedAt.AddDate(0, 0, s.retentionDays)
		expiresAt = &t
	}
	ok, err := s.backupRepo.MarkCompleted(backupID, run.backup.Size, run.backup.Path, run.backup.RemotePath,
		run.components, run.warnings, completedAt, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record completed backup: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("backup %s left in_progress before completion", backupID)
	}
	if _, err := s.jobRepo.Finish(job.ID, models.BackupJobStatusCompleted, "completed", "", completedAt); err != nil {
		logger.Error("BACKUP: Failed to finish job", err, map[string]interface{}{"job_id": job.ID})
	}

	monitoring.BackupJobsTotal.WithLabelValues(string(models.BackupJobTypeBackup), string(models.BackupJobStatusCompleted)).Inc()
	monitoring.BackupJobDuration.WithLabelValues(string(models.BackupJobTypeBackup)).Observe(completedAt.Sub(job.StartedAt).Seconds())
	monitoring.BackupSizeBytes.Observe(float64(run.backup.Size))

	s.publish(events.EventBackupCreated, req.Deployment, backupID, map[string]interface{}{
		"job_id":     job.ID,
		"size":       run.backup.Size,
		"trigger":    string(req.Trigger),
		"components": len(run.components),
		"warnings":   len(run.warnings),
	})
	logger.Info("BACKUP: Backup completed", map[string]interface{}{
		"backup_id":  backupID,
		"deployment": req.Deployment,
		"size":       run.backup.Size,
		"warnings":   len(run.warnings),
	})

	stored, findErr := s.backupRepo.FindByID(backupID)
	if findErr != nil {
		logger.Warn("BACKUP: Failed to reload completed backup", map[string]interface{}{
			"backup_id": backupID,
			"error":     findErr.Error(),
		})
		return run.backup, nil
	}
	return stored, nil
}

// capture runs hooks, snapshots and dumps, and writes the archive.
func (s *BackupService) capture(ctx context.Context, run *backupRun) error {
	deployment := run.req.Deployment

	run.progress("resolving database credentials")
	targets, err := s.resolveDatabases(ctx, deployment, run.spec.Databases)
	if err != nil {
		return stepError("resolve credentials", err)
	}

	for i, hook := range run.spec.PreHooks {
		run.progress(fmt.Sprintf("running pre-hook %d/%d", i+1, len(run.spec.PreHooks)))
		if err := s.runHook(ctx, deployment, hook); err != nil {
			return stepError(fmt.Sprintf("pre-hook %d (%s)", i+1, hook.Service), err)
		}
	}

	root := s.backupDir
	if run.req.StorageDir != "" {
		root = run.req.StorageDir
	}
	archivePath := filepath.Join(root, deployment, run.backup.ID+".tar.gz")
	aw, err := newArchiveWriter(archivePath, run.spec.ExcludePatterns)
	if err != nil {
		return stepError("archive", err)
	}
	committed := false
	defer func() {
		if !committed {
			aw.Abort()
		}
	}()

	run.manifest = archiveManifest{BackupID: run.backup.ID, Deployment: deployment, CreatedAt: run.backup.CreatedAt}

	run.progress("copying deployment files")
	if err := s.addDeploymentFiles(aw, run); err != nil {
		return stepError("deployment files", err)
	}

	for i, p := range run.spec.ContainerPaths {
		run.progress(fmt.Sprintf("copying %s:%s", p.Service, p.ContainerPath))
		entry := fmt.Sprintf("data/%d", i)
		streamed, err := s.snapshotPath(ctx, aw, deployment, p, entry)
		if err != nil {
			if p.Required || streamed {
				return stepError(fmt.Sprintf("container path %s:%s", p.Service, p.ContainerPath), err)
			}
			run.warn(fmt.Sprintf("skipped optional path %s:%s: %v", p.Service, p.ContainerPath, err))
			continue
		}
		run.manifest.Paths = append(run.manifest.Paths, manifestPath{Service: p.Service, ContainerPath: p.ContainerPath, Entry: entry})
		run.addComponent(models.ComponentData)
	}

	for _, t := range targets {
		run.progress("dumping database " + t.Label())
		if err := s.dumpDatabase(ctx, aw, filepath.Dir(archivePath), t); err != nil {
			return stepError("database "+t.Label(), err)
		}
		run.manifest.Databases = append(run.manifest.Databases, manifestDatabase{
			Service:  t.Spec.Service,
			Type:     t.Spec.Type,
			Database: t.Database,
			Entry:    t.EntryName(),
		})
		run.addComponent(models.ComponentDB)
	}

	run.progress("finalizing archive")
	run.manifest.Components = run.components
	size, err := aw.Commit(run.manifest)
	if err != nil {
		return stepError("archive", err)
	}
	committed = true
	run.backup.Path = archivePath
	run.backup.Size = size

	if s.offsite != nil {
		run.progress("uploading to offsite storage")
		remote, err := s.offsite.Upload(archivePath, path.Join(deployment, run.backup.ID+".tar.gz"))
		if err != nil {
			run.warn(fmt.Sprintf("offsite upload failed: %v", err))
		} else {
			run.backup.RemotePath = remote
		}
	}

	for i, hook := range run.spec.PostHooks {
		run.progress(fmt.Sprintf("running post-hook %d/%d", i+1, len(run.spec.PostHooks)))
		if err := s.runHook(ctx, deployment, hook); err != nil {
			run.warn(fmt.Sprintf("post-hook %d (%s) failed: %v", i+1, hook.Service, err))
		}
	}
	return nil
}

func (s *BackupService) addDeploymentFiles(aw *archiveWriter, run *backupRun) error {
	if s.deploymentsDir == "" {
		return nil
	}
	dir := filepath.Join(s.deploymentsDir, run.req.Deployment)

	add := func(localName, entry string) (bool, error) {
		p := filepath.Join(dir, localName)
		info, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return false, nil
			}
			return false, err
		}
		if !info.Mode().IsRegular() {
			return false, nil
		}
		return true, aw.AddFile(entry, p)
	}

	for _, name := range composeFileNames {
		found, err := add(name, "compose/"+name)
		if err != nil {
			return err
		}
		if found {
			run.addComponent(models.ComponentCompose)
		}
	}
	found, err := add(".env", "env/.env")
	if err != nil {
		return err
	}
	if found {
		run.addComponent(models.ComponentEnv)
	}
	return nil
}

// snapshotPath copies one container path into the archive. streamed reports
// whether archive bytes were written before a failure.
func (s *BackupService) snapshotPath(ctx context.Context, aw *archiveWriter, deployment string, p models.ContainerBackupPath, entry string) (streamed bool, err error) {
	containerID, err := s.runtime.ResolveService(ctx, deployment, p.Service)
	if err != nil {
		return false, err
	}
	rc, err := s.runtime.CopyFrom(ctx, containerID, p.ContainerPath)
	if err != nil {
		return false, err
	}
	defer rc.Close()

	if _, err := aw.AddContainerTar(entry, rc); err != nil {
		return true, err
	}
	return true, nil
}

func (s *BackupService) dumpDatabase(ctx context.Context, aw *archiveWriter, tmpDir string, t *databaseTarget) error {
	tmp, err := os.CreateTemp(tmpDir, ".dump-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	dumpErr := t.Dump(ctx, s.exec, dumpOptions{Timeout: s.dumpTimeout, StderrLimit: s.outputLimit}, tmp)
	if err := tmp.Close(); err != nil && dumpErr == nil {
		dumpErr = err
	}
	if dumpErr != nil {
		return dumpErr
	}
	return aw.AddFile(t.EntryName(), tmp.Name())
}

func (s *BackupService) resolveDatabases(ctx context.Context, deployment string, specs []models.DatabaseBackupSpec) ([]*databaseTarget, error) {
	envs := make(map[string]map[string]string)
	targets := make([]*databaseTarget, 0, len(specs))
	for _, spec := range specs {
		containerID, err := s.runtime.ResolveService(ctx, deployment, spec.Service)
		if err != nil {
			return nil, err
		}
		env, ok := envs[containerID]
		if !ok {
			env, err = s.runtime.ContainerEnv(ctx, containerID)
			if err != nil {
				return nil, fmt.Errorf("failed to read environment of %s: %w", spec.Service, err)
			}
			envs[containerID] = env
		}
		t, err := resolveDatabaseTarget(spec, containerID, env)
		if err != nil {
			return nil, fmt.Errorf("%s database: %w", spec.Service, err)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func (s *BackupService) runHook(ctx context.Context, deployment string, hook models.BackupHookSpec) error {
	containerID, err := s.runtime.ResolveService(ctx, deployment, hook.Service)
	if err != nil {
		return err
	}
	out, code, err := s.exec.RunCaptured(ctx, containerCommand{
		ContainerID: containerID,
		Script:      hook.Command,
		Timeout:     hook.HookTimeout(s.hookTimeout),
	}, s.outputLimit)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("exit code %d: %s", code, strings.TrimSpace(out))
	}
	return nil
}

func (s *BackupService) failBackup(run *backupRun, cause error) {
	at := s.now()
	msg := cause.Error()
	deployment := run.req.Deployment

	if run.backup != nil {
		if run.backup.Path != "" {
			_ = os.Remove(run.backup.Path)
		}
		if _, err := s.backupRepo.MarkFailed(run.backup.ID, msg, run.warnings); err != nil {
			logger.Error("BACKUP: Failed to mark backup failed", err, map[string]interface{}{"backup_id": run.backup.ID})
		}
	}
	if _, err := s.jobRepo.Finish(run.job.ID, models.BackupJobStatusFailed, "failed", msg, at); err != nil {
		logger.Error("BACKUP: Failed to finish job", err, map[string]interface{}{"job_id": run.job.ID})
	}

	monitoring.BackupJobsTotal.WithLabelValues(string(models.BackupJobTypeBackup), string(models.BackupJobStatusFailed)).Inc()
	monitoring.BackupJobDuration.WithLabelValues(string(models.BackupJobTypeBackup)).Observe(at.Sub(run.job.StartedAt).Seconds())

	subject := run.job.ID
	if run.backup != nil {
		subject = run.backup.ID
	}
	s.publish(events.EventBackupFailed, deployment, subject, map[string]interface{}{
		"job_id": run.job.ID,
		"error":  msg,
	})
	logger.Error("BACKUP: Backup failed", cause, map[string]interface{}{
		"job_id":     run.job.ID,
		"deployment": deployment,
	})
}

// nextBackupID returns <deployment>-YYYYMMDD-HHMMSS, suffixed on collision.
func (s *BackupService) nextBackupID(deployment string, at time.Time) (string, error) {
	base := deployment + "-" + at.UTC().Format("20060102-150405")
	id := base
	for n := 2; ; n++ {
		exists, err := s.backupRepo.ExistsID(id)
		if err != nil {
			return "", fmt.Errorf("failed to check backup id: %w", err)
		}
		if !exists {
			return id, nil
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

// RestoreBackup starts an asynchronous restore of a completed backup.
func (s *BackupService) RestoreBackup(ctx context.Context, backupID string, opts models.RestoreOptions) (*models.BackupJob, error) {
	if !opts.RestoreData && !opts.RestoreDB {
		return nil, validationErrorf("restore", "select restore_data, restore_db or both")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	backup, err := s.backupRepo.FindByID(backupID)
	if err != nil {
		return nil, notFoundOr(err, "backup", backupID)
	}
	if backup.Status != models.BackupStatusCompleted {
		return nil, validationErrorf("backup", "backup %s is %s; only completed backups can be restored", backupID, backup.Status)
	}

	job, err := s.beginJob(backup.DeploymentName, models.BackupJobTypeRestore, backup.ID)
	if err != nil {
		return nil, err
	}

	logger.Info("BACKUP: Restore job queued", map[string]interface{}{
		"job_id":       job.ID,
		"backup_id":    backup.ID,
		"deployment":   backup.DeploymentName,
		"restore_data": opts.RestoreData,
		"restore_db":   opts.RestoreDB,
		"stop_first":   opts.StopFirst,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.locks.Unlock(backup.DeploymentName)
		s.runRestore(s.ctx, job, backup, opts)
	}()
	return job, nil
}

func (s *BackupService) runRestore(ctx context.Context, job *models.BackupJob, backup *models.Backup, opts models.RestoreOptions) {
	deployment := backup.DeploymentName
	var errs []string

	defer func() {
		if r := recover(); r != nil {
			errs = append(errs, fmt.Sprintf("restore panicked: %v", r))
		}
		s.finishRestore(job, backup, errs)
	}()

	if _, err := s.jobRepo.MarkRunning(job.ID, "preparing archive"); err != nil {
		errs = append(errs, err.Error())
		return
	}
	progress := func(msg string) {
		if err := s.jobRepo.UpdateProgress(job.ID, msg); err != nil {
			logger.Warn("BACKUP: Failed to update job progress", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
		}
	}

	archivePath, err := s.localArchive(backup)
	if err != nil {
		errs = append(errs, fmt.Sprintf("archive: %v", err))
		return
	}
	reader := archiveReader{path: archivePath}
	manifest, err := reader.Manifest()
	if err != nil {
		errs = append(errs, fmt.Sprintf("archive: %v", err))
		return
	}

	containers, err := s.runtime.DeploymentContainers(ctx, deployment)
	if err != nil {
		errs = append(errs, fmt.Sprintf("containers: %v", err))
		return
	}

	var stopped []docker.Container
	if opts.StopFirst {
		progress("stopping containers")
		for _, c := range containers {
			if !c.Running {
				continue
			}
			if err := s.runtime.StopContainer(ctx, c.ID, stopTimeoutSeconds); err != nil {
				errs = append(errs, fmt.Sprintf("stop %s: %v", c.Service, err))
				continue
			}
			stopped = append(stopped, c)
		}
	}

	if opts.RestoreData && backup.HasComponent(models.ComponentData) {
		byService := make(map[string]string)
		for _, c := range containers {
			if _, ok := byService[c.Service]; !ok || c.Running {
				byService[c.Service] = c.ID
			}
		}
		for _, p := range manifest.Paths {
			progress(fmt.Sprintf("restoring %s:%s", p.Service, p.ContainerPath))
			if err := s.restorePath(ctx, reader, byService[p.Service], p); err != nil {
				errs = append(errs, fmt.Sprintf("data %s:%s: %v", p.Service, p.ContainerPath, err))
			}
		}
	}

	if len(stopped) > 0 {
		progress("starting containers")
		for _, c := range stopped {
			if err := s.runtime.StartContainer(ctx, c.ID); err != nil {
				errs = append(errs, fmt.Sprintf("start %s: %v", c.Service, err))
			}
		}
	}

	if opts.RestoreDB && backup.HasComponent(models.ComponentDB) {
		if len(stopped) > 0 && s.restoreStartDelay > 0 {
			select {
			case <-ctx.Done():
				errs = append(errs, ctx.Err().Error())
				return
			case <-time.After(s.restoreStartDelay):
			}
		}
		for _, d := range manifest.Databases {
			progress(fmt.Sprintf("restoring database %s/%s", d.Service, d.Database))
			if err := s.restoreDatabase(ctx, reader, deployment, d); err != nil {
				errs = append(errs, fmt.Sprintf("database %s/%s: %v", d.Service, d.Database, err))
			}
		}
	}
}

func (s *BackupService) finishRestore(job *models.BackupJob, backup *models.Backup, errs []string) {
	at := s.now()
	status := models.BackupJobStatusCompleted
	progress := "completed"
	msg := ""
	if len(errs) > 0 {
		status = models.BackupJobStatusFailed
		progress = "failed"
		msg = strings.Join(errs, "; ")
	}
	if _, err := s.jobRepo.Finish(job.ID, status, progress, msg, at); err != nil {
		logger.Error("BACKUP: Failed to finish restore job", err, map[string]interface{}{"job_id": job.ID})
	}

	monitoring.BackupJobsTotal.WithLabelValues(string(models.BackupJobTypeRestore), string(status)).Inc()
	monitoring.BackupJobDuration.WithLabelValues(string(models.BackupJobTypeRestore)).Observe(at.Sub(job.StartedAt).Seconds())

	eventType := events.EventBackupRestored
	if status == models.BackupJobStatusFailed {
		eventType = events.EventBackupRestoreFailed
	}
	s.publish(eventType, backup.DeploymentName, backup.ID, map[string]interface{}{
		"job_id": job.ID,
		"error":  msg,
	})
	logger.Info("BACKUP: Restore finished", map[string]interface{}{
		"job_id":     job.ID,
		"backup_id":  backup.ID,
		"deployment": backup.DeploymentName,
		"status":     status,
		"error":      msg,
	})
}

func (s *BackupService) restorePath(ctx context.Context, reader archiveReader, containerID string, p manifestPath) error {
	if containerID == "" {
		return fmt.Errorf("no container for service %s", p.Service)
	}
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.CloseWithError(reader.Subtree(p.Entry, pw))
	}()
	err := s.runtime.CopyTo(ctx, containerID, path.Dir(path.Clean(p.ContainerPath)), pr)
	pr.CloseWithError(errors.New("copy finished"))
	<-done
	return err
}

func (s *BackupService) restoreDatabase(ctx context.Context, reader archiveReader, deployment string, d manifestDatabase) error {
	spec, err := s.configRepo.Get(deployment)
	if err != nil {
		return fmt.Errorf("failed to load backup configuration: %w", err)
	}
	var dbSpec *models.DatabaseBackupSpec
	for i := range spec.Databases {
		if spec.Databases[i].Service == d.Service && spec.Databases[i].Type == d.Type {
			dbSpec = &spec.Databases[i]
			break
		}
	}
	if dbSpec == nil {
		return fmt.Errorf("database is no longer configured for service %s", d.Service)
	}

	targets, err := s.resolveDatabases(ctx, deployment, []models.DatabaseBackupSpec{*dbSpec})
	if err != nil {
		return err
	}
	target := targets[0]
	if d.Database != "" {
		target.Database = d.Database
	}

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.CloseWithError(reader.CopyEntry(d.Entry, pw))
	}()
	err = target.Restore(ctx, s.exec, dumpOptions{Timeout: s.dumpTimeout, StderrLimit: s.outputLimit}, pr)
	pr.CloseWithError(errors.New("restore finished"))
	<-done
	return err
}

// localArchive returns a readable local path, fetching the offsite copy when
// the local file is gone.
func (s *BackupService) localArchive(backup *models.Backup) (string, error) {
	if backup.Path != "" {
		if _, err := os.Stat(backup.Path); err == nil {
			return backup.Path, nil
		}
	}
	if backup.RemotePath == "" || s.offsite == nil {
		return "", fmt.Errorf("archive for backup %s is missing", backup.ID)
	}
	local := backup.Path
	if local == "" {
		local = filepath.Join(s.backupDir, backup.DeploymentName, backup.ID+".tar.gz")
	}
	logger.Info("BACKUP: Fetching archive from offsite storage", map[string]interface{}{
		"backup_id":   backup.ID,
		"remote_path": backup.RemotePath,
	})
	if err := s.offsite.Download(backup.RemotePath, local+partialSuffix); err != nil {
		_ = os.Remove(local + partialSuffix)
		return "", fmt.Errorf("offsite download failed: %w", err)
	}
	if err := os.Rename(local+partialSuffix, local); err != nil {
		return "", err
	}
	return local, nil
}

// DeleteBackup removes a backup's archive, offsite copy and record.
func (s *BackupService) DeleteBackup(ctx context.Context, backupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	backup, err := s.backupRepo.FindByID(backupID)
	if err != nil {
		return notFoundOr(err, "backup", backupID)
	}
	if backup.Status == models.BackupStatusPending || backup.Status == models.BackupStatusInProgress {
		return &ConflictError{Message: fmt.Sprintf("backup %s is still being created", backupID)}
	}
	active, err := s.jobRepo.ActiveRestoreFor(backupID)
	if err != nil {
		return fmt.Errorf("failed to check restore jobs: %w", err)
	}
	if active {
		return &ConflictError{Message: fmt.Sprintf("backup %s is being restored", backupID)}
	}

	if err := s.removeBackup(backup); err != nil {
		return err
	}
	s.publish(events.EventBackupDeleted, backup.DeploymentName, backup.ID, nil)
	return nil
}

func (s *BackupService) removeBackup(backup *models.Backup) error {
	if backup.Path != "" {
		if err := os.Remove(backup.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete archive: %w", err)
		}
	}
	if backup.RemotePath != "" && s.offsite != nil {
		if err := s.offsite.Delete(backup.RemotePath); err != nil {
			logger.Warn("BACKUP: Failed to delete offsite copy", map[string]interface{}{
				"backup_id":   backup.ID,
				"remote_path": backup.RemotePath,
				"error":       err.Error(),
			})
		}
	}
	if err := s.backupRepo.Delete(backup.ID); err != nil {
		return fmt.Errorf("failed to delete backup record: %w", err)
	}
	logger.Info("BACKUP: Backup deleted", map[string]interface{}{
		"backup_id":  backup.ID,
		"deployment": backup.DeploymentName,
	})
	return nil
}

// pruneScheduled keeps the newest keep completed scheduled backups of a
// deployment and deletes the rest, oldest first.
func (s *BackupService) pruneScheduled(deployment string, keep int) (int, error) {
	backups, err := s.backupRepo.ListCompletedScheduled(deployment)
	if err != nil {
		return 0, err
	}
	if len(backups) <= keep {
		return 0, nil
	}
	excess := backups[keep:]
	pruned := 0
	for i := len(excess) - 1; i >= 0; i-- {
		b := excess[i]
		if err := s.removeBackup(&b); err != nil {
			return pruned, err
		}
		pruned++
		monitoring.BackupsPrunedTotal.WithLabelValues("retention_count").Inc()
		s.publish(events.EventBackupPruned, deployment, b.ID, map[string]interface{}{"reason": "retention_count"})
	}
	logger.Info("BACKUP: Pruned scheduled backups", map[string]interface{}{
		"deployment": deployment,
		"kept":       keep,
		"pruned":     pruned,
	})
	return pruned, nil
}

// CleanupExpiredBackups deletes completed backups past expires_at. Busy
// deployments are skipped until the next run.
func (s *BackupService) CleanupExpiredBackups(ctx context.Context) (int, error) {
	expired, err := s.backupRepo.FindExpired(s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to find expired backups: %w", err)
	}
	deleted := 0
	for i := range expired {
		b := expired[i]
		if ctx.Err() != nil {
			return deleted, ctx.Err()
		}
		if !s.locks.TryLock(b.DeploymentName) {
			continue
		}
		err := s.removeBackup(&b)
		s.locks.Unlock(b.DeploymentName)
		if err != nil {
			logger.Error("BACKUP: Failed to delete expired backup", err, map[string]interface{}{"backup_id": b.ID})
			continue
		}
		deleted++
		monitoring.BackupsPrunedTotal.WithLabelValues("expired").Inc()
		s.publish(events.EventBackupPruned, b.DeploymentName, b.ID, map[string]interface{}{"reason": "expired"})
	}
	return deleted, nil
}

// Recover fails work a previous process left unfinished and removes its
// partial files.
func (s *BackupService) Recover() error {
	jobs, err := s.jobRepo.FailInterrupted(interruptedMessage, s.now())
	if err != nil {
		return fmt.Errorf("failed to recover backup jobs: %w", err)
	}
	backups, err := s.backupRepo.FailInterrupted(interruptedMessage)
	if err != nil {
		return fmt.Errorf("failed to recover backups: %w", err)
	}

	removed := 0
	_ = filepath.WalkDir(s.backupDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), partialSuffix) || strings.HasPrefix(d.Name(), ".dump-") {
			if os.Remove(p) == nil {
				removed++
			}
		}
		return nil
	})

	if jobs > 0 || backups > 0 || removed > 0 {
		logger.Warn("BACKUP: Recovered interrupted work", map[string]interface{}{
			"jobs":          jobs,
			"backups":       backups,
			"partial_files": removed,
		})
	}
	return nil
}

// Shutdown cancels running jobs and waits for their workers.
func (s *BackupService) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetBackup returns one backup
func (s *BackupService) GetBackup(id string) (*models.Backup, error) {
	backup, err := s.backupRepo.FindByID(id)
	if err != nil {
		return nil, notFoundOr(err, "backup", id)
	}
	return backup, nil
}

// ListBackups returns backups newest first
func (s *BackupService) ListBackups(deployment string, limit int) ([]models.Backup, error) {
	if deployment != "" {
		if err := validateDeploymentName(deployment); err != nil {
			return nil, err
		}
	}
	return s.backupRepo.List(deployment, clampLimit(limit))
}

// GetJob returns one backup or restore job
func (s *BackupService) GetJob(id string) (*models.BackupJob, error) {
	job, err := s.jobRepo.FindByID(id)
	if err != nil {
		return nil, notFoundOr(err, "job", id)
	}
	return job, nil
}

// ListJobs returns jobs newest first
func (s *BackupService) ListJobs(deployment string, limit int) ([]models.BackupJob, error) {
	return s.jobRepo.List(deployment, clampLimit(limit))
}

// GetBackupConfig returns the BackupSpec of a deployment, or nil when none
// is stored.
func (s *BackupService) GetBackupConfig(deployment string) (*models.BackupSpec, error) {
	if err := validateDeploymentName(deployment); err != nil {
		return nil, err
	}
	spec, err := s.configRepo.Get(deployment)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load backup configuration: %w", err)
	}
	return spec, nil
}

// UpdateBackupConfig validates and stores the BackupSpec of a deployment
func (s *BackupService) UpdateBackupConfig(deployment string, spec models.BackupSpec) (*models.BackupSpec, error) {
	if err := validateDeploymentName(deployment); err != nil {
		return nil, err
	}
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return nil, &ValidationError{Field: "backup_config", Message: err.Error()}
	}
	if err := s.configRepo.Upsert(deployment, spec); err != nil {
		return nil, fmt.Errorf("failed to store backup configuration: %w", err)
	}
	s.publish(events.EventBackupConfigChanged, deployment, deployment, map[string]interface{}{
		"container_paths": len(spec.ContainerPaths),
		"databases":       len(spec.Databases),
	})
	return &spec, nil
}

// OpenArchive returns a completed backup and a readable local archive path.
func (s *BackupService) OpenArchive(id string) (*models.Backup, string, error) {
	backup, err := s.GetBackup(id)
	if err != nil {
		return nil, "", err
	}
	if backup.Status != models.BackupStatusCompleted {
		return nil, "", &ConflictError{Message: fmt.Sprintf("backup %s is %s", id, backup.Status)}
	}
	p, err := s.localArchive(backup)
	if err != nil {
		return nil, "", err
	}
	return backup, p, nil
}

func (s *BackupService) publish(t events.EventType, deployment, subject string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	s.bus.Publish(events.Event{
		Type:       t,
		Source:     "backup_service",
		Deployment: deployment,
		Subject:    subject,
		Data:       data,
	})
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

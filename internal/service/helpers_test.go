package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deployd/agent/internal/docker"
	"github.com/deployd/agent/internal/docker/dockertest"
	"github.com/deployd/agent/internal/models"
	"github.com/deployd/agent/internal/repository"
	"github.com/deployd/agent/pkg/config"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testEnv struct {
	cfg     *config.Config
	db      *gorm.DB
	runtime *dockertest.Runtime
	backups *BackupService

	backupRepo *repository.BackupRepository
	jobRepo    *repository.BackupJobRepository
	configRepo *repository.BackupConfigRepository
	taskRepo   *repository.TaskRepository
	execRepo   *repository.ExecutionRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := repository.OpenSQLite(":memory:", false)
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	dir := t.TempDir()
	cfg := &config.Config{
		JWTSecret:           "test-secret",
		BackupDir:           filepath.Join(dir, "backups"),
		DeploymentsDir:      filepath.Join(dir, "deployments"),
		BackupHookTimeout:   5 * time.Second,
		BackupDumpTimeout:   5 * time.Second,
		CommandOutputLimit:  4096,
		TerminalAuthTimeout: time.Second,
	}

	env := &testEnv{
		cfg:        cfg,
		db:         db,
		runtime:    dockertest.New(),
		backupRepo: repository.NewBackupRepository(db),
		jobRepo:    repository.NewBackupJobRepository(db),
		configRepo: repository.NewBackupConfigRepository(db),
		taskRepo:   repository.NewTaskRepository(db),
		execRepo:   repository.NewExecutionRepository(db),
	}
	env.backups = NewBackupService(env.backupRepo, env.jobRepo, env.configRepo, env.runtime, cfg)
	env.backups.restoreStartDelay = 0
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = env.backups.Shutdown(ctx)
	})
	return env
}

// writeDeploymentFile places a file in the deployment's directory on the host.
func (e *testEnv) writeDeploymentFile(t *testing.T, deployment, name, content string) {
	t.Helper()
	dir := filepath.Join(e.cfg.DeploymentsDir, deployment)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func (e *testEnv) configure(t *testing.T, deployment string, spec models.BackupSpec) {
	t.Helper()
	_, err := e.backups.UpdateBackupConfig(deployment, spec)
	require.NoError(t, err)
}

// waitForJob polls a job until it is terminal, like a client would.
func (e *testEnv) waitForJob(t *testing.T, id string) *models.BackupJob {
	t.Helper()
	var job *models.BackupJob
	require.Eventually(t, func() bool {
		j, err := e.backups.GetJob(id)
		if err != nil {
			return false
		}
		job = j
		return j.Status.IsTerminal()
	}, 10*time.Second, 10*time.Millisecond)
	return job
}

// scriptOf returns the user script of a wrapped exec.
func scriptOf(req docker.ExecRequest) string {
	if len(req.Cmd) >= 5 && req.Cmd[2] == wrapperScript {
		return req.Cmd[4]
	}
	if len(req.Cmd) == 0 {
		return ""
	}
	return req.Cmd[len(req.Cmd)-1]
}

// stepClock advances by step on every call.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newStepClock(start time.Time, step time.Duration) *stepClock {
	return &stepClock{t: start, step: step}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

// fixedClock returns a settable instant.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

package service

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deployd/agent/internal/docker"
	"github.com/deployd/agent/internal/docker/dockertest"
	"github.com/deployd/agent/internal/models"
	"github.com/deployd/agent/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type schedulerFixture struct {
	*testEnv
	clock *fixedClock
	sched *SchedulerService
}

func newSchedulerFixture(t *testing.T, start time.Time) *schedulerFixture {
	t.Helper()
	env := newTestEnv(t)
	clock := &fixedClock{t: start}
	f := &schedulerFixture{testEnv: env, clock: clock}
	f.sched = f.newScheduler(t)
	return f
}

// newScheduler builds another loop over the same tables, like a second
// agent process would.
func (f *schedulerFixture) newScheduler(t *testing.T) *SchedulerService {
	s := NewSchedulerService(f.taskRepo, f.execRepo, f.backups, NewCommandRunner(f.runtime, 4096), time.Second)
	s.now = f.clock.Now
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func commandConfig(t *testing.T, service, command string, timeout int) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"command_config": map[string]interface{}{"service": service, "command": command, "timeout": timeout},
	})
	require.NoError(t, err)
	return raw
}

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

func utc(y int, mo time.Month, d, h, mi, s int) time.Time {
	return time.Date(y, mo, d, h, mi, s, 0, time.UTC)
}

func assertTime(t *testing.T, want time.Time, got *time.Time) {
	t.Helper()
	require.NotNil(t, got)
	assert.True(t, want.Equal(*got), "want %s, got %s", want, got)
}

func (f *schedulerFixture) createCommandTask(t *testing.T, cron, command string, timeout int) *models.ScheduledTask {
	t.Helper()
	task, err := f.sched.CreateTask(CreateTaskRequest{
		Name:           "clear cache",
		Type:           models.TaskTypeCommand,
		DeploymentName: "shop",
		CronExpr:       cron,
		Config:         commandConfig(t, "web", command, timeout),
	})
	require.NoError(t, err)
	return task
}

func (f *schedulerFixture) executions(t *testing.T, taskID uint) []models.TaskExecution {
	t.Helper()
	execs, err := f.sched.GetTaskExecutions(taskID, 100)
	require.NoError(t, err)
	return execs
}

func TestCreateTaskComputesNextRun(t *testing.T) {
	f := newSchedulerFixture(t, utc(2026, 5, 10, 10, 17, 30))

	task := f.createCommandTask(t, "*/15 * * * *", "true", 30)
	assert.True(t, task.Enabled)
	assertTime(t, utc(2026, 5, 10, 10, 30, 0), task.NextRun)
	assert.Nil(t, task.LastRun)

	disabled, err := f.sched.CreateTask(CreateTaskRequest{
		Name:           "weekly",
		Type:           models.TaskTypeCommand,
		DeploymentName: "shop",
		CronExpr:       "0 4 * * 0",
		Enabled:        boolPtr(false),
		Config:         commandConfig(t, "web", "true", 30),
	})
	require.NoError(t, err)
	assert.Nil(t, disabled.NextRun)

	got, err := f.sched.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "web", got.CommandConfig().Service)

	tasks, err := f.sched.ListTasks("shop")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	tasks, err = f.sched.ListTasks("blog")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCreateTaskValidation(t *testing.T) {
	f := newSchedulerFixture(t, utc(2026, 5, 10, 10, 0, 0))

	valid := func() CreateTaskRequest {
		return CreateTaskRequest{
			Name:           "job",
			Type:           models.TaskTypeCommand,
			DeploymentName: "shop",
			CronExpr:       "0 3 * * *",
			Config:         commandConfig(t, "web", "true", 10),
		}
	}
	cases := map[string]func(r *CreateTaskRequest){
		"empty name":       func(r *CreateTaskRequest) { r.Name = "  " },
		"bad deployment":   func(r *CreateTaskRequest) { r.DeploymentName = "../x" },
		"unknown type":     func(r *CreateTaskRequest) { r.Type = "restore" },
		"bad cron":         func(r *CreateTaskRequest) { r.CronExpr = "@hourly" },
		"missing config":   func(r *CreateTaskRequest) { r.Config = nil },
		"wrong variant":    func(r *CreateTaskRequest) { r.Config = json.RawMessage(`{"backup_config":{"retention_count":3}}`) },
		"both variants":    func(r *CreateTaskRequest) { r.Config = json.RawMessage(`{"backup_config":{},"command_config":{"service":"web","command":"x","timeout":1}}`) },
		"unknown field":    func(r *CreateTaskRequest) { r.Config = json.RawMessage(`{"shell_config":{}}`) },
		"zero timeout":     func(r *CreateTaskRequest) { r.Config = commandConfig(t, "web", "true", 0) },
		"negative retains": func(r *CreateTaskRequest) { r.Type = models.TaskTypeBackup; r.Config = json.RawMessage(`{"backup_config":{"retention_count":-1}}`) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := valid()
			mutate(&req)
			_, err := f.sched.CreateTask(req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}

	tasks, err := f.sched.ListTasks("")
	require.NoError(t, err)
	assert.Empty(t, tasks, "rejected requests never reach the store")
}

func TestUpdateTaskNextRunStrictlyInFuture(t *testing.T) {
	f := newSchedulerFixture(t, utc(2026, 5, 10, 10, 0, 0))
	task := f.createCommandTask(t, "0 3 * * *", "true", 10)
	assertTime(t, utc(2026, 5, 11, 3, 0, 0), task.NextRun)

	// exactly on a matching instant of the new expression
	f.clock.Set(utc(2026, 5, 11, 4, 0, 0))
	updated, err := f.sched.UpdateTask(task.ID, UpdateTaskRequest{CronExpr: strPtr("0 4 * * *")})
	require.NoError(t, err)
	assert.Equal(t, "0 4 * * *", updated.CronExpr)
	assertTime(t, utc(2026, 5, 12, 4, 0, 0), updated.NextRun)

	updated, err = f.sched.UpdateTask(task.ID, UpdateTaskRequest{Enabled: boolPtr(false)})
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	assert.Nil(t, updated.NextRun)

	f.clock.Set(utc(2026, 5, 20, 5, 0, 0))
	updated, err = f.sched.UpdateTask(task.ID, UpdateTaskRequest{Enabled: boolPtr(true)})
	require.NoError(t, err)
	assertTime(t, utc(2026, 5, 21, 4, 0, 0), updated.NextRun)

	// a rename leaves the schedule alone
	updated, err = f.sched.UpdateTask(task.ID, UpdateTaskRequest{Name: strPtr("renamed")})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assertTime(t, utc(2026, 5, 21, 4, 0, 0), updated.NextRun)

	updated, err = f.sched.UpdateTask(task.ID, UpdateTaskRequest{Config: commandConfig(t, "worker", "php artisan queue:restart", 60)})
	require.NoError(t, err)
	assert.Equal(t, "worker", updated.CommandConfig().Service)
	assert.Equal(t, 60, updated.CommandConfig().Timeout)

	_, err = f.sched.UpdateTask(task.ID, UpdateTaskRequest{CronExpr: strPtr("0 0 31 2 *")})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = f.sched.UpdateTask(task.ID, UpdateTaskRequest{Config: json.RawMessage(`{"backup_config":{"retention_count":1}}`)})
	require.ErrorAs(t, err, &verr)

	_, err = f.sched.UpdateTask(999, UpdateTaskRequest{Name: strPtr("x")})
	var nerr *NotFoundError
	require.ErrorAs(t, err, &nerr)
}

func TestTickFiresDueTaskOnce(t *testing.T) {
	f := newSchedulerFixture(t, utc(2026, 5, 10, 10, 0, 0))
	f.runtime.AddContainer("shop", "web", nil)
	f.runtime.Handler = func(ctx context.Context, c *dockertest.Container, req docker.ExecRequest) (int, error) {
		_, _ = io.WriteString(req.Stdout, "ok")
		return 0, nil
	}
	task := f.createCommandTask(t, "*/15 * * * *", "clear-cache", 10)
	other := f.newScheduler(t)

	// not due yet
	f.sched.tick(context.Background())
	assert.Empty(t, f.executions(t, task.ID))

	f.clock.Set(utc(2026, 5, 10, 10, 15, 5))
	var wg sync.WaitGroup
	for _, s := range []*SchedulerService{f.sched, other, f.sched, other} {
		wg.Add(1)
		go func(s *SchedulerService) {
			defer wg.Done()
			s.tick(context.Background())
		}(s)
	}
	wg.Wait()
	f.sched.workers.Wait()
	other.workers.Wait()

	execs := f.executions(t, task.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionStatusCompleted, execs[0].Status)
	assert.Equal(t, models.TriggerSchedule, execs[0].Trigger)
	assert.Equal(t, "ok", execs[0].Output)
	require.NotNil(t, execs[0].EndedAt)
	require.NotNil(t, execs[0].DurationMs)

	got, err := f.sched.GetTask(task.ID)
	require.NoError(t, err)
	assertTime(t, utc(2026, 5, 10, 10, 30, 0), got.NextRun)
	assertTime(t, utc(2026, 5, 10, 10, 15, 5), got.LastRun)

	// same instant again fires nothing
	f.sched.tick(context.Background())
	f.sched.workers.Wait()
	assert.Len(t, f.executions(t, task.ID), 1)

	recent, err := f.sched.GetRecentExecutions(10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestMissedRunsFireOnce(t *testing.T) {
	f := newSchedulerFixture(t, utc(2026, 5, 10, 10, 0, 0))
	f.runtime.AddContainer("shop", "web", nil)
	task := f.createCommandTask(t, "0 * * * *", "true", 10)

	// the agent was down for three days
	f.clock.Set(utc(2026, 5, 13, 10, 30, 0))
	f.sched.tick(context.Background())
	f.sched.workers.Wait()
	f.sched.tick(context.Background())
	f.sched.workers.Wait()

	assert.Len(t, f.executions(t, task.ID), 1)
	got, err := f.sched.GetTask(task.ID)
	require.NoError(t, err)
	assertTime(t, utc(2026, 5, 13, 11, 0, 0), got.NextRun)
}

func TestDisabledTaskNeverFires(t *testing.T) {
	f := newSchedulerFixture(t, utc(2026, 5, 10, 10, 0, 0))
	f.runtime.AddContainer("shop", "web", nil)
	task := f.createCommandTask(t, "* * * * *", "true", 10)
	_, err := f.sched.UpdateTask(task.ID, UpdateTaskRequest{Enabled: boolPtr(false)})
	require.NoError(t, err)

	f.clock.Set(utc(2026, 5, 11, 10, 0, 0))
	f.sched.tick(context.Background())
	f.sched.workers.Wait()
	assert.Empty(t, f.executions(t, task.ID))
}

func TestRunningTaskIsNotClaimedAgain(t *testing.T) {
	f := newSchedulerFixture(t, utc(2026, 5, 10, 10, 0, 0))
	f.runtime.AddContainer("shop", "web", nil)
	release := make(chan struct{})
	f.runtime.Handler = func(ctx context.Context, c *dockertest.Container, req docker.ExecRequest) (int, error) {
		if scriptOf(req) == "long-import" {
			select {
			case <-release:
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		return 0, nil
	}
	task := f.createCommandTask(t, "* * * * *", "long-import", 60)

	f.clock.Set(utc(2026, 5, 10, 10, 1, 0))
	f.sched.tick(context.Background())

	// the next minute passes while the first firing still runs
	f.clock.Set(utc(2026, 5, 10, 10, 2, 30))
	f.sched.tick(context.Background())
	assert.Len(t, f.executions(t, task.ID), 1)

	_, err := f.sched.RunTaskNow(context.Background(), task.ID)
	var cerr *ConflictError
	require.ErrorAs(t, err, &cerr)

	close(release)
	f.sched.workers.Wait()

	execs := f.executions(t, task.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionStatusCompleted, execs[0].Status)

	got, err := f.sched.GetTask(task.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRun.After(f.clock.Now()), "stale next_run moves forward on release")
}

func TestRunTaskNowKeepsNextRun(t *testing.T) {
	f := newSchedulerFixture(t, utc(2026, 5, 10, 10, 0, 0))
	f.runtime.AddContainer("shop", "web", nil)
	task := f.createCommandTask(t, "0 3 * * *", "true", 10)

	exec, err := f.sched.RunTaskNow(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TriggerManual, exec.Trigger)
	f.sched.workers.Wait()

	got, err := f.sched.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, got.Status)

	stored, err := f.sched.GetTask(task.ID)
	require.NoError(t, err)
	assertTime(t, *task.NextRun, stored.NextRun)
	assertTime(t, utc(2026, 5, 10, 10, 0, 0), stored.LastRun)

	_, err = f.sched.RunTaskNow(context.Background(), 4242)
	var nerr *NotFoundError
	require.ErrorAs(t, err, &nerr)
}

func TestRunTaskNowReleasesClaimWhenRecordFails(t *testing.T) {
	f := newSchedulerFixture(t, utc(2026, 5, 10, 10, 0, 0))
	f.runtime.AddContainer("shop", "web", nil)
	task := f.createCommandTask(t, "0 3 * * *", "true", 10)

	require.NoError(t, f.db.Migrator().DropTable(&models.TaskExecution{}))
	_, err := f.sched.RunTaskNow(context.Background(), task.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to record execution")

	stored, err := f.sched.GetTask(task.ID)
	require.NoError(t, err)
	assert.False(t, stored.Running, "claim must be released")

	require.NoError(t, repository.Migrate(f.db))
	exec, err := f.sched.RunTaskNow(context.Background(), task.ID)
	require.NoError(t, err)
	f.sched.workers.Wait()
	got, err := f.sched.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, got.Status)
}

func TestCommandTaskTimeoutFailsExecution(t *testing.T) {
	f := newSchedulerFixture(t, utc(2026, 5, 10, 10, 0, 0))
	f.runtime.AddContainer("shop", "web", nil)
	f.runtime.Handler = func(ctx context.Context, c *dockertest.Container, req docker.ExecRequest) (int, error) {
		if scriptOf(req) == "sleep 3600" {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return 0, nil
	}
	task := f.createCommandTask(t, "0 3 * * *", "sleep 3600", 1)

	exec, err := f.sched.RunTaskNow(context.Background(), task.ID)
	require.NoError(t, err)
	f.sched.workers.Wait()

	got, err := f.sched.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, got.Status)
	assert.Contains(t, got.Error, "timeout")
}

func TestBackupTaskAppliesRetention(t *testing.T) {
	f := newSchedulerFixture(t, utc(2026, 5, 10, 10, 0, 0))
	f.runtime.AddContainer("shop", "web", nil).WriteFile("/srv/index.html", []byte("<h1>"))
	f.configure(t, "shop", models.BackupSpec{
		ContainerPaths: []models.ContainerBackupPath{{Service: "web", ContainerPath: "/srv", Required: true}},
	})
	f.backups.now = newStepClock(utc(2026, 5, 10, 10, 0, 0), time.Minute).Now

	task, err := f.sched.CreateTask(CreateTaskRequest{
		Name:           "nightly backup",
		Type:           models.TaskTypeBackup,
		DeploymentName: "shop",
		CronExpr:       "0 2 * * *",
		Config:         json.RawMessage(`{"backup_config":{"retention_count":2}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, task.BackupConfig().RetentionCount)

	for i := 0; i < 3; i++ {
		_, err := f.sched.RunTaskNow(context.Background(), task.ID)
		require.NoError(t, err)
		f.sched.workers.Wait()
	}

	execs := f.executions(t, task.ID)
	require.Len(t, execs, 3)
	for _, e := range execs {
		assert.Equal(t, models.ExecutionStatusCompleted, e.Status, e.Error)
		assert.True(t, strings.HasPrefix(e.Output, "backup shop-"), e.Output)
	}

	backups, err := f.backups.ListBackups("shop", 0)
	require.NoError(t, err)
	assert.Len(t, backups, 2)
	for _, b := range backups {
		require.NotNil(t, b.TaskID)
		assert.Equal(t, task.ID, *b.TaskID)
	}
}

func TestBackupTaskWithoutConfigFails(t *testing.T) {
	f := newSchedulerFixture(t, utc(2026, 5, 10, 10, 0, 0))
	task, err := f.sched.CreateTask(CreateTaskRequest{
		Name:           "backup",
		Type:           models.TaskTypeBackup,
		DeploymentName: "shop",
		CronExpr:       "0 2 * * *",
		Config:         json.RawMessage(`{"backup_config":{"retention_count":0}}`),
	})
	require.NoError(t, err)

	exec, err := f.sched.RunTaskNow(context.Background(), task.ID)
	require.NoError(t, err)
	f.sched.workers.Wait()

	got, err := f.sched.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, got.Status)
	assert.Contains(t, got.Error, "no backup configuration")
}

type panickingRunner struct{}

func (panickingRunner) Run(ctx context.Context, deployment string, cfg models.CommandTaskConfig) (string, error) {
	panic("runner exploded")
}

func TestWorkerPanicIsRecorded(t *testing.T) {
	f := newSchedulerFixture(t, utc(2026, 5, 10, 10, 0, 0))
	f.sched.commands = panickingRunner{}
	task := f.createCommandTask(t, "0 3 * * *", "true", 10)

	exec, err := f.sched.RunTaskNow(context.Background(), task.ID)
	require.NoError(t, err)
	f.sched.workers.Wait()

	got, err := f.sched.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, got.Status)
	assert.Contains(t, got.Error, "runner exploded")

	// the task is released and can run again
	_, err = f.sched.RunTaskNow(context.Background(), task.ID)
	require.NoError(t, err)
	f.sched.workers.Wait()
}

func TestDeleteTaskKeepsExecutions(t *testing.T) {
	f := newSchedulerFixture(t, utc(2026, 5, 10, 10, 0, 0))
	f.runtime.AddContainer("shop", "web", nil)
	task := f.createCommandTask(t, "0 3 * * *", "true", 10)

	_, err := f.sched.RunTaskNow(context.Background(), task.ID)
	require.NoError(t, err)
	f.sched.workers.Wait()

	require.NoError(t, f.sched.DeleteTask(task.ID))
	_, err = f.sched.GetTask(task.ID)
	var nerr *NotFoundError
	require.ErrorAs(t, err, &nerr)
	require.ErrorAs(t, f.sched.DeleteTask(task.ID), &nerr)

	assert.Len(t, f.executions(t, task.ID), 1)
}

func TestSchedulerRecover(t *testing.T) {
	f := newSchedulerFixture(t, utc(2026, 5, 10, 10, 0, 0))
	task := f.createCommandTask(t, "0 3 * * *", "true", 10)

	claimed, err := f.taskRepo.ClaimManual(task.ID, f.clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)
	exec := &models.TaskExecution{
		TaskID:    task.ID,
		Status:    models.ExecutionStatusRunning,
		Trigger:   models.TriggerManual,
		StartedAt: f.clock.Now(),
	}
	require.NoError(t, f.execRepo.Create(exec))

	require.NoError(t, f.sched.Recover())

	got, err := f.sched.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, got.Status)
	assert.Equal(t, interruptedMessage, got.Error)

	claimed, err = f.taskRepo.ClaimManual(task.ID, f.clock.Now())
	require.NoError(t, err)
	assert.True(t, claimed, "running flag is cleared")
}

func TestSchedulerStartStop(t *testing.T) {
	f := newSchedulerFixture(t, utc(2026, 5, 10, 10, 0, 0))
	f.runtime.AddContainer("shop", "web", nil)
	task := f.createCommandTask(t, "0 3 * * *", "true", 10)
	f.clock.Set(utc(2026, 5, 11, 3, 0, 0))

	f.sched.Start()
	f.sched.Start()
	require.Eventually(t, func() bool {
		execs, err := f.sched.GetTaskExecutions(task.ID, 10)
		return err == nil && len(execs) == 1 && execs[0].Status == models.ExecutionStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.sched.Stop(ctx))
}

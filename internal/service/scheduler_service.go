package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/deployd/agent/internal/events"
	"github.com/deployd/agent/internal/models"
	"github.com/deployd/agent/internal/monitoring"
	"github.com/deployd/agent/internal/repository"
	"github.com/deployd/agent/pkg/logger"
	"gorm.io/datatypes"
)

// BackupRunner runs the backup of a scheduled task to completion.
type BackupRunner interface {
	RunScheduledBackup(ctx context.Context, taskID uint, deployment string, cfg models.BackupTaskConfig) (*models.Backup, error)
}

// TaskCommandRunner runs the command of a scheduled task.
type TaskCommandRunner interface {
	Run(ctx context.Context, deployment string, cfg models.CommandTaskConfig) (string, error)
}

// CreateTaskRequest is the payload for creating a scheduled task
type CreateTaskRequest struct {
	Name           string          `json:"name"`
	Type           models.TaskType `json:"type"`
	DeploymentName string          `json:"deployment_name"`
	CronExpr       string          `json:"cron_expr"`
	Enabled        *bool           `json:"enabled"`
	Config         json.RawMessage `json:"config"`
}

// UpdateTaskRequest is a partial update; nil fields are left unchanged
type UpdateTaskRequest struct {
	Name     *string         `json:"name"`
	CronExpr *string         `json:"cron_expr"`
	Enabled  *bool           `json:"enabled"`
	Config   json.RawMessage `json:"config"`
}

// SchedulerService owns scheduled tasks and fires them when due
type SchedulerService struct {
	taskRepo *repository.TaskRepository
	execRepo *repository.ExecutionRepository
	backups  BackupRunner
	commands TaskCommandRunner
	bus      *events.EventBus

	tickInterval time.Duration
	now          func() time.Time

	mu         sync.Mutex
	running    bool
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	workerCtx    context.Context
	workerCancel context.CancelFunc
	workers      sync.WaitGroup
}

// NewSchedulerService creates a new scheduler
func NewSchedulerService(
	taskRepo *repository.TaskRepository,
	execRepo *repository.ExecutionRepository,
	backups BackupRunner,
	commands TaskCommandRunner,
	tickInterval time.Duration,
) *SchedulerService {
	if tickInterval <= 0 || tickInterval > time.Minute {
		tickInterval = 15 * time.Second
	}
	workerCtx, workerCancel := context.WithCancel(context.Background())
	return &SchedulerService{
		taskRepo:     taskRepo,
		execRepo:     execRepo,
		backups:      backups,
		commands:     commands,
		tickInterval: tickInterval,
		now:          func() time.Time { return time.Now().UTC() },
		workerCtx:    workerCtx,
		workerCancel: workerCancel,
	}
}

// SetEventBus sets the bus task events are published on.
func (s *SchedulerService) SetEventBus(bus *events.EventBus) {
	s.bus = bus
}

// Start begins the scheduler loop
func (s *SchedulerService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		logger.Warn("SCHEDULER: Already running", nil)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	s.loopDone = make(chan struct{})
	s.running = true

	logger.Info("SCHEDULER: Starting", map[string]interface{}{
		"tick_interval": s.tickInterval.String(),
	})

	go func() {
		defer close(s.loopDone)
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		s.tick(ctx)
		for {
			select {
			case <-ticker.C:
				s.tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for running tasks until ctx is done, after
// which they are cancelled.
func (s *SchedulerService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.running = false
		s.loopCancel()
		done := s.loopDone
		s.mu.Unlock()
		<-done
	} else {
		s.mu.Unlock()
	}

	finished := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		logger.Info("SCHEDULER: Stopped", nil)
		return nil
	case <-ctx.Done():
		s.workerCancel()
		<-finished
		return ctx.Err()
	}
}

// Recover fails executions a previous process left unfinished and clears
// stale running flags.
func (s *SchedulerService) Recover() error {
	failed, err := s.execRepo.FailInterrupted(interruptedMessage, s.now())
	if err != nil {
		return fmt.Errorf("failed to recover executions: %w", err)
	}
	reset, err := s.taskRepo.ResetRunning()
	if err != nil {
		return fmt.Errorf("failed to reset running tasks: %w", err)
	}
	if failed > 0 || reset > 0 {
		logger.Warn("SCHEDULER: Recovered interrupted executions", map[string]interface{}{
			"executions": failed,
			"tasks":      reset,
		})
	}
	return nil
}

// tick claims every due task and hands it to a worker. It never waits for
// the work itself.
func (s *SchedulerService) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		monitoring.SchedulerTickDuration.Observe(time.Since(start).Seconds())
	}()

	now := s.now()
	due, err := s.taskRepo.FindDue(now)
	if err != nil {
		logger.Error("SCHEDULER: Failed to load due tasks", err, nil)
		return
	}
	for _, task := range due {
		if ctx.Err() != nil {
			return
		}
		s.fireDue(task, now)
	}
}

func (s *SchedulerService) fireDue(task models.ScheduledTask, now time.Time) {
	fields := map[string]interface{}{"task_id": task.ID, "task": task.Name}

	sched, err := parseCronExpr(task.CronExpr)
	if err != nil {
		logger.Error("SCHEDULER: Stored task has an invalid cron expression", err, fields)
		return
	}
	next, err := nextRunAfter(sched, now)
	if err != nil {
		logger.Error("SCHEDULER: Cannot compute next run", err, fields)
		return
	}

	claimed, err := s.taskRepo.ClaimDue(task.ID, *task.NextRun, next, now)
	if err != nil {
		logger.Error("SCHEDULER: Failed to claim task", err, fields)
		return
	}
	if !claimed {
		logger.Debug("SCHEDULER: Task claimed elsewhere", fields)
		return
	}

	exec := &models.TaskExecution{
		TaskID:    task.ID,
		Status:    models.ExecutionStatusPending,
		Trigger:   models.TriggerSchedule,
		StartedAt: now,
	}
	if err := s.execRepo.Create(exec); err != nil {
		logger.Error("SCHEDULER: Failed to record execution", err, fields)
		if err := s.taskRepo.Release(task.ID, now, nil); err != nil {
			logger.Error("SCHEDULER: Failed to release task", err, fields)
		}
		return
	}

	logger.Info("SCHEDULER: Task fired", map[string]interface{}{
		"task_id":      task.ID,
		"task":         task.Name,
		"execution_id": exec.ID,
		"due_at":       task.NextRun.Format(time.RFC3339),
		"next_run":     next.Format(time.RFC3339),
	})
	s.dispatch(task, exec)
}

func (s *SchedulerService) dispatch(task models.ScheduledTask, exec *models.TaskExecution) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		s.execute(task, exec)
	}()
}

// execute runs one claimed firing to a terminal execution and releases the task.
func (s *SchedulerService) execute(task models.ScheduledTask, exec *models.TaskExecution) {
	fields := map[string]interface{}{"task_id": task.ID, "execution_id": exec.ID}

	if _, err := s.execRepo.MarkRunning(exec.ID); err != nil {
		logger.Error("SCHEDULER: Failed to mark execution running", err, fields)
	}

	output, runErr := s.runTask(task)

	ended := s.now()
	status := models.ExecutionStatusCompleted
	errMsg := ""
	if runErr != nil {
		status = models.ExecutionStatusFailed
		errMsg = runErr.Error()
	}
	if _, err := s.execRepo.Finish(exec.ID, status, output, errMsg, exec.StartedAt, ended); err != nil {
		logger.Error("SCHEDULER: Failed to finish execution", err, fields)
	}

	var next *time.Time
	if exec.Trigger == models.TriggerSchedule {
		if sched, err := parseCronExpr(task.CronExpr); err == nil {
			if n, err := nextRunAfter(sched, ended); err == nil {
				next = &n
			}
		}
	}
	if err := s.taskRepo.Release(task.ID, ended, next); err != nil {
		logger.Error("SCHEDULER: Failed to release task", err, fields)
	}

	monitoring.TaskExecutionsTotal.WithLabelValues(string(task.Type), string(status), string(exec.Trigger)).Inc()
	monitoring.TaskExecutionDuration.WithLabelValues(string(task.Type)).Observe(ended.Sub(exec.StartedAt).Seconds())

	eventType := events.EventTaskExecuted
	if status == models.ExecutionStatusFailed {
		eventType = events.EventTaskFailed
	}
	s.publish(eventType, task, map[string]interface{}{
		"execution_id": exec.ID,
		"trigger":      string(exec.Trigger),
		"error":        errMsg,
	})

	fields["status"] = status
	fields["duration_ms"] = ended.Sub(exec.StartedAt).Milliseconds()
	if runErr != nil {
		logger.Warn("SCHEDULER: Task failed", mergeFields(fields, map[string]interface{}{"error": errMsg}))
	} else {
		logger.Info("SCHEDULER: Task completed", fields)
	}
}

// runTask dispatches on the task type. Panics become errors.
func (s *SchedulerService) runTask(task models.ScheduledTask) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			logger.Error("SCHEDULER: Worker panicked", err, map[string]interface{}{"task_id": task.ID})
		}
	}()

	ctx := s.workerCtx
	switch cfg := task.Config.(type) {
	case models.BackupTaskConfig:
		backup, err := s.backups.RunScheduledBackup(ctx, task.ID, task.DeploymentName, cfg)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("backup %s completed (%d bytes)", backup.ID, backup.Size), nil
	case models.CommandTaskConfig:
		return s.commands.Run(ctx, task.DeploymentName, cfg)
	default:
		return "", fmt.Errorf("unsupported task config %T", task.Config)
	}
}

// RunTaskNow starts a manual run. next_run is left untouched.
func (s *SchedulerService) RunTaskNow(ctx context.Context, id uint) (*models.TaskExecution, error) {
	task, err := s.taskRepo.FindByID(id)
	if err != nil {
		return nil, notFoundOr(err, "task", strconv.FormatUint(uint64(id), 10))
	}

	now := s.now()
	claimed, err := s.taskRepo.ClaimManual(id, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	if !claimed {
		return nil, &ConflictError{Message: fmt.Sprintf("task %d is already running", id)}
	}

	exec := &models.TaskExecution{
		TaskID:    task.ID,
		Status:    models.ExecutionStatusPending,
		Trigger:   models.TriggerManual,
		StartedAt: now,
	}
	if err := s.execRepo.Create(exec); err != nil {
		if relErr := s.taskRepo.Release(id, now, nil); relErr != nil {
			logger.Error("SCHEDULER: Failed to release task", relErr, map[string]interface{}{"task_id": id})
		}
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}

	logger.Info("SCHEDULER: Task started manually", map[string]interface{}{
		"task_id":      task.ID,
		"execution_id": exec.ID,
	})
	s.dispatch(*task, exec)
	return exec, nil
}

// ListTasks returns tasks, optionally for one deployment
func (s *SchedulerService) ListTasks(deployment string) ([]models.ScheduledTask, error) {
	return s.taskRepo.List(deployment)
}

// GetTask returns one task
func (s *SchedulerService) GetTask(id uint) (*models.ScheduledTask, error) {
	task, err := s.taskRepo.FindByID(id)
	if err != nil {
		return nil, notFoundOr(err, "task", strconv.FormatUint(uint64(id), 10))
	}
	return task, nil
}

// CreateTask validates and stores a new task
func (s *SchedulerService) CreateTask(req CreateTaskRequest) (*models.ScheduledTask, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" || len(name) > 255 {
		return nil, validationErrorf("name", "must be between 1 and 255 characters")
	}
	if err := validateDeploymentName(req.DeploymentName); err != nil {
		return nil, err
	}
	if req.Type != models.TaskTypeBackup && req.Type != models.TaskTypeCommand {
		return nil, validationErrorf("type", "must be backup or command")
	}
	sched, err := parseCronExpr(req.CronExpr)
	if err != nil {
		return nil, err
	}
	cfg, err := models.ParseTaskConfig(req.Type, req.Config)
	if err != nil {
		return nil, &ValidationError{Field: "config", Message: err.Error()}
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	task := &models.ScheduledTask{
		Name:           name,
		Type:           req.Type,
		DeploymentName: req.DeploymentName,
		CronExpr:       strings.TrimSpace(req.CronExpr),
		Enabled:        enabled,
		Config:         cfg,
	}
	if enabled {
		next, err := nextRunAfter(sched, s.now())
		if err != nil {
			return nil, validationErrorf("cron_expr", "%v", err)
		}
		task.NextRun = &next
	}

	if err := s.taskRepo.Create(task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	logger.Info("SCHEDULER: Task created", map[string]interface{}{
		"task_id":    task.ID,
		"task":       task.Name,
		"type":       task.Type,
		"deployment": task.DeploymentName,
		"cron_expr":  task.CronExpr,
	})
	s.publish(events.EventTaskCreated, *task, nil)
	return task, nil
}

// UpdateTask applies a partial update. Any change to cron_expr or enabled
// recomputes next_run from now.
func (s *SchedulerService) UpdateTask(id uint, req UpdateTaskRequest) (*models.ScheduledTask, error) {
	idStr := strconv.FormatUint(uint64(id), 10)
	task, err := s.taskRepo.FindByID(id)
	if err != nil {
		return nil, notFoundOr(err, "task", idStr)
	}

	updates := make(map[string]interface{})
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" || len(name) > 255 {
			return nil, validationErrorf("name", "must be between 1 and 255 characters")
		}
		updates["name"] = name
	}

	cronExpr := task.CronExpr
	if req.CronExpr != nil {
		cronExpr = strings.TrimSpace(*req.CronExpr)
		updates["cron_expr"] = cronExpr
	}
	sched, err := parseCronExpr(cronExpr)
	if err != nil {
		return nil, err
	}

	enabled := task.Enabled
	if req.Enabled != nil {
		enabled = *req.Enabled
		updates["enabled"] = enabled
	}

	if len(req.Config) > 0 && !bytes.Equal(bytes.TrimSpace(req.Config), []byte("null")) {
		cfg, err := models.ParseTaskConfig(task.Type, req.Config)
		if err != nil {
			return nil, &ValidationError{Field: "config", Message: err.Error()}
		}
		raw, err := models.EncodeTaskConfig(cfg)
		if err != nil {
			return nil, err
		}
		updates["config"] = datatypes.JSON(raw)
	}

	if req.CronExpr != nil || req.Enabled != nil {
		if enabled {
			next, err := nextRunAfter(sched, s.now())
			if err != nil {
				return nil, validationErrorf("cron_expr", "%v", err)
			}
			updates["next_run"] = next
		} else {
			updates["next_run"] = nil
		}
	}

	if len(updates) == 0 {
		return task, nil
	}
	if err := s.taskRepo.Update(id, updates); err != nil {
		return nil, notFoundOr(err, "task", idStr)
	}

	updated, err := s.taskRepo.FindByID(id)
	if err != nil {
		return nil, notFoundOr(err, "task", idStr)
	}
	logger.Info("SCHEDULER: Task updated", map[string]interface{}{
		"task_id": id,
		"fields":  len(updates),
	})
	s.publish(events.EventTaskUpdated, *updated, nil)
	return updated, nil
}

// DeleteTask removes a task from scheduling; its executions are kept
func (s *SchedulerService) DeleteTask(id uint) error {
	idStr := strconv.FormatUint(uint64(id), 10)
	task, err := s.taskRepo.FindByID(id)
	if err != nil {
		return notFoundOr(err, "task", idStr)
	}
	if err := s.taskRepo.Delete(id); err != nil {
		return notFoundOr(err, "task", idStr)
	}
	logger.Info("SCHEDULER: Task deleted", map[string]interface{}{"task_id": id})
	s.publish(events.EventTaskDeleted, *task, nil)
	return nil
}

// GetTaskExecutions returns a task's executions, newest first
func (s *SchedulerService) GetTaskExecutions(id uint, limit int) ([]models.TaskExecution, error) {
	return s.execRepo.ListByTask(id, clampLimit(limit))
}

// GetRecentExecutions returns executions across all tasks, newest first
func (s *SchedulerService) GetRecentExecutions(limit int) ([]models.TaskExecution, error) {
	return s.execRepo.ListRecent(clampLimit(limit))
}

// GetExecution returns one execution
func (s *SchedulerService) GetExecution(id uint) (*models.TaskExecution, error) {
	exec, err := s.execRepo.FindByID(id)
	if err != nil {
		return nil, notFoundOr(err, "execution", strconv.FormatUint(uint64(id), 10))
	}
	return exec, nil
}

func (s *SchedulerService) publish(t events.EventType, task models.ScheduledTask, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["task_name"] = task.Name
	data["task_type"] = string(task.Type)
	s.bus.Publish(events.Event{
		Type:       t,
		Source:     "scheduler",
		Deployment: task.DeploymentName,
		Subject:    strconv.FormatUint(uint64(task.ID), 10),
		Data:       data,
	})
}

func mergeFields(a, b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

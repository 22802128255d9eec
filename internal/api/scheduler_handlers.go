package api

import (
	"context"
	"net/http"

	"github.com/deployd/agent/internal/middleware"
	"github.com/deployd/agent/internal/models"
	"github.com/deployd/agent/internal/service"
	"github.com/gin-gonic/gin"
)

// TaskScheduler is the scheduler surface the handlers use
type TaskScheduler interface {
	ListTasks(deployment string) ([]models.ScheduledTask, error)
	GetTask(id uint) (*models.ScheduledTask, error)
	CreateTask(req service.CreateTaskRequest) (*models.ScheduledTask, error)
	UpdateTask(id uint, req service.UpdateTaskRequest) (*models.ScheduledTask, error)
	DeleteTask(id uint) error
	RunTaskNow(ctx context.Context, id uint) (*models.TaskExecution, error)
	GetTaskExecutions(id uint, limit int) ([]models.TaskExecution, error)
	GetRecentExecutions(limit int) ([]models.TaskExecution, error)
}

var _ TaskScheduler = (*service.SchedulerService)(nil)

// SchedulerHandler handles scheduled task endpoints
type SchedulerHandler struct {
	scheduler TaskScheduler
}

// NewSchedulerHandler creates a new scheduler handler
func NewSchedulerHandler(scheduler TaskScheduler) *SchedulerHandler {
	return &SchedulerHandler{scheduler: scheduler}
}

// ListTasks handles GET /api/scheduler/tasks?deployment=
func (h *SchedulerHandler) ListTasks(c *gin.Context) {
	tasks, err := h.scheduler.ListTasks(c.Query("deployment"))
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	if tasks == nil {
		tasks = []models.ScheduledTask{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// GetTask handles GET /api/scheduler/tasks/:id
func (h *SchedulerHandler) GetTask(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	task, err := h.scheduler.GetTask(id)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

// CreateTask handles POST /api/scheduler/tasks
func (h *SchedulerHandler) CreateTask(c *gin.Context) {
	var req service.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleAppError(c, middleware.NewBadRequestError("Invalid request body: "+err.Error()))
		return
	}
	task, err := h.scheduler.CreateTask(req)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task": task})
}

// UpdateTask handles PUT /api/scheduler/tasks/:id
func (h *SchedulerHandler) UpdateTask(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	var req service.UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleAppError(c, middleware.NewBadRequestError("Invalid request body: "+err.Error()))
		return
	}
	task, err := h.scheduler.UpdateTask(id, req)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

// DeleteTask handles DELETE /api/scheduler/tasks/:id
func (h *SchedulerHandler) DeleteTask(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	if err := h.scheduler.DeleteTask(id); err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "task deleted"})
}

// RunTask handles POST /api/scheduler/tasks/:id/run
func (h *SchedulerHandler) RunTask(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	exec, err := h.scheduler.RunTaskNow(c.Request.Context(), id)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message":      "task started",
		"execution_id": exec.ID,
	})
}

// GetTaskExecutions handles GET /api/scheduler/tasks/:id/executions?limit=
func (h *SchedulerHandler) GetTaskExecutions(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	limit, err := queryLimit(c)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	if _, err := h.scheduler.GetTask(id); err != nil {
		middleware.RespondError(c, err)
		return
	}
	execs, err := h.scheduler.GetTaskExecutions(id, limit)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	if execs == nil {
		execs = []models.TaskExecution{}
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

// GetRecentExecutions handles GET /api/scheduler/executions?limit=
func (h *SchedulerHandler) GetRecentExecutions(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	execs, err := h.scheduler.GetRecentExecutions(limit)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	if execs == nil {
		execs = []models.TaskExecution{}
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

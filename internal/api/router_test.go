package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/deployd/agent/internal/docker/dockertest"
	"github.com/deployd/agent/internal/events"
	"github.com/deployd/agent/internal/middleware"
	"github.com/deployd/agent/internal/repository"
	"github.com/deployd/agent/internal/service"
	"github.com/deployd/agent/pkg/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiEnv struct {
	cfg       *config.Config
	runtime   *dockertest.Runtime
	auth      *service.AuthService
	backups   *service.BackupService
	scheduler *service.SchedulerService
	bus       *events.EventBus
	router    *gin.Engine
	token     string
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := repository.OpenSQLite(":memory:", false)
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))

	dir := t.TempDir()
	cfg := &config.Config{
		JWTSecret:           "test-secret",
		CORSOrigins:         []string{"https://dash.example.com"},
		BackupDir:           filepath.Join(dir, "backups"),
		DeploymentsDir:      filepath.Join(dir, "deployments"),
		BackupHookTimeout:   5 * time.Second,
		BackupDumpTimeout:   5 * time.Second,
		CommandOutputLimit:  4096,
		TerminalAuthTimeout: 300 * time.Millisecond,
	}

	env := &apiEnv{cfg: cfg, runtime: dockertest.New()}
	env.bus = events.NewEventBus(events.NewDatabaseEventStorage(db))
	env.auth = service.NewAuthService(cfg)
	middleware.SetAuthService(env.auth)

	env.backups = service.NewBackupService(
		repository.NewBackupRepository(db),
		repository.NewBackupJobRepository(db),
		repository.NewBackupConfigRepository(db),
		env.runtime, cfg,
	)
	env.backups.SetEventBus(env.bus)

	env.scheduler = service.NewSchedulerService(
		repository.NewTaskRepository(db),
		repository.NewExecutionRepository(db),
		env.backups,
		service.NewCommandRunner(env.runtime, cfg.CommandOutputLimit),
		time.Second,
	)
	env.scheduler.SetEventBus(env.bus)

	terminals := service.NewTerminalService(env.runtime, env.auth, cfg)
	terminals.SetEventBus(env.bus)

	stream := NewDashboardWebSocket(env.bus, cfg.CORSOrigins)
	ctx, cancel := context.WithCancel(context.Background())
	go stream.Run(ctx)

	env.router = SetupRouter(
		NewHealthHandler(repository.NewSQLiteProvider(db), nil, "test"),
		NewPrometheusHandler(),
		NewSchedulerHandler(env.scheduler),
		NewBackupHandler(env.backups),
		NewTerminalHandler(terminals, cfg.CORSOrigins),
		NewEventsHandler(env.bus),
		stream,
		nil,
		cfg,
	)

	env.token, err = env.auth.GenerateToken("ops", time.Hour)
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		_ = env.scheduler.Stop(sctx)
		_ = env.backups.Shutdown(sctx)
		middleware.SetAuthService(nil)
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return env
}

// do sends an authenticated JSON request and decodes the response into out.
func (e *apiEnv) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+e.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if out != nil && w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w.Code
}

func TestHealthEndpointsNeedNoAuth(t *testing.T) {
	env := newAPIEnv(t)

	for _, p := range []string{"/health", "/ready", "/live", "/metrics"} {
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, p, nil))
		assert.Equal(t, http.StatusOK, w.Code, p)
	}

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/scheduler/tasks", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var body middleware.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "UNAUTHORIZED", body.Error)
}

func TestCORSPreflight(t *testing.T) {
	env := newAPIEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/scheduler/tasks", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://dash.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/scheduler/tasks", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

type taskBody struct {
	ID             uint            `json:"id"`
	Name           string          `json:"name"`
	Type           string          `json:"type"`
	CronExpr       string          `json:"cron_expr"`
	Enabled        bool            `json:"enabled"`
	NextRun        *time.Time      `json:"next_run"`
	Config         json.RawMessage `json:"config"`
	DeploymentName string          `json:"deployment_name"`
}

func TestSchedulerEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	env.runtime.AddContainer("shop", "web", nil)

	create := map[string]interface{}{
		"name":            "clear cache",
		"type":            "command",
		"deployment_name": "shop",
		"cron_expr":       "*/5 * * * *",
		"config":          map[string]interface{}{"command_config": map[string]interface{}{"service": "web", "command": "true", "timeout": 30}},
	}
	var created struct {
		Task taskBody `json:"task"`
	}
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/scheduler/tasks", create, &created))
	task := created.Task
	assert.NotZero(t, task.ID)
	assert.True(t, task.Enabled)
	require.NotNil(t, task.NextRun)
	assert.True(t, task.NextRun.After(time.Now()))
	assert.JSONEq(t, `{"command_config":{"service":"web","command":"true","timeout":30}}`, string(task.Config))

	var listed struct {
		Tasks []taskBody `json:"tasks"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/scheduler/tasks?deployment=shop", nil, &listed))
	assert.Len(t, listed.Tasks, 1)

	var updated struct {
		Task taskBody `json:"task"`
	}
	path := "/api/scheduler/tasks/" + jsonNumber(task.ID)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, path, map[string]interface{}{"enabled": false}, &updated))
	assert.False(t, updated.Task.Enabled)
	assert.Nil(t, updated.Task.NextRun)

	var run struct {
		Message     string `json:"message"`
		ExecutionID uint   `json:"execution_id"`
	}
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, path+"/run", nil, &run))
	assert.NotZero(t, run.ExecutionID)

	require.Eventually(t, func() bool {
		var execs struct {
			Executions []struct {
				ID     uint   `json:"id"`
				Status string `json:"status"`
			} `json:"executions"`
		}
		code := env.do(t, http.MethodGet, path+"/executions?limit=5", nil, &execs)
		return code == http.StatusOK && len(execs.Executions) == 1 && execs.Executions[0].Status == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	var recent struct {
		Executions []json.RawMessage `json:"executions"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/scheduler/executions", nil, &recent))
	assert.Len(t, recent.Executions, 1)

	var msg struct {
		Message string `json:"message"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodDelete, path, nil, &msg))
	assert.Equal(t, "task deleted", msg.Message)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, path, nil, nil))
}

func TestSchedulerEndpointErrors(t *testing.T) {
	env := newAPIEnv(t)

	var errBody middleware.ErrorResponse
	code := env.do(t, http.MethodPost, "/api/scheduler/tasks", map[string]interface{}{
		"name":            "bad",
		"type":            "command",
		"deployment_name": "shop",
		"cron_expr":       "every minute",
		"config":          map[string]interface{}{"command_config": map[string]interface{}{"service": "web", "command": "x", "timeout": 1}},
	}, &errBody)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", errBody.Error)
	assert.Contains(t, errBody.Message, "cron_expr")

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/scheduler/tasks/999", nil, nil))
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/scheduler/tasks/abc", nil, nil))
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/scheduler/executions?limit=-1", nil, nil))
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/scheduler/tasks/999/run", nil, nil))
}

func TestBackupEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	env.runtime.AddContainer("shop", "web", nil).WriteFile("/srv/index.html", []byte("<h1>shop</h1>"))

	var cfgBody struct {
		BackupConfig json.RawMessage `json:"backup_config"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/deployments/shop/backup-config", nil, &cfgBody))
	assert.Equal(t, "null", string(cfgBody.BackupConfig))

	spec := map[string]interface{}{
		"container_paths": []map[string]interface{}{{"service": "web", "container_path": "/srv", "required": true}},
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, "/api/deployments/shop/backup-config", spec, &cfgBody))
	assert.Contains(t, string(cfgBody.BackupConfig), `"/srv"`)

	var started struct {
		JobID   string `json:"job_id"`
		Message string `json:"message"`
	}
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/api/deployments/shop/backups", nil, &started))
	require.NotEmpty(t, started.JobID)

	var job struct {
		Job struct {
			Status   string `json:"status"`
			BackupID string `json:"backup_id"`
			Error    string `json:"error"`
		} `json:"job"`
	}
	require.Eventually(t, func() bool {
		return env.do(t, http.MethodGet, "/api/backups/jobs/"+started.JobID, nil, &job) == http.StatusOK &&
			(job.Job.Status == "completed" || job.Job.Status == "failed")
	}, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, "completed", job.Job.Status, job.Job.Error)

	var jobs struct {
		Jobs []json.RawMessage `json:"jobs"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/backups/jobs?deployment=shop", nil, &jobs))
	assert.Len(t, jobs.Jobs, 1)

	var list struct {
		Backups []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"backups"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/backups?deployment=shop", nil, &list))
	require.Len(t, list.Backups, 1)
	assert.Equal(t, job.Job.BackupID, list.Backups[0].ID)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/deployments/shop/backups?limit=5", nil, &list))
	assert.Len(t, list.Backups, 1)

	var one struct {
		Backup struct {
			Status string `json:"status"`
			Size   int64  `json:"size"`
		} `json:"backup"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/backups/"+job.Job.BackupID, nil, &one))
	assert.Equal(t, "completed", one.Backup.Status)
	assert.Positive(t, one.Backup.Size)

	// downloads authenticate with ?token=
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/backups/"+job.Job.BackupID+"/download?token="+env.token, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/gzip", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), job.Job.BackupID+".tar.gz")
	assert.Equal(t, one.Backup.Size, int64(w.Body.Len()))

	var errBody middleware.ErrorResponse
	code := env.do(t, http.MethodPost, "/api/backups/"+job.Job.BackupID+"/restore", map[string]bool{"restore_data": false, "restore_db": false}, &errBody)
	assert.Equal(t, http.StatusBadRequest, code)

	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/api/backups/"+job.Job.BackupID+"/restore", map[string]bool{"restore_data": true}, &started))
	require.Eventually(t, func() bool {
		return env.do(t, http.MethodGet, "/api/backups/jobs/"+started.JobID, nil, &job) == http.StatusOK && job.Job.Status == "completed"
	}, 10*time.Second, 20*time.Millisecond)

	// the body is optional; omitted options restore everything
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/api/backups/"+job.Job.BackupID+"/restore", nil, &started))
	require.Eventually(t, func() bool {
		return env.do(t, http.MethodGet, "/api/backups/jobs/"+started.JobID, nil, &job) == http.StatusOK && job.Job.Status == "completed"
	}, 10*time.Second, 20*time.Millisecond)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodDelete, "/api/backups/"+job.Job.BackupID, nil, nil))
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/backups/"+job.Job.BackupID, nil, nil))
}

func TestRestoreUnknownBackupWithoutBody(t *testing.T) {
	env := newAPIEnv(t)

	var errBody middleware.ErrorResponse
	code := env.do(t, http.MethodPost, "/api/backups/shop-20260101-000000/restore", nil, &errBody)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", errBody.Error)
}

func TestCreateBackupByBody(t *testing.T) {
	env := newAPIEnv(t)

	var errBody middleware.ErrorResponse
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/backups", map[string]string{}, &errBody))

	code := env.do(t, http.MethodPost, "/api/backups", map[string]string{"deployment_name": "blog"}, &errBody)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, errBody.Message, "no backup configuration")
}

func TestEventsEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	_, err := env.scheduler.CreateTask(service.CreateTaskRequest{
		Name:           "nightly",
		Type:           "backup",
		DeploymentName: "shop",
		CronExpr:       "0 3 * * *",
		Config:         json.RawMessage(`{"backup_config":{"retention_count":3}}`),
	})
	require.NoError(t, err)

	var body struct {
		Events []events.Event `json:"events"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/events?type=task.created,task.deleted&deployment=shop", nil, &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, events.EventTaskCreated, body.Events[0].Type)
	assert.Equal(t, "nightly", body.Events[0].Data["task_name"])

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/events?deployment=blog", nil, &body))
	assert.Empty(t, body.Events)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/events?since=yesterday", nil, nil))
}

func jsonNumber(id uint) string {
	raw, _ := json.Marshal(id)
	return string(raw)
}

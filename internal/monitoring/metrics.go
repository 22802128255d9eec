package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the deployment agent
var (
	// Backup and restore jobs
	BackupJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployd_backup_jobs_total",
			Help: "Total number of finished backup and restore jobs",
		},
		[]string{"type", "status"},
	)

	BackupJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deployd_backup_job_duration_seconds",
			Help:    "Backup and restore job duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"type"},
	)

	BackupSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deployd_backup_size_bytes",
			Help:    "Size of completed backup archives",
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 10),
		},
	)

	BackupStorageBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deployd_backup_storage_bytes",
			Help: "Bytes of completed backups held per deployment",
		},
		[]string{"deployment"},
	)

	BackupsPrunedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployd_backups_pruned_total",
			Help: "Backups removed by retention or expiry",
		},
		[]string{"reason"},
	)

	// Scheduler
	ScheduledTasks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deployd_scheduled_tasks",
			Help: "Number of scheduled tasks by state",
		},
		[]string{"state"},
	)

	TaskExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployd_task_executions_total",
			Help: "Total number of finished task executions",
		},
		[]string{"type", "status", "trigger"},
	)

	TaskExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deployd_task_execution_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	SchedulerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deployd_scheduler_tick_duration_seconds",
			Help:    "Time spent claiming due tasks per tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Terminal
	TerminalSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deployd_terminal_sessions_active",
			Help: "Number of open exec terminal sessions",
		},
	)

	TerminalAuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployd_terminal_auth_failures_total",
			Help: "Terminal connections closed during authentication",
		},
		[]string{"reason"},
	)

	TerminalSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployd_terminal_sessions_total",
			Help: "Closed terminal sessions by result",
		},
		[]string{"result"},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployd_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deployd_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

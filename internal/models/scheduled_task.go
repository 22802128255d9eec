package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TaskType selects what a scheduled task runs.
type TaskType string

const (
	TaskTypeBackup  TaskType = "backup"
	TaskTypeCommand TaskType = "command"
)

// TaskConfig is the per-type payload of a ScheduledTask. Implemented by
// BackupTaskConfig and CommandTaskConfig only.
type TaskConfig interface {
	TaskType() TaskType
	validate() error
}

// BackupTaskConfig configures a scheduled backup.
type BackupTaskConfig struct {
	RetentionCount int    `json:"retention_count"`
	StoragePath    string `json:"storage_path,omitempty"`
}

func (BackupTaskConfig) TaskType() TaskType { return TaskTypeBackup }

func (c BackupTaskConfig) validate() error {
	if c.RetentionCount < 0 {
		return errors.New("retention_count must not be negative")
	}
	if c.StoragePath != "" && !strings.HasPrefix(c.StoragePath, "/") {
		return errors.New("storage_path must be absolute")
	}
	return nil
}

// CommandTaskConfig configures a shell command run in a service container.
type CommandTaskConfig struct {
	Service string `json:"service"`
	Command string `json:"command"`
	Timeout int    `json:"timeout"` // seconds
}

func (CommandTaskConfig) TaskType() TaskType { return TaskTypeCommand }

func (c CommandTaskConfig) validate() error {
	if c.Service == "" {
		return errors.New("command_config.service is required")
	}
	if strings.TrimSpace(c.Command) == "" {
		return errors.New("command_config.command is required")
	}
	if c.Timeout <= 0 {
		return errors.New("command_config.timeout must be positive")
	}
	return nil
}

// TimeoutDuration returns the configured timeout.
func (c CommandTaskConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// taskConfigWire is the JSON shape clients send and receive.
type taskConfigWire struct {
	BackupConfig  *BackupTaskConfig  `json:"backup_config,omitempty"`
	CommandConfig *CommandTaskConfig `json:"command_config,omitempty"`
}

// ParseTaskConfig decodes a wire config for the given task type. The payload
// must carry exactly the variant matching taskType.
func ParseTaskConfig(taskType TaskType, raw []byte) (TaskConfig, error) {
	var wire taskConfigWire
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&wire); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}

	var cfg TaskConfig
	switch taskType {
	case TaskTypeBackup:
		if wire.CommandConfig != nil {
			return nil, errors.New("backup task must not carry command_config")
		}
		if wire.BackupConfig == nil {
			return nil, errors.New("backup task requires backup_config")
		}
		cfg = *wire.BackupConfig
	case TaskTypeCommand:
		if wire.BackupConfig != nil {
			return nil, errors.New("command task must not carry backup_config")
		}
		if wire.CommandConfig == nil {
			return nil, errors.New("command task requires command_config")
		}
		cfg = *wire.CommandConfig
	default:
		return nil, fmt.Errorf("unknown task type %q", taskType)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EncodeTaskConfig renders cfg in its wire shape.
func EncodeTaskConfig(cfg TaskConfig) ([]byte, error) {
	var wire taskConfigWire
	switch c := cfg.(type) {
	case BackupTaskConfig:
		wire.BackupConfig = &c
	case CommandTaskConfig:
		wire.CommandConfig = &c
	case nil:
	default:
		return nil, fmt.Errorf("unsupported task config %T", cfg)
	}
	return json.Marshal(wire)
}

// ScheduledTask is a cron-triggered unit of work against one deployment.
type ScheduledTask struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Name           string     `gorm:"size:255;not null" json:"name"`
	Type           TaskType   `gorm:"size:20;not null;index" json:"type"`
	DeploymentName string     `gorm:"size:255;not null;index" json:"deployment_name"`
	CronExpr       string     `gorm:"size:100;not null" json:"cron_expr"`
	Enabled        bool       `gorm:"not null;index" json:"enabled"`
	Config         TaskConfig `gorm:"-" json:"-"`

	ConfigJSON datatypes.JSON `gorm:"column:config;not null" json:"-"`

	LastRun *time.Time `json:"last_run,omitempty"`
	NextRun *time.Time `gorm:"index" json:"next_run,omitempty"`

	// Set while one firing is in flight; cleared when it is terminal
	Running bool `gorm:"not null;default:false;index" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name
func (ScheduledTask) TableName() string {
	return "scheduled_tasks"
}

// BeforeSave keeps the config column in step with Config.
func (t *ScheduledTask) BeforeSave(tx *gorm.DB) error {
	if t.Config == nil {
		return nil
	}
	if t.Config.TaskType() != t.Type {
		return fmt.Errorf("config variant %s does not match task type %s", t.Config.TaskType(), t.Type)
	}
	raw, err := EncodeTaskConfig(t.Config)
	if err != nil {
		return err
	}
	t.ConfigJSON = datatypes.JSON(raw)
	return nil
}

// AfterFind decodes the stored config into its typed variant.
func (t *ScheduledTask) AfterFind(tx *gorm.DB) error {
	cfg, err := ParseTaskConfig(t.Type, t.ConfigJSON)
	if err != nil {
		return fmt.Errorf("task %d: %w", t.ID, err)
	}
	t.Config = cfg
	return nil
}

// BackupConfig returns the backup payload, or nil for other task types.
func (t *ScheduledTask) BackupConfig() *BackupTaskConfig {
	if c, ok := t.Config.(BackupTaskConfig); ok {
		return &c
	}
	return nil
}

// CommandConfig returns the command payload, or nil for other task types.
func (t *ScheduledTask) CommandConfig() *CommandTaskConfig {
	if c, ok := t.Config.(CommandTaskConfig); ok {
		return &c
	}
	return nil
}

// MarshalJSON renders config in its wire shape.
func (t ScheduledTask) MarshalJSON() ([]byte, error) {
	type plain ScheduledTask
	cfg, err := EncodeTaskConfig(t.Config)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		plain
		Config json.RawMessage `json:"config"`
	}{plain(t), cfg})
}

// ExecutionStatus is the state of one task firing.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// ExecutionTrigger records why a task fired.
type ExecutionTrigger string

const (
	TriggerSchedule ExecutionTrigger = "schedule"
	TriggerManual   ExecutionTrigger = "manual"
)

// TaskExecution is one firing of a ScheduledTask. It outlives its task.
type TaskExecution struct {
	ID         uint             `gorm:"primaryKey" json:"id"`
	TaskID     uint             `gorm:"not null;index" json:"task_id"`
	Status     ExecutionStatus  `gorm:"size:20;not null;index" json:"status"`
	Trigger    ExecutionTrigger `gorm:"column:triggered_by;size:20;not null" json:"trigger"`
	Output     string           `gorm:"type:text" json:"output,omitempty"`
	Error      string           `gorm:"type:text" json:"error,omitempty"`
	StartedAt  time.Time        `gorm:"not null;index" json:"started_at"`
	EndedAt    *time.Time       `json:"ended_at,omitempty"`
	DurationMs *int64           `json:"duration_ms,omitempty"`
}

// TableName specifies the table name
func (TaskExecution) TableName() string {
	return "task_executions"
}

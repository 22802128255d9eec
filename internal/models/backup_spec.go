package models

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// BackupSpec declares what a backup of one deployment captures.
type BackupSpec struct {
	ContainerPaths  []ContainerBackupPath `json:"container_paths"`
	Databases       []DatabaseBackupSpec  `json:"databases"`
	PreHooks        []BackupHookSpec      `json:"pre_hooks"`
	PostHooks       []BackupHookSpec      `json:"post_hooks"`
	ExcludePatterns []string              `json:"exclude_patterns"`
}

// ContainerBackupPath is a directory or file inside one service container.
type ContainerBackupPath struct {
	Service       string `json:"service"`
	ContainerPath string `json:"container_path"`
	Description   string `json:"description,omitempty"`
	Required      bool   `json:"required"`
}

// BackupHookSpec is a shell command run inside a service container.
type BackupHookSpec struct {
	Service string `json:"service"`
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"` // seconds, 0 uses the agent default
}

// HookTimeout returns the hook's own timeout or the fallback.
func (h BackupHookSpec) HookTimeout(fallback time.Duration) time.Duration {
	if h.Timeout > 0 {
		return time.Duration(h.Timeout) * time.Second
	}
	return fallback
}

// DatabaseType is a database engine the agent knows how to dump.
type DatabaseType string

const (
	DatabasePostgres DatabaseType = "postgres"
	DatabaseMySQL    DatabaseType = "mysql"
	DatabaseMariaDB  DatabaseType = "mariadb"
	DatabaseMongoDB  DatabaseType = "mongodb"
)

// DefaultPort is the engine's standard listen port.
func (t DatabaseType) DefaultPort() int {
	switch t {
	case DatabasePostgres:
		return 5432
	case DatabaseMySQL, DatabaseMariaDB:
		return 3306
	case DatabaseMongoDB:
		return 27017
	}
	return 0
}

// DatabaseBackupSpec describes one database dumped from a service container.
// Each connection parameter is either a literal or the name of an environment
// variable of the service container; never both.
type DatabaseBackupSpec struct {
	Service string       `json:"service"`
	Type    DatabaseType `json:"type"`

	Host        string `json:"host,omitempty"`
	HostEnv     string `json:"host_env,omitempty"`
	Port        int    `json:"port,omitempty"`
	PortEnv     string `json:"port_env,omitempty"`
	User        string `json:"user,omitempty"`
	UserEnv     string `json:"user_env,omitempty"`
	PasswordEnv string `json:"password_env,omitempty"`
	Database    string `json:"database,omitempty"`
	DatabaseEnv string `json:"database_env,omitempty"`
}

// CredentialSource is a connection parameter resolved at run start.
type CredentialSource struct {
	Literal string
	EnvVar  string
}

// Resolve returns the literal, or the named variable from env. The second
// return is false when the source is empty.
func (s CredentialSource) Resolve(env map[string]string) (string, bool, error) {
	switch {
	case s.EnvVar != "":
		v, ok := env[s.EnvVar]
		if !ok {
			return "", false, fmt.Errorf("environment variable %s is not set in the container", s.EnvVar)
		}
		return v, true, nil
	case s.Literal != "":
		return s.Literal, true, nil
	default:
		return "", false, nil
	}
}

func (d DatabaseBackupSpec) HostSource() CredentialSource {
	return CredentialSource{Literal: d.Host, EnvVar: d.HostEnv}
}

func (d DatabaseBackupSpec) PortSource() CredentialSource {
	lit := ""
	if d.Port > 0 {
		lit = strconv.Itoa(d.Port)
	}
	return CredentialSource{Literal: lit, EnvVar: d.PortEnv}
}

func (d DatabaseBackupSpec) UserSource() CredentialSource {
	return CredentialSource{Literal: d.User, EnvVar: d.UserEnv}
}

func (d DatabaseBackupSpec) PasswordSource() CredentialSource {
	return CredentialSource{EnvVar: d.PasswordEnv}
}

func (d DatabaseBackupSpec) DatabaseSource() CredentialSource {
	return CredentialSource{Literal: d.Database, EnvVar: d.DatabaseEnv}
}

// Normalize cleans container paths so "/srv/data/" and "/srv/data" name the
// same directory on backup and restore.
func (s *BackupSpec) Normalize() {
	for i := range s.ContainerPaths {
		if p := s.ContainerPaths[i].ContainerPath; p != "" {
			s.ContainerPaths[i].ContainerPath = path.Clean(p)
		}
	}
}

// Validate checks the spec for mistakes that would only surface mid-run.
func (s *BackupSpec) Validate() error {
	var errs []error
	for i, p := range s.ContainerPaths {
		if p.Service == "" {
			errs = append(errs, fmt.Errorf("container_paths[%d]: service is required", i))
		}
		if !path.IsAbs(p.ContainerPath) || path.Clean(p.ContainerPath) == "/" {
			errs = append(errs, fmt.Errorf("container_paths[%d]: container_path must be an absolute path below /", i))
		}
	}
	for i, db := range s.Databases {
		if db.Service == "" {
			errs = append(errs, fmt.Errorf("databases[%d]: service is required", i))
		}
		switch db.Type {
		case DatabasePostgres, DatabaseMySQL, DatabaseMariaDB, DatabaseMongoDB:
		default:
			errs = append(errs, fmt.Errorf("databases[%d]: unsupported type %q", i, db.Type))
		}
		pairs := []struct {
			name       string
			literal    bool
			env        string
			needsValue bool
		}{
			{"host", db.Host != "", db.HostEnv, false},
			{"port", db.Port != 0, db.PortEnv, false},
			{"user", db.User != "", db.UserEnv, false},
			{"database", db.Database != "", db.DatabaseEnv, db.Type != DatabaseMongoDB},
		}
		for _, p := range pairs {
			if p.literal && p.env != "" {
				errs = append(errs, fmt.Errorf("databases[%d]: set either %s or %s_env, not both", i, p.name, p.name))
			}
			if p.needsValue && !p.literal && p.env == "" {
				errs = append(errs, fmt.Errorf("databases[%d]: %s or %s_env is required", i, p.name, p.name))
			}
		}
		if db.Port < 0 || db.Port > 65535 {
			errs = append(errs, fmt.Errorf("databases[%d]: port out of range", i))
		}
	}
	for kind, hooks := range map[string][]BackupHookSpec{"pre_hooks": s.PreHooks, "post_hooks": s.PostHooks} {
		for i, h := range hooks {
			if h.Service == "" || strings.TrimSpace(h.Command) == "" {
				errs = append(errs, fmt.Errorf("%s[%d]: service and command are required", kind, i))
			}
			if h.Timeout < 0 {
				errs = append(errs, fmt.Errorf("%s[%d]: timeout must not be negative", kind, i))
			}
		}
	}
	for i, p := range s.ExcludePatterns {
		if _, err := path.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("exclude_patterns[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// DeploymentBackupConfig stores the BackupSpec of one deployment.
type DeploymentBackupConfig struct {
	DeploymentName string                         `gorm:"primaryKey;size:255"`
	Spec           datatypes.JSONType[BackupSpec] `gorm:"not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName specifies the table name
func (DeploymentBackupConfig) TableName() string {
	return "deployment_backup_configs"
}

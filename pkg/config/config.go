package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Application
	AppName string
	Debug   bool
	Port    string

	// Logging
	LogLevel string
	LogJSON  bool

	// Database
	DatabaseType string // postgres | sqlite
	DatabaseURL  string
	SQLitePath   string

	// Authentication
	JWTSecret     string
	AgentAPIToken string // Static bearer token accepted next to JWTs (optional)
	CORSOrigins   []string

	// Rate limiting (per client IP)
	RateLimitRPS   float64
	RateLimitBurst int

	// Backups
	BackupDir           string // Local archive root, one sub directory per deployment
	DeploymentsDir      string // Where compose files and .env of each deployment live
	BackupRetentionDays int    // 0 keeps backups until pruned by count
	BackupHookTimeout   time.Duration
	BackupDumpTimeout   time.Duration
	BackupCleanupPeriod time.Duration

	// Scheduler
	SchedulerTickInterval time.Duration
	CommandOutputLimit    int // Bytes of command output kept per execution

	// Terminal
	TerminalAuthTimeout time.Duration
	TerminalShell       string

	// Storage Box (SFTP offsite mirror of backup archives)
	StorageBoxEnabled  bool
	StorageBoxHost     string
	StorageBoxPort     int
	StorageBoxUser     string
	StorageBoxPassword string
	StorageBoxPath     string

	// Event history kept in the database; 0 keeps everything
	EventRetentionDays int

	// InfluxDB (Time-Series Event Storage)
	InfluxDBURL    string
	InfluxDBToken  string
	InfluxDBOrg    string
	InfluxDBBucket string
}

var AppConfig *Config

// Load loads configuration from environment
func Load() *Config {
	// Load .env file if exists
	_ = godotenv.Load()

	config := &Config{
		AppName:  getEnv("APP_NAME", "deployd"),
		Debug:    getEnvBool("DEBUG", false),
		Port:     getEnv("PORT", "8090"),
		LogLevel: getEnv("LOG_LEVEL", "INFO"),
		LogJSON:  getEnvBool("LOG_JSON", false),

		DatabaseType: getEnv("DATABASE_TYPE", "sqlite"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		SQLitePath:   getEnv("SQLITE_PATH", "./deployd.db"),

		JWTSecret:     getEnv("JWT_SECRET", ""),
		AgentAPIToken: getEnv("AGENT_API_TOKEN", ""),
		CORSOrigins:   getEnvList("CORS_ORIGINS", []string{"http://localhost:5173"}),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),

		BackupDir:           getEnv("BACKUP_DIR", "./data/backups"),
		DeploymentsDir:      getEnv("DEPLOYMENTS_DIR", "./data/deployments"),
		BackupRetentionDays: getEnvInt("BACKUP_RETENTION_DAYS", 0),
		BackupHookTimeout:   getEnvDuration("BACKUP_HOOK_TIMEOUT", 5*time.Minute),
		BackupDumpTimeout:   getEnvDuration("BACKUP_DUMP_TIMEOUT", 30*time.Minute),
		BackupCleanupPeriod: getEnvDuration("BACKUP_CLEANUP_PERIOD", time.Hour),

		SchedulerTickInterval: getEnvDuration("SCHEDULER_TICK_INTERVAL", 15*time.Second),
		CommandOutputLimit:    getEnvInt("COMMAND_OUTPUT_LIMIT", 64*1024),

		TerminalAuthTimeout: getEnvDuration("TERMINAL_AUTH_TIMEOUT", 10*time.Second),
		TerminalShell:       getEnv("TERMINAL_SHELL", ""),

		StorageBoxEnabled:  getEnvBool("STORAGE_BOX_ENABLED", false),
		StorageBoxHost:     getEnv("STORAGE_BOX_HOST", ""),
		StorageBoxPort:     getEnvInt("STORAGE_BOX_PORT", 23),
		StorageBoxUser:     getEnv("STORAGE_BOX_USER", ""),
		StorageBoxPassword: getEnv("STORAGE_BOX_PASSWORD", ""),
		StorageBoxPath:     getEnv("STORAGE_BOX_PATH", "/deployd-backups"),

		EventRetentionDays: getEnvInt("EVENT_RETENTION_DAYS", 30),

		InfluxDBURL:    getEnv("INFLUXDB_URL", ""),
		InfluxDBToken:  getEnv("INFLUXDB_TOKEN", ""),
		InfluxDBOrg:    getEnv("INFLUXDB_ORG", "deployd"),
		InfluxDBBucket: getEnv("INFLUXDB_BUCKET", "events"),
	}

	AppConfig = config
	return config
}

// Validate reports settings the agent cannot start with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" && c.AgentAPIToken == "" {
		return fmt.Errorf("JWT_SECRET or AGENT_API_TOKEN must be set")
	}
	switch c.DatabaseType {
	case "postgres", "postgresql":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for PostgreSQL")
		}
	case "sqlite":
	default:
		return fmt.Errorf("unsupported DATABASE_TYPE %q", c.DatabaseType)
	}
	if c.SchedulerTickInterval <= 0 || c.SchedulerTickInterval > time.Minute {
		return fmt.Errorf("SCHEDULER_TICK_INTERVAL must be within (0, 1m], got %s", c.SchedulerTickInterval)
	}
	if c.TerminalAuthTimeout <= 0 {
		return fmt.Errorf("TERMINAL_AUTH_TIMEOUT must be positive")
	}
	if c.StorageBoxEnabled && (c.StorageBoxHost == "" || c.StorageBoxUser == "") {
		return fmt.Errorf("STORAGE_BOX_HOST and STORAGE_BOX_USER are required when STORAGE_BOX_ENABLED=true")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("Invalid boolean for %s, using default: %v", key, defaultValue)
			return defaultValue
		}
		return boolVal
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intVal, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("Invalid integer for %s, using default: %d", key, defaultValue)
			return defaultValue
		}
		return intVal
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.Printf("Invalid float for %s, using default: %.2f", key, defaultValue)
			return defaultValue
		}
		return floatVal
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s", "5m") or plain seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Printf("Invalid duration for %s, using default: %s", key, defaultValue)
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

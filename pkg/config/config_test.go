package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DATABASE_TYPE", "")
	t.Setenv("SCHEDULER_TICK_INTERVAL", "")

	cfg := Load()

	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, 15*time.Second, cfg.SchedulerTickInterval)
	assert.Equal(t, 10*time.Second, cfg.TerminalAuthTimeout)
	assert.Equal(t, 30, cfg.EventRetentionDays)
	assert.Same(t, cfg, AppConfig)
	require.NoError(t, cfg.Validate())
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("X_DURATION", "90s")
	assert.Equal(t, 90*time.Second, getEnvDuration("X_DURATION", time.Second))

	t.Setenv("X_DURATION", "30")
	assert.Equal(t, 30*time.Second, getEnvDuration("X_DURATION", time.Second))

	t.Setenv("X_DURATION", "soon")
	assert.Equal(t, time.Second, getEnvDuration("X_DURATION", time.Second))
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("X_LIST", " https://a.example , ,https://b.example")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, getEnvList("X_LIST", nil))
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			JWTSecret:             "secret",
			DatabaseType:          "sqlite",
			SchedulerTickInterval: 15 * time.Second,
			TerminalAuthTimeout:   10 * time.Second,
		}
	}

	cases := map[string]func(c *Config){
		"no credentials":      func(c *Config) { c.JWTSecret = "" },
		"postgres no url":     func(c *Config) { c.DatabaseType = "postgres" },
		"unknown database":    func(c *Config) { c.DatabaseType = "mysql" },
		"tick too coarse":     func(c *Config) { c.SchedulerTickInterval = 2 * time.Minute },
		"zero auth timeout":   func(c *Config) { c.TerminalAuthTimeout = 0 },
		"storage box no host": func(c *Config) { c.StorageBoxEnabled = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, base().Validate())
}

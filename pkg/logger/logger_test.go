package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("warning"))
	assert.Equal(t, ERROR, ParseLevel(" ERROR "))
	assert.Equal(t, INFO, ParseLevel("chatty"))
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WARN, &buf, false)

	l.Log(INFO, "hidden", nil)
	l.Log(WARN, "shown", map[string]interface{}{"job_id": "j1"})

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WARN: shown")
	assert.Contains(t, out, "job_id:j1")
}

func TestLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(DEBUG, &buf, true)

	l.LogError(ERROR, "backup failed", errors.New("disk full"), map[string]interface{}{"deployment": "app"})

	var entry LogEntry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
	assert.Equal(t, "ERROR", entry.Level)
	assert.Equal(t, "disk full", entry.Error)
	assert.Equal(t, "app", entry.Fields["deployment"])
}

func TestFieldLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	prev := Default()
	SetDefault(NewLogger(DEBUG, &buf, true))
	defer SetDefault(prev)

	base := WithFields(map[string]interface{}{"component": "scheduler"})
	child := base.With(map[string]interface{}{"task_id": 7})
	child.Info("fired")

	var entry LogEntry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
	assert.Equal(t, "scheduler", entry.Fields["component"])
	assert.EqualValues(t, 7, entry.Fields["task_id"])
	assert.Len(t, base.fields, 1)
}

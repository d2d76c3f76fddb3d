package core

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewProductionLogger("WARN")
	l.SetOutput(&buf)

	l.Debug("d", nil)
	l.Info("i", nil)
	l.Warn("w", nil)

	out := buf.String()
	assert.NotContains(t, out, "[DEBUG]")
	assert.NotContains(t, out, "[INFO]")
	assert.Contains(t, out, "[WARN]")
}

func TestLoggerJSONFormat(t *testing.T) {
	t.Setenv("AICM_LOG_FORMAT", "json")
	var buf bytes.Buffer
	l := NewProductionLogger("INFO")
	l.SetOutput(&buf)

	l.Info("hello", map[string]interface{}{"count": 3})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "aicm", entry["component"])
	assert.EqualValues(t, 3, entry["count"])
}

func TestLoggerErrorRateLimit(t *testing.T) {
	var buf bytes.Buffer
	l := NewProductionLogger("ERROR")
	l.SetOutput(&buf)

	for i := 0; i < 10; i++ {
		l.Error("boom", nil)
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "boom"),
		"repeated errors within the window collapse to one line")

	l.errorEvery = 0
	time.Sleep(time.Millisecond)
	l.Error("boom", nil)
	assert.Equal(t, 2, strings.Count(buf.String(), "boom"))
}

package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, cfg Config) (*Logger, *bytes.Buffer) {
	t.Helper()

	output := &bytes.Buffer{}
	cfg.writer = output

	logger, err := New(&cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)

	return logger, output
}

func TestNew(t *testing.T) {
	t.Run("json format emits structured entries", func(t *testing.T) {
		logger, output := newTestLogger(t, Config{Level: "debug", Format: "json"})

		logger.Debug("test debug message", slog.String("key", "value"))

		var logEntry map[string]interface{}
		require.NoError(t, json.Unmarshal(output.Bytes(), &logEntry))

		assert.Equal(t, "DEBUG", logEntry["level"])
		assert.Equal(t, "test debug message", logEntry["msg"])
		assert.Equal(t, "value", logEntry["key"])
		assert.Contains(t, logEntry, "time")
	})

	t.Run("level filters lower-severity entries", func(t *testing.T) {
		logger, output := newTestLogger(t, Config{Level: "warn", Format: "json"})

		logger.Debug("debug message")
		logger.Info("info message")
		logger.Warn("warn message", slog.String("severity", "high"))

		lines := strings.Split(strings.TrimSpace(output.String()), "\n")
		require.Len(t, lines, 1)

		var logEntry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &logEntry))
		assert.Equal(t, "WARN", logEntry["level"])
		assert.Equal(t, "high", logEntry["severity"])
	})

	t.Run("console format uses tint", func(t *testing.T) {
		logger, output := newTestLogger(t, Config{
			Level:      "info",
			Format:     "console",
			TimeFormat: time.RFC3339,
		})

		logger.Info("console test")

		// tint renders the level as "INF"
		assert.Contains(t, output.String(), "INF")
		assert.Contains(t, output.String(), "console test")
	})

	t.Run("unknown format falls back to json", func(t *testing.T) {
		logger, output := newTestLogger(t, Config{Level: "info", Format: "logfmt"})

		logger.Info("fallback")

		var logEntry map[string]interface{}
		require.NoError(t, json.Unmarshal(output.Bytes(), &logEntry))
		assert.Equal(t, "fallback", logEntry["msg"])
	})

	t.Run("source location when enabled", func(t *testing.T) {
		logger, output := newTestLogger(t, Config{Level: "info", Format: "json", EnableSource: true})

		logger.Info("message with source")

		var logEntry map[string]interface{}
		require.NoError(t, json.Unmarshal(output.Bytes(), &logEntry))
		require.Contains(t, logEntry, "source")

		source := logEntry["source"].(map[string]interface{})
		assert.Contains(t, source, "file")
		assert.Contains(t, source, "line")
	})

	t.Run("file output", func(t *testing.T) {
		path := t.TempDir() + "/service.log"

		logger, err := New(&Config{Level: "info", Format: "json", Output: path})
		require.NoError(t, err)

		logger.Info("to file")

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "to file")
	})

	t.Run("unwritable file path errors", func(t *testing.T) {
		_, err := New(&Config{Level: "info", Format: "json", Output: "/nonexistent-dir/service.log"})
		assert.Error(t, err)
	})
}

func TestNewDefault(t *testing.T) {
	logger := NewDefault()
	require.NotNil(t, logger)
	assert.NotNil(t, logger.Logger)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{level: "debug", expected: slog.LevelDebug},
		{level: "info", expected: slog.LevelInfo},
		{level: "warn", expected: slog.LevelWarn},
		{level: "warning", expected: slog.LevelWarn},
		{level: "error", expected: slog.LevelError},
		{level: "DEBUG", expected: slog.LevelDebug},
		{level: " info ", expected: slog.LevelInfo},
		{level: "invalid", expected: slog.LevelInfo},
		{level: "", expected: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run("level "+tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.level))
		})
	}
}

func TestLogger_WithGroup(t *testing.T) {
	logger, output := newTestLogger(t, Config{Level: "info", Format: "json"})

	logger.WithGroup("request").Info("test message", slog.String("key", "value"))

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(output.Bytes(), &logEntry))

	require.Contains(t, logEntry, "request")
	group := logEntry["request"].(map[string]interface{})
	assert.Equal(t, "value", group["key"])
}

func TestLogger_With(t *testing.T) {
	logger, output := newTestLogger(t, Config{Level: "info", Format: "json"})

	logger.With(
		slog.String("service", "api"),
		slog.Int("version", 1),
	).Info("operation complete")

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(output.Bytes(), &logEntry))

	assert.Equal(t, "api", logEntry["service"])
	assert.Equal(t, float64(1), logEntry["version"])
	assert.Equal(t, "operation complete", logEntry["msg"])
}

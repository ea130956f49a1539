package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestConfigPresets(t *testing.T) {
	t.Run("default is console on stdout", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.Equal(t, "info", cfg.Level)
		assert.Equal(t, "console", cfg.Format)
		assert.Equal(t, "stdout", cfg.Output)
		assert.NotEmpty(t, cfg.TimeFormat)
	})

	t.Run("production is json on stdout", func(t *testing.T) {
		cfg := ProductionConfig()
		assert.Equal(t, "info", cfg.Level)
		assert.Equal(t, "json", cfg.Format)
		assert.Equal(t, "stdout", cfg.Output)
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"fatal", zapcore.FatalLevel},
		{"WARN", zapcore.WarnLevel},
		{"nonsense", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.input), "level %q", tt.input)
	}
}

func TestNew(t *testing.T) {
	t.Run("writes json entries to a file", func(t *testing.T) {
		logPath := filepath.Join(t.TempDir(), "billing.log")
		log, err := New(&Config{
			Level:      "info",
			Format:     "json",
			Output:     logPath,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		})
		require.NoError(t, err)

		log.Info("invoice generated")
		_ = log.Sync()

		data, err := os.ReadFile(logPath)
		require.NoError(t, err)

		var entry map[string]any
		line := strings.TrimSpace(string(data))
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		assert.Equal(t, "info", entry["level"])
		assert.Equal(t, "invoice generated", entry["msg"])
		assert.Contains(t, entry, "time")
		assert.Contains(t, entry, "caller")
	})

	t.Run("debug entries are dropped at info level", func(t *testing.T) {
		logPath := filepath.Join(t.TempDir(), "billing.log")
		log, err := New(&Config{Level: "info", Format: "json", Output: logPath, TimeFormat: "15:04:05"})
		require.NoError(t, err)

		log.Debug("should not appear")
		_ = log.Sync()

		data, err := os.ReadFile(logPath)
		require.NoError(t, err)
		assert.Empty(t, strings.TrimSpace(string(data)))
	})

	t.Run("console format builds a usable logger", func(t *testing.T) {
		log, err := New(DefaultConfig())
		require.NoError(t, err)
		require.NotNil(t, log)
		log.Info("startup")
	})

	t.Run("unwritable output path falls back to stdout", func(t *testing.T) {
		log, err := New(&Config{
			Level:      "info",
			Format:     "json",
			Output:     "/nonexistent-dir/billing.log",
			TimeFormat: "15:04:05",
		})
		require.NoError(t, err)
		require.NotNil(t, log)
	})
}

func TestSync(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "billing.log")
	log, err := New(&Config{Level: "info", Format: "json", Output: logPath, TimeFormat: "15:04:05"})
	require.NoError(t, err)

	log.Info("flushed")
	assert.NoError(t, Sync(log))
}

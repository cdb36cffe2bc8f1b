package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(content)
}

func TestNew(t *testing.T) {
	t.Run("console only", func(t *testing.T) {
		l, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		assert.Nil(t, l.file)
		assert.NoError(t, l.Close())
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		l, err := New(Config{Level: "chatty"})
		require.NoError(t, err)
		defer l.Close()
		assert.Equal(t, zerolog.InfoLevel, l.Level())
	})

	t.Run("file gets level filtered lines", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "agentcore.log")

		l, err := New(Config{Level: "warn", File: logFile})
		require.NoError(t, err)

		l.Info().Msg("dropped")
		l.Warn().Msg("kept")
		require.NoError(t, l.Close())

		out := readLog(t, logFile)
		assert.NotContains(t, out, "dropped")
		assert.Contains(t, out, "kept")
	})

	t.Run("service field", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "agentcore.log")

		l, err := New(Config{Level: "info", Service: "agentcore", File: logFile})
		require.NoError(t, err)
		l.Info().Msg("up")
		require.NoError(t, l.Close())

		assert.Contains(t, readLog(t, logFile), `"service":"agentcore"`)
	})
}

func TestLoggerRedactsFileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "agentcore.log")

	l, err := New(Config{Level: "info", File: logFile, Redaction: true})
	require.NoError(t, err)

	l.Info().Str("authorization", "Bearer abc.def.ghi").Msg("credential fetched")
	require.NoError(t, l.Close())

	out := readLog(t, logFile)
	assert.Contains(t, out, "Bearer [REDACTED]")
	assert.NotContains(t, out, "abc.def.ghi")
}

func TestComponent(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "agentcore.log")

	l, err := New(Config{Level: "info", File: logFile})
	require.NoError(t, err)

	child := l.Component("relay")
	child.Info().Msg("hello")
	require.NoError(t, l.Close())

	assert.Contains(t, readLog(t, logFile), `"component":"relay"`)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "agentcore", cfg.Service)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 5, cfg.MaxBackups)
	assert.True(t, cfg.Compress)
}

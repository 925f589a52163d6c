package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "robothor.log")

		l, err := New(Config{Level: "debug", File: logFile, TenantID: "acme"})
		require.NoError(t, err)

		cl := l.Component("scheduler")
		cl.Info().Str("agent_id", "main").Msg("tick")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"component":"scheduler"`)
		assert.Contains(t, string(data), `"service":"robothor"`)
		assert.Contains(t, string(data), `"tenant_id":"acme"`)
	})

	t.Run("redacts keys", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "robothor.log")

		l, err := New(Config{Level: "info", File: logFile, Redaction: true})
		require.NoError(t, err)

		zl := l.Zerolog()
		zl.Info().Str("key", "sk-ant-REDACTED").Msg("provider ready")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "abcdefghijklmnop")
		assert.Contains(t, string(data), "[REDACTED]")
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		l, err := New(Config{Level: "loud", File: filepath.Join(t.TempDir(), "x.log")})
		require.NoError(t, err)
		defer l.Close()
		assert.Equal(t, "info", l.Zerolog().GetLevel().String())
	})
}

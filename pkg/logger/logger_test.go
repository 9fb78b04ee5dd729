package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("should fall back to info on unknown level", func(t *testing.T) {
		l, err := New(Config{Level: "nonsense"})
		require.NoError(t, err)
		defer l.Close()
		assert.Equal(t, "info", l.Zerolog().GetLevel().String())
	})

	t.Run("should write to a file when configured", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "engine.log")
		l, err := New(Config{Level: "debug", File: path})
		require.NoError(t, err)

		zl := l.Zerolog()
		zl.Info().Str("run_id", "r1").Msg("run started")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "run started")
		assert.Contains(t, string(data), "r1")
	})

	t.Run("should redact checkpoint tokens in file output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "engine.log")
		l, err := New(Config{Level: "debug", File: path, Redaction: true})
		require.NoError(t, err)

		zl := l.Zerolog()
		zl.Info().
			Str("token", "kt1.eyJ2IjoxfQ.c2lnbmF0dXJl").
			Msg("checkpoint issued")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "kt1.")
		assert.Contains(t, string(data), "[REDACTED]")
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
}

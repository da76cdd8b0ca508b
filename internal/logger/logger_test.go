package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("should create console logger", func(t *testing.T) {
		l, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		defer l.Close()

		assert.NotNil(t, l)
	})

	t.Run("should create file logger", func(t *testing.T) {
		tmpDir := t.TempDir()
		logFile := filepath.Join(tmpDir, "logs", "drover.log")

		l, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		zl := l.GetZerolog()
		zl.Info().Msg("hello")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "hello")
	})

	t.Run("should fall back to info on bad level", func(t *testing.T) {
		l, err := New(Config{Level: "nonsense", Console: true})
		require.NoError(t, err)
		defer l.Close()
	})
}

func TestRedactor(t *testing.T) {
	r := NewRedactor()

	t.Run("should redact api keys", func(t *testing.T) {
		out := r.Redact("key is sk-ant-REDACTED")
		assert.NotContains(t, out, "sk-ant-")
		assert.Contains(t, out, "[REDACTED]")
	})

	t.Run("should redact bearer tokens", func(t *testing.T) {
		out := r.Redact("Authorization: Bearer abc.def.ghi")
		assert.Contains(t, out, "[REDACTED]")
	})

	t.Run("should leave plain text alone", func(t *testing.T) {
		assert.Equal(t, "hello world", r.Redact("hello world"))
	})

	t.Run("should accept custom patterns", func(t *testing.T) {
		require.NoError(t, r.AddPattern(`ghp_[a-zA-Z0-9]{10,}`))
		out := r.Redact("ghp_0123456789abcdef")
		assert.Contains(t, out, "[REDACTED]")
	})

	t.Run("should reject invalid patterns", func(t *testing.T) {
		assert.Error(t, r.AddPattern("["))
	})
}

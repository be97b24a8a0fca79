package logger

import (
	"os"
	"path/filepath"
	"testing"

	"trend-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")

	l := InitLogger(models.LogConfig{Level: "debug", Output: "file", File: path, MaxSize: 1})
	l.Debug("hello from test")
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from test")
	assert.Contains(t, string(data), "DEBUG")
	assert.NotContains(t, string(data), "\x1b[", "file output has no colour codes")
	assert.Same(t, l, L())
}

func TestInitLoggerFallsBackToInfo(t *testing.T) {
	l := InitLogger(models.LogConfig{Level: "chatty", Output: "nowhere"})

	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
	assert.NotNil(t, S())
}

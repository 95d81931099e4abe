package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jimjrxieb/linkops/internal/config"
)

func TestNew_Levels(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LogLevel = "debug"

	logger, err := New(cfg)
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	cfg.LogLevel = "warn"
	logger, err = New(cfg)
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestNew_Invalid(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LogLevel = "loud"
	_, err := New(cfg)
	require.Error(t, err)

	cfg = config.DefaultConfig()
	cfg.LogEncoding = "xml"
	_, err = New(cfg)
	require.Error(t, err)
}

func TestInstall_ReplacesGlobal(t *testing.T) {
	before := zap.L()
	cfg := config.DefaultConfig()
	cfg.LogEncoding = "console"

	restore, err := Install(cfg)
	require.NoError(t, err)
	require.NotSame(t, before, zap.L())

	restore()
	require.Same(t, before, zap.L())
}

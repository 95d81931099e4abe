// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jimjrxieb/linkops/internal/config"
)

// New builds a production logger using the level and encoding from cfg.
// Output goes to stderr so stdio transports keep stdout to themselves.
func New(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	if cfg != nil {
		if cfg.LogLevel != "" {
			lvl, err := zapcore.ParseLevel(strings.ToLower(cfg.LogLevel))
			if err != nil {
				return nil, fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
			}
			zc.Level = zap.NewAtomicLevelAt(lvl)
		}
		switch cfg.LogEncoding {
		case "", "json":
		case "console":
			zc.Encoding = "console"
			zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		default:
			return nil, fmt.Errorf("invalid log_encoding %q (want json or console)", cfg.LogEncoding)
		}
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// Install builds the logger and makes it the global one returned by zap.L().
// The returned function flushes and restores the previous global logger.
func Install(cfg *config.Config) (func(), error) {
	logger, err := New(cfg)
	if err != nil {
		return nil, err
	}
	restore := zap.ReplaceGlobals(logger)
	return func() {
		_ = logger.Sync()
		restore()
	}, nil
}

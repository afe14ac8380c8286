// Package logging builds the zap logger shared by every component.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"formsync/internal/config"
)

// Mode selects where log output may go.
type Mode int

const (
	// ModeCLI logs to stderr and, when configured, the log file.
	ModeCLI Mode = iota
	// ModeStdio logs only to the file; stdout/stderr carry the MCP protocol.
	ModeStdio
)

// New builds a logger from config. In stdio mode with no usable log file the
// logger discards everything rather than pollute the protocol stream.
func New(cfg config.LoggingConfig, mode Mode, verbose bool) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid logging.level %q: %w", cfg.Level, err)
		}
	}
	if verbose {
		level = zapcore.DebugLevel
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.OutputPaths = nil
	zcfg.ErrorOutputPaths = nil

	if mode == ModeCLI {
		zcfg.Encoding = "console"
		zcfg.OutputPaths = append(zcfg.OutputPaths, "stderr")
		zcfg.ErrorOutputPaths = append(zcfg.ErrorOutputPaths, "stderr")
	}
	if cfg.File != "" {
		if dir := filepath.Dir(cfg.File); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil && mode == ModeStdio {
				return zap.NewNop(), nil
			}
		}
		zcfg.OutputPaths = append(zcfg.OutputPaths, cfg.File)
		zcfg.ErrorOutputPaths = append(zcfg.ErrorOutputPaths, cfg.File)
	}
	if len(zcfg.OutputPaths) == 0 {
		return zap.NewNop(), nil
	}

	logger, err := zcfg.Build()
	if err != nil {
		if mode == ModeStdio {
			return zap.NewNop(), nil
		}
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

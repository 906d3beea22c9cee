// Package logging builds the *zap.Logger every other package in this
// daemon takes as a constructor argument (internal/transport, internal/
// mdrive, internal/driver, internal/scheduler, internal/dispatch all log
// this way). Output rotates through lumberjack so a long-running daemon
// watching a serial bus doesn't fill the disk.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/greezybacon/mdrived/internal/config"
)

// New builds a zap.Logger per cfg: a rotating file sink, and optionally a
// human-readable console sink for interactive runs.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: bad level %q: %w", cfg.Level, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core

	if cfg.File != "" {
		sink := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.AddSync(sink),
			level,
		))
	}

	if cfg.Console {
		consoleCfg := encoderCfg
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleCfg),
			zapcore.Lock(zapcore.AddSync(os.Stderr)),
			level,
		))
	}

	if len(cores) == 0 {
		return zap.NewNop(), nil
	}

	core := zapcore.NewTee(cores...)
	return zap.New(core, zap.AddCaller()), nil
}

// ForBus returns a child logger scoped to one bus's port, the pattern
// internal/mdrive and internal/driver use to tag log lines per connection.
func ForBus(log *zap.Logger, port string) *zap.Logger {
	return log.With(zap.String("bus", port))
}

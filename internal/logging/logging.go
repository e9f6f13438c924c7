// Package logging builds the zap loggers of the kqlbridge binary.
package logging

import (
	"errors"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const name = "kqlbridge"

// Bootstrap logs until the configuration is loaded: console output at info.
func Bootstrap() *zap.Logger {
	logger, err := config("dev", zapcore.InfoLevel).Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger.Named(name)
}

// ParseLevel accepts zap level names in any case.
func ParseLevel(level string) (zapcore.Level, error) {
	return zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
}

// New builds the service logger. env "prod" writes JSON, anything else the
// console encoding. An unparsable level is reported on boot and replaced
// by info.
func New(level, env string, boot *zap.Logger) (*zap.Logger, error) {
	if boot == nil {
		boot = zap.NewNop()
	}
	lvl, err := ParseLevel(level)
	if err != nil {
		boot.Warn("invalid log level, using info", zap.String("log_level", level), zap.Error(err))
		lvl = zapcore.InfoLevel
	}
	logger, err := config(env, lvl).Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(name).With(zap.String("env", env)), nil
}

func config(env string, lvl zapcore.Level) zap.Config {
	var cfg zap.Config
	if env == "prod" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg
}

// Sync flushes the logger. Terminals and pipes reject fsync; that is not
// reported.
func Sync(logger *zap.Logger) error {
	err := logger.Sync()
	if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.EBADF) {
		return nil
	}
	return err
}

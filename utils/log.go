package utils

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger      *zap.Logger
	atomicLevel = zap.NewAtomicLevel()
	loggerOnce  sync.Once
)

// InitLogger builds the process-wide logger.
// level: debug, info, warn, error
// format: json or console
func InitLogger(level, format string) (*zap.Logger, error) {
	var initErr error
	loggerOnce.Do(func() {
		if err := atomicLevel.UnmarshalText([]byte(level)); err != nil {
			initErr = fmt.Errorf("parse log level %q: %w", level, err)
			return
		}

		var cfg zap.Config
		if format == "console" {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			cfg = zap.NewProductionConfig()
		}
		cfg.Level = atomicLevel

		l, err := cfg.Build()
		if err != nil {
			initErr = fmt.Errorf("build logger: %w", err)
			return
		}
		logger = l
	})
	if initErr != nil {
		return nil, initErr
	}
	return L(), nil
}

// L returns the process-wide logger, or a no-op logger before InitLogger.
func L() *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// SetLogLevel changes the level at runtime.
func SetLogLevel(level string) error {
	return atomicLevel.UnmarshalText([]byte(level))
}

// Package logging builds the process logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	// Level is a zap level name such as "debug" or "warn". Empty means info.
	Level string
	// Development switches to human-readable console output.
	Development bool
	// Verbose forces debug level regardless of Level.
	Verbose bool
}

func New(opts Options) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if opts.Development {
		config = zap.NewDevelopmentConfig()
	}

	if opts.Level != "" {
		level, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		config.Level = zap.NewAtomicLevelAt(level)
	}
	if opts.Verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

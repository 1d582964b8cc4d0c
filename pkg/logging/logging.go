package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger that writes to the rotated log file and,
// unless disabled, to stdout.
func NewLogger(config *Config) (*zap.Logger, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	level, err := config.zapLevel()
	if err != nil {
		return nil, fmt.Errorf("constructing log level: %w", err)
	}
	encoder := newEncoder(config)

	core := zapcore.NewCore(encoder, zapcore.AddSync(&config.Logger), level)
	if !config.DisableConsoleOutput {
		console := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
		core = zapcore.NewTee(core, console)
	}

	return zap.New(core, zap.AddCaller()), nil
}

func newEncoder(config *Config) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	if config.Debug {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	if config.EncodeTimeAsRFC3339Nano {
		encoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	}

	if config.Debug {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

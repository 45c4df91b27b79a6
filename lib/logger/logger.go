package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New constructs a sugared logger that writes JSON to stdout and tags every
// entry with the given service name. LOG_LEVEL overrides the default info level.
func New(service string) (*zap.SugaredLogger, error) {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"stdout"}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.DisableStacktrace = true
	config.InitialFields = map[string]interface{}{
		"service": service,
	}

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		// an unparseable level keeps the default
		if level, err := zapcore.ParseLevel(lvl); err == nil {
			config.Level = zap.NewAtomicLevelAt(level)
		}
	}

	log, err := config.Build()
	if err != nil {
		return nil, err
	}

	return log.Sugar(), nil
}

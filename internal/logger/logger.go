package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a production JSON logger tagged with the service name.
// Log level comes from LOG_LEVEL (default: INFO).
func New(serviceName string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(getLogLevel(os.Getenv("LOG_LEVEL")))

	log, err := cfg.Build()
	if err != nil {
		// zap.NewProductionConfig only fails on invalid user config
		panic(err)
	}

	return log.With(zap.String("service", serviceName))
}

func getLogLevel(levelStr string) zapcore.Level {
	switch levelStr {
	case "DEBUG":
		return zapcore.DebugLevel
	case "INFO":
		return zapcore.InfoLevel
	case "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Production uses the JSON encoder, any other
// environment the human readable console encoder.
func New(level, environment string) (*zap.Logger, error) {
	var cfg zap.Config
	if environment == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	return cfg.Build()
}

// ParseLevel maps LOG_LEVEL values onto zap levels; unknown values mean info.
func ParseLevel(l string) zapcore.Level {
	switch strings.ToLower(l) {
	case "dev", "development", "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error", "production", "prod":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

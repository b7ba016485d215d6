// Package logging builds the zap logger shared by the corpus service. Every
// entry carries the service name so capture, reconcile and indexing logs
// from several processes can be told apart once aggregated.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is attached to every log entry.
const ServiceName = "sitecorpus"

// Config selects the encoder flavor and minimum level.
type Config struct {
	// Development enables the colored console encoder and debug level.
	Development bool `mapstructure:"development"`
	// Level overrides the minimum level (debug, info, warn, error). Empty
	// keeps the flavor's default.
	Level string `mapstructure:"level"`
}

// New builds a zap.Logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	zcfg, err := zapConfig(cfg)
	if err != nil {
		return nil, err
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

func zapConfig(cfg Config) (zap.Config, error) {
	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.DisableStacktrace = false
	}
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.InitialFields = map[string]any{"service": ServiceName}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return zap.Config{}, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = level
	}
	return zcfg, nil
}

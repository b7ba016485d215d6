package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestZapConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cfg      Config
		level    zapcore.Level
		encoding string
	}{
		{name: "development", cfg: Config{Development: true}, level: zapcore.DebugLevel, encoding: "console"},
		{name: "production", cfg: Config{}, level: zapcore.InfoLevel, encoding: "json"},
		{name: "level override", cfg: Config{Level: "warn"}, level: zapcore.WarnLevel, encoding: "json"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			zcfg, err := zapConfig(tc.cfg)
			require.NoError(t, err)
			require.Equal(t, tc.level, zcfg.Level.Level())
			require.Equal(t, tc.encoding, zcfg.Encoding)
			require.Equal(t, "ts", zcfg.EncoderConfig.TimeKey)
			require.Equal(t, ServiceName, zcfg.InitialFields["service"])
		})
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Level: "chatty"})
	require.Error(t, err)
}

func TestNewBuildsLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Development: true})
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("logger ready")
}

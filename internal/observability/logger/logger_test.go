package logger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSampledCoreKeepsWarnings(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	var dropped []zapcore.Level
	log := zap.New(sampledCore(core, Config{
		SamplingInitial:    2,
		SamplingThereafter: 1000,
		SamplingWindow:     time.Minute,
		OnSampledOut: func(level zapcore.Level) {
			dropped = append(dropped, level)
		},
	}))

	for i := 0; i < 5; i++ {
		log.Info("settlement_poll")
		log.Warn("settlement_retry")
	}

	assert.Equal(t, 2, logs.FilterMessage("settlement_poll").Len())
	assert.Equal(t, 5, logs.FilterMessage("settlement_retry").Len())
	assert.Equal(t, []zapcore.Level{zapcore.InfoLevel, zapcore.InfoLevel, zapcore.InfoLevel}, dropped)
}

func TestSampledCoreWithFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(sampledCore(core, Config{})).With(zap.String("tenant_id", "7"))

	log.Error("settlement_failed")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "7", logs.All()[0].ContextMap()["tenant_id"])
}

func TestConfiguredLevel(t *testing.T) {
	level, err := configuredLevel(Config{})
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, level.Level())

	level, err = configuredLevel(Config{Level: "warn", Debug: true})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, level.Level(), "debug mode wins over the configured level")

	_, err = configuredLevel(Config{Level: "loud"})
	require.Error(t, err)
}

func TestNewInstallsGlobal(t *testing.T) {
	prev := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	log, err := New(nil, Config{ServiceName: "orderledger-test", Format: "console"})
	require.NoError(t, err)
	assert.Same(t, log, zap.L())
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
}

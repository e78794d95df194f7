//go:build unit

package zap

import (
	"context"
	"errors"
	"testing"

	logpkg "github.com/LerianStudio/lib-assurance/assurance/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	atomic := zap.NewAtomicLevelAt(level)

	return &Logger{logger: zap.New(core), atomicLevel: atomic}, logs
}

func TestLogDispatchesLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		level    logpkg.Level
		expected zapcore.Level
	}{
		{name: "debug", level: logpkg.LevelDebug, expected: zapcore.DebugLevel},
		{name: "info", level: logpkg.LevelInfo, expected: zapcore.InfoLevel},
		{name: "warn", level: logpkg.LevelWarn, expected: zapcore.WarnLevel},
		{name: "error", level: logpkg.LevelError, expected: zapcore.ErrorLevel},
		{name: "unknown maps to info", level: logpkg.Level(42), expected: zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, logs := newObservedLogger(zapcore.DebugLevel)

			logger.Log(context.Background(), tt.level, "message", logpkg.String("k", "v"))

			entries := logs.All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.expected, entries[0].Level)
			assert.Equal(t, "message", entries[0].Message)
			assert.Equal(t, "v", entries[0].ContextMap()["k"])
		})
	}
}

func TestLogWithoutSpanOmitsTraceFields(t *testing.T) {
	t.Parallel()

	logger, logs := newObservedLogger(zapcore.DebugLevel)

	logger.Log(context.Background(), logpkg.LevelInfo, "no span")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].ContextMap(), "trace_id")
	assert.NotContains(t, entries[0].ContextMap(), "span_id")
}

func TestWithAddsPersistentFields(t *testing.T) {
	t.Parallel()

	logger, logs := newObservedLogger(zapcore.DebugLevel)

	child := logger.With(logpkg.String("tenant_id", "t-1"))
	child.Log(context.Background(), logpkg.LevelInfo, "scoped")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "t-1", entries[0].ContextMap()["tenant_id"])
}

func TestWithGroupNestsFields(t *testing.T) {
	t.Parallel()

	logger, logs := newObservedLogger(zapcore.DebugLevel)

	child := logger.WithGroup("contract")
	child.Log(context.Background(), logpkg.LevelInfo, "scoped", logpkg.String("id", "c-1"))

	entries := logs.All()
	require.Len(t, entries, 1)

	nested, ok := entries[0].ContextMap()["contract"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "c-1", nested["id"])
}

func TestEnabledRespectsLevelCeiling(t *testing.T) {
	t.Parallel()

	logger, _ := newObservedLogger(zapcore.InfoLevel)

	assert.True(t, logger.Enabled(logpkg.LevelError))
	assert.True(t, logger.Enabled(logpkg.LevelInfo))
	assert.False(t, logger.Enabled(logpkg.LevelDebug))
}

func TestNilLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var logger *Logger

	require.NotPanics(t, func() {
		logger.Log(context.Background(), logpkg.LevelInfo, "dropped")
		logger.Info("dropped")
		logger.Error("dropped", ErrorField(errors.New("x")))
	})
}

func TestSyncRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	logger, _ := newObservedLogger(zapcore.DebugLevel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := logger.Sync(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		cfg         Config
		expectError bool
	}{
		{
			name:        "missing library name",
			cfg:         Config{Environment: EnvironmentLocal},
			expectError: true,
		},
		{
			name:        "invalid environment",
			cfg:         Config{Environment: "qa", OTelLibraryName: "lib-assurance"},
			expectError: true,
		},
		{
			name:        "invalid level",
			cfg:         Config{Environment: EnvironmentLocal, Level: "loud", OTelLibraryName: "lib-assurance"},
			expectError: true,
		},
		{
			name: "valid production config",
			cfg:  Config{Environment: EnvironmentProduction, Level: "warn", OTelLibraryName: "lib-assurance"},
		},
		{
			name: "valid local config defaults to debug",
			cfg:  Config{Environment: EnvironmentLocal, OTelLibraryName: "lib-assurance"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, level, err := New(tt.cfg)

			if tt.expectError {
				require.Error(t, err)
				assert.Nil(t, logger)

				return
			}

			require.NoError(t, err)
			require.NotNil(t, logger)
			assert.Equal(t, level, logger.Level())
		})
	}
}

//go:build unit

package log

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		input       string
		expected    Level
		expectError bool
	}{
		{
			name:     "parse error level",
			input:    "error",
			expected: LevelError,
		},
		{
			name:     "parse warn level",
			input:    "warn",
			expected: LevelWarn,
		},
		{
			name:     "parse warning alias",
			input:    "warning",
			expected: LevelWarn,
		},
		{
			name:     "parse info level",
			input:    "info",
			expected: LevelInfo,
		},
		{
			name:     "parse debug level",
			input:    "debug",
			expected: LevelDebug,
		},
		{
			name:     "parse uppercase level",
			input:    "INFO",
			expected: LevelInfo,
		},
		{
			name:        "parse invalid level",
			input:       "invalid",
			expectError: true,
		},
		{
			name:        "parse empty string",
			input:       "",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			level, err := ParseLevel(tt.input)

			if tt.expectError {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestLevelString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "error", LevelError.String())
	assert.Equal(t, "warn", LevelWarn.String())
	assert.Equal(t, "info", LevelInfo.String())
	assert.Equal(t, "debug", LevelDebug.String())
	assert.Equal(t, "unknown", Level(99).String())
}

func TestLevelOrdering(t *testing.T) {
	t.Parallel()

	// Lower value means higher severity. A ceiling at LevelInfo admits
	// everything except debug.
	ceiling := LevelInfo

	assert.True(t, ceiling >= LevelError)
	assert.True(t, ceiling >= LevelWarn)
	assert.True(t, ceiling >= LevelInfo)
	assert.False(t, ceiling >= LevelDebug)
}

func TestFieldConstructors(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")

	tests := []struct {
		name          string
		field         Field
		expectedKey   string
		expectedValue any
	}{
		{
			name:          "string field",
			field:         String("tenant_id", "t-1"),
			expectedKey:   "tenant_id",
			expectedValue: "t-1",
		},
		{
			name:          "int field",
			field:         Int("attempts", 3),
			expectedKey:   "attempts",
			expectedValue: 3,
		},
		{
			name:          "int64 field",
			field:         Int64("amount", int64(4000)),
			expectedKey:   "amount",
			expectedValue: int64(4000),
		},
		{
			name:          "bool field",
			field:         Bool("required", true),
			expectedKey:   "required",
			expectedValue: true,
		},
		{
			name:          "any field",
			field:         Any("payload", map[string]int{"n": 1}),
			expectedKey:   "payload",
			expectedValue: map[string]int{"n": 1},
		},
		{
			name:          "error field",
			field:         Err(errBoom),
			expectedKey:   "error",
			expectedValue: errBoom,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expectedKey, tt.field.Key)
			assert.Equal(t, tt.expectedValue, tt.field.Value)
		})
	}
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NewNop()

	require.NotPanics(t, func() {
		logger.Log(context.Background(), LevelError, "dropped", String("k", "v"))
	})

	assert.Same(t, logger, logger.With(String("k", "v")))
	assert.Same(t, logger, logger.WithGroup("group"))
	assert.False(t, logger.Enabled(LevelError))
	assert.NoError(t, logger.Sync(context.Background()))
}

func TestSafeError(t *testing.T) {
	t.Parallel()

	t.Run("nil logger does not panic", func(t *testing.T) {
		t.Parallel()

		require.NotPanics(t, func() {
			SafeError(nil, context.Background(), "msg", errors.New("x"), true)
		})
	})

	t.Run("nil error is dropped", func(t *testing.T) {
		t.Parallel()

		rec := &recordingLogger{}
		SafeError(rec, context.Background(), "msg", nil, false)
		assert.Empty(t, rec.entries)
	})

	t.Run("production logs error type only", func(t *testing.T) {
		t.Parallel()

		rec := &recordingLogger{}
		SafeError(rec, context.Background(), "msg", errors.New("secret detail"), true)

		require.Len(t, rec.entries, 1)
		require.Len(t, rec.entries[0].fields, 1)
		assert.Equal(t, "error_type", rec.entries[0].fields[0].Key)
	})

	t.Run("development logs full error", func(t *testing.T) {
		t.Parallel()

		rec := &recordingLogger{}
		boom := errors.New("boom")
		SafeError(rec, context.Background(), "msg", boom, false)

		require.Len(t, rec.entries, 1)
		require.Len(t, rec.entries[0].fields, 1)
		assert.Equal(t, "error", rec.entries[0].fields[0].Key)
		assert.Equal(t, boom, rec.entries[0].fields[0].Value)
	})
}

type recordedEntry struct {
	level  Level
	msg    string
	fields []Field
}

type recordingLogger struct {
	entries []recordedEntry
}

func (l *recordingLogger) Log(_ context.Context, level Level, msg string, fields ...Field) {
	l.entries = append(l.entries, recordedEntry{level: level, msg: msg, fields: fields})
}

//nolint:ireturn
func (l *recordingLogger) With(_ ...Field) Logger { return l }

//nolint:ireturn
func (l *recordingLogger) WithGroup(_ string) Logger { return l }

func (l *recordingLogger) Enabled(_ Level) bool { return true }

func (l *recordingLogger) Sync(_ context.Context) error { return nil }

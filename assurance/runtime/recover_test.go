//go:build unit

package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-assurance/assurance/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTestPanic = errors.New("test error")

type testLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *testLogger) Log(_ context.Context, _ log.Level, msg string, _ ...log.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, msg)
}

func (l *testLogger) logged() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.entries) > 0
}

func (l *testLogger) waitForLog(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if l.logged() {
			return true
		}

		time.Sleep(5 * time.Millisecond)
	}

	return l.logged()
}

func TestLogPanicWithStackNilLogger(t *testing.T) {
	t.Parallel()

	require.NotPanics(t, func() {
		logPanicWithStack(nil, "test", "panic value", []byte("stack trace"))
	})
}

func TestRecoverAndLogNilLogger(t *testing.T) {
	t.Parallel()

	require.NotPanics(t, func() {
		func() {
			defer RecoverAndLog(nil, "test-nil-logger")

			panic("test panic")
		}()
	})
}

func TestRecoverAndLogSwallowsPanic(t *testing.T) {
	t.Parallel()

	logger := &testLogger{}

	require.NotPanics(t, func() {
		func() {
			defer RecoverAndLog(logger, "worker")

			panic(errTestPanic)
		}()
	})

	assert.True(t, logger.logged())
}

func TestRecoverAndCrashRepanics(t *testing.T) {
	t.Parallel()

	logger := &testLogger{}

	require.Panics(t, func() {
		func() {
			defer RecoverAndCrash(logger, "worker")

			panic("fatal state")
		}()
	})

	assert.True(t, logger.logged())
}

func TestRecoverWithPolicy(t *testing.T) {
	t.Parallel()

	t.Run("keep running swallows", func(t *testing.T) {
		t.Parallel()

		require.NotPanics(t, func() {
			func() {
				defer RecoverWithPolicy(&testLogger{}, "worker", KeepRunning)

				panic("x")
			}()
		})
	})

	t.Run("crash repanics", func(t *testing.T) {
		t.Parallel()

		require.Panics(t, func() {
			func() {
				defer RecoverWithPolicy(&testLogger{}, "worker", Crash)

				panic("x")
			}()
		})
	})
}

func TestSafeGoWithContextAndComponentRecovers(t *testing.T) {
	t.Parallel()

	logger := &testLogger{}

	SafeGoWithContextAndComponent(
		context.Background(),
		logger,
		"dispatcher",
		"publish-loop",
		KeepRunning,
		func(_ context.Context) {
			panic("worker exploded")
		},
	)

	assert.True(t, logger.waitForLog(2*time.Second))
}

func TestSafeGoRunsFunction(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})

	SafeGo(&testLogger{}, "plain", func() {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestHandlePanicValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		value    any
		expected string
	}{
		{name: "nil", value: nil, expected: "<nil>"},
		{name: "string", value: "boom", expected: "boom"},
		{name: "error", value: errTestPanic, expected: "test error"},
		{name: "int", value: 42, expected: "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, HandlePanicValue(tt.value))
		})
	}
}

func TestToPanicErrorProductionRedacts(t *testing.T) {
	t.Parallel()

	err := toPanicError("secret detail", true)
	assert.Equal(t, redactedPanicMsg, err.Error())

	err = toPanicError(errTestPanic, false)
	assert.ErrorIs(t, err, errTestPanic)
}

type captureReporter struct {
	mu   sync.Mutex
	errs []error
	tags []map[string]string
}

func (r *captureReporter) CaptureException(_ context.Context, err error, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errs = append(r.errs, err)
	r.tags = append(r.tags, tags)
}

func TestErrorReporterReceivesPanic(t *testing.T) {
	reporter := &captureReporter{}
	SetErrorReporter(reporter)

	t.Cleanup(func() { SetErrorReporter(nil) })

	func() {
		defer RecoverAndLog(&testLogger{}, "reported-worker")

		panic("observable")
	}()

	reporter.mu.Lock()
	defer reporter.mu.Unlock()

	require.Len(t, reporter.errs, 1)
	assert.Equal(t, "reported-worker", reporter.tags[0]["goroutine_name"])
}

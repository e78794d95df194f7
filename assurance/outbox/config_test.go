//go:build unit

package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatcherConfigNormalize_AppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg := DispatcherConfig{
		DispatchInterval:    -1,
		BatchSize:           0,
		PublishMaxAttempts:  -2,
		PublishBackoff:      0,
		RetryWindow:         0,
		MaxDispatchAttempts: 0,
		ProcessingTimeout:   -5,
		MaxFailedPerBatch:   -1,
	}

	cfg.normalize()

	defaults := DefaultDispatcherConfig()
	require.Equal(t, defaults.DispatchInterval, cfg.DispatchInterval)
	require.Equal(t, defaults.BatchSize, cfg.BatchSize)
	require.Equal(t, defaults.PublishMaxAttempts, cfg.PublishMaxAttempts)
	require.Equal(t, defaults.PublishBackoff, cfg.PublishBackoff)
	require.Equal(t, defaults.RetryWindow, cfg.RetryWindow)
	require.Equal(t, defaults.MaxDispatchAttempts, cfg.MaxDispatchAttempts)
	require.Equal(t, defaults.ProcessingTimeout, cfg.ProcessingTimeout)
	require.Equal(t, defaults.MaxFailedPerBatch, cfg.MaxFailedPerBatch)
}

func TestDispatcherConfigNormalize_PreservesValidValues(t *testing.T) {
	t.Parallel()

	cfg := DispatcherConfig{
		DispatchInterval:    3 * time.Second,
		BatchSize:           25,
		PublishMaxAttempts:  7,
		PublishBackoff:      120 * time.Millisecond,
		RetryWindow:         2 * time.Minute,
		MaxDispatchAttempts: 9,
		ProcessingTimeout:   4 * time.Minute,
		MaxFailedPerBatch:   13,
	}

	cfg.normalize()

	require.Equal(t, 3*time.Second, cfg.DispatchInterval)
	require.Equal(t, 25, cfg.BatchSize)
	require.Equal(t, 7, cfg.PublishMaxAttempts)
	require.Equal(t, 120*time.Millisecond, cfg.PublishBackoff)
	require.Equal(t, 2*time.Minute, cfg.RetryWindow)
	require.Equal(t, 9, cfg.MaxDispatchAttempts)
	require.Equal(t, 4*time.Minute, cfg.ProcessingTimeout)
	require.Equal(t, 13, cfg.MaxFailedPerBatch)
}

func TestDispatcherOptions_ApplyToConfig(t *testing.T) {
	t.Parallel()

	dispatcher := &Dispatcher{cfg: DefaultDispatcherConfig()}

	WithDispatchInterval(time.Second)(dispatcher)
	WithBatchSize(10)(dispatcher)
	WithPublishMaxAttempts(4)(dispatcher)
	WithPublishBackoff(time.Millisecond)(dispatcher)
	WithRetryWindow(time.Minute)(dispatcher)
	WithMaxDispatchAttempts(6)(dispatcher)
	WithProcessingTimeout(2 * time.Minute)(dispatcher)
	WithMaxFailedPerBatch(5)(dispatcher)

	require.Equal(t, time.Second, dispatcher.cfg.DispatchInterval)
	require.Equal(t, 10, dispatcher.cfg.BatchSize)
	require.Equal(t, 4, dispatcher.cfg.PublishMaxAttempts)
	require.Equal(t, time.Millisecond, dispatcher.cfg.PublishBackoff)
	require.Equal(t, time.Minute, dispatcher.cfg.RetryWindow)
	require.Equal(t, 6, dispatcher.cfg.MaxDispatchAttempts)
	require.Equal(t, 2*time.Minute, dispatcher.cfg.ProcessingTimeout)
	require.Equal(t, 5, dispatcher.cfg.MaxFailedPerBatch)
}

func TestWithMetricsFactory_IgnoresNil(t *testing.T) {
	t.Parallel()

	dispatcher := &Dispatcher{}

	WithMetricsFactory(nil)(dispatcher)
	require.Nil(t, dispatcher.metrics)
}

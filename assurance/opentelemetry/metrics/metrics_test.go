//go:build unit

package metrics

import (
	"context"
	"testing"

	"github.com/LerianStudio/lib-assurance/assurance/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func newTestFactory(t *testing.T) *MetricsFactory {
	t.Helper()

	factory, err := NewMetricsFactory(noop.NewMeterProvider().Meter("test"), log.NewNop())
	require.NoError(t, err)

	return factory
}

func TestNewMetricsFactoryNilMeter(t *testing.T) {
	t.Parallel()

	factory, err := NewMetricsFactory(nil, log.NewNop())

	require.ErrorIs(t, err, ErrNilMeter)
	assert.Nil(t, factory)
}

func TestNopFactoryIsUsable(t *testing.T) {
	t.Parallel()

	factory := NewNopFactory()

	counter, err := factory.Counter(MetricEntriesPosted)
	require.NoError(t, err)
	require.NoError(t, counter.AddOne(context.Background()))
}

func TestCounterIsCachedByName(t *testing.T) {
	t.Parallel()

	factory := newTestFactory(t)

	first, err := factory.getOrCreateCounter(MetricContractsCreated)
	require.NoError(t, err)

	second, err := factory.getOrCreateCounter(MetricContractsCreated)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestHistogramCacheKeyDependsOnBuckets(t *testing.T) {
	t.Parallel()

	plain := histogramCacheKey("sweep_duration_ms", nil)
	bucketed := histogramCacheKey("sweep_duration_ms", []float64{1, 5, 10})
	reordered := histogramCacheKey("sweep_duration_ms", []float64{10, 1, 5})

	assert.Equal(t, "sweep_duration_ms", plain)
	assert.NotEqual(t, plain, bucketed)
	assert.Equal(t, bucketed, reordered)
}

func TestHistogramDefaultBucketSelection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		metric   string
		expected []float64
	}{
		{name: "batch metric", metric: "outbox_batch_size", expected: DefaultBatchBuckets},
		{name: "duration metric", metric: "sweep_duration_ms", expected: DefaultLatencyBuckets},
		{name: "unmatched metric falls back to latency", metric: "whatever", expected: DefaultLatencyBuckets},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, selectDefaultBuckets(tt.metric))
		})
	}
}

func TestBuilderWithLabelsDoesNotMutateParent(t *testing.T) {
	t.Parallel()

	factory := newTestFactory(t)

	base, err := factory.Counter(MetricOutboxPublished)
	require.NoError(t, err)

	labeled := base.WithLabels(map[string]string{"tenant_id": "t-1"})

	assert.Empty(t, base.attrs)
	assert.Len(t, labeled.attrs, 1)
	require.NoError(t, labeled.AddOne(context.Background()))
}

func TestNilInstrumentErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	assert.ErrorIs(t, (&CounterBuilder{}).Add(ctx, 1), ErrNilCounter)
	assert.ErrorIs(t, (&GaugeBuilder{}).Set(ctx, 1), ErrNilGauge)
	assert.ErrorIs(t, (&HistogramBuilder{}).Record(ctx, 1), ErrNilHistogram)
}

func TestSanitizeLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty yields unknown", input: "", expected: "unknown"},
		{name: "whitespace yields unknown", input: "   ", expected: "unknown"},
		{name: "clean value passes through", input: "release_milestone", expected: "release_milestone"},
		{name: "spaces replaced", input: "release milestone", expected: "release_milestone"},
		{name: "control chars replaced", input: "a\nb", expected: "a_b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, SanitizeLabel(tt.input))
		})
	}
}

func TestSanitizeLabelTruncates(t *testing.T) {
	t.Parallel()

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}

	assert.Len(t, SanitizeLabel(string(long)), maxLabelLength)
}

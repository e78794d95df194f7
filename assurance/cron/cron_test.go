//go:build unit

package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndNext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		expr string
		from time.Time
		want time.Time
	}{
		{
			name: "daily midnight",
			expr: "0 0 * * *",
			from: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
			want: time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "every five minutes",
			expr: "*/5 * * * *",
			from: time.Date(2026, 1, 15, 10, 3, 0, 0, time.UTC),
			want: time.Date(2026, 1, 15, 10, 5, 0, 0, time.UTC),
		},
		{
			name: "daily six thirty wraps to next day",
			expr: "30 6 * * *",
			from: time.Date(2026, 1, 15, 7, 0, 0, 0, time.UTC),
			want: time.Date(2026, 1, 16, 6, 30, 0, 0, time.UTC),
		},
		{
			name: "noon same day",
			expr: "0 12 * * *",
			from: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
			want: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
		},
		{
			name: "hour range wraps to next morning",
			expr: "0 9-17 * * *",
			from: time.Date(2026, 1, 15, 18, 0, 0, 0, time.UTC),
			want: time.Date(2026, 1, 16, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "hour list",
			expr: "0 6,12,18 * * *",
			from: time.Date(2026, 1, 15, 7, 0, 0, 0, time.UTC),
			want: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
		},
		{
			name: "fifteenth of month",
			expr: "0 0 15 * *",
			from: time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC),
			want: time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "month boundary normalizes",
			expr: "0 0 1 * *",
			from: time.Date(2026, 1, 31, 5, 0, 0, 0, time.UTC),
			want: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "whitespace tolerated",
			expr: "  0 0 * * *  ",
			from: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
			want: time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sched, err := Parse(tt.expr)
			require.NoError(t, err)

			next, err := sched.Next(tt.from)
			require.NoError(t, err)
			assert.Equal(t, tt.want, next)
		})
	}
}

func TestNext_EveryMonday(t *testing.T) {
	t.Parallel()

	sched, err := Parse("0 0 * * 1")
	require.NoError(t, err)

	from := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	next, err := sched.Next(from)

	require.NoError(t, err)
	assert.Equal(t, time.Monday, next.Weekday())
	assert.Equal(t, 0, next.Hour())
	assert.Equal(t, 0, next.Minute())
	assert.True(t, next.After(from))
}

func TestNext_RangeWithStep(t *testing.T) {
	t.Parallel()

	sched, err := Parse("0 1-10/3 * * *")
	require.NoError(t, err)

	from := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	next, err := sched.Next(from)

	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 15, 1, 0, 0, 0, time.UTC), next)

	next, err = sched.Next(next)

	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 15, 4, 0, 0, 0, time.UTC), next)
}

func TestNext_StrictlyAfterFrom(t *testing.T) {
	t.Parallel()

	sched, err := Parse("0 12 * * *")
	require.NoError(t, err)

	from := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	next, err := sched.Next(from)

	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 16, 12, 0, 0, 0, time.UTC), next)
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		expr string
	}{
		{name: "garbage", expr: "not-a-cron"},
		{name: "empty", expr: ""},
		{name: "too few fields", expr: "0 0 *"},
		{name: "too many fields", expr: "0 0 * * * *"},
		{name: "minute out of range", expr: "60 0 * * *"},
		{name: "zero step", expr: "*/0 * * * *"},
		{name: "negative step", expr: "*/-2 * * * *"},
		{name: "inverted range", expr: "0 17-9 * * *"},
		{name: "month out of range", expr: "0 0 1 13 *"},
		{name: "weekday out of range", expr: "0 0 * * 7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse(tt.expr)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidExpression)
		})
	}
}

func TestNext_ExhaustionReturnsError(t *testing.T) {
	t.Parallel()

	// Schedule for Feb 30 — a date that never exists — so the iterator
	// exhausts maxIterations without finding a match.
	sched := &schedule{
		minutes: 1 << 0,
		hours:   1 << 0,
		doms:    1 << 30,
		months:  1 << 2,
		dows:    0x7F,
	}

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := sched.Next(from)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoMatch)
	assert.True(t, next.IsZero(), "expected zero time on exhaustion")
}

func TestNext_NilSchedule(t *testing.T) {
	t.Parallel()

	var sched *schedule

	_, err := sched.Next(time.Now())
	require.ErrorIs(t, err, ErrNilSchedule)
}

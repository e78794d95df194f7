package schedule

import (
	"time"

	"github.com/LerianStudio/lib-assurance/assurance/lock"
	"github.com/LerianStudio/lib-assurance/assurance/opentelemetry/metrics"
)

const (
	defaultInterval  = time.Minute
	defaultBatchSize = 100
)

// Config controls sweep pacing and scan bounds.
type Config struct {
	// Schedule is an optional 5-field cron expression pacing sweep passes,
	// for example "*/5 * * * *". When set it takes precedence over Interval.
	Schedule string
	// Interval is the fixed pause between passes when no Schedule is set. It
	// also serves as the fallback pace when the schedule yields no next time.
	Interval time.Duration
	// BatchSize bounds how many due obligations and how many expired
	// contracts are pulled per tenant per pass. Overflow waits for the next
	// pass.
	BatchSize int
	// GracePeriod shifts the deadline cutoff into the past, leaving room for
	// late-arriving evidence before a missed due date becomes a breach.
	GracePeriod time.Duration
}

// DefaultConfig returns the baseline sweeper configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  defaultInterval,
		BatchSize: defaultBatchSize,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}
}

// Option mutates sweeper configuration at construction.
type Option func(*Sweeper)

// WithSchedule paces passes by a 5-field cron expression instead of a fixed
// interval. The expression is parsed by NewSweeper.
func WithSchedule(expr string) Option {
	return func(sweeper *Sweeper) {
		sweeper.cfg.Schedule = expr
	}
}

// WithInterval sets the fixed pause between passes.
func WithInterval(interval time.Duration) Option {
	return func(sweeper *Sweeper) {
		if interval > 0 {
			sweeper.cfg.Interval = interval
		}
	}
}

// WithBatchSize bounds the per-tenant scan size of each pass.
func WithBatchSize(size int) Option {
	return func(sweeper *Sweeper) {
		if size > 0 {
			sweeper.cfg.BatchSize = size
		}
	}
}

// WithGracePeriod shifts the deadline cutoff into the past.
func WithGracePeriod(grace time.Duration) Option {
	return func(sweeper *Sweeper) {
		if grace > 0 {
			sweeper.cfg.GracePeriod = grace
		}
	}
}

// WithLocker shares a lock manager with other sweeper instances. Passing the
// distributed locker used by the engine keeps tenant sweeps single-flight
// across a fleet, not just within one process.
func WithLocker(locker lock.Locker) Option {
	return func(sweeper *Sweeper) {
		if locker != nil {
			sweeper.locker = locker
		}
	}
}

// WithMetricsFactory injects the metrics factory for sweep instrumentation.
func WithMetricsFactory(factory *metrics.MetricsFactory) Option {
	return func(sweeper *Sweeper) {
		if factory != nil {
			sweeper.metrics = factory
		}
	}
}

// WithClock overrides the time source used for deadline cutoffs. Pass pacing
// still follows the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(sweeper *Sweeper) {
		if clock != nil {
			sweeper.clock = clock
		}
	}
}

package metrics

// Pre-configured metrics for background machinery (outbox dispatch, sweeps,
// invariant checks).
var (
	// MetricOutboxPublished measures the number of outbox events published to brokers.
	MetricOutboxPublished = Metric{
		Name:        "outbox_events_published",
		Unit:        "1",
		Description: "Measures the number of outbox events published to brokers.",
	}

	// MetricOutboxFailed measures the number of outbox publish failures.
	MetricOutboxFailed = Metric{
		Name:        "outbox_events_failed",
		Unit:        "1",
		Description: "Measures the number of outbox publish failures.",
	}

	// MetricOutboxBatchSize measures the size of collected dispatch batches.
	MetricOutboxBatchSize = Metric{
		Name:        "outbox_batch_size",
		Unit:        "1",
		Description: "Measures the size of collected outbox dispatch batches.",
	}

	// MetricSweepDuration measures the wall time of deadline sweep passes.
	MetricSweepDuration = Metric{
		Name:        "sweep_duration_ms",
		Unit:        "ms",
		Description: "Measures the wall time of deadline sweep passes.",
	}

	// MetricAssertionFailedTotal counts failed internal invariant assertions.
	MetricAssertionFailedTotal = Metric{
		Name:        "assertion_failed_total",
		Unit:        "1",
		Description: "Total number of failed assertions",
	}
)

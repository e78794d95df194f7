package metrics

// Pre-configured metrics for secured-ledger instrumentation.
var (
	// MetricEntriesPosted measures the number of ledger entries posted.
	MetricEntriesPosted = Metric{
		Name:        "ledger_entries_posted",
		Unit:        "1",
		Description: "Measures the number of ledger entries posted.",
	}

	// MetricReleasesReplayed measures idempotent release replays answered from
	// the existing entry instead of posting a duplicate.
	MetricReleasesReplayed = Metric{
		Name:        "releases_replayed",
		Unit:        "1",
		Description: "Measures idempotent release replays resolved without posting.",
	}

	// MetricClaimsResolved measures the number of claims resolved.
	MetricClaimsResolved = Metric{
		Name:        "claims_resolved",
		Unit:        "1",
		Description: "Measures the number of claims resolved.",
	}
)

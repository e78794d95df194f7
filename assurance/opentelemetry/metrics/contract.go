package metrics

// Pre-configured metrics for contract lifecycle instrumentation.
var (
	// MetricContractsCreated measures the number of commitment contracts created.
	MetricContractsCreated = Metric{
		Name:        "contracts_created",
		Unit:        "1",
		Description: "Measures the number of commitment contracts created.",
	}

	// MetricContractsDefaulted measures the number of contracts marked defaulted.
	MetricContractsDefaulted = Metric{
		Name:        "contracts_defaulted",
		Unit:        "1",
		Description: "Measures the number of contracts marked defaulted.",
	}

	// MetricObligationsBreached measures the number of obligations marked breached.
	MetricObligationsBreached = Metric{
		Name:        "obligations_breached",
		Unit:        "1",
		Description: "Measures the number of obligations marked breached.",
	}

	// MetricMilestonesReleased measures the number of milestone releases executed.
	MetricMilestonesReleased = Metric{
		Name:        "milestones_released",
		Unit:        "1",
		Description: "Measures the number of milestone releases executed.",
	}
)

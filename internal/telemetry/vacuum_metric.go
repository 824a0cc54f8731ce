package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// VacuumMetrics holds all the metric instruments for the index vacuum engine.
type VacuumMetrics struct {
	PagesVisitedCounter   metric.Int64Counter
	TuplesRemovedCounter  metric.Int64Counter
	PagesDeletedCounter   metric.Int64Counter
	PassDurationHistogram metric.Int64Histogram
}

// NewVacuumMetrics creates and registers all the metrics for the vacuum engine.
func NewVacuumMetrics(meter metric.Meter) (*VacuumMetrics, error) {
	pagesVisitedCounter, err := meter.Int64Counter(
		"sakuradb.index.vacuum.pages_visited_total",
		metric.WithDescription("Total number of index pages visited by vacuum passes."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	tuplesRemovedCounter, err := meter.Int64Counter(
		"sakuradb.index.vacuum.tuples_removed_total",
		metric.WithDescription("Total number of dead index tuples removed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pagesDeletedCounter, err := meter.Int64Counter(
		"sakuradb.index.vacuum.pages_deleted_total",
		metric.WithDescription("Total number of empty index pages reclaimed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	passDurationHistogram, err := meter.Int64Histogram(
		"sakuradb.index.vacuum.pass_duration",
		metric.WithDescription("The duration of a full vacuum invocation."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &VacuumMetrics{
		PagesVisitedCounter:   pagesVisitedCounter,
		TuplesRemovedCounter:  tuplesRemovedCounter,
		PagesDeletedCounter:   pagesDeletedCounter,
		PassDurationHistogram: passDurationHistogram,
	}, nil
}

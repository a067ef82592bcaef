package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the cache and task instruments.
type Metrics struct {
	CacheHits     metric.Int64Counter
	CacheMisses   metric.Int64Counter
	FetchDuration metric.Float64Histogram
	FetchErrors   metric.Int64Counter

	TaskDuration  metric.Float64Histogram
	TasksActive   metric.Int64UpDownCounter
	TaskFailures  metric.Int64Counter
	TasksRejected metric.Int64Counter

	MaintenanceRemoved metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CacheHits, err = meter.Int64Counter("leafy.cache.hits",
		metric.WithDescription("Cache lookups answered from the store"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheMisses, err = meter.Int64Counter("leafy.cache.misses",
		metric.WithDescription("Cache lookups that found no fresh entry"),
	)
	if err != nil {
		return nil, err
	}

	m.FetchDuration, err = meter.Float64Histogram("leafy.cache.fetch.duration",
		metric.WithDescription("Fetch function duration on cache miss in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.FetchErrors, err = meter.Int64Counter("leafy.cache.fetch.errors",
		metric.WithDescription("Fetch functions that failed, panicked or returned nothing"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("leafy.task.duration",
		metric.WithDescription("Background task run time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksActive, err = meter.Int64UpDownCounter("leafy.task.active",
		metric.WithDescription("Tasks currently running on a worker"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskFailures, err = meter.Int64Counter("leafy.task.failures",
		metric.WithDescription("Tasks that ended FAILED"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRejected, err = meter.Int64Counter("leafy.task.rejected",
		metric.WithDescription("Tasks rejected because the queue was full"),
	)
	if err != nil {
		return nil, err
	}

	m.MaintenanceRemoved, err = meter.Int64Counter("leafy.maintenance.removed",
		metric.WithDescription("Rows removed by scheduled maintenance"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

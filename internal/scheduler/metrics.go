package scheduler

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("understory.scheduler")
	meter  = otel.Meter("understory.scheduler")
)

var (
	unitLatency metric.Float64Histogram
	unitTotal   metric.Int64Counter
	passLatency metric.Float64Histogram
	passTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		unitLatency, err = meter.Float64Histogram(
			"scheduler_unit_build_duration_seconds",
			metric.WithDescription("Duration of a single unit build"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		unitTotal, err = meter.Int64Counter(
			"scheduler_unit_builds_total",
			metric.WithDescription("Unit builds by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		passLatency, err = meter.Float64Histogram(
			"scheduler_pass_duration_seconds",
			metric.WithDescription("Duration of a full build pass"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		passTotal, err = meter.Int64Counter(
			"scheduler_passes_total",
			metric.WithDescription("Build passes by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordUnitMetrics(ctx context.Context, d time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	unitLatency.Record(ctx, d.Seconds(), attrs)
	unitTotal.Add(ctx, 1, attrs)
}

func recordPassMetrics(ctx context.Context, d time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	passLatency.Record(ctx, d.Seconds(), attrs)
	passTotal.Add(ctx, 1, attrs)
}

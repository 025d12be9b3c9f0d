package registry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("understory.registry")

var (
	recoveryTotal  metric.Int64Counter
	matchTotal     metric.Int64Counter
	breakageTotal  metric.Int64Counter
	limitHitsTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		recoveryTotal, err = meter.Int64Counter(
			"registry_recoveries_total",
			metric.WithDescription("Content-based recoveries of unit bindings"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		matchTotal, err = meter.Int64Counter(
			"registry_recovery_records_total",
			metric.WithDescription("Records handled by recovery, by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		breakageTotal, err = meter.Int64Counter(
			"registry_binding_breakages_total",
			metric.WithDescription("Bindings that failed to resolve and forced recovery"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		limitHitsTotal, err = meter.Int64Counter(
			"registry_recursion_limit_hits_total",
			metric.WithDescription("Registrations refused by the recursion limit"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordRecovery(ctx context.Context, exact, loose, created, stale int) {
	if err := initMetrics(); err != nil {
		return
	}
	recoveryTotal.Add(ctx, 1)
	for outcome, n := range map[string]int{"exact": exact, "loose": loose, "created": created, "stale": stale} {
		if n > 0 {
			matchTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
		}
	}
}

func recordBreakage(ctx context.Context, where string) {
	if err := initMetrics(); err != nil {
		return
	}
	breakageTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("where", where)))
}

func recordLimitHit() {
	if err := initMetrics(); err != nil {
		return
	}
	limitHitsTotal.Add(context.Background(), 1)
}

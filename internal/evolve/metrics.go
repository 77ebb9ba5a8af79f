package evolve

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/praxisworks/recalld/internal/evolve"

// Metrics holds evolution pipeline metrics.
type Metrics struct {
	meter      metric.Meter
	logger     *zap.Logger
	runs       metric.Int64Counter
	strategies metric.Int64Counter
	deprecated metric.Int64Counter
}

// NewMetrics creates a Metrics instance for the evolution pipeline.
func NewMetrics(logger *zap.Logger) *Metrics {
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.runs, err = m.meter.Int64Counter(
		"recalld.evolve.runs_total",
		metric.WithDescription("Evolution runs, labeled by success"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		m.logger.Warn("failed to create runs counter", zap.Error(err))
	}

	m.strategies, err = m.meter.Int64Counter(
		"recalld.evolve.strategies_stored_total",
		metric.WithDescription("Strategies persisted by evolution runs"),
		metric.WithUnit("{strategy}"),
	)
	if err != nil {
		m.logger.Warn("failed to create strategies counter", zap.Error(err))
	}

	m.deprecated, err = m.meter.Int64Counter(
		"recalld.evolve.strategies_deprecated_total",
		metric.WithDescription("Strategies deactivated by the optimizer"),
		metric.WithUnit("{strategy}"),
	)
	if err != nil {
		m.logger.Warn("failed to create deprecated counter", zap.Error(err))
	}
}

// RecordRun counts one finished evolution run.
func (m *Metrics) RecordRun(ctx context.Context, result RunResult) {
	if m.runs != nil {
		m.runs.Add(ctx, 1, metric.WithAttributes(attribute.Bool("succeeded", result.Succeeded())))
	}
	if m.strategies != nil && result.StrategiesStored > 0 {
		m.strategies.Add(ctx, int64(result.StrategiesStored))
	}
	if m.deprecated != nil && result.Optimization.Deprecated > 0 {
		m.deprecated.Add(ctx, int64(result.Optimization.Deprecated))
	}
}

package episode

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/praxisworks/recalld/internal/episode"

// Metrics holds episodic-store metrics.
type Metrics struct {
	meter      metric.Meter
	logger     *zap.Logger
	logged     metric.Int64Counter
	drops      metric.Int64Counter
	retrievals metric.Int64Counter
	backfills  metric.Int64Counter
}

// NewMetrics creates a Metrics instance for the episodic store.
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

	m.logged, err = m.meter.Int64Counter(
		"recalld.episode.logged_total",
		metric.WithDescription("Episodes persisted, labeled by whether the embedding was deferred to backfill"),
		metric.WithUnit("{episode}"),
	)
	if err != nil {
		m.logger.Warn("failed to create logged counter", zap.Error(err))
	}

	m.drops, err = m.meter.Int64Counter(
		"recalld.episode.dropped_total",
		metric.WithDescription("Episodes lost to queue overflow or persistence failure, by reason"),
		metric.WithUnit("{episode}"),
	)
	if err != nil {
		m.logger.Warn("failed to create drops counter", zap.Error(err))
	}

	m.retrievals, err = m.meter.Int64Counter(
		"recalld.episode.retrievals_total",
		metric.WithDescription("Similar-episode lookups, labeled by cache hit"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		m.logger.Warn("failed to create retrievals counter", zap.Error(err))
	}

	m.backfills, err = m.meter.Int64Counter(
		"recalld.episode.backfilled_total",
		metric.WithDescription("Episodes whose embeddings were repaired by the reconciler"),
		metric.WithUnit("{episode}"),
	)
	if err != nil {
		m.logger.Warn("failed to create backfills counter", zap.Error(err))
	}
}

// RecordLogged counts a persisted episode.
func (m *Metrics) RecordLogged(ctx context.Context, requiresBackfill bool) {
	if m.logged != nil {
		m.logged.Add(ctx, 1, metric.WithAttributes(attribute.Bool("requires_backfill", requiresBackfill)))
	}
}

// RecordDrop counts a lost episode.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	if m.drops != nil {
		m.drops.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordRetrieval counts a lookup.
func (m *Metrics) RecordRetrieval(ctx context.Context, cacheHit bool, results int) {
	if m.retrievals != nil {
		m.retrievals.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("cache_hit", cacheHit),
			attribute.Bool("empty", results == 0),
		))
	}
}

// RecordBackfill counts one reconciler pass.
func (m *Metrics) RecordBackfill(ctx context.Context, scanned, fixed int) {
	if m.backfills != nil {
		m.backfills.Add(ctx, int64(fixed), metric.WithAttributes(attribute.Int("scanned", scanned)))
	}
}

package evolve

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/praxisworks/recalld/internal/strategy"
)

// strategyType labels strategies produced by this pipeline.
const strategyType = "decision_pattern"

// Generator turns extracted patterns into strategy records.
type Generator struct {
	widenMargin float64
	logger      *zap.Logger
}

// NewGenerator creates a Generator widening predicates by margin (a
// fraction of each numeric range) to avoid fitting exactly to the training
// episodes.
func NewGenerator(margin float64, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if margin <= 0 {
		margin = 0.1
	}
	return &Generator{widenMargin: margin, logger: logger}
}

// Generate derives strategies from patterns. Patterns backed by fewer than
// the minimum evidence count are skipped regardless of what the extractor
// allowed; the two stages evolve independently and this gate must hold on
// its own.
func (g *Generator) Generate(patterns []Pattern) []*strategy.Strategy {
	var out []*strategy.Strategy
	for _, p := range patterns {
		if len(p.EpisodeIDs) < strategy.MinSupportingEpisodes {
			g.logger.Debug("skipping pattern below evidence floor",
				zap.String("action", p.Action),
				zap.Int("episodes", len(p.EpisodeIDs)),
			)
			continue
		}
		out = append(out, g.build(p))
	}
	return out
}

func (g *Generator) build(p Pattern) *strategy.Strategy {
	return &strategy.Strategy{
		LineageID:     lineageID(strategyType, p.Predicate, p.Action),
		Type:          strategyType,
		Applicability: g.widen(p.Predicate),
		Recommendation: strategy.Recommendation{
			Action:     p.Action,
			Adjustment: p.Adjustment,
		},
		Confidence:           clamp01(p.Significance),
		SupportingEpisodeIDs: append([]string(nil), p.EpisodeIDs...),
	}
}

// widen relaxes each numeric bound outward by the margin. Closed ranges
// grow by margin*(max-min) per side; half-open bounds by margin*|bound|.
// Equality conditions are left exact.
func (g *Generator) widen(p strategy.Predicate) strategy.Predicate {
	conditions := make([]strategy.Condition, len(p.Conditions))
	for i, c := range p.Conditions {
		widened := c
		switch {
		case c.Min != nil && c.Max != nil:
			pad := g.widenMargin * (*c.Max - *c.Min)
			lo, hi := *c.Min-pad, *c.Max+pad
			widened.Min, widened.Max = &lo, &hi
		case c.Min != nil:
			lo := *c.Min - g.widenMargin*math.Abs(*c.Min)
			widened.Min = &lo
		case c.Max != nil:
			hi := *c.Max + g.widenMargin*math.Abs(*c.Max)
			widened.Max = &hi
		}
		conditions[i] = widened
	}
	return strategy.Predicate{Conditions: conditions}
}

// lineageID derives a stable lineage for the (type, context group, action)
// triple so re-extracting the same pattern versions the existing strategy
// instead of spawning a duplicate. Computed over the unwidened predicate:
// bucketing is deterministic, the widening margin is tunable.
func lineageID(strategyType string, p strategy.Predicate, action string) string {
	conditions := make([]string, 0, len(p.Conditions))
	for _, c := range p.Conditions {
		part := c.Feature
		if c.Equals != nil {
			part += "=" + string(c.Equals.Canonical())
		}
		if c.Min != nil {
			part += fmt.Sprintf(">=%g", *c.Min)
		}
		if c.Max != nil {
			part += fmt.Sprintf("<=%g", *c.Max)
		}
		conditions = append(conditions, part)
	}
	sort.Strings(conditions)
	key := fmt.Sprintf("%s|%s|%s", strategyType, strings.Join(conditions, "&"), action)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

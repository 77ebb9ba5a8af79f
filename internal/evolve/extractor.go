package evolve

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/praxisworks/recalld/internal/episode"
	"github.com/praxisworks/recalld/internal/strategy"
)

// Feature names one perception field the extractor groups on. A zero
// BucketWidth means categorical (grouped by exact value); a positive width
// buckets numeric values into [i*w, (i+1)*w) ranges.
type Feature struct {
	Key         string  `koanf:"key"`
	BucketWidth float64 `koanf:"bucket_width"`
}

// DefaultFeatures are the perception fields sprint-planning episodes carry.
func DefaultFeatures() []Feature {
	return []Feature{
		{Key: "team_size", BucketWidth: 5},
		{Key: "velocity_trend"},
	}
}

// Pattern is a statistically supported recurring (context, decision)
// association, the precursor to a strategy.
type Pattern struct {
	// Predicate describes the context group the pattern was mined from.
	Predicate strategy.Predicate

	// Action and Adjustment are the modal decision within the group.
	Action     string
	Adjustment float64

	// Support is how many episodes in the group made this decision;
	// GroupSize is the whole group.
	Support   int
	GroupSize int

	// PValue is the exact binomial upper-tail probability of the
	// recurrence under a uniform-choice null; Significance = 1 - PValue.
	PValue       float64
	Significance float64

	// EpisodeIDs are the supporting episodes, sorted.
	EpisodeIDs []string
}

// minNullChoices floors the significance test's assumed action-space size.
const minNullChoices = 4

// Extractor mines recurring decisions out of high-quality episodes.
type Extractor struct {
	features []Feature
	alpha    float64
	logger   *zap.Logger
}

// NewExtractor creates an Extractor grouping on the given features and
// emitting patterns at significance level alpha.
func NewExtractor(features []Feature, alpha float64, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(features) == 0 {
		features = DefaultFeatures()
	}
	if alpha <= 0 {
		alpha = 0.05
	}
	return &Extractor{features: features, alpha: alpha, logger: logger}
}

// Extract groups episodes by bucketed context features, finds the modal
// decision within each group, and emits it as a pattern when the group has
// at least minSupport members backing the decision and the recurrence beats
// a uniform-choice null. Deterministic for a fixed input; an empty result is
// an expected outcome, not a failure.
func (x *Extractor) Extract(episodes []*episode.Episode, minSupport int) []Pattern {
	if minSupport <= 0 {
		minSupport = 3
	}

	groups := make(map[string][]*episode.Episode)
	predicates := make(map[string]strategy.Predicate)
	for _, e := range episodes {
		sig, pred, ok := x.signature(e)
		if !ok {
			continue
		}
		groups[sig] = append(groups[sig], e)
		predicates[sig] = pred
	}

	signatures := make([]string, 0, len(groups))
	for sig := range groups {
		signatures = append(signatures, sig)
	}
	sort.Strings(signatures)

	var patterns []Pattern
	for _, sig := range signatures {
		group := groups[sig]
		if len(group) < minSupport {
			continue
		}
		p, ok := x.minePattern(group, predicates[sig], minSupport)
		if !ok {
			continue
		}
		patterns = append(patterns, p)
	}

	x.logger.Debug("pattern extraction completed",
		zap.Int("episodes", len(episodes)),
		zap.Int("groups", len(groups)),
		zap.Int("patterns", len(patterns)),
	)
	return patterns
}

// minePattern finds the modal decision in a context group and tests its
// recurrence against chance.
func (x *Extractor) minePattern(group []*episode.Episode, pred strategy.Predicate, minSupport int) (Pattern, bool) {
	type decision struct {
		action     string
		adjustment float64
	}
	votes := make(map[decision][]string)
	for _, e := range group {
		action, ok := e.Action.GetString("action")
		if !ok || action == "" {
			continue
		}
		adjustment, _ := e.Action.GetFloat("adjustment")
		d := decision{action: action, adjustment: quantize(adjustment, 0.1)}
		votes[d] = append(votes[d], e.ID)
	}
	if len(votes) == 0 {
		return Pattern{}, false
	}

	// Modal decision, ties broken on the decision key for determinism.
	var modal decision
	modalKey := ""
	for d, ids := range votes {
		key := fmt.Sprintf("%s|%.1f", d.action, d.adjustment)
		if len(ids) > len(votes[modal]) || (len(ids) == len(votes[modal]) && (modalKey == "" || key < modalKey)) {
			modal, modalKey = d, key
		}
	}

	support := len(votes[modal])
	if support < minSupport {
		return Pattern{}, false
	}

	trials := 0
	for _, ids := range votes {
		trials += len(ids)
	}
	// Uniform-choice null: each episode picks among the engine's possible
	// decisions at random. The observed distinct decisions underestimate
	// the action space for small groups, so the count is floored.
	choices := len(votes)
	if choices < minNullChoices {
		choices = minNullChoices
	}
	pValue := binomialTailP(support, trials, 1/float64(choices))
	if pValue > x.alpha {
		return Pattern{}, false
	}

	ids := append([]string(nil), votes[modal]...)
	sort.Strings(ids)

	return Pattern{
		Predicate:    pred,
		Action:       modal.action,
		Adjustment:   modal.adjustment,
		Support:      support,
		GroupSize:    trials,
		PValue:       pValue,
		Significance: 1 - pValue,
		EpisodeIDs:   ids,
	}, true
}

// signature builds the group key and the matching predicate from the
// episode's perception. Episodes missing every grouping feature are skipped.
func (x *Extractor) signature(e *episode.Episode) (string, strategy.Predicate, bool) {
	var parts []string
	var conditions []strategy.Condition

	for _, f := range x.features {
		v, ok := e.Perception.Get(f.Key)
		if !ok {
			continue
		}
		if f.BucketWidth > 0 {
			n, err := v.AsFloat()
			if err != nil {
				continue
			}
			bucket := math.Floor(n / f.BucketWidth)
			lo := bucket * f.BucketWidth
			hi := lo + f.BucketWidth
			parts = append(parts, fmt.Sprintf("%s=[%g,%g)", f.Key, lo, hi))
			conditions = append(conditions, strategy.Condition{Feature: f.Key, Min: &lo, Max: &hi})
		} else {
			canonical := string(v.Canonical())
			parts = append(parts, fmt.Sprintf("%s=%s", f.Key, canonical))
			val := v
			conditions = append(conditions, strategy.Condition{Feature: f.Key, Equals: &val})
		}
	}
	if len(conditions) == 0 {
		return "", strategy.Predicate{}, false
	}
	return strings.Join(parts, "&"), strategy.Predicate{Conditions: conditions}, true
}

// quantize rounds v to the nearest multiple of step, so near-identical
// adjustments vote for the same decision.
func quantize(v, step float64) float64 {
	return math.Round(v/step) * step
}

// Package strategy implements the versioned strategy repository: learned,
// confidence-scored recommendations with explicit applicability predicates,
// lineage versioning, and an append-once application log feeding the
// learning optimizer.
package strategy

import (
	"errors"
	"fmt"
	"time"

	"github.com/praxisworks/recalld/internal/memval"
)

// Common errors for strategy repository operations.
var (
	// ErrNotFound is returned when a strategy or application log does not
	// exist.
	ErrNotFound = errors.New("strategy not found")

	// ErrConflict is returned when a compare-and-set confidence update
	// loses against a concurrent counter mutation.
	ErrConflict = errors.New("strategy counters changed concurrently")

	// ErrInsufficientEvidence is returned when a strategy is stored with
	// fewer supporting episodes than the minimum evidentiary bar. This is
	// a normal pipeline outcome, not an infrastructure failure.
	ErrInsufficientEvidence = errors.New("fewer than 3 supporting episodes")

	// ErrAlreadyResolved is returned when an application outcome is
	// reported twice. Application logs are immutable once resolved.
	ErrAlreadyResolved = errors.New("application outcome already resolved")

	// ErrInvalidStrategy is returned when a strategy violates a field
	// invariant other than the evidence bar.
	ErrInvalidStrategy = errors.New("invalid strategy")
)

// MinSupportingEpisodes is the evidence floor: no strategy exists on fewer
// episodes, regardless of what upstream extraction allowed.
const MinSupportingEpisodes = 3

// Strategy is a learned, reusable recommendation. Versions within a lineage
// are never overwritten; storing a new version supersedes the prior one.
type Strategy struct {
	// ID is the unique identifier of this version (UUID), immutable.
	ID string `json:"id"`

	// LineageID groups all versions of one logical strategy.
	LineageID string `json:"lineage_id"`

	// Version increases monotonically within a lineage.
	Version int `json:"version"`

	// Type labels the kind of recommendation (e.g. "scope_adjustment").
	Type string `json:"type"`

	// Applicability decides whether this strategy applies to a decision
	// context.
	Applicability Predicate `json:"applicability"`

	// Recommendation is the advised action.
	Recommendation Recommendation `json:"recommendation"`

	// Confidence in [0,1], tuned by the optimizer from observed outcomes.
	Confidence float64 `json:"confidence"`

	// SupportingEpisodeIDs is the evidence set, cardinality ≥ 3.
	SupportingEpisodeIDs []string `json:"supporting_episode_ids"`

	// Application counters, monotonically non-decreasing.
	TimesApplied int64 `json:"times_applied"`
	SuccessCount int64 `json:"success_count"`
	FailureCount int64 `json:"failure_count"`

	// IsActive is false once deprecated. Deprecated strategies are kept
	// for audit and never returned from applicability queries.
	IsActive bool `json:"is_active"`

	// Priority marks top performers for ranking ahead of confidence.
	Priority bool `json:"priority"`

	// DeprecatedReason records why a strategy was deactivated.
	DeprecatedReason string `json:"deprecated_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SuccessRate recomputes the rate from the counters. The second return is
// false when no outcome has resolved yet; the rate is undefined then and
// must not be treated as zero.
func (s *Strategy) SuccessRate() (float64, bool) {
	resolved := s.SuccessCount + s.FailureCount
	if resolved == 0 {
		return 0, false
	}
	return float64(s.SuccessCount) / float64(resolved), true
}

// Validate checks field invariants. Evidence-bar violations return
// ErrInsufficientEvidence so callers can tell a thin pattern from a broken
// record.
func (s *Strategy) Validate() error {
	if s.Type == "" {
		return fmt.Errorf("%w: empty type", ErrInvalidStrategy)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidStrategy, s.Confidence)
	}
	if len(s.Applicability.Conditions) == 0 {
		return fmt.Errorf("%w: empty applicability predicate", ErrInvalidStrategy)
	}
	if s.Recommendation.Action == "" {
		return fmt.Errorf("%w: empty recommendation action", ErrInvalidStrategy)
	}
	if len(s.SupportingEpisodeIDs) < MinSupportingEpisodes {
		return fmt.Errorf("%w: got %d", ErrInsufficientEvidence, len(s.SupportingEpisodeIDs))
	}
	return nil
}

// Recommendation is the advised action plus a quantitative adjustment
// (e.g. action "reduce_scope", adjustment -0.2).
type Recommendation struct {
	Action     string  `json:"action"`
	Adjustment float64 `json:"adjustment"`
}

// Predicate is a conjunction of conditions over context features. An empty
// predicate matches nothing; strategies must state what they apply to.
type Predicate struct {
	Conditions []Condition `json:"conditions"`
}

// Condition constrains one context feature: either equality against a
// scalar, or an inclusive numeric range (either bound may be open).
type Condition struct {
	// Feature is the context key the condition reads.
	Feature string `json:"feature"`

	// Equals, when set, requires the feature to equal this value.
	Equals *memval.Value `json:"equals,omitempty"`

	// Min/Max bound a numeric feature inclusively.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// Matches reports whether every condition holds against the context. A
// missing feature fails its condition.
func (p Predicate) Matches(ctx memval.Value) bool {
	if len(p.Conditions) == 0 {
		return false
	}
	for _, c := range p.Conditions {
		if !c.matches(ctx) {
			return false
		}
	}
	return true
}

func (c Condition) matches(ctx memval.Value) bool {
	v, ok := ctx.Get(c.Feature)
	if !ok {
		return false
	}
	if c.Equals != nil {
		return v.Equal(*c.Equals)
	}
	f, err := v.AsFloat()
	if err != nil {
		return false
	}
	if c.Min != nil && f < *c.Min {
		return false
	}
	if c.Max != nil && f > *c.Max {
		return false
	}
	return true
}

// Specificity scores how narrow the predicate is: an equality pins a
// feature completely (2), a range counts one per bounded side. Higher is
// narrower; used as a ranking tie-break.
func (p Predicate) Specificity() int {
	score := 0
	for _, c := range p.Conditions {
		switch {
		case c.Equals != nil:
			score += 2
		default:
			if c.Min != nil {
				score++
			}
			if c.Max != nil {
				score++
			}
		}
	}
	return score
}

// CounterSnapshot is the optimistic-concurrency token for confidence
// updates: the counters as the optimizer read them. A write only lands when
// the row still carries these values.
type CounterSnapshot struct {
	TimesApplied int64
	SuccessCount int64
	FailureCount int64
}

// Snapshot captures the strategy's current counters.
func (s *Strategy) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		TimesApplied: s.TimesApplied,
		SuccessCount: s.SuccessCount,
		FailureCount: s.FailureCount,
	}
}

// ApplicationLog is one instance of a strategy being used in a decision.
// Append-only until the outcome resolves, immutable after.
type ApplicationLog struct {
	ID         string `json:"id"`
	StrategyID string `json:"strategy_id"`
	EpisodeID  string `json:"episode_id"`

	// AppliedContext is the decision context the strategy was applied in.
	AppliedContext memval.Value `json:"applied_context"`

	// PredictedOutcome is what the decision engine expected; when it
	// carries a numeric "expected_quality" field the resolution computes
	// a performance delta against it.
	PredictedOutcome memval.Value  `json:"predicted_outcome"`
	ActualOutcome    *memval.Value `json:"actual_outcome,omitempty"`
	OutcomeQuality   *float64      `json:"outcome_quality,omitempty"`

	// ContextSimilarity in [0,1]: how closely the applying context
	// matched the strategy's training contexts.
	ContextSimilarity float64 `json:"context_similarity"`

	// PerformanceDelta = outcome quality − predicted expected_quality,
	// nil when the prediction carried no expectation.
	PerformanceDelta *float64 `json:"performance_delta,omitempty"`

	AppliedAt   time.Time  `json:"applied_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// Resolved reports whether the actual outcome has been recorded.
func (a *ApplicationLog) Resolved() bool { return a.ActualOutcome != nil }

// Success classifies a resolved application. The quality bar matches the
// episode store's notion of a good outcome.
func (a *ApplicationLog) Success(qualityBar float64) bool {
	return a.OutcomeQuality != nil && *a.OutcomeQuality >= qualityBar
}

// ApplicationResult pairs an application log with its success judgment for
// batch consumption by the optimizer.
type ApplicationResult struct {
	LogID   string
	Success bool
}

// Package evolve implements the strategy evolution pipeline: pattern
// extraction over high-quality episodes, strategy generation, confidence
// optimization from application outcomes, and the scheduled singleton run
// that glues them together.
package evolve

import (
	"errors"
	"time"
)

// Common errors for the evolution pipeline.
var (
	// ErrLockHeld is returned when another evolver instance holds the
	// singleton lock. This is the only failure fatal to a run.
	ErrLockHeld = errors.New("evolution lock held by another instance")
)

// Policy carries the tunable learning parameters. The numeric defaults come
// from observed behavior, not derivation; they are configuration, not law.
type Policy struct {
	// Damping weights the old confidence in the update rule
	// new = damping*old + (1-damping)*rate. Higher damping means one
	// batch of outcomes moves confidence less.
	Damping float64 `koanf:"damping"`

	// DeprecationFloor deactivates strategies whose confidence falls
	// below it.
	DeprecationFloor float64 `koanf:"deprecation_floor"`

	// SuccessRateFloor deactivates strategies whose trailing success
	// rate falls below it, given at least MinSamples resolved outcomes.
	SuccessRateFloor float64 `koanf:"success_rate_floor"`

	// PromotionCeiling flags strategies above it for priority ranking.
	PromotionCeiling float64 `koanf:"promotion_ceiling"`

	// TrailingWindow bounds how far back the optimizer looks for
	// resolved application outcomes.
	TrailingWindow time.Duration `koanf:"trailing_window"`

	// Alpha is the significance level for pattern emission.
	Alpha float64 `koanf:"alpha"`

	// WidenMargin widens generated applicability predicates beyond the
	// training episodes' exact boundaries, as a fraction of each range.
	WidenMargin float64 `koanf:"widen_margin"`

	// MinSupport is the extractor's group-size bar.
	MinSupport int `koanf:"min_support"`

	// MinQuality is the outcome-quality bar for an episode to count as
	// evidence, and for an application to count as a success.
	MinQuality float64 `koanf:"min_quality"`

	// MinSamples is the resolved-outcome count below which the success
	// rate is too noisy to deprecate on.
	MinSamples int `koanf:"min_samples"`

	// EpisodeLimit bounds how many episodes one run examines.
	EpisodeLimit int `koanf:"episode_limit"`
}

// ApplyDefaults sets default values for unset fields.
func (p *Policy) ApplyDefaults() {
	if p.Damping == 0 {
		p.Damping = 0.3
	}
	if p.DeprecationFloor == 0 {
		p.DeprecationFloor = 0.3
	}
	if p.SuccessRateFloor == 0 {
		p.SuccessRateFloor = 0.4
	}
	if p.PromotionCeiling == 0 {
		p.PromotionCeiling = 0.9
	}
	if p.TrailingWindow == 0 {
		p.TrailingWindow = 30 * 24 * time.Hour
	}
	if p.Alpha == 0 {
		p.Alpha = 0.05
	}
	if p.WidenMargin == 0 {
		p.WidenMargin = 0.1
	}
	if p.MinSupport == 0 {
		p.MinSupport = 3
	}
	if p.MinQuality == 0 {
		p.MinQuality = 0.7
	}
	if p.MinSamples == 0 {
		p.MinSamples = 3
	}
	if p.EpisodeLimit == 0 {
		p.EpisodeLimit = 1000
	}
}

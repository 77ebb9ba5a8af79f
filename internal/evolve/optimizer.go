package evolve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/praxisworks/recalld/internal/strategy"
)

// OptimizationResult summarizes one optimizer pass. Conflicts are partial
// results, not failures: a strategy whose compare-and-set lost twice keeps
// its old confidence until the next run.
type OptimizationResult struct {
	StrategiesExamined int `json:"strategies_examined"`
	ConfidenceUpdates  int `json:"confidence_updates"`
	Deprecated         int `json:"deprecated"`
	Promoted           int `json:"promoted"`
	Conflicts          int `json:"conflicts"`
	OutcomesProcessed  int `json:"outcomes_processed"`
}

// Optimizer tunes strategy confidence from resolved application outcomes.
//
// Idempotence: every consumed application log is stamped processed_at, so a
// second pass over the same data finds nothing to do and changes nothing.
type Optimizer struct {
	repo   *strategy.Repository
	policy Policy
	logger *zap.Logger
}

// NewOptimizer creates an Optimizer.
func NewOptimizer(repo *strategy.Repository, policy Policy, logger *zap.Logger) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy.ApplyDefaults()
	return &Optimizer{repo: repo, policy: policy, logger: logger}
}

// Optimize runs one pass over all active strategies. Per-strategy failures
// are logged and skipped; the pass errors only when the strategy listing
// itself fails.
func (o *Optimizer) Optimize(ctx context.Context) (OptimizationResult, error) {
	var result OptimizationResult

	active, err := o.repo.ListActive(ctx)
	if err != nil {
		return result, fmt.Errorf("listing active strategies: %w", err)
	}
	result.StrategiesExamined = len(active)

	since := time.Now().UTC().Add(-o.policy.TrailingWindow)
	for _, s := range active {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if err := o.optimizeOne(ctx, s, since, &result); err != nil {
			o.logger.Warn("skipping strategy in optimizer pass",
				zap.String("strategy_id", s.ID),
				zap.Error(err),
			)
		}
	}
	return result, nil
}

func (o *Optimizer) optimizeOne(ctx context.Context, s *strategy.Strategy, since time.Time, result *OptimizationResult) error {
	logs, err := o.repo.UnprocessedApplications(ctx, s.ID, since)
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		// Nothing new resolved; confidence stays put.
		return nil
	}

	successes := 0
	judged := make([]strategy.ApplicationResult, 0, len(logs))
	for _, a := range logs {
		success := a.Success(o.policy.MinQuality)
		if success {
			successes++
		}
		judged = append(judged, strategy.ApplicationResult{LogID: a.ID, Success: success})
	}

	// Counters and the processed stamp commit together. A later failure
	// (or a crash) leaves the batch fully consumed, never half-counted:
	// double-counting evidence is worse than a one-cycle confidence lag.
	if err := o.repo.ConsumeResults(ctx, s.ID, judged); err != nil {
		return err
	}
	result.OutcomesProcessed += len(logs)

	// Damped blend: the old confidence keeps Damping weight, so one batch
	// of outcomes moves the score toward the observed rate without
	// letting it jump the whole way.
	rate := float64(successes) / float64(len(logs))
	newConfidence := clamp01(o.policy.Damping*s.Confidence + (1-o.policy.Damping)*rate)

	if err := o.writeConfidence(ctx, s.ID, newConfidence, result); err != nil {
		return err
	}

	switch {
	case newConfidence < o.policy.DeprecationFloor:
		if err := o.repo.Deprecate(ctx, s.ID, fmt.Sprintf("confidence %.3f below floor %.2f", newConfidence, o.policy.DeprecationFloor)); err != nil {
			return err
		}
		result.Deprecated++
	case rate < o.policy.SuccessRateFloor && len(logs) >= o.policy.MinSamples:
		if err := o.repo.Deprecate(ctx, s.ID, fmt.Sprintf("success rate %.3f below floor %.2f", rate, o.policy.SuccessRateFloor)); err != nil {
			return err
		}
		result.Deprecated++
	case newConfidence > o.policy.PromotionCeiling && !s.Priority:
		if err := o.repo.SetPriority(ctx, s.ID, true); err != nil {
			return err
		}
		result.Promoted++
	}

	o.logger.Info("strategy confidence updated",
		zap.String("strategy_id", s.ID),
		zap.Float64("old_confidence", s.Confidence),
		zap.Float64("new_confidence", newConfidence),
		zap.Float64("trailing_success_rate", rate),
		zap.Int("outcomes", len(logs)),
	)
	return nil
}

// writeConfidence is the compare-and-set write with one retry. A second
// conflict is noted in the result and left for the next run.
func (o *Optimizer) writeConfidence(ctx context.Context, id string, confidence float64, result *OptimizationResult) error {
	fresh, err := o.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	err = o.repo.UpdateConfidence(ctx, id, confidence, fresh.Snapshot())
	if errors.Is(err, strategy.ErrConflict) {
		result.Conflicts++
		fresh, err = o.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		err = o.repo.UpdateConfidence(ctx, id, confidence, fresh.Snapshot())
		if errors.Is(err, strategy.ErrConflict) {
			result.Conflicts++
			o.logger.Warn("confidence write lost twice, deferring to next run",
				zap.String("strategy_id", id),
			)
			return nil
		}
	}
	if err != nil {
		return err
	}
	result.ConfidenceUpdates++
	return nil
}

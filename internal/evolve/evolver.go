package evolve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/praxisworks/recalld/internal/episode"
	"github.com/praxisworks/recalld/internal/strategy"
)

// Run phases, in execution order.
const (
	PhaseFetching   = "fetching_episodes"
	PhaseExtracting = "extracting"
	PhaseGenerating = "generating"
	PhasePersisting = "persisting"
	PhaseOptimizing = "optimizing"
)

// RunResult summarizes one evolution run. Phase failures are recorded here
// rather than propagated: partial progress (extraction succeeded, persist
// failed) must stay visible and diagnosable.
type RunResult struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	PhasesCompleted []string          `json:"phases_completed"`
	PhasesFailed    map[string]string `json:"phases_failed,omitempty"`

	EpisodesExamined  int                `json:"episodes_examined"`
	PatternsFound     int                `json:"patterns_found"`
	StrategiesStored  int                `json:"strategies_stored"`
	StrategiesSkipped int                `json:"strategies_skipped"`
	Optimization      OptimizationResult `json:"optimization"`
}

// Succeeded reports whether every phase completed. Zero episodes or zero
// patterns is still success.
func (r RunResult) Succeeded() bool { return len(r.PhasesFailed) == 0 }

// Evolver runs the daily learning cycle: fetch high-quality episodes,
// extract patterns, generate strategies, persist them, then optimize
// confidence from application outcomes.
//
// At most one run executes at a time system-wide, enforced by the advisory
// lock; failing to claim it is the only error Run returns.
type Evolver struct {
	episodes  *episode.Store
	repo      *strategy.Repository
	extractor *Extractor
	generator *Generator
	optimizer *Optimizer
	lock      *AdvisoryLock
	audit     AuditPublisher
	policy    Policy
	lockTTL   time.Duration
	logger    *zap.Logger
	metrics   *Metrics
}

// NewEvolver wires the pipeline. A nil audit publisher falls back to a
// no-op sink.
func NewEvolver(
	episodes *episode.Store,
	repo *strategy.Repository,
	lock *AdvisoryLock,
	audit AuditPublisher,
	policy Policy,
	lockTTL time.Duration,
	logger *zap.Logger,
) *Evolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if audit == nil {
		audit = NopPublisher{}
	}
	policy.ApplyDefaults()
	if lockTTL <= 0 {
		lockTTL = time.Hour
	}
	return &Evolver{
		episodes:  episodes,
		repo:      repo,
		extractor: NewExtractor(DefaultFeatures(), policy.Alpha, logger.Named("extractor")),
		generator: NewGenerator(policy.WidenMargin, logger.Named("generator")),
		optimizer: NewOptimizer(repo, policy, logger.Named("optimizer")),
		lock:      lock,
		audit:     audit,
		policy:    policy,
		lockTTL:   lockTTL,
		logger:    logger,
		metrics:   NewMetrics(logger),
	}
}

// Run executes one evolution cycle. Phase failures are captured in the
// result; only a lost race for the singleton lock is returned as an error.
func (e *Evolver) Run(ctx context.Context) (RunResult, error) {
	result := RunResult{
		StartedAt:    time.Now().UTC(),
		PhasesFailed: map[string]string{},
	}

	if err := e.lock.Acquire(ctx, evolutionLockName, e.lockTTL); err != nil {
		if errors.Is(err, ErrLockHeld) {
			return result, err
		}
		return result, fmt.Errorf("claiming evolution lock: %w", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.lock.Release(releaseCtx, evolutionLockName); err != nil {
			e.logger.Warn("failed to release evolution lock", zap.Error(err))
		}
	}()

	e.logger.Info("evolution run started")
	e.runPhases(ctx, &result)
	result.FinishedAt = time.Now().UTC()

	e.metrics.RecordRun(ctx, result)
	if err := e.audit.Publish(ctx, result); err != nil {
		// Audit loss is visible but never fails the run.
		e.logger.Warn("failed to publish audit event", zap.Error(err))
	}

	e.logger.Info("evolution run finished",
		zap.Bool("succeeded", result.Succeeded()),
		zap.Int("episodes_examined", result.EpisodesExamined),
		zap.Int("patterns_found", result.PatternsFound),
		zap.Int("strategies_stored", result.StrategiesStored),
		zap.Int("confidence_updates", result.Optimization.ConfidenceUpdates),
		zap.Int("deprecated", result.Optimization.Deprecated),
	)
	return result, nil
}

func (e *Evolver) runPhases(ctx context.Context, result *RunResult) {
	since := time.Now().UTC().Add(-e.policy.TrailingWindow)
	episodes, err := e.episodes.ListHighQuality(ctx, e.policy.MinQuality, since, e.policy.EpisodeLimit)
	if err != nil {
		result.PhasesFailed[PhaseFetching] = err.Error()
		// Extraction has nothing to work on, but application outcomes can
		// still be processed.
		e.optimize(ctx, result)
		return
	}
	result.EpisodesExamined = len(episodes)
	result.PhasesCompleted = append(result.PhasesCompleted, PhaseFetching)

	patterns := e.extractor.Extract(episodes, e.policy.MinSupport)
	result.PatternsFound = len(patterns)
	result.PhasesCompleted = append(result.PhasesCompleted, PhaseExtracting)

	strategies := e.generator.Generate(patterns)
	result.StrategiesSkipped = len(patterns) - len(strategies)
	result.PhasesCompleted = append(result.PhasesCompleted, PhaseGenerating)

	persistFailed := false
	for _, s := range strategies {
		if _, err := e.repo.Store(ctx, s); err != nil {
			if errors.Is(err, strategy.ErrInsufficientEvidence) {
				result.StrategiesSkipped++
				continue
			}
			persistFailed = true
			result.PhasesFailed[PhasePersisting] = err.Error()
			e.logger.Error("failed to persist strategy",
				zap.String("lineage_id", s.LineageID),
				zap.Error(err),
			)
			break
		}
		result.StrategiesStored++
	}
	if !persistFailed {
		result.PhasesCompleted = append(result.PhasesCompleted, PhasePersisting)
	}

	e.optimize(ctx, result)
}

func (e *Evolver) optimize(ctx context.Context, result *RunResult) {
	opt, err := e.optimizer.Optimize(ctx)
	result.Optimization = opt
	if err != nil {
		result.PhasesFailed[PhaseOptimizing] = err.Error()
		return
	}
	result.PhasesCompleted = append(result.PhasesCompleted, PhaseOptimizing)
}

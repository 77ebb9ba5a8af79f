package evolve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/praxisworks/recalld/internal/memval"
)

// recordingPublisher captures audit events.
type recordingPublisher struct {
	results []RunResult
}

func (p *recordingPublisher) Publish(_ context.Context, r RunResult) error {
	p.results = append(p.results, r)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestEvolver_FullCycle(t *testing.T) {
	db, store, repo := newTestStores(t)
	ctx := context.Background()

	lock := NewAdvisoryLock(db, zap.NewNop())
	require.NoError(t, lock.Migrate(ctx))

	for i := 0; i < 3; i++ {
		insertResolvedEpisode(t, store, 7, "declining", "reduce_scope", -0.2, 0.9)
	}
	// Poor outcomes never become evidence.
	insertResolvedEpisode(t, store, 7, "declining", "extend_sprint", 0.1, 0.2)

	audit := &recordingPublisher{}
	e := NewEvolver(store, repo, lock, audit, testPolicy(), time.Hour, zap.NewNop())

	result, err := e.Run(ctx)
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 3, result.EpisodesExamined)
	assert.Equal(t, 1, result.PatternsFound)
	assert.Equal(t, 1, result.StrategiesStored)
	assert.ElementsMatch(t, []string{
		PhaseFetching, PhaseExtracting, PhaseGenerating, PhasePersisting, PhaseOptimizing,
	}, result.PhasesCompleted)

	// The stored strategy answers applicability queries.
	decisionCtx := memval.Object(map[string]memval.Value{
		"team_size":      memval.Number(7),
		"velocity_trend": memval.String("declining"),
	})
	matches, err := repo.QueryApplicable(ctx, decisionCtx, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "reduce_scope", matches[0].Recommendation.Action)
	assert.GreaterOrEqual(t, len(matches[0].SupportingEpisodeIDs), 3)

	// The run emitted one audit event and released the lock.
	require.Len(t, audit.results, 1)
	assert.Equal(t, 1, audit.results[0].StrategiesStored)
	require.NoError(t, lock.Acquire(ctx, evolutionLockName, time.Minute))
}

func TestEvolver_ZeroEpisodesIsSuccess(t *testing.T) {
	db, store, repo := newTestStores(t)
	ctx := context.Background()

	lock := NewAdvisoryLock(db, zap.NewNop())
	require.NoError(t, lock.Migrate(ctx))

	e := NewEvolver(store, repo, lock, nil, testPolicy(), time.Hour, zap.NewNop())
	result, err := e.Run(ctx)
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 0, result.EpisodesExamined)
	assert.Equal(t, 0, result.PatternsFound)
	assert.Equal(t, 0, result.StrategiesStored)
}

func TestEvolver_RerunVersionsInsteadOfDuplicating(t *testing.T) {
	db, store, repo := newTestStores(t)
	ctx := context.Background()

	lock := NewAdvisoryLock(db, zap.NewNop())
	require.NoError(t, lock.Migrate(ctx))

	for i := 0; i < 3; i++ {
		insertResolvedEpisode(t, store, 7, "declining", "reduce_scope", -0.2, 0.9)
	}

	e := NewEvolver(store, repo, lock, nil, testPolicy(), time.Hour, zap.NewNop())
	_, err := e.Run(ctx)
	require.NoError(t, err)
	_, err = e.Run(ctx)
	require.NoError(t, err)

	decisionCtx := memval.Object(map[string]memval.Value{
		"team_size":      memval.Number(7),
		"velocity_trend": memval.String("declining"),
	})
	matches, err := repo.QueryApplicable(ctx, decisionCtx, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1, "re-extraction must version the lineage, not duplicate it")
	assert.Equal(t, 2, matches[0].Version)

	history, err := repo.History(ctx, matches[0].LineageID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestEvolver_LockHeldIsFatal(t *testing.T) {
	db, store, repo := newTestStores(t)
	ctx := context.Background()

	lock := NewAdvisoryLock(db, zap.NewNop())
	require.NoError(t, lock.Migrate(ctx))

	other := NewAdvisoryLock(db, zap.NewNop())
	require.NoError(t, other.Acquire(ctx, evolutionLockName, time.Minute))

	e := NewEvolver(store, repo, lock, nil, testPolicy(), time.Hour, zap.NewNop())
	_, err := e.Run(ctx)
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestEvolver_RunAlsoOptimizes(t *testing.T) {
	db, store, repo := newTestStores(t)
	ctx := context.Background()

	lock := NewAdvisoryLock(db, zap.NewNop())
	require.NoError(t, lock.Migrate(ctx))

	id := storedStrategy(t, repo, 0.5)
	for i := 0; i < 5; i++ {
		applyAndResolve(t, repo, id, 0.9)
	}

	e := NewEvolver(store, repo, lock, nil, testPolicy(), time.Hour, zap.NewNop())
	result, err := e.Run(ctx)
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 5, result.Optimization.OutcomesProcessed)

	s, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 0.85, s.Confidence, 1e-9)
}

func TestScheduler_StartStop(t *testing.T) {
	db, store, repo := newTestStores(t)
	lock := NewAdvisoryLock(db, zap.NewNop())
	require.NoError(t, lock.Migrate(context.Background()))

	e := NewEvolver(store, repo, lock, nil, testPolicy(), time.Hour, zap.NewNop())
	s := NewScheduler(e, time.Hour, zap.NewNop())

	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "double start must be rejected")
	s.Stop()
	s.Stop() // idempotent

	require.NoError(t, s.Start())
	s.Stop()
}

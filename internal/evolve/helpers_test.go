package evolve

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/praxisworks/recalld/internal/episode"
	"github.com/praxisworks/recalld/internal/memval"
	"github.com/praxisworks/recalld/internal/storage"
	"github.com/praxisworks/recalld/internal/strategy"
	"github.com/praxisworks/recalld/internal/vectorstore"
)

// nopIndex satisfies the vectorstore interface; evolution never searches.
type nopIndex struct{}

func (nopIndex) Upsert(context.Context, []vectorstore.Point) error { return nil }
func (nopIndex) Search(context.Context, []float32, int) ([]vectorstore.Match, error) {
	return nil, nil
}
func (nopIndex) Delete(context.Context, []string) error { return nil }
func (nopIndex) Count(context.Context) (int, error)     { return 0, nil }
func (nopIndex) Close() error                           { return nil }

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStores(t *testing.T) (*sql.DB, *episode.Store, *strategy.Repository) {
	t.Helper()
	db := newTestDB(t)
	ctx := context.Background()

	episodes := episode.NewStore(db, nopIndex{}, zap.NewNop())
	require.NoError(t, episodes.Migrate(ctx))

	repo := strategy.NewRepository(db, zap.NewNop())
	require.NoError(t, repo.Migrate(ctx))
	return db, episodes, repo
}

// insertResolvedEpisode writes one episode with a resolved outcome of the
// given quality.
func insertResolvedEpisode(t *testing.T, store *episode.Store, teamSize float64, trend, action string, adjustment, quality float64) *episode.Episode {
	t.Helper()
	e, err := episode.NewFromDraft(episode.Draft{
		SubjectID: "proj-1",
		Perception: memval.Object(map[string]memval.Value{
			"team_size":      memval.Number(teamSize),
			"velocity_trend": memval.String(trend),
		}),
		Reasoning: memval.Object(map[string]memval.Value{
			"risk": memval.String("overcommit"),
		}),
		Action: memval.Object(map[string]memval.Value{
			"action":     memval.String(action),
			"adjustment": memval.Number(adjustment),
		}),
		AgentVersion:   "1.0.0",
		DecisionSource: "sprint_planner",
	})
	require.NoError(t, err)
	require.NoError(t, store.Insert(context.Background(), e))

	outcome := memval.Object(map[string]memval.Value{"completed": memval.Bool(quality >= 0.5)})
	require.NoError(t, store.ResolveOutcome(context.Background(), e.ID, outcome, quality))
	return e
}

func testCtx() context.Context { return context.Background() }

func zeroTime() time.Time { return time.Time{} }

func testPolicy() Policy {
	p := Policy{TrailingWindow: 365 * 24 * time.Hour}
	p.ApplyDefaults()
	return p
}

func storedStrategy(t *testing.T, repo *strategy.Repository, confidence float64) string {
	t.Helper()
	min, max := 5.0, 9.0
	trend := memval.String("declining")
	s := &strategy.Strategy{
		Type: "decision_pattern",
		Applicability: strategy.Predicate{Conditions: []strategy.Condition{
			{Feature: "velocity_trend", Equals: &trend},
			{Feature: "team_size", Min: &min, Max: &max},
		}},
		Recommendation:       strategy.Recommendation{Action: "reduce_scope", Adjustment: -0.2},
		Confidence:           confidence,
		SupportingEpisodeIDs: []string{"e1", "e2", "e3"},
	}
	id, err := repo.Store(context.Background(), s)
	require.NoError(t, err)
	return id
}

// applyAndResolve logs one application of the strategy and resolves it at
// the given outcome quality.
func applyAndResolve(t *testing.T, repo *strategy.Repository, strategyID string, quality float64) {
	t.Helper()
	ctx := context.Background()
	appliedCtx := memval.Object(map[string]memval.Value{
		"team_size":      memval.Number(7),
		"velocity_trend": memval.String("declining"),
	})
	logID, err := repo.LogApplication(ctx, strategyID, "episode-x", appliedCtx, memval.Null(), 0.9)
	require.NoError(t, err)
	require.NoError(t, repo.ResolveApplication(ctx, logID, memval.String("done"), quality))
}

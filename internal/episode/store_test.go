package episode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisworks/recalld/internal/memval"
)

func TestStore_InsertAndGet(t *testing.T) {
	store, idx := newTestStore(t)
	ctx := context.Background()

	e := insertEpisode(t, store, "proj-1", []float32{1, 0, 0})

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "proj-1", got.SubjectID)
	assert.True(t, e.Perception.Equal(got.Perception))
	assert.Equal(t, []float32{1, 0, 0}, got.Embedding)
	assert.False(t, got.RequiresEmbedding)
	assert.Nil(t, got.Outcome)
	assert.Nil(t, got.OutcomeQuality)

	// Embedded rows are mirrored into the index.
	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_GetMissing(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Get(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_FlaggedEpisodeStaysOutOfIndex(t *testing.T) {
	store, idx := newTestStore(t)
	ctx := context.Background()

	insertEpisode(t, store, "proj-1", nil)

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	pending, err := store.ListRequiringEmbedding(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestStore_InsertRejectsIntegrityViolations(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// Outcome without quality.
	e, err := NewFromDraft(testDraft("proj-1"))
	require.NoError(t, err)
	outcome := memval.Object(map[string]memval.Value{"result": memval.String("ok")})
	e.Outcome = &outcome
	assert.ErrorIs(t, store.Insert(ctx, e), ErrIntegrity)

	// Quality without outcome.
	e2, err := NewFromDraft(testDraft("proj-1"))
	require.NoError(t, err)
	q := 0.9
	e2.OutcomeQuality = &q
	assert.ErrorIs(t, store.Insert(ctx, e2), ErrIntegrity)

	// Quality out of range.
	e3, err := NewFromDraft(testDraft("proj-1"))
	require.NoError(t, err)
	bad := 1.5
	e3.Outcome = &outcome
	e3.OutcomeQuality = &bad
	assert.ErrorIs(t, store.Insert(ctx, e3), ErrIntegrity)

	// Missing embedding without the backfill flag.
	e4, err := NewFromDraft(testDraft("proj-1"))
	require.NoError(t, err)
	e4.RequiresEmbedding = false
	assert.ErrorIs(t, store.Insert(ctx, e4), ErrIntegrity)
}

func TestStore_ResolveOutcomeExactlyOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	e := insertEpisode(t, store, "proj-1", []float32{1, 0, 0})
	outcome := memval.Object(map[string]memval.Value{"velocity": memval.Number(34)})

	require.NoError(t, store.ResolveOutcome(ctx, e.ID, outcome, 0.9))

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Outcome)
	require.NotNil(t, got.OutcomeQuality)
	assert.True(t, outcome.Equal(*got.Outcome))
	assert.InDelta(t, 0.9, *got.OutcomeQuality, 1e-9)

	// Second resolve is rejected.
	err = store.ResolveOutcome(ctx, e.ID, outcome, 0.5)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	// Quality unchanged.
	got, err = store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, *got.OutcomeQuality, 1e-9)
}

func TestStore_ResolveOutcomeValidations(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	outcome := memval.String("done")

	err := store.ResolveOutcome(ctx, "missing", outcome, 0.5)
	assert.ErrorIs(t, err, ErrNotFound)

	e := insertEpisode(t, store, "proj-1", []float32{1, 0, 0})
	assert.ErrorIs(t, store.ResolveOutcome(ctx, e.ID, outcome, -0.1), ErrIntegrity)
	assert.ErrorIs(t, store.ResolveOutcome(ctx, e.ID, outcome, 1.1), ErrIntegrity)
}

func TestStore_AttachEmbedding(t *testing.T) {
	store, idx := newTestStore(t)
	ctx := context.Background()

	e := insertEpisode(t, store, "proj-1", nil)

	require.NoError(t, store.AttachEmbedding(ctx, e.ID, []float32{0, 1, 0}))

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, got.RequiresEmbedding)
	assert.Equal(t, []float32{0, 1, 0}, got.Embedding)

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Attaching again is a no-op, not an error.
	require.NoError(t, store.AttachEmbedding(ctx, e.ID, []float32{9, 9, 9}))
	got, err = store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0}, got.Embedding)
}

func TestStore_AttachEmbeddingMissingRow(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.AttachEmbedding(context.Background(), "missing", []float32{1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListHighQuality(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	good := insertEpisode(t, store, "proj-1", []float32{1, 0, 0})
	require.NoError(t, store.ResolveOutcome(ctx, good.ID, memval.String("ok"), 0.9))

	poor := insertEpisode(t, store, "proj-1", []float32{0, 1, 0})
	require.NoError(t, store.ResolveOutcome(ctx, poor.ID, memval.String("meh"), 0.3))

	insertEpisode(t, store, "proj-1", []float32{0, 0, 1}) // unresolved

	since := time.Now().Add(-time.Hour)
	episodes, err := store.ListHighQuality(ctx, 0.7, since, 10)
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, good.ID, episodes[0].ID)
}

func TestPackEmbedding_RoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.75, 0}
	assert.Equal(t, vec, unpackEmbedding(packEmbedding(vec)))
	assert.Nil(t, packEmbedding(nil))
	assert.Nil(t, unpackEmbedding(nil))
}

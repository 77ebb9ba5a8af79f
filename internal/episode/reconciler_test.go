package episode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/praxisworks/recalld/internal/embeddings"
)

func TestReconciler_BackfillsFlaggedEpisodes(t *testing.T) {
	store, idx := newTestStore(t)
	flagged := insertEpisode(t, store, "proj-1", nil)
	insertEpisode(t, store, "proj-1", []float32{0, 1, 0})

	provider := &stubProvider{vec: []float32{1, 0, 0}}
	r := NewReconciler(store, provider, 10, time.Minute, zap.NewNop())

	fixed, err := r.Reconcile(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)

	got, err := store.Get(context.Background(), flagged.ID)
	require.NoError(t, err)
	assert.False(t, got.RequiresEmbedding)
	assert.Equal(t, []float32{1, 0, 0}, got.Embedding)

	count, err := idx.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Nothing left to backfill.
	fixed, err = r.Reconcile(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, fixed)
}

func TestReconciler_FailureLeavesFlagSet(t *testing.T) {
	store, _ := newTestStore(t)
	flagged := insertEpisode(t, store, "proj-1", nil)

	provider := &stubProvider{vec: []float32{1, 0, 0}}
	provider.setErr(embeddings.ErrTransient)
	r := NewReconciler(store, provider, 10, time.Minute, zap.NewNop())

	fixed, err := r.Reconcile(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, fixed)

	got, err := store.Get(context.Background(), flagged.ID)
	require.NoError(t, err)
	assert.True(t, got.RequiresEmbedding)
	assert.Nil(t, got.Embedding)

	// Recovery on the next pass.
	provider.setErr(nil)
	fixed, err = r.Reconcile(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)
}

func TestReconciler_BatchSizeBoundsThePass(t *testing.T) {
	store, _ := newTestStore(t)
	for i := 0; i < 5; i++ {
		insertEpisode(t, store, "proj-1", nil)
	}

	provider := &stubProvider{vec: []float32{1, 0, 0}}
	r := NewReconciler(store, provider, 10, time.Minute, zap.NewNop())

	fixed, err := r.Reconcile(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, fixed)

	pending, err := store.ListRequiringEmbedding(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestReconciler_StartStop(t *testing.T) {
	store, _ := newTestStore(t)
	provider := &stubProvider{vec: []float32{1, 0, 0}}
	r := NewReconciler(store, provider, 10, time.Hour, zap.NewNop())

	require.NoError(t, r.Start())
	assert.Error(t, r.Start(), "double start must be rejected")

	r.Stop()
	r.Stop() // idempotent

	require.NoError(t, r.Start())
	r.Stop()
}

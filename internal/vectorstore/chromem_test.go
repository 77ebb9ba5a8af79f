package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestIndex(t *testing.T) *ChromemIndex {
	t.Helper()
	idx, err := NewChromemIndex(ChromemConfig{
		Path:       t.TempDir(),
		Collection: "episodes_test",
		VectorSize: 3,
	}, zap.NewNop())
	require.NoError(t, err)
	return idx
}

func TestChromemIndex_UpsertAndSearch(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	err := idx.Upsert(ctx, []Point{
		{ID: "ep-a", Vector: []float32{1, 0, 0}, Payload: map[string]string{"subject_id": "proj-1"}},
		{ID: "ep-b", Vector: []float32{0, 1, 0}, Payload: map[string]string{"subject_id": "proj-1"}},
		{ID: "ep-c", Vector: []float32{0.9, 0.1, 0}, Payload: map[string]string{"subject_id": "proj-2"}},
	})
	require.NoError(t, err)

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	matches, err := idx.Search(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "ep-a", matches[0].ID)
	assert.Equal(t, "ep-c", matches[1].ID)
	assert.LessOrEqual(t, matches[0].Distance, matches[1].Distance)
	assert.Equal(t, "proj-1", matches[0].Payload["subject_id"])
}

func TestChromemIndex_SearchIsDeterministic(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Point{
		{ID: "ep-1", Vector: []float32{1, 0, 0}},
		{ID: "ep-2", Vector: []float32{0, 1, 0}},
		{ID: "ep-3", Vector: []float32{0, 0, 1}},
		{ID: "ep-4", Vector: []float32{0.5, 0.5, 0}},
	}))

	query := []float32{0.7, 0.3, 0}
	first, err := idx.Search(ctx, query, 4)
	require.NoError(t, err)
	second, err := idx.Search(ctx, query, 4)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestChromemIndex_KClampedToPopulation(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Point{
		{ID: "only", Vector: []float32{1, 0, 0}},
	}))

	matches, err := idx.Search(ctx, []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestChromemIndex_EmptyIndexReturnsNoMatches(t *testing.T) {
	idx := newTestIndex(t)
	matches, err := idx.Search(context.Background(), []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestChromemIndex_DimensionMismatch(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	err := idx.Upsert(ctx, []Point{{ID: "bad", Vector: []float32{1, 0}}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = idx.Search(ctx, []float32{1, 0, 0, 0}, 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestChromemIndex_Delete(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Point{
		{ID: "keep", Vector: []float32{1, 0, 0}},
		{ID: "drop", Vector: []float32{0, 1, 0}},
	}))
	require.NoError(t, idx.Delete(ctx, []string{"drop"}))

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Deleting missing IDs is not an error.
	assert.NoError(t, idx.Delete(ctx, []string{"never-there"}))
}

func TestChromemIndex_UpsertReplacesVector(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Point{{ID: "ep", Vector: []float32{1, 0, 0}}}))
	require.NoError(t, idx.Upsert(ctx, []Point{{ID: "ep", Vector: []float32{0, 0, 1}}}))

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	matches, err := idx.Search(ctx, []float32{0, 0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 0, matches[0].Distance, 1e-5)
}

func TestChromemIndex_EmptyUpsertRejected(t *testing.T) {
	idx := newTestIndex(t)
	assert.ErrorIs(t, idx.Upsert(context.Background(), nil), ErrEmptyPoints)
}

func TestSortMatches_TieBreakByID(t *testing.T) {
	matches := []Match{
		{ID: "b", Distance: 0.5},
		{ID: "a", Distance: 0.5},
		{ID: "c", Distance: 0.1},
	}
	sortMatches(matches)
	assert.Equal(t, "c", matches[0].ID)
	assert.Equal(t, "a", matches[1].ID)
	assert.Equal(t, "b", matches[2].ID)
}

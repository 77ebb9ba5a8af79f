package episode

import (
	"context"
	"math"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/praxisworks/recalld/internal/memval"
	"github.com/praxisworks/recalld/internal/storage"
	"github.com/praxisworks/recalld/internal/vectorstore"
)

// memIndex is a brute-force in-memory Index for tests.
type memIndex struct {
	mu     sync.Mutex
	points map[string]vectorstore.Point
	fail   error
}

func newMemIndex() *memIndex {
	return &memIndex{points: make(map[string]vectorstore.Point)}
}

func (m *memIndex) Upsert(ctx context.Context, points []vectorstore.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	for _, p := range points {
		m.points[p.ID] = p
	}
	return nil
}

func (m *memIndex) Search(ctx context.Context, vector []float32, k int) ([]vectorstore.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	matches := make([]vectorstore.Match, 0, len(m.points))
	for _, p := range m.points {
		matches = append(matches, vectorstore.Match{
			ID:       p.ID,
			Distance: cosineDistance(vector, p.Vector),
			Payload:  p.Payload,
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (m *memIndex) Delete(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

func (m *memIndex) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.points), nil
}

func (m *memIndex) Close() error { return nil }

func cosineDistance(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return float32(1 - dot/(math.Sqrt(na)*math.Sqrt(nb)))
}

// stubProvider returns scripted vectors, or errors.
type stubProvider struct {
	mu    sync.Mutex
	vec   []float32
	err   error
	calls int
}

func (p *stubProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	out := make([]float32, len(p.vec))
	copy(out, p.vec)
	return out, nil
}

func (p *stubProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		vec, err := p.EmbedQuery(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (p *stubProvider) Dimension() int { return len(p.vec) }
func (p *stubProvider) Close() error   { return nil }

func (p *stubProvider) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestStore(t *testing.T) (*Store, *memIndex) {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	idx := newMemIndex()
	store := NewStore(db, idx, zap.NewNop())
	require.NoError(t, store.Migrate(context.Background()))
	return store, idx
}

func testDraft(subject string) Draft {
	return Draft{
		SubjectID: subject,
		Perception: memval.Object(map[string]memval.Value{
			"team_size":      memval.Number(7),
			"velocity_trend": memval.String("declining"),
		}),
		Reasoning: memval.Object(map[string]memval.Value{
			"risk": memval.String("overcommit"),
		}),
		Action: memval.Object(map[string]memval.Value{
			"action":     memval.String("reduce_scope"),
			"adjustment": memval.Number(-0.2),
		}),
		AgentVersion:   "1.0.0",
		DecisionSource: "sprint_planner",
	}
}

func insertEpisode(t *testing.T, store *Store, subject string, vec []float32) *Episode {
	t.Helper()
	e, err := NewFromDraft(testDraft(subject))
	require.NoError(t, err)
	if vec != nil {
		e.Embedding = vec
		e.RequiresEmbedding = false
	}
	require.NoError(t, store.Insert(context.Background(), e))
	return e
}

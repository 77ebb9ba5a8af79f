package episode

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/praxisworks/recalld/internal/embeddings"
)

func testLoggerConfig() LoggerConfig {
	return LoggerConfig{
		QueueSize:      8,
		EmbedTimeout:   time.Second,
		PersistRetries: 1,
		PersistBackoff: time.Millisecond,
	}
}

func TestLogger_PersistsWithEmbedding(t *testing.T) {
	store, idx := newTestStore(t)
	provider := &stubProvider{vec: []float32{1, 0, 0}}

	l := NewLogger(store, provider, testLoggerConfig(), zap.NewNop())
	l.Log(testDraft("proj-1"))
	l.Close()

	count, err := idx.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.EqualValues(t, 0, l.Dropped())

	pending, err := store.ListRequiringEmbedding(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLogger_TransientEmbedFailureWritesFlaggedRow(t *testing.T) {
	store, idx := newTestStore(t)
	provider := &stubProvider{vec: []float32{1, 0, 0}}
	provider.setErr(embeddings.ErrTransient)

	l := NewLogger(store, provider, testLoggerConfig(), zap.NewNop())
	l.Log(testDraft("proj-1"))
	l.Close()

	pending, err := store.ListRequiringEmbedding(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].RequiresEmbedding)
	assert.Nil(t, pending[0].Embedding)

	// Nothing mirrored without a vector.
	count, err := idx.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.EqualValues(t, 0, l.Dropped())
}

func TestLogger_CircuitOpenWritesFlaggedRow(t *testing.T) {
	store, _ := newTestStore(t)
	provider := &stubProvider{vec: []float32{1, 0, 0}}
	provider.setErr(embeddings.ErrCircuitOpen)

	l := NewLogger(store, provider, testLoggerConfig(), zap.NewNop())
	l.Log(testDraft("proj-1"))
	l.Close()

	pending, err := store.ListRequiringEmbedding(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestLogger_InvalidDraftDiscarded(t *testing.T) {
	store, _ := newTestStore(t)
	provider := &stubProvider{vec: []float32{1, 0, 0}}

	l := NewLogger(store, provider, testLoggerConfig(), zap.NewNop())
	l.Log(Draft{}) // no subject
	l.Close()

	assert.Equal(t, 0, provider.callCount())
	assert.EqualValues(t, 0, l.Dropped())
}

func TestLogger_RejectsAfterClose(t *testing.T) {
	store, _ := newTestStore(t)
	provider := &stubProvider{vec: []float32{1, 0, 0}}

	l := NewLogger(store, provider, testLoggerConfig(), zap.NewNop())
	l.Close()
	l.Log(testDraft("proj-1"))

	assert.EqualValues(t, 1, l.Dropped())
}

func TestLogger_QueueOverflowDrops(t *testing.T) {
	store, _ := newTestStore(t)
	provider := &stubProvider{vec: []float32{1, 0, 0}}

	cfg := testLoggerConfig()
	cfg.QueueSize = 1

	// Block the worker so drafts pile up in the queue.
	block := make(chan struct{})
	slow := &blockingProvider{stubProvider: provider, gate: block}

	l := NewLogger(store, slow, cfg, zap.NewNop())
	for i := 0; i < 10; i++ {
		l.Log(testDraft("proj-1"))
	}
	close(block)
	l.Close()

	assert.Greater(t, l.Dropped(), int64(0))
}

func TestLogger_ConcurrentLogAndCloseIsSafe(t *testing.T) {
	store, _ := newTestStore(t)
	provider := &stubProvider{vec: []float32{1, 0, 0}}

	l := NewLogger(store, provider, testLoggerConfig(), zap.NewNop())

	// Hammer Log from several goroutines while Close races them: a draft
	// must either land in the queue or be dropped, never panic on a
	// closed channel.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Log(testDraft("proj-1"))
			}
		}()
	}
	l.Close()
	wg.Wait()

	before := l.Dropped()
	l.Log(testDraft("proj-1"))
	assert.Equal(t, before+1, l.Dropped())
}

// blockingProvider holds the first embed call until gate closes.
type blockingProvider struct {
	*stubProvider
	gate <-chan struct{}
}

func (p *blockingProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	<-p.gate
	return p.stubProvider.EmbedQuery(ctx, text)
}

package episode

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/praxisworks/recalld/internal/embeddings"
)

// LoggerConfig configures the async episode writer.
type LoggerConfig struct {
	// QueueSize bounds the handoff channel. A full queue drops the draft
	// (memory, not ledger) and counts the loss.
	QueueSize int

	// EmbedTimeout is the deadline on the embedding request.
	EmbedTimeout time.Duration

	// PersistRetries and PersistBackoff bound the store retry loop.
	// Backoff doubles per attempt.
	PersistRetries int
	PersistBackoff time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *LoggerConfig) ApplyDefaults() {
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.EmbedTimeout == 0 {
		c.EmbedTimeout = 5 * time.Second
	}
	if c.PersistRetries == 0 {
		c.PersistRetries = 3
	}
	if c.PersistBackoff == 0 {
		c.PersistBackoff = 200 * time.Millisecond
	}
}

// Logger is the asynchronous episode writer. Log never blocks the caller
// beyond handing the draft to a bounded queue; embedding and persistence
// happen on a background worker.
//
// Embedding failure degrades to a flagged, embedding-less write picked up
// later by the Reconciler. Persistence failure after bounded retries drops
// the episode — acceptable for memory, but counted and logged so the loss
// is visible.
type Logger struct {
	store    *Store
	provider embeddings.Provider
	config   LoggerConfig
	logger   *zap.Logger
	metrics  *Metrics

	queue   chan Draft
	wg      sync.WaitGroup
	dropped atomic.Int64

	// mu orders Log's send against Close's channel close: Close waits for
	// in-flight sends, so a racing Log can never hit a closed channel.
	mu     sync.RWMutex
	closed bool
}

// NewLogger creates and starts the async writer.
func NewLogger(store *Store, provider embeddings.Provider, cfg LoggerConfig, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	l := &Logger{
		store:    store,
		provider: provider,
		config:   cfg,
		logger:   logger,
		metrics:  NewMetrics(logger),
		queue:    make(chan Draft, cfg.QueueSize),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Log hands a draft to the background worker. It returns immediately; a
// full queue or a closed logger drops the draft and records the loss.
func (l *Logger) Log(draft Draft) {
	if err := draft.Validate(); err != nil {
		l.logger.Warn("discarding invalid episode draft", zap.Error(err))
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.recordDrop(draft, "logger closed")
		return
	}
	select {
	case l.queue <- draft:
	default:
		l.recordDrop(draft, "queue full")
	}
}

// Dropped returns the number of episodes lost to queue overflow or
// persistence failure since start.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Close stops accepting drafts and drains the queue. Safe to call while
// other goroutines are still calling Log; their drafts are dropped and
// counted.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Logger) run() {
	defer l.wg.Done()
	for draft := range l.queue {
		l.process(draft)
	}
}

func (l *Logger) process(draft Draft) {
	e, err := NewFromDraft(draft)
	if err != nil {
		l.logger.Warn("discarding invalid episode draft", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.config.EmbedTimeout)
	vector, err := l.provider.EmbedQuery(ctx, e.EmbeddingText())
	cancel()
	switch {
	case err == nil:
		e.Embedding = vector
		e.RequiresEmbedding = false
	case embeddings.IsTransient(err):
		// Persist without the vector; the reconciler backfills it.
		l.logger.Warn("embedding unavailable, persisting episode for backfill",
			zap.String("episode_id", e.ID),
			zap.Error(err),
		)
	default:
		// A permanent embedding failure still should not lose the episode.
		l.logger.Error("permanent embedding failure, persisting episode without vector",
			zap.String("episode_id", e.ID),
			zap.Error(err),
		)
	}

	if err := l.persistWithRetry(e); err != nil {
		l.dropped.Add(1)
		l.metrics.RecordDrop(context.Background(), "persist failed")
		l.logger.Error("dropping episode after persistence retries exhausted",
			zap.String("episode_id", e.ID),
			zap.String("subject_id", e.SubjectID),
			zap.Error(err),
		)
		return
	}
	l.metrics.RecordLogged(context.Background(), e.RequiresEmbedding)
}

func (l *Logger) persistWithRetry(e *Episode) error {
	backoff := l.config.PersistBackoff
	var err error
	for attempt := 0; attempt <= l.config.PersistRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = l.store.Insert(ctx, e)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}

func (l *Logger) recordDrop(draft Draft, reason string) {
	l.dropped.Add(1)
	l.metrics.RecordDrop(context.Background(), reason)
	l.logger.Error("dropping episode draft",
		zap.String("subject_id", draft.SubjectID),
		zap.String("reason", reason),
	)
}

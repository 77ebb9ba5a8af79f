package episode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/praxisworks/recalld/internal/embeddings"
	"github.com/praxisworks/recalld/internal/vectorstore"
)

// Reconciler is the embedding backfill sweep: it finds episodes persisted
// without an embedding (provider was down at write time), re-requests their
// vectors, and clears the flag. Failed rows keep the flag for the next run.
//
// Safe to run concurrently with live writers: batches are bounded and every
// write is a guarded row-level UPDATE.
type Reconciler struct {
	store    *Store
	provider embeddings.Provider
	logger   *zap.Logger
	metrics  *Metrics

	interval  time.Duration
	batchSize int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewReconciler creates a Reconciler sweeping batchSize rows per pass.
func NewReconciler(store *Store, provider embeddings.Provider, batchSize int, interval time.Duration, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		store:     store,
		provider:  provider,
		logger:    logger,
		metrics:   NewMetrics(logger),
		interval:  interval,
		batchSize: batchSize,
	}
}

// Reconcile runs one sweep and returns the number of episodes fixed.
// Individual failures are logged and skipped; the pass only errors when the
// scan itself fails.
func (r *Reconciler) Reconcile(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = r.batchSize
	}

	pending, err := r.store.ListRequiringEmbedding(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("scanning for backfill candidates: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	fixed := 0
	for _, e := range pending {
		if ctx.Err() != nil {
			break
		}
		vector, err := r.provider.EmbedQuery(ctx, e.EmbeddingText())
		if err != nil {
			// Flag stays set; the next run retries.
			r.logger.Warn("backfill embedding failed, leaving flag set",
				zap.String("episode_id", e.ID),
				zap.Bool("transient", embeddings.IsTransient(err)),
				zap.Error(err),
			)
			continue
		}
		if err := r.store.AttachEmbedding(ctx, e.ID, vector); err != nil {
			// Index mirror errors surface here; transient backend
			// trouble clears on the next sweep.
			r.logger.Warn("backfill attach failed",
				zap.String("episode_id", e.ID),
				zap.Bool("transient", vectorstore.IsTransientError(err)),
				zap.Error(err),
			)
			continue
		}
		fixed++
	}

	r.metrics.RecordBackfill(ctx, len(pending), fixed)
	if fixed > 0 {
		r.logger.Info("embedding backfill pass completed",
			zap.Int("scanned", len(pending)),
			zap.Int("fixed", fixed),
		)
	}
	return fixed, nil
}

// Start begins the background sweep loop. Idempotent-unsafe: returns an
// error when already running.
func (r *Reconciler) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("reconciler is already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})

	r.logger.Info("embedding reconciler started",
		zap.Duration("interval", r.interval),
		zap.Int("batch_size", r.batchSize),
	)
	go r.run(r.stopCh, r.done)
	return nil
}

// Stop gracefully stops the sweep loop. Calling Stop on a stopped
// reconciler is a no-op.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	done := r.done
	r.mu.Unlock()
	<-done
}

func (r *Reconciler) run(stopCh, done chan struct{}) {
	defer close(done)
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("reconciler goroutine panicked",
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
		}
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if _, err := r.Reconcile(ctx, 0); err != nil {
				r.logger.Error("backfill pass failed", zap.Error(err))
			}
			cancel()
		case <-stopCh:
			return
		}
	}
}

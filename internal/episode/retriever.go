package episode

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/praxisworks/recalld/internal/embeddings"
	"github.com/praxisworks/recalld/internal/memval"
	"github.com/praxisworks/recalld/internal/vectorstore"
)

// RetrieverConfig configures the synchronous read path.
type RetrieverConfig struct {
	// Timeout is the hard deadline for the whole lookup (embed + search +
	// hydrate). On expiry the retriever returns empty results, never an
	// error: the decision path treats empty memory as "no prior art".
	Timeout time.Duration

	// CacheTTL and CacheMaxEntries configure the result cache.
	CacheTTL        time.Duration
	CacheMaxEntries int
}

// ApplyDefaults sets default values for unset fields.
func (c *RetrieverConfig) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 100 * time.Millisecond
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 30 * time.Second
	}
	if c.CacheMaxEntries == 0 {
		c.CacheMaxEntries = 256
	}
}

// Retriever is the synchronous episode read path: embed the query context,
// run a k-nearest-neighbor search against the index, hydrate rows from the
// store, cache the ranked list.
type Retriever struct {
	store    *Store
	index    vectorstore.Index
	provider embeddings.Provider
	cache    *resultCache
	config   RetrieverConfig
	logger   *zap.Logger
	metrics  *Metrics
}

// NewRetriever creates a Retriever.
func NewRetriever(store *Store, index vectorstore.Index, provider embeddings.Provider, cfg RetrieverConfig, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	return &Retriever{
		store:    store,
		index:    index,
		provider: provider,
		cache:    newResultCache(cfg.CacheTTL, cfg.CacheMaxEntries),
		config:   cfg,
		logger:   logger,
		metrics:  NewMetrics(logger),
	}
}

// FindSimilar returns up to k episodes nearest to the query context,
// ordered by ascending cosine distance. All failures degrade to an empty
// result with a logged cause; the error return exists only for contract
// symmetry and is always nil.
func (r *Retriever) FindSimilar(ctx context.Context, queryCtx memval.Value, k int) ([]Neighbor, error) {
	if k <= 0 {
		return []Neighbor{}, nil
	}

	key := cacheKey(queryCtx, k)
	if neighbors, ok := r.cache.get(key); ok {
		r.metrics.RecordRetrieval(ctx, true, len(neighbors))
		return neighbors, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	vector, err := r.provider.EmbedQuery(ctx, string(queryCtx.Canonical()))
	if err != nil {
		r.logger.Warn("retrieval degraded to empty: embedding failed", zap.Error(err))
		r.metrics.RecordRetrieval(ctx, false, 0)
		return []Neighbor{}, nil
	}

	matches, err := r.index.Search(ctx, vector, k)
	if err != nil {
		r.logger.Warn("retrieval degraded to empty: index search failed", zap.Error(err))
		r.metrics.RecordRetrieval(ctx, false, 0)
		return []Neighbor{}, nil
	}

	neighbors := make([]Neighbor, 0, len(matches))
	for _, m := range matches {
		e, err := r.store.Get(ctx, m.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Index can briefly lead the row store; skip the orphan.
				continue
			}
			r.logger.Warn("retrieval degraded to empty: row hydration failed",
				zap.String("episode_id", m.ID),
				zap.Error(err),
			)
			r.metrics.RecordRetrieval(ctx, false, 0)
			return []Neighbor{}, nil
		}
		neighbors = append(neighbors, Neighbor{Episode: e, Distance: m.Distance})
	}

	r.cache.put(key, neighbors)
	r.metrics.RecordRetrieval(ctx, false, len(neighbors))
	return neighbors, nil
}

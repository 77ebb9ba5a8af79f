package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// ChromemConfig holds configuration for the embedded chromem-go index.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool

	// Collection is the collection name.
	Collection string

	// VectorSize is the expected embedding dimension.
	VectorSize int
}

// Validate validates the configuration.
func (c ChromemConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: path required", ErrInvalidConfig)
	}
	if c.Collection == "" {
		return fmt.Errorf("%w: collection required", ErrInvalidConfig)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemIndex implements Index using chromem-go, an embeddable pure-Go
// vector database with gob-file persistence. chromem computes cosine
// similarity, matching the package-wide metric.
type ChromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	config     ChromemConfig
	logger     *zap.Logger
}

// NewChromemIndex opens (or creates) a persistent chromem index.
func NewChromemIndex(cfg ChromemConfig, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	path, err := expandPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("opening chromem DB: %w", err)
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, rejectEmbeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}

	logger.Info("chromem index opened",
		zap.String("path", path),
		zap.String("collection", cfg.Collection),
		zap.Int("vector_size", cfg.VectorSize),
	)

	return &ChromemIndex{
		db:         db,
		collection: collection,
		config:     cfg,
		logger:     logger,
	}, nil
}

// rejectEmbeddingFunc guards against text-path usage: the index only
// accepts precomputed vectors.
func rejectEmbeddingFunc(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("index stores precomputed vectors only")
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// Upsert inserts or replaces points.
func (x *ChromemIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return ErrEmptyPoints
	}
	for _, p := range points {
		if len(p.Vector) != x.config.VectorSize {
			return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(p.Vector), x.config.VectorSize)
		}
		doc := chromem.Document{
			ID:        p.ID,
			Embedding: p.Vector,
			Metadata:  p.Payload,
			// chromem requires non-empty content; the ID stands in since
			// retrieval goes back through the row store anyway.
			Content: p.ID,
		}
		if err := x.collection.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("adding document %s: %w", p.ID, err)
		}
	}
	return nil
}

// Search returns up to k nearest neighbors by cosine distance.
func (x *ChromemIndex) Search(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if len(vector) != x.config.VectorSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), x.config.VectorSize)
	}
	if k <= 0 {
		return nil, nil
	}

	// chromem rejects nResults larger than the collection population.
	count := x.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := x.collection.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{
			ID:       r.ID,
			Distance: 1 - r.Similarity,
			Payload:  r.Metadata,
		}
	}
	sortMatches(matches)
	return matches, nil
}

// Delete removes points by ID.
func (x *ChromemIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := x.collection.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("deleting documents: %w", err)
	}
	return nil
}

// Count returns the number of indexed points.
func (x *ChromemIndex) Count(ctx context.Context) (int, error) {
	return x.collection.Count(), nil
}

// Close is a no-op; chromem persists on write.
func (x *ChromemIndex) Close() error { return nil }

// sortMatches orders by distance ascending with ID as the deterministic
// tie-break, so repeated queries against an unchanged index rank equally
// distant neighbors identically.
func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ID < matches[j].ID
	})
}

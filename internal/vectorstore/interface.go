// Package vectorstore provides the approximate-nearest-neighbor index over
// episode embeddings.
//
// The index stores precomputed vectors only; embedding happens upstream in
// the episodic memory paths. Both implementations (embedded chromem-go and
// Qdrant gRPC) build and query with cosine distance — the metric must match
// between index build and query, so it is fixed here rather than configured
// per call.
package vectorstore

import (
	"context"
	"errors"
)

// Sentinel errors for index operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyPoints indicates an empty or nil point batch.
	ErrEmptyPoints = errors.New("empty or nil points")

	// ErrDimensionMismatch indicates a vector whose length differs from
	// the configured index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrConnectionFailed indicates the backend is unreachable.
	ErrConnectionFailed = errors.New("failed to connect to vector index")
)

// Point is one indexed vector with its identifying payload.
type Point struct {
	// ID is the owning row's identifier (episode id).
	ID string

	// Vector is the embedding, length must equal the index dimension.
	Vector []float32

	// Payload carries filterable metadata (e.g. subject_id).
	Payload map[string]string
}

// Match is one nearest-neighbor result.
type Match struct {
	// ID is the matched point's identifier.
	ID string

	// Distance is the cosine distance (1 - cosine similarity), ascending.
	Distance float32

	// Payload echoes the stored metadata.
	Payload map[string]string
}

// Index is the nearest-neighbor search interface.
//
// Search is deterministic for a fixed index state and query vector: results
// are ordered by distance ascending with ID as the tie-break.
type Index interface {
	// Upsert inserts or replaces points.
	Upsert(ctx context.Context, points []Point) error

	// Search returns up to k nearest neighbors of vector.
	Search(ctx context.Context, vector []float32, k int) ([]Match, error)

	// Delete removes points by ID. Missing IDs are not an error.
	Delete(ctx context.Context, ids []string) error

	// Count returns the number of indexed points.
	Count(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}

// Package embeddings provides the embedding provider client used by the
// episodic memory paths: a TEI-style HTTP service, a circuit breaker
// wrapper, and a transient/permanent error taxonomy.
//
// Only transient failures leave an episode eligible for embedding backfill;
// permanent failures indicate a caller bug and are surfaced as-is.
package embeddings

import (
	"context"
	"errors"
)

var (
	// ErrTransient marks failures worth retrying later: network errors,
	// timeouts, provider 5xx responses, and an open circuit.
	ErrTransient = errors.New("transient embedding failure")

	// ErrPermanent marks failures that retrying cannot fix: malformed
	// input, provider 4xx responses.
	ErrPermanent = errors.New("permanent embedding failure")

	// ErrCircuitOpen is returned when the breaker fails fast. It wraps
	// ErrTransient.
	ErrCircuitOpen = errors.New("embedding circuit open")

	// ErrEmptyInput indicates empty or nil input texts. Wraps ErrPermanent.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Provider generates fixed-dimension embeddings from text.
type Provider interface {
	// EmbedQuery generates an embedding for a single query text.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedDocuments generates embeddings for multiple texts, one per input.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding dimension for the configured model.
	Dimension() int

	// Close releases resources held by the provider.
	Close() error
}

// IsTransient reports whether an embedding failure is retryable. Context
// deadline expiry and cancellation count as transient: the provider was
// simply unavailable within the caller's budget.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrCircuitOpen) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

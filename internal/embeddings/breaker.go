package embeddings

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

const (
	circuitClosed   uint32 = 0
	circuitOpen     uint32 = 1
	circuitHalfOpen uint32 = 2
)

// CircuitBreaker protects the shared embedding provider connection against
// repeated failures. Three states: Closed (calls pass through), Open (calls
// fail fast for a cooldown window), Half-Open (one trial request decides
// whether to close or re-open).
type CircuitBreaker struct {
	failures    atomic.Int32
	threshold   int32
	cooldown    time.Duration
	state       atomic.Uint32
	lastFailure atomic.Int64 // unix nanos
}

// NewCircuitBreaker creates a circuit breaker that opens after threshold
// consecutive failures and re-tests after cooldown.
func NewCircuitBreaker(threshold int32, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow returns true if the operation is allowed.
func (cb *CircuitBreaker) Allow() bool {
	for {
		state := cb.state.Load()
		switch state {
		case circuitOpen:
			lastFail := time.Unix(0, cb.lastFailure.Load())
			if time.Since(lastFail) > cb.cooldown {
				// CAS: only one goroutine transitions to half-open and
				// gets the trial request.
				if cb.state.CompareAndSwap(circuitOpen, circuitHalfOpen) {
					return true
				}
				continue
			}
			return false
		case circuitHalfOpen:
			return false // only the trial request is allowed in half-open
		default: // circuitClosed
			return true
		}
	}
}

// RecordSuccess records a successful operation and closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(circuitClosed)
}

// RecordFailure records a failed operation, opening the circuit once the
// threshold is reached.
func (cb *CircuitBreaker) RecordFailure() {
	for {
		current := cb.failures.Load()
		if current == math.MaxInt32 {
			return
		}
		next := current + 1
		if !cb.failures.CompareAndSwap(current, next) {
			continue
		}
		if next >= cb.threshold {
			if cb.state.CompareAndSwap(circuitClosed, circuitOpen) ||
				cb.state.CompareAndSwap(circuitHalfOpen, circuitOpen) {
				cb.lastFailure.Store(time.Now().UnixNano())
			}
		}
		return
	}
}

// State returns the current circuit state as a string.
func (cb *CircuitBreaker) State() string {
	switch cb.state.Load() {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerProvider wraps a Provider with a circuit breaker. An open circuit
// fails fast with ErrCircuitOpen (transient); permanent errors do not trip
// the breaker since retrying them cannot succeed.
type BreakerProvider struct {
	inner   Provider
	breaker *CircuitBreaker
}

// NewBreakerProvider wraps inner with the given breaker.
func NewBreakerProvider(inner Provider, breaker *CircuitBreaker) *BreakerProvider {
	return &BreakerProvider{inner: inner, breaker: breaker}
}

// EmbedQuery generates an embedding for a single query text.
func (b *BreakerProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if !b.breaker.Allow() {
		return nil, fmt.Errorf("%w: %w", ErrTransient, ErrCircuitOpen)
	}
	vec, err := b.inner.EmbedQuery(ctx, text)
	b.record(err)
	return vec, err
}

// EmbedDocuments generates embeddings for multiple texts.
func (b *BreakerProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if !b.breaker.Allow() {
		return nil, fmt.Errorf("%w: %w", ErrTransient, ErrCircuitOpen)
	}
	vecs, err := b.inner.EmbedDocuments(ctx, texts)
	b.record(err)
	return vecs, err
}

// Dimension returns the inner provider's dimension.
func (b *BreakerProvider) Dimension() int { return b.inner.Dimension() }

// Close closes the inner provider.
func (b *BreakerProvider) Close() error { return b.inner.Close() }

// State exposes the breaker state for health reporting.
func (b *BreakerProvider) State() string { return b.breaker.State() }

func (b *BreakerProvider) record(err error) {
	switch {
	case err == nil:
		b.breaker.RecordSuccess()
	case IsTransient(err):
		b.breaker.RecordFailure()
	}
}

package evolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBinomialTailP(t *testing.T) {
	// Three of three under a fair coin: 0.5^3.
	assert.InDelta(t, 0.125, binomialTailP(3, 3, 0.5), 1e-9)

	// Three of three under a four-way choice: 0.25^3.
	assert.InDelta(t, 0.015625, binomialTailP(3, 3, 0.25), 1e-9)

	// Two or more heads in four fair flips: 11/16.
	assert.InDelta(t, 0.6875, binomialTailP(2, 4, 0.5), 1e-9)

	// Degenerate inputs.
	assert.Equal(t, 1.0, binomialTailP(0, 5, 0.5))
	assert.Equal(t, 0.0, binomialTailP(6, 5, 0.5))
	assert.Equal(t, 0.0, binomialTailP(1, 5, 0))
	assert.Equal(t, 1.0, binomialTailP(3, 5, 1))
}

func TestBinomialTailP_LargeN(t *testing.T) {
	// 80 of 100 under p=0.25 is vanishingly unlikely and must not
	// overflow or go negative.
	p := binomialTailP(80, 100, 0.25)
	assert.Greater(t, p, 0.0)
	assert.Less(t, p, 1e-20)

	// Tail at the mean stays near one half.
	p = binomialTailP(50, 100, 0.5)
	assert.InDelta(t, 0.53, p, 0.02)
}

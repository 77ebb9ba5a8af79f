package evolve

import "math"

// binomialTailP is the exact upper-tail probability P(X >= k) for X ~
// Binomial(n, p): the chance of seeing k or more hits in n trials if each
// trial hits with probability p. Small values mean the observed recurrence
// is unlikely under the null of chance choice.
//
// Computed term-by-term in log space so large n cannot overflow.
func binomialTailP(k, n int, p float64) float64 {
	if k <= 0 {
		return 1
	}
	if k > n {
		return 0
	}
	if p <= 0 {
		return 0
	}
	if p >= 1 {
		return 1
	}

	logP := math.Log(p)
	logQ := math.Log(1 - p)

	total := 0.0
	for i := k; i <= n; i++ {
		logTerm := logChoose(n, i) + float64(i)*logP + float64(n-i)*logQ
		total += math.Exp(logTerm)
	}
	if total > 1 {
		total = 1
	}
	return total
}

// logChoose is log(C(n, k)) via the log-gamma function.
func logChoose(n, k int) float64 {
	a, _ := math.Lgamma(float64(n + 1))
	b, _ := math.Lgamma(float64(k + 1))
	c, _ := math.Lgamma(float64(n - k + 1))
	return a - b - c
}

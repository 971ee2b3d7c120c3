package planner

import (
	"math"

	"github.com/sells-group/outreach-cli/internal/model"
)

// Confidence is the probability that independent Bernoulli trials, Contacts
// per allocation at that tier's response rate, produce at least k successes.
// Volumes below exactLimit use exact convolution; larger volumes use the
// normal approximation with continuity correction.
func Confidence(allocs []model.TierAllocation, k, exactLimit int) float64 {
	if k <= 0 {
		return 1
	}
	n := 0
	for _, a := range allocs {
		n += a.Contacts
	}
	if n < k {
		return 0
	}
	if n < exactLimit {
		return clamp01(ExactAtLeast(allocs, k))
	}
	return clamp01(NormalAtLeast(allocs, k))
}

// ExactAtLeast computes P(S >= k) for the Poisson-binomial sum S by dynamic
// programming over the success-count distribution.
func ExactAtLeast(allocs []model.TierAllocation, k int) float64 {
	dist := []float64{1}
	for _, a := range allocs {
		p := a.ResponseRate
		for i := 0; i < a.Contacts; i++ {
			next := make([]float64, len(dist)+1)
			for j, pj := range dist {
				next[j] += pj * (1 - p)
				next[j+1] += pj * p
			}
			dist = next
		}
	}

	total := 0.0
	for j := k; j < len(dist); j++ {
		total += dist[j]
	}
	return total
}

// NormalAtLeast approximates P(S >= k) as 1 - Phi((k - 0.5 - mu) / sigma).
func NormalAtLeast(allocs []model.TierAllocation, k int) float64 {
	var mu, variance float64
	for _, a := range allocs {
		n := float64(a.Contacts)
		mu += n * a.ResponseRate
		variance += n * a.ResponseRate * (1 - a.ResponseRate)
	}
	if variance == 0 {
		// Every trial is certain; S equals mu exactly.
		if mu >= float64(k) {
			return 1
		}
		return 0
	}
	z := (float64(k) - 0.5 - mu) / math.Sqrt(variance)
	return 0.5 * math.Erfc(z/math.Sqrt2)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

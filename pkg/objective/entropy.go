package objective

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// TotalEntropy returns H = -Σ p·log p of the normalised beam intensity
// sums and, when grad is non-nil, stores dH/dsum_b in grad. Beams with
// zero intensity contribute nothing.
func TotalEntropy(sums, grad []float64) float64 {
	total := floats.Sum(sums)
	for i := range grad {
		grad[i] = 0
	}
	if total <= 0 {
		return 0
	}

	p := append([]float64(nil), sums...)
	floats.Scale(1/total, p)
	h := stat.Entropy(p)
	if grad != nil {
		for i, pi := range p {
			if pi > 0 {
				grad[i] = -(math.Log(pi) + h) / total
			}
		}
	}
	return h
}

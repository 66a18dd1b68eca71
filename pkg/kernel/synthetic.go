package kernel

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	syntheticAngles = 24
	syntheticRadii  = 32

	// radial falloff of the synthetic kernel in 1/cm
	syntheticFalloff = 1.5
)

// NewSyntheticKernel returns an analytic forward-peaked kernel for the
// given nominal energy. Energy spreads exponentially in radius and is
// weighted towards small zenith angles; the total over all bins is 1.
// It stands in for measured kernel data in demos and tests.
func NewSyntheticKernel(energy float64) (*Kernel, error) {
	mu, err := AttenuationForEnergy(energy)
	if err != nil {
		return nil, err
	}

	// zenith bin centres
	angles := make([]float64, syntheticAngles)
	half := 0.5 * math.Pi / syntheticAngles
	floats.Span(angles, half, math.Pi-half)

	// geometric bounds from 0.05 cm out to the edge of the table
	radii := make([]float64, syntheticRadii)
	floats.LogSpan(radii, 0.05, MaxRadius)

	weights := make([]float64, syntheticAngles)
	for i, a := range angles {
		c := 1 + math.Cos(a)
		weights[i] = c * c * c * math.Sin(a)
	}
	total := floats.Sum(weights) * (1 - math.Exp(-syntheticFalloff*radii[len(radii)-1]))

	increments := make([][]float64, syntheticAngles)
	for i := range increments {
		row := make([]float64, syntheticRadii)
		inner := 0.0
		for n, r := range radii {
			row[n] = weights[i] / total * (math.Exp(-syntheticFalloff*inner) - math.Exp(-syntheticFalloff*r))
			inner = r
		}
		increments[i] = row
	}
	return New(energy, mu, angles, radii, increments)
}

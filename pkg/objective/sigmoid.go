package objective

import "math"

const (
	// SigmoidScale is the input scale s of the weight reparameterisation
	SigmoidScale = 0.5

	// sigmoidEpsilon bounds InvSigmoid's input away from 0 and 1
	sigmoidEpsilon = 1e-12
)

// Sigmoid maps an unconstrained parameter to a weight in (0, 1)
func Sigmoid(x float64) float64 {
	y := 1 / (1 + math.Exp(-SigmoidScale*x))
	if math.IsNaN(y) {
		if x > 0 {
			return 1
		}
		return 0
	}
	return y
}

// DSigmoid is the derivative of Sigmoid; 0 where it saturates
func DSigmoid(x float64) float64 {
	y := Sigmoid(x)
	d := SigmoidScale * y * (1 - y)
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return 0
	}
	return d
}

// InvSigmoid returns the parameter whose Sigmoid is y, with y clamped
// into [ε, 1-ε]
func InvSigmoid(y float64) float64 {
	if y < sigmoidEpsilon || math.IsNaN(y) {
		y = sigmoidEpsilon
	} else if y > 1-sigmoidEpsilon {
		y = 1 - sigmoidEpsilon
	}
	return -math.Log(1/y-1) / SigmoidScale
}

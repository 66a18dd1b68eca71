package plan

import (
	"fmt"

	"rtplan/pkg/objective"
)

// BeamletForElement returns the beam index and signed beamlet shift of
// state element e
func (p *Plan) BeamletForElement(e int) (int, int) {
	return elementBeamlet(e, len(p.Beams))
}

func elementBeamlet(e, beams int) (int, int) {
	if beams <= 0 {
		return 0, 0
	}
	k := e / beams
	shift := (k + 1) / 2
	if k%2 == 1 {
		shift = -shift
	}
	return e % beams, shift
}

// ToStateVector flattens per-beam weights of level, weights[beam][index]
// with index len/2 the central beamlet, into a state vector
func (p *Plan) ToStateVector(level int, weights [][]float64) ([]float64, error) {
	n, err := p.BeamletCount(level)
	if err != nil {
		return nil, err
	}
	if len(weights) != len(p.Beams) {
		return nil, fmt.Errorf("%d weight rows for %d beams: %w", len(weights), len(p.Beams), ErrStateLength)
	}
	for b, row := range weights {
		if len(row) != n {
			return nil, fmt.Errorf("beam %d: %d weights for %d beamlets: %w", b, len(row), n, ErrStateLength)
		}
	}

	state := make([]float64, n*len(p.Beams))
	for e := range state {
		b, shift := p.BeamletForElement(e)
		state[e] = weights[b][shift+n/2]
	}
	return state, nil
}

// FromStateVector is the inverse of ToStateVector
func (p *Plan) FromStateVector(level int, state []float64) ([][]float64, error) {
	n, err := p.BeamletCount(level)
	if err != nil {
		return nil, err
	}
	if len(state) != n*len(p.Beams) {
		return nil, fmt.Errorf("state of %d for %d beamlets on level %d: %w", len(state), n*len(p.Beams), level, ErrStateLength)
	}

	weights := make([][]float64, len(p.Beams))
	for b := range weights {
		weights[b] = make([]float64, n)
	}
	for e, v := range state {
		b, shift := p.BeamletForElement(e)
		weights[b][shift+n/2] = v
	}
	return weights, nil
}

// StateVector returns the current beamlet weights of level as a state vector
func (p *Plan) StateVector(level int) ([]float64, error) {
	if _, err := p.BeamletCount(level); err != nil {
		return nil, err
	}
	weights := make([][]float64, len(p.Beams))
	for i, b := range p.Beams {
		w, err := b.IntensityMap(level)
		if err != nil {
			return nil, fmt.Errorf("beam %s: %w", b.Name, err)
		}
		weights[i] = w
	}
	return p.ToStateVector(level, weights)
}

// SetStateVector writes a state vector of beamlet weights into the beams
func (p *Plan) SetStateVector(level int, state []float64) error {
	weights, err := p.FromStateVector(level, state)
	if err != nil {
		return err
	}
	for i, b := range p.Beams {
		if err := b.SetIntensityMap(level, weights[i]); err != nil {
			return fmt.Errorf("beam %s: %w", b.Name, err)
		}
	}
	return nil
}

// Transform maps optimiser parameters to beamlet weights in (0, 1)
func Transform(x []float64) []float64 {
	w := make([]float64, len(x))
	for i, v := range x {
		w[i] = objective.Sigmoid(v)
	}
	return w
}

// InvTransform maps beamlet weights back to optimiser parameters
func InvTransform(w []float64) []float64 {
	x := make([]float64, len(w))
	for i, v := range w {
		x[i] = objective.InvSigmoid(v)
	}
	return x
}

// InvFilterStateVector maps the optimiser parameters of level onto
// level-1 to seed the finer optimisation: the weights of every beam are
// interleaved with zeros, filtered with twice the finer filter matrix and
// transformed back.
func (p *Plan) InvFilterStateVector(level int, x []float64) ([]float64, error) {
	weights, err := p.FromStateVector(level, Transform(x))
	if err != nil {
		return nil, err
	}
	fine := make([][]float64, len(p.Beams))
	for i, b := range p.Beams {
		fine[i], err = b.InvFilterIntensityMap(level, weights[i])
		if err != nil {
			return nil, fmt.Errorf("beam %s: %w", b.Name, err)
		}
	}
	state, err := p.ToStateVector(level-1, fine)
	if err != nil {
		return nil, err
	}
	return InvTransform(state), nil
}

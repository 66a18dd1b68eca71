package plan

import (
	"errors"
	"fmt"
	"math"

	"rtplan/internal/logging"
	"rtplan/pkg/objective"
)

var (
	// ErrNoTerms is returned when a prescription without terms is evaluated
	ErrNoTerms = errors.New("prescription has no terms")

	// ErrDuplicateTerm is returned when a term name is reused
	ErrDuplicateTerm = errors.New("term already exists")
)

// Options configure histogram binning and regularisation of a prescription
type Options struct {
	// BinWidth is the level-0 bin width; it doubles on every coarser level
	BinWidth float64

	// GBinSigma divided by LevelSigma[level] is the Gaussian width of the
	// smoothed histograms of that level. Levels beyond the table halve the
	// last divisor again for every step.
	GBinSigma  float64
	LevelSigma []float64

	// SigmaMult shifts the first bin below zero by SigmaMult·sigma
	SigmaMult float64

	// MaxDose is the largest dose the bins must cover
	MaxDose float64

	// EntropyWeight scales the total-entropy regulariser subtracted from the cost
	EntropyWeight float64
}

// DefaultOptions returns the standard binning: 0.0125 wide bins at level 0
// and a 0.2 Gaussian scaled down by 4, 2, 1, 0.5 across levels.
func DefaultOptions() Options {
	return Options{
		BinWidth:      0.0125,
		GBinSigma:     0.2,
		LevelSigma:    []float64{4, 2, 1, 0.5},
		SigmaMult:     2,
		MaxDose:       1.5,
		EntropyWeight: 0.5,
	}
}

// Prescription evaluates a set of objective terms against the dose of a
// plan. It implements the objective-function protocol consumed by the
// optimiser: a parameter vector in, a cost and optional gradient out.
type Prescription struct {
	plan  *Plan
	opts  Options
	terms []objective.Term

	// per level: 1 + the plan layout the histograms were bound at
	bound []uint64
}

// NewPrescription creates an empty prescription for p. Zero binning
// fields take their defaults; a zero EntropyWeight disables the regulariser.
func NewPrescription(p *Plan, opts Options) *Prescription {
	def := DefaultOptions()
	if opts.BinWidth <= 0 {
		opts.BinWidth = def.BinWidth
	}
	if opts.GBinSigma <= 0 {
		opts.GBinSigma = def.GBinSigma
	}
	if len(opts.LevelSigma) == 0 {
		opts.LevelSigma = def.LevelSigma
	}
	if opts.MaxDose <= 0 {
		opts.MaxDose = def.MaxDose
	}
	return &Prescription{plan: p, opts: opts}
}

// Plan returns the plan the prescription evaluates
func (p *Prescription) Plan() *Plan { return p.plan }

// Options returns the prescription options
func (p *Prescription) Options() Options { return p.opts }

// AddTerm appends a term. Its histograms are bound to the plan dose on
// the next evaluation.
func (p *Prescription) AddTerm(t objective.Term) error {
	for _, existing := range p.terms {
		if existing.Name() == t.Name() {
			return fmt.Errorf("term %s: %w", t.Name(), ErrDuplicateTerm)
		}
	}
	p.terms = append(p.terms, t)
	p.bound = nil
	return nil
}

// AddStructureTerm creates a KL-divergence term over the region of the
// named plan structure, covering every pyramid level of the plan
func (p *Prescription) AddStructureTerm(structure string, weight float64) (*objective.KLDivTerm, error) {
	s, ok := p.plan.Structure(structure)
	if !ok {
		return nil, fmt.Errorf("unknown structure %q", structure)
	}
	levels := max(p.plan.LevelCount(), 1)
	t, err := objective.NewKLDivTerm(s.Name, s.Region, levels)
	if err != nil {
		return nil, err
	}
	t.SetWeight(weight)
	if err := p.AddTerm(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Terms returns the terms in registration order
func (p *Prescription) Terms() []objective.Term {
	return append([]objective.Term(nil), p.terms...)
}

// Term looks up a term by name
func (p *Prescription) Term(name string) (objective.Term, bool) {
	for _, t := range p.terms {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// BinWidth returns the histogram bin width of level
func (p *Prescription) BinWidth(level int) float64 {
	return p.opts.BinWidth * math.Pow(2, float64(level))
}

// Sigma returns the Gaussian width of the smoothed histograms of level
func (p *Prescription) Sigma(level int) float64 {
	table := p.opts.LevelSigma
	if level < len(table) {
		return p.opts.GBinSigma / table[level]
	}
	div := table[len(table)-1] / math.Pow(2, float64(level-len(table)+1))
	return p.opts.GBinSigma / div
}

// BinCount returns the number of bins of level
func (p *Prescription) BinCount(level int) int {
	w := p.BinWidth(level)
	return int(math.Ceil((p.opts.MaxDose+2*p.opts.SigmaMult*p.Sigma(level))/w)) + 1
}

// bind sets the binning of every term histogram on level, points it at
// the level's total dose and registers one derivative source per state
// element, in element order.
func (p *Prescription) bind(level int) error {
	layout := p.plan.Layout() + 1
	if level < len(p.bound) && p.bound[level] == layout {
		return nil
	}
	dose, err := p.plan.TotalDose(level)
	if err != nil {
		return err
	}
	n := p.plan.TotalBeamletCount(level)
	sigma, width, count := p.Sigma(level), p.BinWidth(level), p.BinCount(level)

	for _, t := range p.terms {
		if t.LevelCount() <= level {
			return fmt.Errorf("term %s covers %d levels, need level %d", t.Name(), t.LevelCount(), level)
		}
		h, err := t.Histogram(level)
		if err != nil {
			return err
		}
		h.SetSigma(sigma)
		if err := h.SetBinning(0, width, count, p.opts.SigmaMult); err != nil {
			return fmt.Errorf("term %s: %w", t.Name(), err)
		}
		h.ClearDerivativeSources()
		if err := h.SetDose(dose); err != nil {
			return fmt.Errorf("term %s level %d: %w", t.Name(), level, err)
		}
		for e := 0; e < n; e++ {
			b, shift := p.plan.BeamletForElement(e)
			if _, err := h.AddDerivativeSource(p.plan.Beams[b].Levels[level].Beamlet(shift)); err != nil {
				return fmt.Errorf("term %s element %d: %w", t.Name(), e, err)
			}
		}
	}

	for len(p.bound) <= level {
		p.bound = append(p.bound, 0)
	}
	p.bound[level] = layout
	logging.Logger().Debug("histograms bound", "level", level, "terms", len(p.terms),
		"sources", n, "bins", count, "sigma", sigma)
	return nil
}

// Evaluate returns the objective at the optimiser parameters x of level.
// The beamlet weights are Sigmoid(x); they are written into the plan
// before the histograms are scored. When grad is non-nil it receives the
// exact gradient with respect to x.
func (p *Prescription) Evaluate(level int, x, grad []float64) (float64, error) {
	cost, _, err := p.evaluate(level, x, grad)
	return cost, err
}

// evaluate also returns the total entropy of the beam intensities
func (p *Prescription) evaluate(level int, x, grad []float64) (float64, float64, error) {
	n := p.plan.TotalBeamletCount(level)
	if n == 0 {
		if _, err := p.plan.BeamletCount(level); err != nil {
			return 0, 0, err
		}
	}
	if len(x) != n {
		return 0, 0, fmt.Errorf("%d parameters for %d beamlets: %w", len(x), n, ErrStateLength)
	}
	if grad != nil && len(grad) != n {
		return 0, 0, fmt.Errorf("gradient of %d for %d beamlets: %w", len(grad), n, ErrStateLength)
	}
	if len(p.terms) == 0 {
		return 0, 0, ErrNoTerms
	}

	w := Transform(x)
	if err := p.plan.SetStateVector(level, w); err != nil {
		return 0, 0, err
	}
	if err := p.bind(level); err != nil {
		return 0, 0, err
	}
	dose, err := p.plan.TotalDose(level)
	if err != nil {
		return 0, 0, err
	}

	var part []float64
	if grad != nil {
		for i := range grad {
			grad[i] = 0
		}
		part = make([]float64, n)
	}

	cost := 0.0
	for _, t := range p.terms {
		if t.Weight() <= 0 {
			continue
		}
		h, err := t.Histogram(level)
		if err != nil {
			return 0, 0, err
		}
		if err := h.SetDose(dose); err != nil {
			return 0, 0, fmt.Errorf("term %s: %w", t.Name(), err)
		}
		for i := range part {
			part[i] = 0
		}
		c, err := t.Evaluate(level, part)
		if err != nil {
			return 0, 0, err
		}
		cost += c
		for e := range part {
			b, _ := p.plan.BeamletForElement(e)
			grad[e] += part[e] * p.plan.Beams[b].Weight()
		}
	}

	sums := p.plan.beamSums(w)
	var dh []float64
	if grad != nil {
		dh = make([]float64, len(sums))
	}
	entropy := objective.TotalEntropy(sums, dh)
	if ew := p.opts.EntropyWeight; ew != 0 {
		cost -= ew * entropy
		for e := range grad {
			b, _ := p.plan.BeamletForElement(e)
			grad[e] -= ew * dh[b]
		}
	}

	// chain through the weight transform
	for e := range grad {
		grad[e] *= objective.DSigmoid(x[e])
	}
	return cost, entropy, nil
}

package objective

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"rtplan/internal/models"
	"rtplan/pkg/histogram"
	"rtplan/pkg/interpolation"
)

// klEpsilon keeps the logarithm finite for empty bins
const klEpsilon = 1e-12

// Cost selects the histogram distance of a KLDivTerm
type Cost int

const (
	// RelativeEntropy is Σ p·log(p/(q+ε)+ε)
	RelativeEntropy Cost = iota

	// DiffSq is Σ (p-q)²
	DiffSq
)

// DVP is a dose-volume point: Fraction of the region receives at least Dose
type DVP struct {
	Dose     float64
	Fraction float64
}

type ramp struct {
	low, lowHeight, high, highHeight, fraction float64
}

type binning struct {
	min, width float64
	count      int
	sigma      float64
}

type termLevel struct {
	region *models.VolumeGrid
	hist   *histogram.Histogram

	target    []float64
	targetFor binning
	explicit  bool
}

// KLDivTerm matches the histogram of a region against a target
// distribution. Each pyramid level holds its own region, obtained by
// smoothing and decimating the finer one, and its own histogram.
type KLDivTerm struct {
	name   string
	weight float64
	cost   Cost

	dvps []DVP
	ramp *ramp

	levels []*termLevel
}

// NewKLDivTerm creates a term over region with levels pyramid levels
func NewKLDivTerm(name string, region *models.VolumeGrid, levels int) (*KLDivTerm, error) {
	if region == nil || region.Len() == 0 {
		return nil, fmt.Errorf("term %s: empty region", name)
	}
	if levels < 1 {
		return nil, fmt.Errorf("term %s: needs at least one level, got %d", name, levels)
	}
	t := &KLDivTerm{name: name, weight: 1}
	for n := 0; n < levels; n++ {
		if n > 0 {
			region = Subcopy(region)
		}
		h, err := histogram.New(nil, region)
		if err != nil {
			return nil, fmt.Errorf("term %s level %d: %w", name, n, err)
		}
		t.levels = append(t.levels, &termLevel{region: region, hist: h})
	}
	return t, nil
}

// Subcopy returns the coarser-level counterpart of a region: 5x5 binomial
// smoothing followed by decimation, the same operator the beamlet pyramid uses.
func Subcopy(region *models.VolumeGrid) *models.VolumeGrid {
	return interpolation.SmoothDecimate(region, 5)
}

// Name returns the term name
func (t *KLDivTerm) Name() string { return t.name }

// Weight returns the term weight
func (t *KLDivTerm) Weight() float64 { return t.weight }

// SetWeight sets the term weight, shared by every level
func (t *KLDivTerm) SetWeight(w float64) { t.weight = w }

// SetCost selects the histogram distance
func (t *KLDivTerm) SetCost(c Cost) { t.cost = c }

// LevelCount returns the number of pyramid levels
func (t *KLDivTerm) LevelCount() int { return len(t.levels) }

// Region returns the region weights of level
func (t *KLDivTerm) Region(level int) (*models.VolumeGrid, error) {
	l, err := t.level(level)
	if err != nil {
		return nil, err
	}
	return l.region, nil
}

// Histogram returns the histogram of level
func (t *KLDivTerm) Histogram(level int) (*histogram.Histogram, error) {
	l, err := t.level(level)
	if err != nil {
		return nil, err
	}
	return l.hist, nil
}

// DVPs returns a copy of the dose-volume points
func (t *KLDivTerm) DVPs() []DVP { return append([]DVP(nil), t.dvps...) }

// SetDVPs describes the target by cumulative dose-volume points, sorted by
// dose with non-increasing fractions. The target area is
// (first fraction - last fraction) × region volume. Applies to every level.
func (t *KLDivTerm) SetDVPs(dvps []DVP) error {
	if len(dvps) < 2 {
		return fmt.Errorf("term %s: need at least two dose-volume points: %w", t.name, ErrInvalidTarget)
	}
	for i, p := range dvps {
		if p.Fraction < 0 || p.Fraction > 1 {
			return fmt.Errorf("term %s: fraction %v out of [0,1]: %w", t.name, p.Fraction, ErrInvalidTarget)
		}
		if i > 0 && (p.Dose < dvps[i-1].Dose || p.Fraction > dvps[i-1].Fraction) {
			return fmt.Errorf("term %s: point %d (%v, %v) out of order: %w", t.name, i, p.Dose, p.Fraction, ErrInvalidTarget)
		}
	}
	if dvps[0].Fraction == dvps[len(dvps)-1].Fraction {
		return fmt.Errorf("term %s: points enclose no volume: %w", t.name, ErrInvalidTarget)
	}
	t.dvps = append([]DVP(nil), dvps...)
	t.ramp = nil
	t.resetTargets()
	return nil
}

// SetInterval targets fraction of the volume uniformly between low and
// high; mid adds the midpoint at half the fraction.
func (t *KLDivTerm) SetInterval(low, high, fraction float64, mid bool) error {
	if high <= low {
		return fmt.Errorf("term %s: interval [%v, %v]: %w", t.name, low, high, ErrInvalidTarget)
	}
	dvps := []DVP{{low, fraction}}
	if mid {
		dvps = append(dvps, DVP{(low + high) / 2, fraction / 2})
	}
	dvps = append(dvps, DVP{high, 0})
	return t.SetDVPs(dvps)
}

// SetRamp targets fraction of the volume between low and high with a
// density rising (or falling) linearly from lowHeight to highHeight.
func (t *KLDivTerm) SetRamp(low, lowHeight, high, highHeight, fraction float64) error {
	if high <= low || lowHeight < 0 || highHeight < 0 || lowHeight+highHeight == 0 || fraction <= 0 || fraction > 1 {
		return fmt.Errorf("term %s: ramp [%v, %v] heights %v, %v fraction %v: %w",
			t.name, low, high, lowHeight, highHeight, fraction, ErrInvalidTarget)
	}
	t.ramp = &ramp{low, lowHeight, high, highHeight, fraction}
	t.dvps = nil
	t.resetTargets()
	return nil
}

// SetTargetBins installs explicit target bins for level, overriding the
// dose-volume description until the next SetDVPs, SetInterval or SetRamp.
func (t *KLDivTerm) SetTargetBins(level int, bins []float64) error {
	l, err := t.level(level)
	if err != nil {
		return err
	}
	if len(bins) != l.hist.BinCount() {
		return fmt.Errorf("%d target bins for a binning of %d: %w", len(bins), l.hist.BinCount(), histogram.ErrBinningMismatch)
	}
	l.target = append([]float64(nil), bins...)
	l.targetFor = binningOf(l.hist)
	l.explicit = true
	return nil
}

// TargetBins returns the target histogram of level in region volume
// units, rebuilt whenever the level's binning changes.
func (t *KLDivTerm) TargetBins(level int) ([]float64, error) {
	l, err := t.level(level)
	if err != nil {
		return nil, err
	}
	key := binningOf(l.hist)
	if key.count == 0 {
		return nil, fmt.Errorf("term %s level %d: %w", t.name, level, histogram.ErrNotBinned)
	}
	if l.target != nil && l.targetFor == key {
		return l.target, nil
	}
	if l.explicit {
		return nil, fmt.Errorf("term %s level %d: explicit target set for another binning: %w",
			t.name, level, histogram.ErrBinningMismatch)
	}

	shape, area := t.targetShape(l.hist)
	if shape == nil {
		return nil, fmt.Errorf("term %s: no target set: %w", t.name, ErrInvalidTarget)
	}
	if sum := floats.Sum(shape); sum > 0 {
		floats.Scale(area*l.hist.Volume()/sum, shape)
	}
	l.target = shape
	l.targetFor = key
	return shape, nil
}

// targetShape integrates the target density over every bin and returns it
// with the target area as a fraction of the volume
func (t *KLDivTerm) targetShape(h *histogram.Histogram) ([]float64, float64) {
	n, w := h.BinCount(), h.BinWidth()
	shape := make([]float64, n)
	switch {
	case t.ramp != nil:
		r := t.ramp
		for b := range shape {
			lo, hi := overlap(h.BinValue(b)-w/2, h.BinValue(b)+w/2, r.low, r.high)
			if hi <= lo {
				continue
			}
			mid := (lo + hi) / 2
			shape[b] = (hi - lo) * (r.lowHeight + (r.highHeight-r.lowHeight)*(mid-r.low)/(r.high-r.low))
		}
		return shape, r.fraction

	case len(t.dvps) > 1:
		for i := 0; i+1 < len(t.dvps); i++ {
			a, c := t.dvps[i], t.dvps[i+1]
			mass := a.Fraction - c.Fraction
			if mass == 0 {
				continue
			}
			if c.Dose == a.Dose {
				// a step in the cumulative target is a spike at that dose
				shape[nearestNode(h, a.Dose)] += mass
				continue
			}
			density := mass / (c.Dose - a.Dose)
			for b := range shape {
				lo, hi := overlap(h.BinValue(b)-w/2, h.BinValue(b)+w/2, a.Dose, c.Dose)
				if hi > lo {
					shape[b] += density * (hi - lo)
				}
			}
		}
		return shape, t.dvps[0].Fraction - t.dvps[len(t.dvps)-1].Fraction
	}
	return nil, 0
}

// Evaluate returns the weighted distance between the normalised smoothed
// histogram and the normalised smoothed target at level. The gradient is
// taken through the normalisation of the computed histogram.
func (t *KLDivTerm) Evaluate(level int, grad []float64) (float64, error) {
	l, err := t.level(level)
	if err != nil {
		return 0, err
	}
	h := l.hist
	if grad != nil && len(grad) != h.DerivativeCount() {
		return 0, fmt.Errorf("term %s: gradient of %d for %d sources: %w", t.name, len(grad), h.DerivativeCount(), ErrGradientLength)
	}
	target, err := t.TargetBins(level)
	if err != nil {
		return 0, err
	}
	q, err := h.Smooth(target)
	if err != nil {
		return 0, err
	}
	calc := h.GBins()

	sumCalc := floats.Sum(calc)
	sumTarget := floats.Sum(q)
	if sumCalc <= klEpsilon || sumTarget <= klEpsilon {
		return 0, nil
	}
	floats.Scale(1/sumTarget, q)

	// g holds d cost / d p for each bin
	g := make([]float64, len(calc))
	cost := 0.0
	gp := 0.0
	for b, c := range calc {
		p := c / sumCalc
		switch t.cost {
		case DiffSq:
			d := p - q[b]
			cost += d * d
			g[b] = 2 * d
		default:
			qe := q[b] + klEpsilon
			a := p/qe + klEpsilon
			la := math.Log(a)
			cost += p * la
			g[b] = la + p/(qe*a)
		}
		gp += g[b] * p
	}

	scale := h.BinWidth() * t.weight
	if grad != nil {
		for e := range grad {
			dc := h.DGBins(e)
			grad[e] += scale * (floats.Dot(g, dc) - gp*floats.Sum(dc)) / sumCalc
		}
	}
	return scale * cost, nil
}

func (t *KLDivTerm) level(level int) (*termLevel, error) {
	if level < 0 || level >= len(t.levels) {
		return nil, fmt.Errorf("term %s: level %d of %d", t.name, level, len(t.levels))
	}
	return t.levels[level], nil
}

func (t *KLDivTerm) resetTargets() {
	for _, l := range t.levels {
		l.target = nil
		l.explicit = false
	}
}

func binningOf(h *histogram.Histogram) binning {
	return binning{min: h.BinMin(), width: h.BinWidth(), count: h.BinCount(), sigma: h.Sigma()}
}

func overlap(a0, a1, b0, b1 float64) (float64, float64) {
	return math.Max(a0, b0), math.Min(a1, b1)
}

func nearestNode(h *histogram.Histogram, v float64) int {
	i := int(math.Floor((v-h.BinMin())/h.BinWidth() + 0.5))
	if i < 0 {
		return 0
	}
	if i >= h.BinCount() {
		return h.BinCount() - 1
	}
	return i
}

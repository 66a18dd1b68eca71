package beam

import (
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"rtplan/internal/logging"
	"rtplan/internal/models"
	"rtplan/pkg/interpolation"
)

// doseGridMargin pads the rotated beamlet grid beyond the shift range
const doseGridMargin = 44

// BeamletLevel is one pyramid scale: beamlet dose grids and their weights.
// Index len/2 is the central beamlet; shifts are symmetric about it.
type BeamletLevel struct {
	Beamlets []*models.VolumeGrid
	Weights  []float64
}

// Count returns the number of beamlets on the level
func (l *BeamletLevel) Count() int { return len(l.Beamlets) }

// Beamlet returns the beamlet at a signed shift from the centre
func (l *BeamletLevel) Beamlet(shift int) *models.VolumeGrid {
	return l.Beamlets[shift+len(l.Beamlets)/2]
}

// BaseBeamletCount is the number of finest-level beamlets of a pyramid with the given depth
func BaseBeamletCount(levels int) int {
	return 1<<(levels+1) - 1
}

// DoseGridSize is the edge length of the rotated beamlet grids for count beamlets
func DoseGridSize(count int) int {
	return 2*count + 1 + doseGridMargin
}

// GenerateBaseLevel builds level 0 from source: BaseBeamletCount(levels)
// pencil beams, each rotated to the gantry angle into a DoseGridSize
// square grid. Existing levels are discarded.
func (b *Beam) GenerateBaseLevel(source BeamletSource, levels int) error {
	if levels < 1 {
		return fmt.Errorf("pyramid needs at least one level, got %d", levels)
	}
	count := BaseBeamletCount(levels)
	size := DoseGridSize(count)
	dstCentre := [2]float64{float64(size / 2), float64(size / 2)}

	base := &BeamletLevel{
		Beamlets: make([]*models.VolumeGrid, count),
		Weights:  make([]float64, count),
	}
	var g errgroup.Group
	for i := 0; i < count; i++ {
		i := i // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			plane, err := source.Beamlet(i - count/2)
			if err != nil {
				return fmt.Errorf("failed to load beamlet %d: %w", i-count/2, err)
			}
			dst := models.NewVolumeGrid(size, size, 1, plane.Basis.Spacing)
			interpolation.Rotate(plane, source.Centre(), b.GantryAngle, dst, dstCentre)
			base.Beamlets[i] = dst
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	b.SetLevels([]*BeamletLevel{base})
	return nil
}

// SetLevels installs a complete pyramid, rebuilding the filter matrices
// and discarding cached doses.
func (b *Beam) SetLevels(levels []*BeamletLevel) {
	b.Levels = levels
	b.filters = make([]*mat.Dense, len(levels))
	for i, l := range levels {
		b.filters[i] = FilterMatrix(l.Count())
	}
	b.resetDoseCache()
}

// BuildPyramid generates level 0 and derives levels-1 coarser levels,
// each with (n-1)/2 beamlets of the level below.
func (b *Beam) BuildPyramid(source BeamletSource, levels int) error {
	if err := b.GenerateBaseLevel(source, levels); err != nil {
		return fmt.Errorf("beam %s: %w", b.Name, err)
	}
	for n := 1; n < levels; n++ {
		coarse, err := DeriveCoarserLevel(b.Levels[n-1])
		if err != nil {
			return fmt.Errorf("beam %s level %d: %w", b.Name, n, err)
		}
		b.SetLevels(append(b.Levels, coarse))
	}

	counts := make([]int, len(b.Levels))
	for i, l := range b.Levels {
		counts[i] = l.Count()
	}
	logging.Logger().Info("beamlet pyramid built", "beam", b.Name, "levels", len(b.Levels), "beamlets", counts)
	return nil
}

// DeriveCoarserLevel filters neighbouring beamlets with the taps
// 0.25, 0.5, 0.25 (scaled by 2), smooths each result with a 5x5 binomial
// kernel and decimates it. The result depends only on fine.
func DeriveCoarserLevel(fine *BeamletLevel) (*BeamletLevel, error) {
	n := (fine.Count() - 1) / 2
	if n < 1 {
		return nil, fmt.Errorf("cannot derive from %d beamlets", fine.Count())
	}
	coarse := &BeamletLevel{
		Beamlets: make([]*models.VolumeGrid, n),
		Weights:  make([]float64, n),
	}

	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			sum := fine.Beamlets[2*i+1].Clone()
			sum.Scale(0.5)
			if err := sum.Accumulate(fine.Beamlets[2*i], 0.25); err != nil {
				return err
			}
			if err := sum.Accumulate(fine.Beamlets[2*i+2], 0.25); err != nil {
				return err
			}
			sum.Scale(2)
			coarse.Beamlets[i] = interpolation.SmoothDecimate(sum, 5)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return coarse, nil
}

// FilterMatrix returns the n×n tridiagonal matrix with taps 0.25, 0.5, 0.25
func FilterMatrix(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 0.5)
		if i > 0 {
			m.Set(i, i-1, 0.25)
		}
		if i+1 < n {
			m.Set(i, i+1, 0.25)
		}
	}
	return m
}

// FilterMatrix returns the beam's filter matrix for level
func (b *Beam) FilterMatrix(level int) (*mat.Dense, error) {
	if level < 0 || level >= len(b.filters) {
		return nil, fmt.Errorf("level %d of %d: %w", level, len(b.filters), ErrNoLevel)
	}
	return b.filters[level], nil
}

// InvFilterIntensityMap maps weights of level onto level-1: the weights
// are interleaved with zeros to 2n+1 entries and multiplied by twice the
// finer level's filter matrix.
func (b *Beam) InvFilterIntensityMap(level int, weights []float64) ([]float64, error) {
	if level < 1 || level >= len(b.Levels) {
		return nil, fmt.Errorf("inverse filter from level %d of %d: %w", level, len(b.Levels), ErrNoLevel)
	}
	if len(weights) != b.Levels[level].Count() {
		return nil, fmt.Errorf("%d weights for %d beamlets: %w", len(weights), b.Levels[level].Count(), ErrLengthMismatch)
	}
	return InvFilter(b.filters[level-1], weights), nil
}

// InvFilter interleaves weights with zeros and applies 2·filter
func InvFilter(filter mat.Matrix, weights []float64) []float64 {
	n, _ := filter.Dims()
	up := mat.NewVecDense(n, nil)
	for i, w := range weights {
		up.SetVec(2*i+1, w)
	}
	var out mat.VecDense
	out.MulVec(filter, up)
	out.ScaleVec(2, &out)

	res := make([]float64, n)
	for i := range res {
		res[i] = out.AtVec(i)
	}
	return res
}

// SetIntensityMap replaces the weights of level and invalidates its dose
func (b *Beam) SetIntensityMap(level int, weights []float64) error {
	if level < 0 || level >= len(b.Levels) {
		return fmt.Errorf("level %d of %d: %w", level, len(b.Levels), ErrNoLevel)
	}
	l := b.Levels[level]
	if len(weights) != l.Count() {
		return fmt.Errorf("%d weights for %d beamlets: %w", len(weights), l.Count(), ErrLengthMismatch)
	}
	copy(l.Weights, weights)
	b.doseValid[level] = false
	b.gen++
	return nil
}

// IntensityMap returns a copy of the weights of level
func (b *Beam) IntensityMap(level int) ([]float64, error) {
	if level < 0 || level >= len(b.Levels) {
		return nil, fmt.Errorf("level %d of %d: %w", level, len(b.Levels), ErrNoLevel)
	}
	return append([]float64(nil), b.Levels[level].Weights...), nil
}

// DoseValid reports whether the cached dose of level is current
func (b *Beam) DoseValid(level int) bool {
	return level >= 0 && level < len(b.doseValid) && b.doseValid[level]
}

// Dose returns the weighted beamlet sum of level scaled by the beam
// weight, recomputed only after the weights changed. The returned grid is
// owned by the beam.
func (b *Beam) Dose(level int) (*models.VolumeGrid, error) {
	if level < 0 || level >= len(b.Levels) {
		return nil, fmt.Errorf("level %d of %d: %w", level, len(b.Levels), ErrNoLevel)
	}
	if b.doseValid[level] {
		return b.dose[level], nil
	}

	l := b.Levels[level]
	d := b.dose[level]
	if d == nil {
		d = &models.VolumeGrid{}
	}
	d.ConformTo(l.Beamlets[0])
	for i, beamlet := range l.Beamlets {
		if l.Weights[i] == 0 {
			continue
		}
		if err := d.Accumulate(beamlet, l.Weights[i]*b.weight); err != nil {
			return nil, fmt.Errorf("beamlet %d: %w", i, err)
		}
	}
	b.dose[level] = d
	b.doseValid[level] = true
	return d, nil
}

func (b *Beam) resetDoseCache() {
	b.dose = make([]*models.VolumeGrid, len(b.Levels))
	b.doseValid = make([]bool, len(b.Levels))
	b.gen++
}

// Package histogram accumulates differentiable dose-volume histograms.
//
// Doses are splatted linearly onto bin nodes min + i·width, so the bins are
// a piecewise-linear function of every voxel dose and their derivatives
// with respect to beamlet weights are exact. GBins are the bins convolved
// with a Gaussian of width sigma.
package histogram

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"rtplan/internal/models"
)

var (
	// ErrBinningMismatch is returned when bin vectors of different binnings are combined
	ErrBinningMismatch = errors.New("histogram binning mismatch")

	// ErrNotBinned is returned when the binning has not been set
	ErrNotBinned = errors.New("histogram binning not set")
)

// Histogram is a region-weighted dose histogram. The dose grid is
// referenced, not owned: callers must Invalidate after changing it.
type Histogram struct {
	dose   *models.VolumeGrid
	region *models.VolumeGrid

	min   float64
	width float64
	count int
	sigma float64

	bins  []float64
	gbins []float64
	cum   []float64
	valid bool

	sources []*models.VolumeGrid
	dGBins  [][]float64
	dValid  bool

	// Gaussian taps for the current binning
	kernel []float64
}

// New creates a histogram over dose restricted to region. Either grid may
// be nil and set later; a nil region weighs every voxel 1.
func New(dose, region *models.VolumeGrid) (*Histogram, error) {
	h := &Histogram{}
	if err := h.SetRegion(region); err != nil {
		return nil, err
	}
	if err := h.SetDose(dose); err != nil {
		return nil, err
	}
	return h, nil
}

// SetDose replaces the dose grid and invalidates every cache
func (h *Histogram) SetDose(dose *models.VolumeGrid) error {
	if err := h.checkShape(dose, h.region); err != nil {
		return err
	}
	h.dose = dose
	h.Invalidate()
	return nil
}

// SetRegion replaces the region weights and invalidates every cache
func (h *Histogram) SetRegion(region *models.VolumeGrid) error {
	if err := h.checkShape(h.dose, region); err != nil {
		return err
	}
	h.region = region
	h.Invalidate()
	return nil
}

// Region returns the region weights
func (h *Histogram) Region() *models.VolumeGrid { return h.region }

// SetSigma sets the Gaussian width (dose units) used by GBins
func (h *Histogram) SetSigma(sigma float64) {
	h.sigma = sigma
	h.kernel = nil
	h.Invalidate()
}

// Sigma returns the Gaussian width
func (h *Histogram) Sigma() float64 { return h.sigma }

// SetBinning fixes count bins of width starting at min - sigmaMult·sigma.
// All bins, GBins and derivatives are invalidated.
func (h *Histogram) SetBinning(min, width float64, count int, sigmaMult float64) error {
	if width <= 0 || count <= 0 {
		return fmt.Errorf("bin width %v and count %d must be positive", width, count)
	}
	h.min = min - sigmaMult*h.sigma
	h.width = width
	h.count = count
	h.kernel = nil
	h.Invalidate()
	return nil
}

// BinMin returns the dose of bin node 0
func (h *Histogram) BinMin() float64 { return h.min }

// BinWidth returns the bin width
func (h *Histogram) BinWidth() float64 { return h.width }

// BinCount returns the number of bins
func (h *Histogram) BinCount() int { return h.count }

// BinValue returns the dose of bin node i
func (h *Histogram) BinValue(i int) float64 { return h.min + float64(i)*h.width }

// GetBinForValue returns the bin holding v, clamped to the binning
func (h *Histogram) GetBinForValue(v float64) int {
	if h.count == 0 || math.IsNaN(v) {
		return 0
	}
	b := int(math.Floor((v - h.min) / h.width))
	if b < 0 {
		return 0
	}
	if b >= h.count {
		return h.count - 1
	}
	return b
}

// Invalidate marks bins, GBins and derivatives stale
func (h *Histogram) Invalidate() {
	h.valid = false
	h.dValid = false
}

// Valid reports whether the cached bins are current
func (h *Histogram) Valid() bool { return h.valid }

// Bins returns the region-weighted linear splat of the dose. The slice is
// owned by the histogram and valid until the next invalidation.
func (h *Histogram) Bins() []float64 {
	h.refresh()
	return h.bins
}

// GBins returns the Gaussian smoothed bins
func (h *Histogram) GBins() []float64 {
	h.refresh()
	return h.gbins
}

// CumBins returns the cumulative histogram: entry i holds the volume at or
// above bin node i
func (h *Histogram) CumBins() []float64 {
	h.refresh()
	return h.cum
}

// Volume returns the total region weight
func (h *Histogram) Volume() float64 {
	if h.region != nil {
		return h.region.Sum()
	}
	if h.dose != nil {
		return float64(h.dose.Len())
	}
	return 0
}

func (h *Histogram) refresh() {
	if h.valid {
		return
	}
	h.bins = resize(h.bins, h.count)
	if h.dose != nil && h.count > 0 {
		for i, v := range h.dose.Data {
			r := h.regionWeight(i)
			if r <= 0 {
				continue
			}
			lo, frac, ok := h.node(v)
			if !ok {
				h.bins[lo] += r
				continue
			}
			h.bins[lo] += r * (1 - frac)
			h.bins[lo+1] += r * frac
		}
	}
	h.gbins = h.smoothInto(h.gbins, h.bins)

	h.cum = resize(h.cum, h.count)
	acc := 0.0
	for i := h.count - 1; i >= 0; i-- {
		acc += h.bins[i]
		h.cum[i] = acc
	}
	h.valid = true
}

// node locates v between bin nodes lo and lo+1; ok is false when v is
// clamped onto the single node lo. NaN clamps onto node 0.
func (h *Histogram) node(v float64) (lo int, frac float64, ok bool) {
	t := (v - h.min) / h.width
	if math.IsNaN(t) || t <= 0 {
		return 0, 0, false
	}
	if t >= float64(h.count-1) {
		return h.count - 1, 0, false
	}
	lo = int(t)
	return lo, t - float64(lo), true
}

func (h *Histogram) regionWeight(i int) float64 {
	if h.region == nil {
		return 1
	}
	return h.region.Data[i]
}

// Smooth convolves bins with the histogram's Gaussian. The result has the
// same length; bins outside the binning count as zero.
func (h *Histogram) Smooth(bins []float64) ([]float64, error) {
	if len(bins) != h.count {
		return nil, fmt.Errorf("%d bins for a binning of %d: %w", len(bins), h.count, ErrBinningMismatch)
	}
	return h.smoothInto(nil, bins), nil
}

func (h *Histogram) smoothInto(dst, bins []float64) []float64 {
	dst = resize(dst, len(bins))
	k := h.gaussKernel()
	m := len(k) / 2
	for i := range dst {
		sum := 0.0
		for z := -m; z <= m; z++ {
			j := i - z
			if j < 0 || j >= len(bins) {
				continue
			}
			sum += bins[j] * k[z+m]
		}
		dst[i] = sum
	}
	return dst
}

// gaussKernel returns the taps dx·Gauss(z·dx, sigma) for |z| <= ceil(4 sigma/dx);
// a zero sigma leaves the bins unchanged
func (h *Histogram) gaussKernel() []float64 {
	if h.kernel != nil {
		return h.kernel
	}
	if h.sigma <= 0 || h.width <= 0 {
		h.kernel = []float64{1}
		return h.kernel
	}
	m := int(math.Ceil(4 * h.sigma / h.width))
	gauss := distuv.Normal{Mu: 0, Sigma: h.sigma}
	h.kernel = make([]float64, 2*m+1)
	for z := -m; z <= m; z++ {
		h.kernel[z+m] = h.width * gauss.Prob(float64(z)*h.width)
	}
	return h.kernel
}

func (h *Histogram) checkShape(dose, region *models.VolumeGrid) error {
	if dose != nil && region != nil && !dose.SameShape(region) {
		return fmt.Errorf("dose %dx%dx%d and region %dx%dx%d: %w",
			dose.Width, dose.Height, dose.Depth, region.Width, region.Height, region.Depth, models.ErrShapeMismatch)
	}
	for _, s := range h.sources {
		if dose != nil && !dose.SameShape(s) {
			return fmt.Errorf("dose does not match derivative sources: %w", models.ErrShapeMismatch)
		}
	}
	return nil
}

func resize(s []float64, n int) []float64 {
	if cap(s) >= n {
		s = s[:n]
	} else {
		s = make([]float64, n)
	}
	for i := range s {
		s[i] = 0
	}
	return s
}

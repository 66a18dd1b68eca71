package histogram

import (
	"fmt"

	"rtplan/internal/models"
)

// AddDerivativeSource registers a grid whose weight in the dose is a free
// parameter (dose = Σ w_i·source_i + const) and returns its index for DGBins.
func (h *Histogram) AddDerivativeSource(source *models.VolumeGrid) (int, error) {
	if h.dose != nil && !h.dose.SameShape(source) {
		return 0, fmt.Errorf("derivative source %dx%dx%d for dose %dx%dx%d: %w",
			source.Width, source.Height, source.Depth, h.dose.Width, h.dose.Height, h.dose.Depth, models.ErrShapeMismatch)
	}
	h.sources = append(h.sources, source)
	h.dValid = false
	return len(h.sources) - 1, nil
}

// ClearDerivativeSources drops every registered source
func (h *Histogram) ClearDerivativeSources() {
	h.sources = nil
	h.dGBins = nil
	h.dValid = false
}

// DerivativeCount returns the number of registered sources
func (h *Histogram) DerivativeCount() int { return len(h.sources) }

// DGBins returns the derivative of GBins with respect to the weight of
// source index. The slice is owned by the histogram.
func (h *Histogram) DGBins(index int) []float64 {
	h.refreshDerivatives()
	return h.dGBins[index]
}

func (h *Histogram) refreshDerivatives() {
	if h.dValid {
		return
	}
	if len(h.dGBins) != len(h.sources) {
		h.dGBins = make([][]float64, len(h.sources))
	}

	dBins := make([]float64, h.count)
	for s, source := range h.sources {
		for i := range dBins {
			dBins[i] = 0
		}
		if h.dose != nil && h.count > 0 {
			for i, v := range h.dose.Data {
				r := h.regionWeight(i)
				if r <= 0 || source.Data[i] == 0 {
					continue
				}
				lo, _, ok := h.node(v)
				if !ok {
					continue
				}
				// moving the dose shifts mass from node lo to lo+1
				d := r * source.Data[i] / h.width
				dBins[lo] -= d
				dBins[lo+1] += d
			}
		}
		h.dGBins[s] = h.smoothInto(h.dGBins[s], dBins)
	}
	h.dValid = true
}

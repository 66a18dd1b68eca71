package histogram

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Stats summarises the dose over the region
type Stats struct {
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64

	// D95 and D5 are the doses received by at least 95% and 5% of the volume
	D95 float64
	D5  float64
}

// Statistics computes region-weighted dose statistics directly from the
// voxels, independent of the binning.
func (h *Histogram) Statistics() Stats {
	values, weights := h.samples()
	if len(values) == 0 {
		return Stats{}
	}
	mean, std := stat.MeanStdDev(values, weights)
	if len(values) < 2 {
		std = 0
	}
	return Stats{
		Mean:   mean,
		StdDev: std,
		Min:    values[0],
		Max:    values[len(values)-1],
		D95:    stat.Quantile(0.05, stat.Empirical, values, weights),
		D5:     stat.Quantile(0.95, stat.Empirical, values, weights),
	}
}

// DoseAtVolume returns the dose received by at least fraction of the region
func (h *Histogram) DoseAtVolume(fraction float64) float64 {
	values, weights := h.samples()
	if len(values) == 0 {
		return 0
	}
	p := 1 - fraction
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return stat.Quantile(p, stat.Empirical, values, weights)
}

// samples returns the doses of region voxels sorted ascending with their weights
func (h *Histogram) samples() ([]float64, []float64) {
	if h.dose == nil {
		return nil, nil
	}
	type sample struct{ v, w float64 }
	s := make([]sample, 0, h.dose.Len())
	for i, v := range h.dose.Data {
		if r := h.regionWeight(i); r > 0 {
			s = append(s, sample{v, r})
		}
	}
	sort.Slice(s, func(a, b int) bool { return s[a].v < s[b].v })

	values := make([]float64, len(s))
	weights := make([]float64, len(s))
	for i := range s {
		values[i], weights[i] = s[i].v, s[i].w
	}
	return values, weights
}

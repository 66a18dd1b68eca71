package histogram

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"

	"rtplan/internal/models"
)

func gridOf(values ...float64) *models.VolumeGrid {
	g := models.NewVolumeGrid(len(values), 1, 1, [3]float64{1, 1, 1})
	copy(g.Data, values)
	g.VoxelsChanged()
	return g
}

func newBinned(t *testing.T, dose, region *models.VolumeGrid, sigma, width float64, count int) *Histogram {
	h, err := New(dose, region)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.SetSigma(sigma)
	if err := h.SetBinning(0, width, count, 0); err != nil {
		t.Fatalf("SetBinning failed: %v", err)
	}
	return h
}

func TestGetBinForValue(t *testing.T) {
	h := newBinned(t, nil, nil, 0, 0.5, 4)

	tests := []struct {
		v    float64
		want int
	}{
		{-1, 0},
		{0.2, 0},
		{0.6, 1},
		{1.99, 3},
		{5, 3},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		if got := h.GetBinForValue(tt.v); got != tt.want {
			t.Errorf("GetBinForValue(%v) = %d, want %d", tt.v, got, tt.want)
		}
	}
}

func TestSetBinningShiftsMin(t *testing.T) {
	h := newBinned(t, nil, nil, 0.1, 0.05, 10)
	if err := h.SetBinning(0, 0.05, 10, 2); err != nil {
		t.Fatalf("SetBinning failed: %v", err)
	}
	if math.Abs(h.BinMin()+0.2) > 1e-15 {
		t.Errorf("min should move down by 2 sigma, got %v", h.BinMin())
	}
	if err := h.SetBinning(0, 0, 10, 2); err == nil {
		t.Error("zero bin width should be rejected")
	}
}

func TestBinsSplat(t *testing.T) {
	h := newBinned(t, gridOf(0.25, 1.0, 10, -1), nil, 0, 0.5, 4)

	if !floats.EqualApprox(h.Bins(), []float64{1.5, 0.5, 1, 1}, 1e-12) {
		t.Errorf("Bins() = %v", h.Bins())
	}
	if !floats.EqualApprox(h.CumBins(), []float64{4, 2.5, 2, 1}, 1e-12) {
		t.Errorf("CumBins() = %v", h.CumBins())
	}
	if h.Volume() != 4 {
		t.Errorf("Volume() = %v, want 4", h.Volume())
	}
}

func TestBinsNonFiniteDose(t *testing.T) {
	h := newBinned(t, gridOf(math.NaN(), math.Inf(1), math.Inf(-1), 0.5), nil, 0, 0.5, 4)

	if !floats.EqualApprox(h.Bins(), []float64{2, 1, 0, 1}, 1e-12) {
		t.Errorf("Bins() = %v", h.Bins())
	}
}

func TestBinsRegionWeights(t *testing.T) {
	h := newBinned(t, gridOf(0, 0.5, 1), gridOf(1, 0, 2), 0, 0.5, 3)

	if !floats.EqualApprox(h.Bins(), []float64{1, 0, 2}, 1e-12) {
		t.Errorf("Bins() = %v", h.Bins())
	}
	if h.Volume() != 3 {
		t.Errorf("Volume() = %v, want 3", h.Volume())
	}
}

func TestGBinsConserveInteriorMass(t *testing.T) {
	values := make([]float64, 50)
	for i := range values {
		values[i] = 1 + 0.02*float64(i)
	}
	h := newBinned(t, gridOf(values...), nil, 0.1, 0.05, 80)

	if got := floats.Sum(h.GBins()); math.Abs(got-50) > 1e-2 {
		t.Errorf("smoothing should keep the interior mass, got %v", got)
	}
	// smoothing spreads mass into bins the raw histogram leaves empty
	lo := h.GetBinForValue(0.9)
	if h.Bins()[lo] != 0 || h.GBins()[lo] <= 0 {
		t.Errorf("bin %d: raw %v, smoothed %v", lo, h.Bins()[lo], h.GBins()[lo])
	}
}

func TestDerivativeMatchesFiniteDifference(t *testing.T) {
	n := 40
	s1 := models.NewVolumeGrid(n, 1, 1, [3]float64{1, 1, 1})
	s2 := models.NewVolumeGrid(n, 1, 1, [3]float64{1, 1, 1})
	region := models.NewVolumeGrid(n, 1, 1, [3]float64{1, 1, 1})
	for i := 0; i < n; i++ {
		s1.Data[i] = 0.3 + 0.0173*float64(i)
		s2.Data[i] = 0.6 + 0.5*math.Sin(float64(i))
		region.Data[i] = 1 + float64(i%3)
	}
	weights := []float64{0.7, 0.4}
	dose := models.NewVolumeGrid(n, 1, 1, [3]float64{1, 1, 1})
	setDose := func(w []float64) {
		for i := range dose.Data {
			dose.Data[i] = w[0]*s1.Data[i] + w[1]*s2.Data[i]
		}
		dose.VoxelsChanged()
	}
	setDose(weights)

	h := newBinned(t, dose, region, 0.08, 0.04, 40)
	for _, s := range []*models.VolumeGrid{s1, s2} {
		if _, err := h.AddDerivativeSource(s); err != nil {
			t.Fatalf("AddDerivativeSource failed: %v", err)
		}
	}
	if h.DerivativeCount() != 2 {
		t.Fatalf("expected 2 sources, got %d", h.DerivativeCount())
	}

	const step = 1e-7
	for src := 0; src < 2; src++ {
		analytic := append([]float64(nil), h.DGBins(src)...)

		w := append([]float64(nil), weights...)
		w[src] += step
		setDose(w)
		h.Invalidate()
		plus := append([]float64(nil), h.GBins()...)

		w[src] -= 2 * step
		setDose(w)
		h.Invalidate()
		minus := append([]float64(nil), h.GBins()...)

		setDose(weights)
		h.Invalidate()

		for b := range analytic {
			fd := (plus[b] - minus[b]) / (2 * step)
			if math.Abs(fd-analytic[b]) > 1e-4*(1+math.Abs(fd)) {
				t.Fatalf("source %d bin %d: analytic %v, finite difference %v", src, b, analytic[b], fd)
			}
		}
	}
}

func TestInvalidation(t *testing.T) {
	dose := gridOf(0.1, 0.2)
	h := newBinned(t, dose, nil, 0, 0.1, 5)

	if h.Valid() {
		t.Fatal("fresh binning should not be valid")
	}
	h.Bins()
	if !h.Valid() {
		t.Fatal("bins should be cached")
	}

	dose.Set(0, 0, 0, 0.7)
	h.Invalidate()
	if h.Valid() {
		t.Fatal("Invalidate should drop the cache")
	}
	if h.Bins()[4] != 1 {
		t.Errorf("recomputed bins should see the new dose: %v", h.Bins())
	}

	if err := h.SetBinning(0, 0.2, 5, 0); err != nil {
		t.Fatalf("SetBinning failed: %v", err)
	}
	if h.Valid() {
		t.Fatal("new binning should invalidate")
	}
}

func TestShapeChecks(t *testing.T) {
	if _, err := New(gridOf(1, 2), gridOf(1, 2, 3)); !errors.Is(err, models.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}

	h := newBinned(t, gridOf(1, 2), nil, 0, 0.5, 4)
	if _, err := h.AddDerivativeSource(gridOf(1)); !errors.Is(err, models.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for source, got %v", err)
	}
	if _, err := h.Smooth([]float64{1, 2}); !errors.Is(err, ErrBinningMismatch) {
		t.Errorf("expected ErrBinningMismatch, got %v", err)
	}
}

func TestStatistics(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		values[99-i] = float64(i + 1)
	}
	h := newBinned(t, gridOf(values...), nil, 0, 1, 110)

	s := h.Statistics()
	if math.Abs(s.Mean-50.5) > 1e-12 {
		t.Errorf("Mean = %v, want 50.5", s.Mean)
	}
	if s.Min != 1 || s.Max != 100 {
		t.Errorf("Min/Max = %v/%v", s.Min, s.Max)
	}
	if s.D95 < 5 || s.D95 > 6 {
		t.Errorf("D95 = %v, want about 5", s.D95)
	}
	if s.D5 < 95 || s.D5 > 96 {
		t.Errorf("D5 = %v, want about 95", s.D5)
	}
	if d := h.DoseAtVolume(0.5); d < 50 || d > 51 {
		t.Errorf("D50 = %v", d)
	}
}

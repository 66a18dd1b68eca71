package objective

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"

	"rtplan/internal/models"
	"rtplan/pkg/histogram"
)

func TestSigmoidInverse(t *testing.T) {
	for _, y := range []float64{1.1e-6, 1e-3, 0.1, 0.25, 0.5, 0.75, 0.9, 0.999, 1 - 1.1e-6} {
		if got := Sigmoid(InvSigmoid(y)); math.Abs(got-y) > 1e-9 {
			t.Errorf("Sigmoid(InvSigmoid(%v)) = %v", y, got)
		}
	}
}

func TestSigmoidSaturation(t *testing.T) {
	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"positive overflow", Sigmoid(1e6), 1},
		{"negative overflow", Sigmoid(-1e6), 0},
		{"derivative at +inf", DSigmoid(math.Inf(1)), 0},
		{"derivative at -inf", DSigmoid(math.Inf(-1)), 0},
		{"derivative at zero", DSigmoid(0), SigmoidScale / 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if math.Abs(tt.got-tt.want) > 1e-15 {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
	for _, y := range []float64{0, 1, -1, 2, math.NaN()} {
		if v := InvSigmoid(y); math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("InvSigmoid(%v) = %v, want a finite value", y, v)
		}
	}
}

func TestDSigmoidMatchesFiniteDifference(t *testing.T) {
	for _, x := range []float64{-8, -1, 0, 0.3, 5} {
		fd := (Sigmoid(x+1e-6) - Sigmoid(x-1e-6)) / 2e-6
		if math.Abs(fd-DSigmoid(x)) > 1e-8 {
			t.Errorf("DSigmoid(%v) = %v, finite difference %v", x, DSigmoid(x), fd)
		}
	}
}

// testRegion is a 12x12 region with a soft edge
func testRegion() *models.VolumeGrid {
	g := models.NewVolumeGrid(12, 12, 1, [3]float64{1, 1, 1})
	for y := 0; y < 12; y++ {
		for x := 0; x < 12; x++ {
			v := 1.0
			if x == 0 || y == 0 {
				v = 0.5
			}
			g.Set(x, y, 0, v)
		}
	}
	return g
}

func binTerm(t *testing.T, term *KLDivTerm, level int) *histogram.Histogram {
	h, err := term.Histogram(level)
	if err != nil {
		t.Fatalf("Histogram(%d) failed: %v", level, err)
	}
	h.SetSigma(0.025)
	if err := h.SetBinning(0, 0.0125, 120, 2); err != nil {
		t.Fatalf("SetBinning failed: %v", err)
	}
	return h
}

func TestTargetArea(t *testing.T) {
	region := testRegion()
	volume := region.Sum()

	tests := []struct {
		name     string
		set      func(*KLDivTerm) error
		fraction float64
	}{
		{"interval", func(k *KLDivTerm) error { return k.SetInterval(0.5, 0.8, 0.7, false) }, 0.7},
		{"interval with midpoint", func(k *KLDivTerm) error { return k.SetInterval(0.5, 0.8, 0.4, true) }, 0.4},
		{"ramp", func(k *KLDivTerm) error { return k.SetRamp(0.2, 0, 0.6, 1, 0.9) }, 0.9},
		{"dose-volume points", func(k *KLDivTerm) error {
			return k.SetDVPs([]DVP{{0.1, 1}, {0.3, 0.5}, {0.3, 0.4}, {0.9, 0}})
		}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			term, err := NewKLDivTerm("target", region, 1)
			if err != nil {
				t.Fatalf("NewKLDivTerm failed: %v", err)
			}
			if err := tt.set(term); err != nil {
				t.Fatalf("setting the target failed: %v", err)
			}
			h := binTerm(t, term, 0)
			bins, err := term.TargetBins(0)
			if err != nil {
				t.Fatalf("TargetBins failed: %v", err)
			}
			if got := floats.Sum(bins); math.Abs(got-tt.fraction*volume) > 1e-9 {
				t.Errorf("target area %v, want %v", got, tt.fraction*volume)
			}
			if bins[h.GetBinForValue(0.05)] != 0 {
				t.Error("target should be empty below the lowest dose")
			}
		})
	}
}

func TestInvalidTargets(t *testing.T) {
	term, err := NewKLDivTerm("bad", testRegion(), 1)
	if err != nil {
		t.Fatalf("NewKLDivTerm failed: %v", err)
	}
	tests := []struct {
		name string
		err  error
	}{
		{"inverted interval", term.SetInterval(0.8, 0.5, 1, false)},
		{"single point", term.SetDVPs([]DVP{{0.5, 1}})},
		{"rising fraction", term.SetDVPs([]DVP{{0.5, 0.2}, {0.6, 0.8}})},
		{"empty ramp", term.SetRamp(0.2, 0, 0.6, 0, 1)},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, ErrInvalidTarget) {
			t.Errorf("%s: expected ErrInvalidTarget, got %v", tt.name, tt.err)
		}
	}

	binTerm(t, term, 0)
	if _, err := term.Evaluate(0, nil); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("evaluation without a target: expected ErrInvalidTarget, got %v", err)
	}
}

// doseField returns w[0]*s1 + w[1]*s2 over the test region together with the sources
func doseField(w []float64) (*models.VolumeGrid, []*models.VolumeGrid) {
	s1 := models.NewVolumeGrid(12, 12, 1, [3]float64{1, 1, 1})
	s2 := models.NewVolumeGrid(12, 12, 1, [3]float64{1, 1, 1})
	for i := range s1.Data {
		s1.Data[i] = 0.3 + 0.0041*float64(i)
		s2.Data[i] = 0.5 + 0.3*math.Cos(0.7*float64(i))
	}
	dose := models.NewVolumeGrid(12, 12, 1, [3]float64{1, 1, 1})
	for i := range dose.Data {
		dose.Data[i] = w[0]*s1.Data[i] + w[1]*s2.Data[i]
	}
	return dose, []*models.VolumeGrid{s1, s2}
}

func TestMatchedHistogramHasZeroCost(t *testing.T) {
	term, err := NewKLDivTerm("matched", testRegion(), 1)
	if err != nil {
		t.Fatalf("NewKLDivTerm failed: %v", err)
	}
	h := binTerm(t, term, 0)
	dose, sources := doseField([]float64{0.6, 0.5})
	if err := h.SetDose(dose); err != nil {
		t.Fatalf("SetDose failed: %v", err)
	}
	for _, s := range sources {
		if _, err := h.AddDerivativeSource(s); err != nil {
			t.Fatalf("AddDerivativeSource failed: %v", err)
		}
	}
	if err := term.SetTargetBins(0, h.Bins()); err != nil {
		t.Fatalf("SetTargetBins failed: %v", err)
	}

	for _, c := range []Cost{RelativeEntropy, DiffSq} {
		term.SetCost(c)
		grad := make([]float64, 2)
		cost, err := term.Evaluate(0, grad)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if math.Abs(cost) > 1e-9 {
			t.Errorf("cost %d: matched histogram cost %v", c, cost)
		}
		for e, g := range grad {
			if math.Abs(g) > 1e-6 {
				t.Errorf("cost %d: gradient[%d] = %v, want about 0", c, e, g)
			}
		}
	}
}

func TestGradientMatchesFiniteDifference(t *testing.T) {
	for _, c := range []Cost{RelativeEntropy, DiffSq} {
		term, err := NewKLDivTerm("fd", testRegion(), 1)
		if err != nil {
			t.Fatalf("NewKLDivTerm failed: %v", err)
		}
		term.SetCost(c)
		term.SetWeight(3)
		if err := term.SetInterval(0.7, 0.9, 1, false); err != nil {
			t.Fatalf("SetInterval failed: %v", err)
		}
		h := binTerm(t, term, 0)

		weights := []float64{0.6, 0.5}
		dose, sources := doseField(weights)
		if err := h.SetDose(dose); err != nil {
			t.Fatalf("SetDose failed: %v", err)
		}
		for _, s := range sources {
			if _, err := h.AddDerivativeSource(s); err != nil {
				t.Fatalf("AddDerivativeSource failed: %v", err)
			}
		}

		grad := make([]float64, 2)
		if _, err := term.Evaluate(0, grad); err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		costAt := func(w []float64) float64 {
			d, _ := doseField(w)
			copy(dose.Data, d.Data)
			dose.VoxelsChanged()
			h.Invalidate()
			v, err := term.Evaluate(0, nil)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			return v
		}
		const step = 1e-8
		for e := range weights {
			w := append([]float64(nil), weights...)
			w[e] += step
			plus := costAt(w)
			w[e] -= 2 * step
			minus := costAt(w)
			fd := (plus - minus) / (2 * step)
			if math.Abs(fd-grad[e]) > 1e-4*(1+math.Abs(fd)) {
				t.Errorf("cost %d weight %d: gradient %v, finite difference %v", c, e, grad[e], fd)
			}
		}
	}
}

func TestEvaluateChecksGradientLength(t *testing.T) {
	term, err := NewKLDivTerm("len", testRegion(), 1)
	if err != nil {
		t.Fatalf("NewKLDivTerm failed: %v", err)
	}
	if err := term.SetInterval(0.5, 0.8, 1, false); err != nil {
		t.Fatalf("SetInterval failed: %v", err)
	}
	binTerm(t, term, 0)
	if _, err := term.Evaluate(0, make([]float64, 3)); !errors.Is(err, ErrGradientLength) {
		t.Errorf("expected ErrGradientLength, got %v", err)
	}
}

func TestLevels(t *testing.T) {
	term, err := NewKLDivTerm("levels", testRegion(), 3)
	if err != nil {
		t.Fatalf("NewKLDivTerm failed: %v", err)
	}
	wantWidth := []int{12, 6, 3}
	for n, w := range wantWidth {
		r, err := term.Region(n)
		if err != nil {
			t.Fatalf("Region(%d) failed: %v", n, err)
		}
		if r.Width != w || r.Height != w {
			t.Errorf("level %d region %dx%d, want %dx%d", n, r.Width, r.Height, w, w)
		}
	}
	if _, err := term.Region(3); err == nil {
		t.Error("expected an error past the last level")
	}

	if err := term.SetInterval(0.5, 0.8, 1, false); err != nil {
		t.Fatalf("SetInterval failed: %v", err)
	}
	for n := 0; n < 3; n++ {
		h := binTerm(t, term, n)
		bins, err := term.TargetBins(n)
		if err != nil {
			t.Fatalf("TargetBins(%d) failed: %v", n, err)
		}
		if math.Abs(floats.Sum(bins)-h.Volume()) > 1e-9 {
			t.Errorf("level %d target area %v, want %v", n, floats.Sum(bins), h.Volume())
		}
	}
}

func TestTotalEntropy(t *testing.T) {
	grad := make([]float64, 4)
	h := TotalEntropy([]float64{2, 2, 2, 2}, grad)
	if math.Abs(h-math.Log(4)) > 1e-12 {
		t.Errorf("uniform entropy %v, want %v", h, math.Log(4))
	}
	for i, g := range grad {
		if math.Abs(g) > 1e-12 {
			t.Errorf("uniform gradient[%d] = %v", i, g)
		}
	}

	sums := []float64{0.5, 1.5, 3, 0.2}
	TotalEntropy(sums, grad)
	for i := range sums {
		s := append([]float64(nil), sums...)
		s[i] += 1e-6
		plus := TotalEntropy(s, nil)
		s[i] -= 2e-6
		minus := TotalEntropy(s, nil)
		if fd := (plus - minus) / 2e-6; math.Abs(fd-grad[i]) > 1e-6 {
			t.Errorf("gradient[%d] = %v, finite difference %v", i, grad[i], fd)
		}
	}

	if TotalEntropy([]float64{0, 0}, grad) != 0 {
		t.Error("zero intensity should have zero entropy")
	}

	grad = make([]float64, 3)
	if h := TotalEntropy([]float64{0, 1, 1}, grad); math.Abs(h-math.Log(2)) > 1e-12 {
		t.Errorf("a dark beam should not count: entropy %v, want %v", h, math.Log(2))
	}
	if grad[0] != 0 {
		t.Errorf("dark beam gradient %v, want 0", grad[0])
	}
}

package dose

import (
	"context"
	"errors"
	"math"
	"testing"

	"rtplan/internal/models"
	"rtplan/pkg/beam"
	"rtplan/pkg/kernel"
)

func newTestEngine(t *testing.T) *Engine {
	k, err := kernel.NewSyntheticKernel(6)
	if err != nil {
		t.Fatalf("NewSyntheticKernel failed: %v", err)
	}
	opts := DefaultOptions()
	opts.Workers = 2
	e, err := NewEngine(k, opts)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

// slab returns a grid of unit density
func slab(w, h, d int) *models.VolumeGrid {
	g := models.NewVolumeGrid(w, h, d, [3]float64{1, 1, 1})
	g.Fill(1)
	return g
}

// cylinder returns a grid of unit density inside a cylinder along y
func cylinder(n int, radius float64) *models.VolumeGrid {
	g := models.NewVolumeGrid(n, n, n, [3]float64{1, 1, 1})
	c := float64(n / 2)
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				dx, dz := float64(x)-c, float64(z)-c
				if dx*dx+dz*dz <= radius*radius {
					g.Set(x, y, z, 1)
				}
			}
		}
	}
	return g
}

func argmax(g *models.VolumeGrid) (int, int, int) {
	best, bx, by, bz := math.Inf(-1), 0, 0, 0
	for z := 0; z < g.Depth; z++ {
		for y := 0; y < g.Height; y++ {
			for x := 0; x < g.Width; x++ {
				if v := g.At(x, y, z); v > best {
					best, bx, by, bz = v, x, y, z
				}
			}
		}
	}
	return bx, by, bz
}

func TestEdgeWeight(t *testing.T) {
	tests := []struct {
		name   string
		near   int
		lo, hi float64
		want   float64
	}{
		{"inside", 0, -3.2, 3.2, 1},
		{"outside low", -5, -3.2, 3.2, 0},
		{"outside high", 5, -3.2, 3.2, 0},
		{"low edge", -3, -3.2, 3.2, 0.7},
		{"high edge", 3, -3.2, 3.2, 0.7},
		{"both edges in one voxel", 0, -0.2, 0.3, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := edgeWeight(tt.near, tt.lo, tt.hi); math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("edgeWeight(%d, %v, %v) = %v, want %v", tt.near, tt.lo, tt.hi, got, tt.want)
			}
		})
	}
}

func TestComputeFluence(t *testing.T) {
	e := newTestEngine(t)
	density := slab(10, 15, 15)

	fluence, err := e.ComputeFluence(density, [2]float64{-0.5, -4}, [2]float64{0.5, 4}, 6, 10)
	if err != nil {
		t.Fatalf("ComputeFluence failed: %v", err)
	}
	cy, cz := density.Height/2, density.Depth/2

	for x := 0; x+1 < density.Width; x++ {
		if fluence.At(x, cy, cz) <= fluence.At(x+1, cy, cz) {
			t.Fatalf("axis fluence should attenuate with depth: %v at %d, %v at %d",
				fluence.At(x, cy, cz), x, fluence.At(x+1, cy, cz), x+1)
		}
	}
	if fluence.At(3, cy+2, cz) != 0 {
		t.Errorf("fluence outside the field: %v", fluence.At(3, cy+2, cz))
	}
	if fluence.At(3, cy, cz+6) != 0 {
		t.Errorf("fluence beyond the field height: %v", fluence.At(3, cy, cz+6))
	}
	if fluence.At(3, cy, cz+4) >= fluence.At(3, cy, cz) {
		t.Errorf("edge voxel should be partially weighted: edge %v centre %v",
			fluence.At(3, cy, cz+4), fluence.At(3, cy, cz))
	}

	if _, err := e.ComputeFluence(density, [2]float64{1, 0}, [2]float64{0, 0}, 6, 10); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for inverted field, got %v", err)
	}
}

func TestComputeBlockedFluence(t *testing.T) {
	e := newTestEngine(t)
	density := slab(10, 15, 15)
	minField, maxField := [2]float64{-4, -4}, [2]float64{4, 4}

	// the block shadows the half field z > 0.5
	aperture := beam.Aperture{{Name: "upper", Polygon: [][2]float64{{-10, 0.5}, {10, 0.5}, {10, 10}, {-10, 10}}}}
	blocked, err := e.ComputeBlockedFluence(density, minField, maxField, 4, 10, aperture)
	if err != nil {
		t.Fatalf("ComputeBlockedFluence failed: %v", err)
	}
	open, err := e.ComputeFluence(density, minField, maxField, 4, 10)
	if err != nil {
		t.Fatalf("ComputeFluence failed: %v", err)
	}

	cy, cz := density.Height/2, density.Depth/2
	if blocked.At(2, cy, cz+3) != 0 {
		t.Errorf("fluence behind the block: %v", blocked.At(2, cy, cz+3))
	}
	if got, want := blocked.At(2, cy, cz-3), open.At(2, cy, cz-3); math.Abs(got-want) > 1e-12 {
		t.Errorf("open half changed: %v, want %v", got, want)
	}

	none, err := e.ComputeBlockedFluence(density, minField, maxField, 4, 10, beam.Aperture(nil))
	if err != nil {
		t.Fatalf("ComputeBlockedFluence failed: %v", err)
	}
	for i := range none.Data {
		if none.Data[i] != open.Data[i] {
			t.Fatalf("an empty aperture should leave the field open at voxel %d", i)
		}
	}
}

func TestComputeDoseNarrowField(t *testing.T) {
	e := newTestEngine(t)
	density := slab(12, 15, 15)

	fluence, err := e.ComputeFluence(density, [2]float64{-0.5, -4}, [2]float64{0.5, 4}, 6, 12)
	if err != nil {
		t.Fatalf("ComputeFluence failed: %v", err)
	}
	dose, err := e.ComputeDose(context.Background(), density, fluence, 12)
	if err != nil {
		t.Fatalf("ComputeDose failed: %v", err)
	}

	if math.Abs(dose.Max()-1) > 1e-12 {
		t.Fatalf("dose should be normalised to 1, max %v", dose.Max())
	}
	cy, cz := density.Height/2, density.Depth/2
	mx, my, mz := argmax(dose)
	if my != cy {
		t.Errorf("maximum off the central axis: y=%d, want %d", my, cy)
	}
	if mz < cz-4 || mz > cz+4 {
		t.Errorf("maximum outside the field: z=%d", mz)
	}

	d := func(dy int) float64 { return dose.At(mx, cy+dy, cz) }
	if !(d(0) > d(1) && d(1) > d(3) && d(3) >= d(6)) {
		t.Errorf("lateral profile should fall off: %v %v %v %v", d(0), d(1), d(3), d(6))
	}
	for i, v := range dose.Data {
		if math.IsNaN(v) || v < 0 {
			t.Fatalf("voxel %d holds %v", i, v)
		}
	}
}

func TestComputeDoseZeroDensity(t *testing.T) {
	e := newTestEngine(t)
	density := models.NewVolumeGrid(8, 9, 9, [3]float64{1, 1, 1})

	fluence, err := e.ComputeFluence(density, [2]float64{-2, -2}, [2]float64{2, 2}, 4, 8)
	if err != nil {
		t.Fatalf("ComputeFluence failed: %v", err)
	}
	dose, err := e.ComputeDose(context.Background(), density, fluence, 8)
	if err != nil {
		t.Fatalf("ComputeDose failed: %v", err)
	}
	for i, v := range dose.Data {
		if v != 0 {
			t.Fatalf("voxel %d should be zero, got %v", i, v)
		}
	}
}

func TestComputeDoseShapeMismatch(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.ComputeDose(context.Background(), slab(4, 4, 4), slab(4, 4, 5), 4)
	if !errors.Is(err, models.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestComputeDoseCancelled(t *testing.T) {
	e := newTestEngine(t)
	density := slab(6, 7, 7)
	fluence, err := e.ComputeFluence(density, [2]float64{-1, -1}, [2]float64{1, 1}, 2, 6)
	if err != nil {
		t.Fatalf("ComputeFluence failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.ComputeDose(ctx, density, fluence, 6); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestComputeTermaConservesEnergy(t *testing.T) {
	e := newTestEngine(t)
	density := cylinder(15, 6)

	res, err := e.ComputeTerma(density, [2]float64{-3, -3}, [2]float64{3, 3}, 3, 15)
	if err != nil {
		t.Fatalf("ComputeTerma failed: %v", err)
	}
	if res.Terma.Sum() <= 0 {
		t.Fatal("no energy released")
	}
	if rel := math.Abs(res.Imbalance()) / res.Incident; rel > 1e-9 {
		t.Errorf("energy imbalance %v (incident %v, exit %v, released %v)",
			res.Imbalance(), res.Incident, res.Exit, res.Terma.Sum())
	}
	c := density.Height / 2
	if res.Terma.At(c, c, c) <= 0 {
		t.Error("central voxel should release energy")
	}
	if res.Terma.At(0, 0, 0) != 0 {
		t.Error("voxel outside the field and phantom should release nothing")
	}
}

func TestGeneratePencilBeams(t *testing.T) {
	e := newTestEngine(t)
	density := slab(8, 11, 9)

	planes, err := e.GeneratePencilBeams(context.Background(), density, nil, PencilBeamSpec{
		Shifts:       3,
		Width:        1,
		Height:       4,
		RaysPerVoxel: 4,
		Thickness:    8,
	})
	if err != nil {
		t.Fatalf("GeneratePencilBeams failed: %v", err)
	}
	if len(planes) != 3 {
		t.Fatalf("expected 3 planes, got %d", len(planes))
	}
	cy := density.Height / 2
	for n, p := range planes {
		if p.Width != 8 || p.Height != 11 || p.Depth != 1 {
			t.Fatalf("plane %d has shape %dx%dx%d", n, p.Width, p.Height, p.Depth)
		}
		_, y, _ := argmax(p)
		if want := cy + n - 1; y != want {
			t.Errorf("plane %d peaks at y=%d, want %d", n, y, want)
		}
	}
}

// TestEndToEndCylinder runs the full fluence and dose chain on a water
// cylinder and checks the dose peaks on the central axis.
func TestEndToEndCylinder(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end dose test in short mode")
	}

	e := newTestEngine(t)
	density := cylinder(31, 13)
	thickness := 20.0

	fluence, err := e.ComputeFluence(density, [2]float64{-0.5, -5}, [2]float64{0.5, 5}, 6, thickness)
	if err != nil {
		t.Fatalf("ComputeFluence failed: %v", err)
	}
	dose, err := e.ComputeDose(context.Background(), density, fluence, thickness)
	if err != nil {
		t.Fatalf("ComputeDose failed: %v", err)
	}

	if math.Abs(dose.Max()-1) > 1e-12 {
		t.Fatalf("dose should be normalised to 1, max %v", dose.Max())
	}
	c := density.Height / 2
	mx, my, _ := argmax(dose)
	if my != c {
		t.Errorf("maximum off the central axis: y=%d, want %d", my, c)
	}
	prev := dose.At(mx, c, c)
	for dy := 1; dy <= 4; dy++ {
		v := dose.At(mx, c+dy, c)
		if v > prev {
			t.Errorf("dose rises at lateral offset %d: %v > %v", dy, v, prev)
		}
		prev = v
	}
}

// TestEndToEndNarrowCollimator uses a ±0.1 × ±5 mm collimator at SSD 80
// on a 41³ water cylinder, six rays per voxel and a 20 mm slab.
func TestEndToEndNarrowCollimator(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end dose test in short mode")
	}

	k, err := kernel.NewSyntheticKernel(6)
	if err != nil {
		t.Fatalf("NewSyntheticKernel failed: %v", err)
	}
	opts := DefaultOptions()
	opts.SSD = 80
	e, err := NewEngine(k, opts)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	density := cylinder(41, 18)
	thickness := 20.0
	fluence, err := e.ComputeFluence(density, [2]float64{-0.1, -5}, [2]float64{0.1, 5}, 6, thickness)
	if err != nil {
		t.Fatalf("ComputeFluence failed: %v", err)
	}
	dose, err := e.ComputeDose(context.Background(), density, fluence, thickness)
	if err != nil {
		t.Fatalf("ComputeDose failed: %v", err)
	}

	c := density.Height / 2
	mx, my, _ := argmax(dose)
	if my != c {
		t.Errorf("maximum off the central axis: y=%d, want %d", my, c)
	}
	profile := make([]float64, 0, c)
	for dy := 0; c+dy < density.Height; dy++ {
		profile = append(profile, dose.At(mx, c+dy, c))
	}
	for dy := 1; dy < len(profile); dy++ {
		if profile[dy] > profile[dy-1] {
			t.Fatalf("lateral profile rises at offset %d: %v", dy, profile)
		}
	}
	if profile[len(profile)-1] >= profile[0] {
		t.Errorf("no lateral falloff: %v", profile)
	}
}

func BenchmarkComputeDose(b *testing.B) {
	k, err := kernel.NewSyntheticKernel(6)
	if err != nil {
		b.Fatalf("NewSyntheticKernel failed: %v", err)
	}
	e, err := NewEngine(k, DefaultOptions())
	if err != nil {
		b.Fatalf("NewEngine failed: %v", err)
	}
	density := slab(10, 15, 15)
	fluence, err := e.ComputeFluence(density, [2]float64{-2, -2}, [2]float64{2, 2}, 4, 10)
	if err != nil {
		b.Fatalf("ComputeFluence failed: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.ComputeDose(context.Background(), density, fluence, 10); err != nil {
			b.Fatalf("ComputeDose failed: %v", err)
		}
	}
}

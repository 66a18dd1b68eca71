package beam

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/gonum/floats"

	"rtplan/internal/models"
)

// createTempDir creates a temporary directory for test files
func createTempDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "rtplan-beam-test-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	return dir
}

func newCylinderBeam(t *testing.T, levels int) *Beam {
	b := New("test", 0)
	if err := b.BuildPyramid(NewCylinderSource(21, [3]float64{1, 1, 1}), levels); err != nil {
		t.Fatalf("BuildPyramid failed: %v", err)
	}
	return b
}

func TestFilterMatrix(t *testing.T) {
	m := FilterMatrix(4)
	want := [][]float64{
		{0.5, 0.25, 0, 0},
		{0.25, 0.5, 0.25, 0},
		{0, 0.25, 0.5, 0.25},
		{0, 0, 0.25, 0.5},
	}
	for i := range want {
		for j := range want[i] {
			if m.At(i, j) != want[i][j] {
				t.Fatalf("m[%d][%d] = %v, want %v", i, j, m.At(i, j), want[i][j])
			}
		}
	}
}

func TestInvFilter(t *testing.T) {
	tests := []struct {
		name    string
		weights []float64
		want    []float64
	}{
		{"single", []float64{1}, []float64{0.5, 1, 0.5}},
		{"flat", []float64{1, 1, 1}, []float64{0.5, 1, 1, 1, 1, 1, 0.5}},
		{"ramp", []float64{2, 4}, []float64{1, 2, 3, 4, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InvFilter(FilterMatrix(2*len(tt.weights)+1), tt.weights)
			if !floats.EqualApprox(got, tt.want, 1e-12) {
				t.Errorf("InvFilter(%v) = %v, want %v", tt.weights, got, tt.want)
			}
		})
	}
}

func TestBuildPyramid(t *testing.T) {
	b := newCylinderBeam(t, 3)

	wantCounts := []int{15, 7, 3}
	if len(b.Levels) != len(wantCounts) {
		t.Fatalf("expected %d levels, got %d", len(wantCounts), len(b.Levels))
	}
	size := DoseGridSize(15)
	for n, l := range b.Levels {
		if l.Count() != wantCounts[n] || len(l.Weights) != wantCounts[n] {
			t.Fatalf("level %d: %d beamlets and %d weights, want %d", n, l.Count(), len(l.Weights), wantCounts[n])
		}
		if l.Beamlets[0].Width != size {
			t.Errorf("level %d grid width %d, want %d", n, l.Beamlets[0].Width, size)
		}
		size = (size + 1) / 2
	}

	// the central beamlet peaks on the grid centre row
	centre := b.Levels[0].Beamlet(0)
	mid := centre.Height / 2
	if centre.Sum() <= 0 || centre.At(mid, mid, 0) <= centre.At(mid, mid+3, 0) {
		t.Errorf("central beamlet not centred: %v at centre, %v off axis",
			centre.At(mid, mid, 0), centre.At(mid, mid+3, 0))
	}

	if _, err := b.FilterMatrix(2); err != nil {
		t.Errorf("FilterMatrix(2) failed: %v", err)
	}
	if _, err := b.FilterMatrix(3); !errors.Is(err, ErrNoLevel) {
		t.Errorf("expected ErrNoLevel, got %v", err)
	}
}

func TestDeriveCoarserLevelDeterministic(t *testing.T) {
	b := newCylinderBeam(t, 2)

	first, err := DeriveCoarserLevel(b.Levels[0])
	if err != nil {
		t.Fatalf("DeriveCoarserLevel failed: %v", err)
	}
	second, err := DeriveCoarserLevel(b.Levels[0])
	if err != nil {
		t.Fatalf("DeriveCoarserLevel failed: %v", err)
	}
	for i := range first.Beamlets {
		a, c := first.Beamlets[i].Data, second.Beamlets[i].Data
		for v := range a {
			if a[v] != c[v] {
				t.Fatalf("beamlet %d voxel %d differs: %v != %v", i, v, a[v], c[v])
			}
		}
		stored := b.Levels[1].Beamlets[i].Data
		for v := range a {
			if a[v] != stored[v] {
				t.Fatalf("beamlet %d voxel %d differs from the pyramid", i, v)
			}
		}
	}
}

func TestIntensityMapAndDose(t *testing.T) {
	b := newCylinderBeam(t, 2)

	if err := b.SetIntensityMap(1, []float64{1, 2}); !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}
	if err := b.SetIntensityMap(5, []float64{1}); !errors.Is(err, ErrNoLevel) {
		t.Fatalf("expected ErrNoLevel, got %v", err)
	}

	weights := []float64{0.2, 1, 0.5}
	if err := b.SetIntensityMap(1, weights); err != nil {
		t.Fatalf("SetIntensityMap failed: %v", err)
	}
	if b.DoseValid(1) {
		t.Fatal("dose should be invalid after a weight change")
	}
	d, err := b.Dose(1)
	if err != nil {
		t.Fatalf("Dose failed: %v", err)
	}
	if !b.DoseValid(1) {
		t.Fatal("dose should be cached")
	}

	want := 0.0
	for i, w := range weights {
		want += w * b.Levels[1].Beamlets[i].Sum()
	}
	if math.Abs(d.Sum()-want) > 1e-9*math.Abs(want) {
		t.Errorf("dose sum %v, want %v", d.Sum(), want)
	}

	b.SetWeight(2)
	if b.DoseValid(1) {
		t.Fatal("beam weight change should invalidate the dose")
	}
	d, err = b.Dose(1)
	if err != nil {
		t.Fatalf("Dose failed: %v", err)
	}
	if math.Abs(d.Sum()-2*want) > 1e-9*math.Abs(want) {
		t.Errorf("weighted dose sum %v, want %v", d.Sum(), 2*want)
	}

	finer, err := b.InvFilterIntensityMap(1, weights)
	if err != nil {
		t.Fatalf("InvFilterIntensityMap failed: %v", err)
	}
	if len(finer) != b.Levels[0].Count() {
		t.Fatalf("inverse filtered map has %d entries, want %d", len(finer), b.Levels[0].Count())
	}
}

func TestGeometry(t *testing.T) {
	tests := []struct {
		name   string
		gantry float64
		want   [3]float64
	}{
		{"gantry zero", 0, [3]float64{0, 0, 700}},
		{"gantry quarter", math.Pi / 2, [3]float64{700, 0, 0}},
		{"gantry half", math.Pi, [3]float64{0, 0, -700}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("g", tt.gantry)
			got := b.SourcePosition()
			if !floats.EqualApprox(got[:], tt.want[:], 1e-9) {
				t.Errorf("SourcePosition() = %v, want %v", got, tt.want)
			}
		})
	}

	b := New("offset", 0)
	b.TableOffset = [3]float64{10, 0, 0}
	got := b.SourcePosition()
	if math.Abs(got[0]+10) > 1e-9 {
		t.Errorf("table offset should shift the source, got %v", got)
	}
}

func TestBlocks(t *testing.T) {
	b := New("blocked", 0)
	b.Blocks = []Block{{Name: "corner", Polygon: [][2]float64{{0, 0}, {10, 0}, {10, 10}, {0, 10}}}}

	if !b.IsBlocked(5, 5) {
		t.Error("point inside the block should be blocked")
	}
	if b.IsBlocked(-5, 5) || b.IsBlocked(5, 15) {
		t.Error("points outside the block should be open")
	}
}

func TestGridSource(t *testing.T) {
	planes := make([]*models.VolumeGrid, 3)
	for i := range planes {
		planes[i] = models.NewVolumeGrid(9, 9, 1, [3]float64{1, 1, 1})
		planes[i].Set(4, 3+i, 0, 1)
	}
	src := &GridSource{Planes: planes}

	p, err := src.Beamlet(1)
	if err != nil {
		t.Fatalf("Beamlet(1) failed: %v", err)
	}
	if p.At(4, 5, 0) != 1 {
		t.Error("shift 1 should return the last plane")
	}
	if _, err := src.Beamlet(2); !errors.Is(err, ErrShiftOutOfRange) {
		t.Errorf("expected ErrShiftOutOfRange, got %v", err)
	}
	if src.Centre() != [2]float64{4, 4} {
		t.Errorf("unexpected centre %v", src.Centre())
	}
}

func writeLibraryFile(t *testing.T, dir string, shift int, peak float64) {
	path := filepath.Join(dir, fmt.Sprintf("output%d", shift+50))
	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatalf("Failed to create library dir: %v", err)
	}
	var sb strings.Builder
	sb.WriteString("\n")
	for y := 0; y < LibrarySize; y++ {
		for x := 0; x < LibrarySize; x++ {
			v := 0.0
			if x == LibrarySize/2 && y == LibrarySize/2 {
				v = peak
			}
			if x > 0 {
				sb.WriteString(" ")
			}
			fmt.Fprintf(&sb, "%g", v)
		}
		sb.WriteString("\n")
	}
	if err := os.WriteFile(filepath.Join(path, "format_dose.dat"), []byte(sb.String()), 0644); err != nil {
		t.Fatalf("Failed to write library file: %v", err)
	}
}

func TestLibrarySource(t *testing.T) {
	tmpDir := createTempDir(t)
	defer os.RemoveAll(tmpDir)

	for shift := -1; shift <= 1; shift++ {
		writeLibraryFile(t, tmpDir, shift, float64(shift+2))
	}

	b := New("library", 0)
	src := &LibrarySource{Dir: tmpDir, Spacing: [3]float64{1, 1, 1}}
	if err := b.GenerateBaseLevel(src, 1); err != nil {
		t.Fatalf("GenerateBaseLevel failed: %v", err)
	}
	size := DoseGridSize(3)
	c := size / 2
	for shift := -1; shift <= 1; shift++ {
		g := b.Levels[0].Beamlet(shift)
		if g.Width != size || g.Height != size {
			t.Fatalf("beamlet %d has size %dx%d, want %d", shift, g.Width, g.Height, size)
		}
		if math.Abs(g.At(c, c, 0)-float64(shift+2)) > 1e-12 {
			t.Errorf("beamlet %d centre %v, want %v", shift, g.At(c, c, 0), shift+2)
		}
	}

	missing := &LibrarySource{Dir: filepath.Join(tmpDir, "absent"), Spacing: [3]float64{1, 1, 1}}
	err := b.GenerateBaseLevel(missing, 1)
	if err == nil || !strings.Contains(err.Error(), "format_dose.dat") {
		t.Fatalf("expected error naming the beamlet file, got %v", err)
	}
}

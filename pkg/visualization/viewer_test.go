package visualization

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"rtplan/internal/models"
	"rtplan/pkg/histogram"
)

// gradientDose returns a dose whose z planes hold z/depth
func gradientDose(width, height, depth int) *models.VolumeGrid {
	g := models.NewVolumeGrid(width, height, depth, [3]float64{1, 1, 1})
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				g.Set(x, y, z, float64(z)/float64(depth))
			}
		}
	}
	g.VoxelsChanged()
	return g
}

// TestExtractSlice verifies that slices are correctly extracted from the dose
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 8, 5
	viewer := NewViewer(gradientDose(width, height, depth))
	viewer.Reference = 1

	for z := 0; z < depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}

		bounds := img.Bounds()
		if bounds.Dx() != width || bounds.Dy() != height {
			t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d",
				width, height, bounds.Dx(), bounds.Dy())
		}

		rgba, ok := img.(*image.RGBA)
		if !ok {
			t.Fatalf("Expected *image.RGBA, got %T", img)
		}
		want := float64(z) / float64(depth) * 255
		got := float64(rgba.RGBAAt(width/2, height/2).R)
		if got < want-1 || got > want+1 {
			t.Errorf("Expected Z slice value ~%.0f at center, got %.0f", want, got)
		}
	}

	tests := []struct {
		axis string
		w, h int
	}{
		{"x", depth, height},
		{"y", width, depth},
	}
	for _, tt := range tests {
		t.Run(tt.axis, func(t *testing.T) {
			img, err := viewer.ExtractSlice(tt.axis, 2)
			if err != nil {
				t.Fatalf("Failed to extract %s slice: %v", tt.axis, err)
			}
			if b := img.Bounds(); b.Dx() != tt.w || b.Dy() != tt.h {
				t.Errorf("Expected %s slice dimensions %dx%d, got %dx%d", tt.axis, tt.w, tt.h, b.Dx(), b.Dy())
			}
		})
	}

	if _, err := viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if _, err := viewer.ExtractSlice("z", depth+1); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
}

func TestOutline(t *testing.T) {
	dose := gradientDose(9, 9, 1)
	region := models.NewVolumeGrid(9, 9, 1, [3]float64{1, 1, 1})
	for y := 2; y <= 6; y++ {
		for x := 2; x <= 6; x++ {
			region.Set(x, y, 0, 1)
		}
	}

	viewer := NewViewer(dose)
	red := color.RGBA{R: 255, A: 255}
	if err := viewer.AddOutline(region, red); err != nil {
		t.Fatalf("AddOutline failed: %v", err)
	}
	if err := viewer.AddOutline(models.NewVolumeGrid(3, 3, 1, [3]float64{1, 1, 1}), red); !errors.Is(err, models.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}

	img, err := viewer.ExtractSlice("z", 0)
	if err != nil {
		t.Fatalf("ExtractSlice failed: %v", err)
	}
	rgba := img.(*image.RGBA)
	if rgba.RGBAAt(2, 4) != red || rgba.RGBAAt(6, 6) != red {
		t.Error("expected the region border to be outlined")
	}
	if rgba.RGBAAt(4, 4) == red || rgba.RGBAAt(0, 0) == red {
		t.Error("expected the interior and exterior to keep the dose")
	}
}

// TestSaveSliceSequence verifies that a sequence of slices can be saved
func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	tempDir, err := os.MkdirTemp("", "viewer-sequence-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	depth := 3
	viewer := NewViewer(gradientDose(5, 5, depth))

	outputDir := filepath.Join(tempDir, "slices")
	if err := viewer.SaveSliceSequence("z", outputDir); err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}

	for z := 0; z < depth; z++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("dose_z_%03d.jpg", z))
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Expected slice file does not exist: %s", filename)
		}
	}

	if err := viewer.SaveSliceSequence("invalid", outputDir); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
}

func newCurve(t *testing.T, name string, value float64) Curve {
	dose := models.NewVolumeGrid(4, 1, 1, [3]float64{1, 1, 1})
	dose.Fill(value)
	h, err := histogram.New(dose, nil)
	if err != nil {
		t.Fatalf("histogram.New failed: %v", err)
	}
	if err := h.SetBinning(0, 0.25, 5, 0); err != nil {
		t.Fatalf("SetBinning failed: %v", err)
	}
	return Curve{Name: name, Histogram: h}
}

func TestWriteDVH(t *testing.T) {
	var buf bytes.Buffer
	curves := []Curve{newCurve(t, "target", 0.5), newCurve(t, "cord", 0.25)}
	if err := WriteDVH(&buf, curves); err != nil {
		t.Fatalf("WriteDVH failed: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse CSV: %v", err)
	}
	if len(rows) != 6 || len(rows[0]) != 3 || rows[0][1] != "target" {
		t.Fatalf("unexpected table %v", rows)
	}

	// the whole target sits on node 2 (0.5), the cord on node 1 (0.25)
	want := [][2]float64{{1, 1}, {1, 1}, {1, 0}, {0, 0}, {0, 0}}
	for n, w := range want {
		for i := 0; i < 2; i++ {
			got, err := strconv.ParseFloat(rows[n+1][i+1], 64)
			if err != nil || got != w[i] {
				t.Errorf("row %d column %d: got %q, want %v", n, i, rows[n+1][i+1], w[i])
			}
		}
	}

	mismatched := newCurve(t, "body", 0.5)
	if err := mismatched.Histogram.SetBinning(0, 0.5, 5, 0); err != nil {
		t.Fatalf("SetBinning failed: %v", err)
	}
	if err := WriteDVH(&buf, []Curve{curves[0], mismatched}); !errors.Is(err, histogram.ErrBinningMismatch) {
		t.Errorf("expected ErrBinningMismatch, got %v", err)
	}
}

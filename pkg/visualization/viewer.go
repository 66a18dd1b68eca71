// Package visualization exports dose distributions as images and dose
// volume histograms as tables.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"rtplan/internal/models"
)

// Viewer renders planes of a dose grid. Doses are scaled so that
// Reference maps to full intensity; structure outlines are drawn on top.
type Viewer struct {
	dose *models.VolumeGrid

	// Reference is the dose drawn at full intensity
	Reference float64

	outlines []outline
}

type outline struct {
	region *models.VolumeGrid
	colour color.RGBA
}

// NewViewer creates a viewer scaled to the maximum of dose
func NewViewer(dose *models.VolumeGrid) *Viewer {
	ref := dose.Max()
	if ref <= 0 {
		ref = 1
	}
	return &Viewer{dose: dose, Reference: ref}
}

// AddOutline draws the border of region in colour on every slice
func (v *Viewer) AddOutline(region *models.VolumeGrid, colour color.RGBA) error {
	if !region.SameShape(v.dose) {
		return fmt.Errorf("outline %dx%dx%d on dose %dx%dx%d: %w", region.Width, region.Height, region.Depth,
			v.dose.Width, v.dose.Height, v.dose.Depth, models.ErrShapeMismatch)
	}
	v.outlines = append(v.outlines, outline{region: region, colour: colour})
	return nil
}

// ExtractSlice renders the plane at position along axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	g := v.dose

	// image column u and row r map to voxel (x, y, z)
	var w, h int
	var voxel func(u, r int) (int, int, int)
	switch axis {
	case "x", "X":
		if position >= g.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, g.Width)
		}
		w, h = g.Depth, g.Height
		voxel = func(u, r int) (int, int, int) { return position, r, u }
	case "y", "Y":
		if position >= g.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, g.Height)
		}
		w, h = g.Width, g.Depth
		voxel = func(u, r int) (int, int, int) { return u, position, r }
	case "z", "Z":
		if position >= g.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, g.Depth)
		}
		w, h = g.Width, g.Height
		voxel = func(u, r int) (int, int, int) { return u, r, position }
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for r := 0; r < h; r++ {
		for u := 0; u < w; u++ {
			x, y, z := voxel(u, r)
			level := uint8(math.Max(0, math.Min(255, g.At(x, y, z)/v.Reference*255)))
			img.SetRGBA(u, r, color.RGBA{R: level, G: level, B: level, A: 255})
		}
	}

	for _, o := range v.outlines {
		for r := 0; r < h; r++ {
			for u := 0; u < w; u++ {
				x, y, z := voxel(u, r)
				if isBorder(o.region, x, y, z) {
					img.SetRGBA(u, r, o.colour)
				}
			}
		}
	}
	return img, nil
}

// isBorder reports whether (x, y, z) is inside region with an in-plane
// neighbour outside it
func isBorder(region *models.VolumeGrid, x, y, z int) bool {
	if region.At(x, y, z) <= 0.5 {
		return false
	}
	for _, d := range [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
		nx, ny := x+d[0], y+d[1]
		if !region.InBounds(nx, ny, z) || region.At(nx, ny, z) <= 0.5 {
			return true
		}
	}
	return false
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.dose.Width
	case "y", "Y":
		maxPos = v.dose.Height
	case "z", "Z":
		maxPos = v.dose.Depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("dose_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return fmt.Errorf("failed to save %s: %w", filename, err)
		}
	}

	return nil
}

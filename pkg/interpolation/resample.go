package interpolation

import (
	"math"

	"rtplan/internal/models"
)

// Resample fills dst by trilinear interpolation of src at the physical
// centre of every dst voxel. dst keeps its own shape and basis; samples
// falling outside src are zero. Single-plane grids interpolate in 2D.
func Resample(src, dst *models.VolumeGrid) {
	for z := 0; z < dst.Depth; z++ {
		for y := 0; y < dst.Height; y++ {
			for x := 0; x < dst.Width; x++ {
				p := dst.Basis.Position(float64(x), float64(y), float64(z))
				sx := (p[0] - src.Basis.Origin[0]) / src.Basis.Spacing[0]
				sy := (p[1] - src.Basis.Origin[1]) / src.Basis.Spacing[1]
				sz := 0.0
				if src.Depth > 1 {
					sz = (p[2] - src.Basis.Origin[2]) / src.Basis.Spacing[2]
				}
				dst.Data[dst.Index(x, y, z)] = Trilinear(src, sx, sy, sz)
			}
		}
	}
	dst.VoxelsChanged()
}

// Trilinear samples src at continuous voxel coordinates. Coordinates more
// than half a voxel outside the grid return 0; inside that margin the edge
// voxel is repeated.
func Trilinear(src *models.VolumeGrid, fx, fy, fz float64) float64 {
	if fx < -0.5 || fy < -0.5 || fz < -0.5 ||
		fx > float64(src.Width)-0.5 || fy > float64(src.Height)-0.5 || fz > float64(src.Depth)-0.5 {
		return 0
	}
	fx = clampCoord(fx, src.Width)
	fy = clampCoord(fy, src.Height)
	fz = clampCoord(fz, src.Depth)

	x0, y0, z0 := int(math.Floor(fx)), int(math.Floor(fy)), int(math.Floor(fz))
	x1, y1, z1 := minInt(x0+1, src.Width-1), minInt(y0+1, src.Height-1), minInt(z0+1, src.Depth-1)
	tx, ty, tz := fx-float64(x0), fy-float64(y0), fz-float64(z0)

	c00 := lerp(src.At(x0, y0, z0), src.At(x1, y0, z0), tx)
	c10 := lerp(src.At(x0, y1, z0), src.At(x1, y1, z0), tx)
	c01 := lerp(src.At(x0, y0, z1), src.At(x1, y0, z1), tx)
	c11 := lerp(src.At(x0, y1, z1), src.At(x1, y1, z1), tx)
	return lerp(lerp(c00, c10, ty), lerp(c01, c11, ty), tz)
}

// Rotate resamples every z-plane of src into dst, rotated by angle
// (radians, counter-clockwise) so that srcCentre lands on dstCentre.
// Both centres are in voxel coordinates (x, y).
func Rotate(src *models.VolumeGrid, srcCentre [2]float64, angle float64,
	dst *models.VolumeGrid, dstCentre [2]float64) {
	c, s := math.Cos(angle), math.Sin(angle)
	depth := minInt(src.Depth, dst.Depth)
	for z := 0; z < depth; z++ {
		for y := 0; y < dst.Height; y++ {
			for x := 0; x < dst.Width; x++ {
				rx := float64(x) - dstCentre[0]
				ry := float64(y) - dstCentre[1]
				// inverse rotation back into the source frame
				sx := c*rx + s*ry + srcCentre[0]
				sy := -s*rx + c*ry + srcCentre[1]
				dst.Data[dst.Index(x, y, z)] = Trilinear(src, sx, sy, float64(z))
			}
		}
	}
	dst.VoxelsChanged()
}

func clampCoord(v float64, n int) float64 {
	if v < 0 {
		return 0
	}
	if v > float64(n-1) {
		return float64(n - 1)
	}
	return v
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

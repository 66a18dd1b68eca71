// Package interpolation provides the grid filtering and resampling
// operations used to build multi-resolution pyramids: binomial smoothing,
// decimation, trilinear resampling and in-plane rotation.
package interpolation

import (
	"gonum.org/v1/gonum/floats"

	"rtplan/internal/models"
)

// BinomialRow returns row n-1 of Pascal's triangle normalised to sum 1.
// BinomialRow(5) is [1 4 6 4 1]/16.
func BinomialRow(n int) []float64 {
	if n < 1 {
		n = 1
	}
	row := make([]float64, n)
	row[0] = 1
	for i := 1; i < n; i++ {
		for j := i; j > 0; j-- {
			row[j] += row[j-1]
		}
	}
	floats.Scale(1/floats.Sum(row), row)
	return row
}

// BinomialKernel returns the separable n×n binomial kernel, normalised to sum 1.
// The 5×5 kernel equals [1 4 6 4 1]⊗[1 4 6 4 1]/256.
func BinomialKernel(n int) [][]float64 {
	row := BinomialRow(n)
	kernel := make([][]float64, len(row))
	for y := range row {
		kernel[y] = make([]float64, len(row))
		for x := range row {
			kernel[y][x] = row[y] * row[x]
		}
	}
	return kernel
}

// Convolve smooths every z-plane of src with a 2D kernel centred on its
// middle element. Samples outside the plane contribute nothing.
func Convolve(src *models.VolumeGrid, kernel [][]float64) *models.VolumeGrid {
	dst := &models.VolumeGrid{}
	dst.ConformTo(src)
	if len(kernel) == 0 {
		copy(dst.Data, src.Data)
		dst.VoxelsChanged()
		return dst
	}

	ky := len(kernel) / 2
	kx := len(kernel[0]) / 2
	for z := 0; z < src.Depth; z++ {
		for y := 0; y < src.Height; y++ {
			for x := 0; x < src.Width; x++ {
				sum := 0.0
				for dy := -ky; dy <= ky; dy++ {
					sy := y + dy
					if sy < 0 || sy >= src.Height {
						continue
					}
					row := kernel[dy+ky]
					for dx := -kx; dx <= kx; dx++ {
						sx := x + dx
						if sx < 0 || sx >= src.Width {
							continue
						}
						sum += row[dx+kx] * src.Data[src.Index(sx, sy, z)]
					}
				}
				dst.Data[dst.Index(x, y, z)] = sum
			}
		}
	}
	dst.VoxelsChanged()
	return dst
}

// Decimate keeps the even-indexed columns and rows of every z-plane.
// The result is ((w+1)/2)×((h+1)/2)×d with doubled in-plane spacing.
func Decimate(src *models.VolumeGrid) *models.VolumeGrid {
	w := (src.Width + 1) / 2
	h := (src.Height + 1) / 2
	spacing := src.Basis.Spacing
	spacing[0] *= 2
	spacing[1] *= 2
	dst := models.NewVolumeGrid(w, h, src.Depth, spacing)
	dst.Basis.Origin = src.Basis.Origin

	for z := 0; z < src.Depth; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst.Data[dst.Index(x, y, z)] = src.Data[src.Index(2*x, 2*y, z)]
			}
		}
	}
	dst.VoxelsChanged()
	return dst
}

// SmoothDecimate applies the n×n binomial kernel and then decimates.
// This is the reduction step shared by beamlet and region pyramids.
func SmoothDecimate(src *models.VolumeGrid, n int) *models.VolumeGrid {
	return Decimate(Convolve(src, BinomialKernel(n)))
}

package models

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// ErrShapeMismatch is returned when two grids that must share dimensions do not.
var ErrShapeMismatch = errors.New("grid shape mismatch")

// Basis maps voxel indices to physical coordinates
type Basis struct {
	// Origin is the physical position of voxel (0,0,0) in mm
	Origin [3]float64

	// Spacing is the physical size of a voxel along x, y and z in mm
	Spacing [3]float64
}

// Position returns the physical coordinates of the voxel centre (x, y, z)
func (b Basis) Position(x, y, z float64) [3]float64 {
	return [3]float64{
		b.Origin[0] + x*b.Spacing[0],
		b.Origin[1] + y*b.Spacing[1],
		b.Origin[2] + z*b.Spacing[2],
	}
}

// VolumeGrid is a dense 3D scalar field (density, fluence, dose, region mask)
type VolumeGrid struct {
	// Data is the voxel data as a 1D array in row-major order (z, y, x)
	Data []float64

	// Width is the number of voxels along x
	Width int

	// Height is the number of voxels along y
	Height int

	// Depth is the number of voxels along z
	Depth int

	// Basis places the grid in physical space
	Basis Basis

	// cached statistics, valid while statsValid is set
	min, max, sum float64
	statsValid    bool
}

// NewVolumeGrid allocates a zeroed grid with the given dimensions and voxel spacing
func NewVolumeGrid(width, height, depth int, spacing [3]float64) *VolumeGrid {
	if width < 0 || height < 0 || depth < 0 {
		width, height, depth = 0, 0, 0
	}
	return &VolumeGrid{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
		Basis:  Basis{Spacing: spacing},
	}
}

// Len returns the voxel count
func (g *VolumeGrid) Len() int { return g.Width * g.Height * g.Depth }

// Index returns the flat index of voxel (x, y, z)
func (g *VolumeGrid) Index(x, y, z int) int {
	return z*g.Width*g.Height + y*g.Width + x
}

// InBounds reports whether (x, y, z) addresses a voxel of the grid
func (g *VolumeGrid) InBounds(x, y, z int) bool {
	return x >= 0 && x < g.Width && y >= 0 && y < g.Height && z >= 0 && z < g.Depth
}

// At returns the voxel value at (x, y, z)
func (g *VolumeGrid) At(x, y, z int) float64 {
	return g.Data[g.Index(x, y, z)]
}

// Set writes a voxel value and invalidates the cached statistics
func (g *VolumeGrid) Set(x, y, z int, v float64) {
	g.Data[g.Index(x, y, z)] = v
	g.statsValid = false
}

// VoxelsChanged must be called after writing Data directly.
func (g *VolumeGrid) VoxelsChanged() {
	g.statsValid = false
}

// SameShape reports whether both grids have identical dimensions
func (g *VolumeGrid) SameShape(other *VolumeGrid) bool {
	return g.Width == other.Width && g.Height == other.Height && g.Depth == other.Depth
}

// ConformTo reshapes g to other's dimensions and basis. Voxels are zeroed.
func (g *VolumeGrid) ConformTo(other *VolumeGrid) {
	n := other.Len()
	if cap(g.Data) >= n {
		g.Data = g.Data[:n]
	} else {
		g.Data = make([]float64, n)
	}
	g.Width, g.Height, g.Depth = other.Width, other.Height, other.Depth
	g.Basis = other.Basis
	g.Clear()
}

// Clone returns a deep copy of the grid
func (g *VolumeGrid) Clone() *VolumeGrid {
	c := &VolumeGrid{
		Data:   make([]float64, len(g.Data)),
		Width:  g.Width,
		Height: g.Height,
		Depth:  g.Depth,
		Basis:  g.Basis,
	}
	copy(c.Data, g.Data)
	return c
}

// Clear zeroes every voxel
func (g *VolumeGrid) Clear() {
	for i := range g.Data {
		g.Data[i] = 0
	}
	g.statsValid = false
}

// Fill sets every voxel to v
func (g *VolumeGrid) Fill(v float64) {
	for i := range g.Data {
		g.Data[i] = v
	}
	g.statsValid = false
}

// Scale multiplies every voxel by f
func (g *VolumeGrid) Scale(f float64) {
	floats.Scale(f, g.Data)
	g.statsValid = false
}

// Accumulate adds weight*other into g voxel by voxel
func (g *VolumeGrid) Accumulate(other *VolumeGrid, weight float64) error {
	if !g.SameShape(other) {
		return fmt.Errorf("accumulate %dx%dx%d into %dx%dx%d: %w",
			other.Width, other.Height, other.Depth, g.Width, g.Height, g.Depth, ErrShapeMismatch)
	}
	floats.AddScaled(g.Data, weight, other.Data)
	g.statsValid = false
	return nil
}

// Min returns the smallest voxel value
func (g *VolumeGrid) Min() float64 {
	g.refreshStats()
	return g.min
}

// Max returns the largest voxel value
func (g *VolumeGrid) Max() float64 {
	g.refreshStats()
	return g.max
}

// Sum returns the sum of all voxel values
func (g *VolumeGrid) Sum() float64 {
	g.refreshStats()
	return g.sum
}

// StatsValid reports whether the cached min/max/sum are current
func (g *VolumeGrid) StatsValid() bool { return g.statsValid }

func (g *VolumeGrid) refreshStats() {
	if g.statsValid {
		return
	}
	if len(g.Data) == 0 {
		g.min, g.max, g.sum = 0, 0, 0
	} else {
		g.min = floats.Min(g.Data)
		g.max = floats.Max(g.Data)
		g.sum = floats.Sum(g.Data)
	}
	g.statsValid = true
}

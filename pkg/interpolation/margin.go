package interpolation

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"

	"rtplan/internal/models"
)

// ErrEmptyRegion is returned when a margin is requested around an empty region
var ErrEmptyRegion = errors.New("region has no voxels")

// regionThreshold separates inside from outside voxels of a weight mask
const regionThreshold = 0.5

// Point3D represents a physical position in mm
type Point3D struct {
	X, Y, Z float64
}

// Compare implements the kdtree.Comparable interface
func (p Point3D) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Point3D)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p Point3D) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p Point3D) Distance(c kdtree.Comparable) float64 {
	q := c.(Point3D)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// Points3D is a collection of Point3D that satisfies kdtree.Interface
type Points3D []Point3D

func (p Points3D) Index(i int) kdtree.Comparable         { return p[i] }
func (p Points3D) Len() int                              { return len(p) }
func (p Points3D) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p Points3D) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{Points3D: p, Dim: d}, kdtree.MedianOfRandoms(pointPlane{Points3D: p, Dim: d}, 100))
}

// pointPlane implements sort.Interface and kdtree.SortSlicer for Points3D
type pointPlane struct {
	Points3D
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.Points3D[i].X < p.Points3D[j].X
	case 1:
		return p.Points3D[i].Y < p.Points3D[j].Y
	case 2:
		return p.Points3D[i].Z < p.Points3D[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{Points3D: p.Points3D[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.Points3D[i], p.Points3D[j] = p.Points3D[j], p.Points3D[i]
}

func position(g *models.VolumeGrid, x, y, z int) Point3D {
	pos := g.Basis.Position(float64(x), float64(y), float64(z))
	return Point3D{X: pos[0], Y: pos[1], Z: pos[2]}
}

// DistanceMap returns, for every voxel of region, the physical distance
// in mm to the nearest voxel inside it; inside voxels are 0.
func DistanceMap(region *models.VolumeGrid) (*models.VolumeGrid, error) {
	var points Points3D
	for z := 0; z < region.Depth; z++ {
		for y := 0; y < region.Height; y++ {
			for x := 0; x < region.Width; x++ {
				if region.At(x, y, z) > regionThreshold {
					points = append(points, position(region, x, y, z))
				}
			}
		}
	}
	if len(points) == 0 {
		return nil, ErrEmptyRegion
	}
	tree := kdtree.New(points, false)

	dist := &models.VolumeGrid{}
	dist.ConformTo(region)
	for z := 0; z < region.Depth; z++ {
		for y := 0; y < region.Height; y++ {
			for x := 0; x < region.Width; x++ {
				if region.At(x, y, z) > regionThreshold {
					continue
				}
				_, d2 := tree.Nearest(position(region, x, y, z))
				dist.Set(x, y, z, math.Sqrt(d2))
			}
		}
	}
	dist.VoxelsChanged()
	return dist, nil
}

// Expand grows region by margin mm: every voxel within margin of the
// region joins it with weight 1. Voxels already inside keep their weight.
func Expand(region *models.VolumeGrid, margin float64) (*models.VolumeGrid, error) {
	dist, err := DistanceMap(region)
	if err != nil {
		return nil, err
	}
	out := region.Clone()
	for i, d := range dist.Data {
		if out.Data[i] <= regionThreshold && d <= margin {
			out.Data[i] = 1
		}
	}
	out.VoxelsChanged()
	return out, nil
}

package planner

import (
	"rtplan/internal/models"
)

// Phantom is a water cylinder along z with a central target and an organ
// at risk beside it. Density spans Depth slices; the region masks cover
// the single plane the beamlet doses are computed on.
type Phantom struct {
	Density *models.VolumeGrid

	Body   *models.VolumeGrid
	Target *models.VolumeGrid
	OAR    *models.VolumeGrid
}

// PhantomSpec sizes a phantom. Radii and the organ offset are fractions
// of the half-width of the grid.
type PhantomSpec struct {
	Size    int
	Depth   int
	Spacing float64

	BodyRadius   float64
	TargetRadius float64
	OARRadius    float64
	OAROffset    float64
}

// NewPhantom builds the density volume and region masks of spec
func NewPhantom(spec PhantomSpec) *Phantom {
	sp := [3]float64{spec.Spacing, spec.Spacing, spec.Spacing}
	half := float64(spec.Size / 2)
	centre := [2]float64{half, half}

	body := disc(spec.Size, sp, centre, spec.BodyRadius*half)
	target := disc(spec.Size, sp, centre, spec.TargetRadius*half)
	oar := disc(spec.Size, sp, [2]float64{half, half + spec.OAROffset*half}, spec.OARRadius*half)

	// organs at risk are only penalised inside the patient and outside the target
	for i := range oar.Data {
		oar.Data[i] *= body.Data[i] * (1 - target.Data[i])
	}
	oar.VoxelsChanged()

	density := models.NewVolumeGrid(spec.Size, spec.Size, spec.Depth, sp)
	for z := 0; z < spec.Depth; z++ {
		copy(density.Data[density.Index(0, 0, z):], body.Data)
	}
	density.VoxelsChanged()

	return &Phantom{Density: density, Body: body, Target: target, OAR: oar}
}

// disc is a size×size×1 mask of radius r voxels around c
func disc(size int, spacing [3]float64, c [2]float64, r float64) *models.VolumeGrid {
	g := models.NewVolumeGrid(size, size, 1, spacing)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := float64(x)-c[0], float64(y)-c[1]
			if dx*dx+dy*dy <= r*r {
				g.Set(x, y, 0, 1)
			}
		}
	}
	g.VoxelsChanged()
	return g
}

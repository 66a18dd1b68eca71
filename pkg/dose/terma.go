package dose

import (
	"fmt"
	"math"

	"rtplan/internal/models"
)

// planeEpsilon nudges plane lookups past a boundary the ray already sits on
const planeEpsilon = 1e-6

// TermaResult holds the total energy released in the medium together with
// the energy balance of the traced rays.
type TermaResult struct {
	// Terma is the energy released per voxel
	Terma *models.VolumeGrid

	// Incident is the fluence entering the grid summed over all rays
	Incident float64

	// Exit is the fluence leaving the grid or the slab summed over all rays
	Exit float64
}

// Imbalance returns incident - exit - released energy; zero up to rounding
func (r *TermaResult) Imbalance() float64 {
	return r.Incident - r.Exit - r.Terma.Sum()
}

// ComputeTerma traces divergent rays through density with exact voxel
// boundary crossings and records the energy removed from each ray in
// every voxel it crosses. The field and sampling follow ComputeFluence.
func (e *Engine) ComputeTerma(density *models.VolumeGrid, minField, maxField [2]float64,
	raysPerVoxel int, thickness float64) (*TermaResult, error) {
	if err := validateGrid("density", density); err != nil {
		return nil, err
	}
	if raysPerVoxel <= 0 {
		return nil, fmt.Errorf("rays per voxel %d: %w", raysPerVoxel, ErrInvalidArgument)
	}

	terma := &models.VolumeGrid{}
	terma.ConformTo(density)
	res := &TermaResult{Terma: terma}

	ssd := e.opts.SSD
	mu := e.kernel.Mu()
	sp := density.Basis.Spacing
	xinc := sp[1] / float64(raysPerVoxel)
	yinc := sp[2] / float64(raysPerVoxel)
	fluence0 := xinc * yinc
	depthNum := depthSteps(density, thickness)
	cy, cz := float64(density.Height/2), float64(density.Depth/2)

	for i := nint(minField[0] / xinc); i <= nint(maxField[0]/xinc); i++ {
		for j := nint(minField[1] / yinc); j <= nint(maxField[1]/yinc); j++ {
			ly, lz := float64(i)*xinc, float64(j)*yinc
			norm := math.Sqrt(ssd*ssd + ly*ly + lz*lz)

			// unit physical direction expressed in voxels per mm
			dir := [3]float64{ssd / norm / sp[0], ly / norm / sp[1], lz / norm / sp[2]}
			pos := [3]float64{-0.5, ly/sp[1] + cy, lz/sp[2] + cz}

			res.Incident += fluence0
			path := 0.0
			for {
				t := math.Inf(1)
				for a := 0; a < 3; a++ {
					if d := distToPlane(pos[a], dir[a]); d < t {
						t = d
					}
				}
				if math.IsInf(t, 1) {
					break
				}
				var mid [3]float64
				for a := 0; a < 3; a++ {
					mid[a] = pos[a] + 0.5*t*dir[a]
				}
				x, y, z := nint(mid[0]), nint(mid[1]), nint(mid[2])
				if x >= depthNum || !density.InBounds(x, y, z) {
					break
				}

				idx := density.Index(x, y, z)
				// t is in mm; mu is per cm
				deltaPath := density.Data[idx] * t * 0.1
				before := math.Exp(-mu * path)
				path += deltaPath
				terma.Data[idx] += fluence0 * (before - math.Exp(-mu*path))

				for a := 0; a < 3; a++ {
					pos[a] += t * dir[a]
				}
			}
			res.Exit += fluence0 * math.Exp(-mu*path)
		}
	}
	terma.VoxelsChanged()
	return res, nil
}

// distToPlane returns the ray parameter to the next voxel boundary plane
// along one axis; +Inf when the ray runs parallel to the planes.
func distToPlane(pos, dir float64) float64 {
	switch {
	case dir > 0:
		idx := math.Floor(pos + 0.5 + planeEpsilon)
		return (idx + 0.5 - pos) / dir
	case dir < 0:
		idx := math.Ceil(pos - 0.5 - planeEpsilon)
		return (idx - 0.5 - pos) / dir
	}
	return math.Inf(1)
}

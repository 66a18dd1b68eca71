package dose

import (
	"fmt"
	"math"

	"rtplan/internal/logging"
	"rtplan/internal/models"
)

// Aperture shadows rays by their lateral position (y, z) in mm at the surface
type Aperture interface {
	IsBlocked(y, z float64) bool
}

// ComputeFluence traces divergent rays through density and returns the
// primary fluence grid (same shape and basis as density).
//
// minField and maxField are the collimator extents (y, z) in mm at the
// surface. Each voxel column is sampled by raysPerVoxel rays per lateral
// axis. Voxels straddling the field edge receive a linear edge weight,
// and every voxel is normalised by the number of rays that reached it.
func (e *Engine) ComputeFluence(density *models.VolumeGrid, minField, maxField [2]float64,
	raysPerVoxel int, thickness float64) (*models.VolumeGrid, error) {
	return e.ComputeBlockedFluence(density, minField, maxField, raysPerVoxel, thickness, nil)
}

// ComputeBlockedFluence is ComputeFluence with the rays starting behind
// aperture blocks removed. A nil aperture leaves the field open.
func (e *Engine) ComputeBlockedFluence(density *models.VolumeGrid, minField, maxField [2]float64,
	raysPerVoxel int, thickness float64, aperture Aperture) (*models.VolumeGrid, error) {
	if err := validateGrid("density", density); err != nil {
		return nil, err
	}
	if raysPerVoxel <= 0 {
		return nil, fmt.Errorf("rays per voxel %d: %w", raysPerVoxel, ErrInvalidArgument)
	}
	if minField[0] > maxField[0] || minField[1] > maxField[1] {
		return nil, fmt.Errorf("collimator min %v exceeds max %v: %w", minField, maxField, ErrInvalidArgument)
	}

	fluence := &models.VolumeGrid{}
	fluence.ConformTo(density)
	count := make([]float64, fluence.Len())

	ssd := e.opts.SSD
	mu := e.kernel.Mu()
	vx, vy, vz := density.Basis.Spacing[0], density.Basis.Spacing[1], density.Basis.Spacing[2]
	xinc := vy / float64(raysPerVoxel)
	yinc := vz / float64(raysPerVoxel)
	mindepth := ssd - 0.5*vx
	depthNum := depthSteps(density, thickness)
	cy, cz := density.Height/2, density.Depth/2

	traced, blocked := 0, 0
	for i := nint(minField[0] / xinc); i <= nint(maxField[0]/xinc); i++ {
		for j := nint(minField[1] / yinc); j <= nint(maxField[1]/yinc); j++ {
			if aperture != nil && aperture.IsBlocked(float64(i)*xinc, float64(j)*yinc) {
				blocked++
				continue
			}
			fx0 := float64(i) * xinc * mindepth / ssd
			fy0 := float64(j) * yinc * mindepth / ssd
			length0 := math.Sqrt(fx0*fx0 + fy0*fy0 + mindepth*mindepth)
			leninc := length0 * vx / mindepth

			atten := 1.0
			last := 0.0
			for k := 1; k <= depthNum; k++ {
				latscale := 1 + float64(k-1)*vx/mindepth
				nearI := nint(fx0 * latscale / vy)
				nearJ := nint(fy0 * latscale / vz)

				x, y, z := k-1, nearI+cy, nearJ+cz
				if !density.InBounds(x, y, z) {
					break
				}
				idx := density.Index(x, y, z)
				rho := density.Data[idx]

				// half a step into this voxel plus half a step out of the last
				pathinc := 0.5 * leninc * rho
				deltaPath := pathinc + last
				last = pathinc

				divScale := (ssd + (float64(k)-0.5)*vx) / ssd
				wx := edgeWeight(nearI, minField[0]*divScale/vy, maxField[0]*divScale/vy)
				wy := edgeWeight(nearJ, minField[1]*divScale/vz, maxField[1]*divScale/vz)

				if rho != 0 {
					// mu is per cm, paths are in mm
					atten *= math.Exp(-mu * 0.1 * deltaPath)
					fluence.Data[idx] += atten * mu * wx * wy
					count[idx]++
				} else {
					fluence.Data[idx] = 0
					count[idx] = 1
				}
			}
			traced++
		}
	}

	for i, n := range count {
		if n > 0 {
			fluence.Data[i] /= n
		}
	}
	fluence.VoxelsChanged()

	logging.Logger().Debug("fluence traced", "rays", traced, "blocked", blocked, "depthSteps", depthNum)
	return fluence, nil
}

// edgeWeight is the fraction of voxel near (in voxel units) covered by the
// field [lo, hi]
func edgeWeight(near int, lo, hi float64) float64 {
	nlo, nhi := nint(lo), nint(hi)
	switch {
	case near < nlo || near > nhi:
		return 0
	case nlo == nhi:
		return hi - lo
	case near == nlo:
		return float64(near) - lo + 0.5
	case near == nhi:
		return hi + 0.5 - float64(near)
	}
	return 1
}

func nint(v float64) int {
	return int(math.Floor(v + 0.5))
}

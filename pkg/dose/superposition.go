package dose

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"rtplan/internal/logging"
	"rtplan/internal/models"
	"rtplan/pkg/kernel"
)

// energyScale converts kernel energy to dose, shared over the azimuthal directions
const energyScale = 1.602e-10 / kernel.NumAzimuth

// ComputeDose spreads fluence with the kernel over every voxel denser than
// the density threshold within thickness mm of the surface. The result is
// corrected for divergence and depth hardening and rescaled to a maximum
// of 1; a grid that received no energy is returned all zero.
func (e *Engine) ComputeDose(ctx context.Context, density, fluence *models.VolumeGrid, thickness float64) (*models.VolumeGrid, error) {
	if err := validateGrid("density", density); err != nil {
		return nil, err
	}
	if fluence == nil {
		return nil, fmt.Errorf("nil fluence grid: %w", ErrInvalidArgument)
	}
	if !density.SameShape(fluence) {
		return nil, fmt.Errorf("fluence %dx%dx%d for density %dx%dx%d: %w",
			fluence.Width, fluence.Height, fluence.Depth,
			density.Width, density.Height, density.Depth, models.ErrShapeMismatch)
	}

	sp := density.Basis.Spacing
	rays := e.kernel.BuildRayOffsets([3]float64{sp[0] * 0.1, sp[1] * 0.1, sp[2] * 0.1})

	dose := &models.VolumeGrid{}
	dose.ConformTo(density)
	depthNum := depthSteps(density, thickness)

	// each worker owns one depth slice of targets
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for x := 0; x < depthNum; x++ {
		x := x // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.superposeSlice(density, fluence, dose, rays, x)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("superposition interrupted: %w", err)
	}

	e.finishDose(dose)
	logging.Logger().Debug("dose computed", "depthSteps", depthNum, "max", dose.Max())
	return dose, nil
}

// superposeSlice accumulates dose for every target voxel in depth slice x
func (e *Engine) superposeSlice(density, fluence, dose *models.VolumeGrid, rays *kernel.RayOffsets, x int) {
	numPhi := e.kernel.NumPhi()
	for z := 0; z < density.Depth; z++ {
		for y := 0; y < density.Height; y++ {
			target := density.Index(x, y, z)
			if density.Data[target] <= e.opts.DensityThreshold {
				continue
			}

			sum := 0.0
			for theta := 0; theta < kernel.NumAzimuth; theta++ {
				for phi := 0; phi < numPhi; phi++ {
					radDist := 0.0
					lastEnergy := 0.0
					for step := 0; step < e.opts.RadialSteps; step++ {
						dx, dy, dz := rays.Offset(theta, phi, step)
						sx, sy, sz := x-dx, y-dy, z-dz
						if !density.InBounds(sx, sy, sz) {
							break
						}
						source := density.Index(sx, sy, sz)
						radDist += rays.StepLength(theta, phi, step) * density.Data[source]
						if radDist >= kernel.MaxRadius {
							break
						}
						energy := e.kernel.CumulativeEnergy(phi, radDist)
						sum += (energy - lastEnergy) * fluence.Data[source]
						lastEnergy = energy
					}
				}
			}
			dose.Data[target] = sum
		}
	}
}

// finishDose applies the post-superposition corrections and the final
// rescale. Runs only after every slice has been accumulated.
func (e *Engine) finishDose(dose *models.VolumeGrid) {
	ssd := e.opts.SSD
	vx, vy, vz := dose.Basis.Spacing[0], dose.Basis.Spacing[1], dose.Basis.Spacing[2]
	cy, cz := dose.Height/2, dose.Depth/2

	for z := 0; z < dose.Depth; z++ {
		for y := 0; y < dose.Height; y++ {
			for x := 0; x < dose.Width; x++ {
				idx := dose.Index(x, y, z)
				v := dose.Data[idx] * energyScale
				if v == 0 {
					continue
				}
				depth := (float64(x) + 0.5) * vx
				if e.opts.CorrectDivergence {
					ly := float64(y-cy) * vy
					lz := float64(z-cz) * vz
					dist := math.Sqrt((ssd+depth)*(ssd+depth) + ly*ly + lz*lz)
					v *= (ssd / dist) * (ssd / dist)
				}
				v *= e.opts.HardeningM*depth + e.opts.HardeningB
				dose.Data[idx] = v
			}
		}
	}
	dose.VoxelsChanged()

	peak := dose.Max()
	if peak <= 0 || math.IsNaN(peak) || math.IsInf(peak, 0) {
		dose.Clear()
		return
	}
	dose.Scale(1 / peak)
}

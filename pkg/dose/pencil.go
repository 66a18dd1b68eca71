package dose

import (
	"context"
	"fmt"

	"rtplan/internal/logging"
	"rtplan/internal/models"
	"rtplan/pkg/interpolation"
)

// PencilBeamSpec describes a family of narrow fields stepped across y
type PencilBeamSpec struct {
	// Shifts is the number of pencil beams; shift n covers y in [(n-0.5)w, (n+0.5)w]
	Shifts int

	// Width is the pencil beam width w along y in mm
	Width float64

	// Height is the field extent along z in mm, centred on the axis
	Height float64

	// RaysPerVoxel is the lateral ray sampling of each field
	RaysPerVoxel int

	// Thickness is the depth of the calculation slab in mm
	Thickness float64

	// Aperture blocks rays of every pencil beam; nil leaves them open
	Aperture Aperture
}

// GeneratePencilBeams computes one dose plane per shift. The density is
// smoothed with a 3x3 binomial filter and resampled onto the shape and
// basis of grid (density itself when grid is nil); each returned plane is
// the z = D/2 slice of the pencil beam dose, ordered from the most
// negative shift to the most positive.
func (e *Engine) GeneratePencilBeams(ctx context.Context, density, grid *models.VolumeGrid,
	spec PencilBeamSpec) ([]*models.VolumeGrid, error) {
	if err := validateGrid("density", density); err != nil {
		return nil, err
	}
	if spec.Shifts <= 0 || spec.Width <= 0 {
		return nil, fmt.Errorf("pencil beams need positive shifts and width, got %d and %v: %w",
			spec.Shifts, spec.Width, ErrInvalidArgument)
	}

	filtered := interpolation.Convolve(density, interpolation.BinomialKernel(3))
	sampled := filtered
	if grid != nil {
		sampled = &models.VolumeGrid{}
		sampled.ConformTo(grid)
		interpolation.Resample(filtered, sampled)
	}

	half := spec.Shifts / 2
	planes := make([]*models.VolumeGrid, 0, spec.Shifts)
	for n := -half; n < spec.Shifts-half; n++ {
		minField := [2]float64{(float64(n) - 0.5) * spec.Width, -0.5 * spec.Height}
		maxField := [2]float64{(float64(n) + 0.5) * spec.Width, 0.5 * spec.Height}

		fluence, err := e.ComputeBlockedFluence(sampled, minField, maxField, spec.RaysPerVoxel, spec.Thickness, spec.Aperture)
		if err != nil {
			return nil, fmt.Errorf("failed to trace pencil beam %d: %w", n, err)
		}
		d, err := e.ComputeDose(ctx, sampled, fluence, spec.Thickness)
		if err != nil {
			return nil, fmt.Errorf("failed to compute pencil beam %d: %w", n, err)
		}
		planes = append(planes, centrePlane(d))
	}

	logging.Logger().Info("pencil beams generated", "shifts", len(planes),
		"width", spec.Width, "grid", fmt.Sprintf("%dx%dx%d", sampled.Width, sampled.Height, sampled.Depth))
	return planes, nil
}

// centrePlane copies the z = D/2 slice of g into a single-plane grid
func centrePlane(g *models.VolumeGrid) *models.VolumeGrid {
	plane := models.NewVolumeGrid(g.Width, g.Height, 1, g.Basis.Spacing)
	plane.Basis.Origin = g.Basis.Origin
	z := g.Depth / 2
	copy(plane.Data, g.Data[g.Index(0, 0, z):g.Index(0, 0, z)+g.Width*g.Height])
	plane.VoxelsChanged()
	return plane
}

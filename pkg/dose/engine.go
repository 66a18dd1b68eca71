// Package dose computes beam dose with a convolution/superposition model:
// divergent primary fluence traced through a density grid is spread by an
// energy deposition kernel.
//
// Grid convention: the beam travels along +x (depth), the lateral axes are
// y and z and the central axis passes through voxel (H/2, D/2). Grid
// spacings are millimetres.
package dose

import (
	"errors"
	"fmt"
	"runtime"

	"rtplan/internal/models"
	"rtplan/pkg/kernel"
)

// ErrInvalidArgument is returned for out-of-range engine inputs
var ErrInvalidArgument = errors.New("invalid dose engine argument")

// Options configures the dose engine
type Options struct {
	// SSD is the source to surface distance in mm
	SSD float64

	// CorrectDivergence applies the inverse-square factor after superposition
	CorrectDivergence bool

	// HardeningM and HardeningB define the depth correction m*depth + b
	HardeningM float64
	HardeningB float64

	// DensityThreshold is the lowest density that receives dose
	DensityThreshold float64

	// RadialSteps is the number of kernel ray steps walked per direction
	RadialSteps int

	// Workers is the number of parallel superposition workers
	Workers int
}

// DefaultOptions returns the engine settings used when none are configured
func DefaultOptions() Options {
	return Options{
		SSD:               800,
		CorrectDivergence: true,
		HardeningM:        0,
		HardeningB:        1,
		DensityThreshold:  0.05,
		RadialSteps:       kernel.NumRadialSteps,
		Workers:           runtime.NumCPU(),
	}
}

// Engine computes fluence and dose for one kernel
type Engine struct {
	kernel *kernel.Kernel
	opts   Options
}

// NewEngine creates a dose engine. Zero-valued options fall back to defaults.
func NewEngine(k *kernel.Kernel, opts Options) (*Engine, error) {
	if k == nil {
		return nil, fmt.Errorf("nil kernel: %w", ErrInvalidArgument)
	}
	def := DefaultOptions()
	if opts.SSD <= 0 {
		opts.SSD = def.SSD
	}
	if opts.RadialSteps <= 0 || opts.RadialSteps > kernel.NumRadialSteps {
		opts.RadialSteps = def.RadialSteps
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.HardeningM == 0 && opts.HardeningB == 0 {
		opts.HardeningB = def.HardeningB
	}
	return &Engine{kernel: k, opts: opts}, nil
}

// Kernel returns the engine's energy deposition kernel
func (e *Engine) Kernel() *kernel.Kernel { return e.kernel }

// Options returns the effective engine settings
func (e *Engine) Options() Options { return e.opts }

// depthSteps converts a slab thickness in mm to a voxel count along x
func depthSteps(g *models.VolumeGrid, thickness float64) int {
	n := nint(thickness / g.Basis.Spacing[0])
	if n > g.Width {
		n = g.Width
	}
	if n < 0 {
		n = 0
	}
	return n
}

func validateGrid(name string, g *models.VolumeGrid) error {
	if g == nil || g.Len() == 0 {
		return fmt.Errorf("%s grid is empty: %w", name, ErrInvalidArgument)
	}
	for i, s := range g.Basis.Spacing {
		if s <= 0 {
			return fmt.Errorf("%s grid spacing[%d] = %v: %w", name, i, s, ErrInvalidArgument)
		}
	}
	return nil
}

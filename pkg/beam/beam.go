// Package beam models a treatment beam: its machine geometry and the
// multi-resolution pyramid of beamlet dose grids whose weighted sum is
// the beam's dose.
package beam

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"rtplan/internal/models"
)

var (
	// ErrLengthMismatch is returned when a weight vector does not match the beamlet count
	ErrLengthMismatch = errors.New("weight count does not match beamlet count")

	// ErrNoLevel is returned for pyramid levels that have not been generated
	ErrNoLevel = errors.New("pyramid level not generated")

	// ErrShiftOutOfRange is returned by sources asked for a shift they do not hold
	ErrShiftOutOfRange = errors.New("beamlet shift out of range")
)

// Block is a 2-D aperture block in the beam's collimator plane (mm)
type Block struct {
	Name    string
	Polygon [][2]float64
}

// Contains reports whether (x, y) lies inside the block polygon
func (b Block) Contains(x, y float64) bool {
	inside := false
	n := len(b.Polygon)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := b.Polygon[i], b.Polygon[j]
		if (pi[1] > y) != (pj[1] > y) &&
			x < (pj[0]-pi[0])*(y-pi[1])/(pj[1]-pi[1])+pi[0] {
			inside = !inside
		}
	}
	return inside
}

// Beam is one treatment field and its beamlet pyramid
type Beam struct {
	Name    string
	Machine Machine

	// Gantry, collimator and couch angles in radians
	GantryAngle     float64
	CollimatorAngle float64
	CouchAngle      float64

	// TableOffset moves the patient relative to the isocentre (mm)
	TableOffset [3]float64

	// CollimMin and CollimMax are the jaw extents (x, y) at the isocentre (mm)
	CollimMin [2]float64
	CollimMax [2]float64

	Blocks []Block

	// scales the whole beam
	weight float64

	// Levels holds the pyramid; Levels[0] is the finest
	Levels []*BeamletLevel

	// filter matrices per level, built with the pyramid
	filters []*mat.Dense

	// summed dose per level, valid while doseValid is set
	dose      []*models.VolumeGrid
	doseValid []bool

	// bumped on every change that invalidates a dose
	gen uint64
}

// New returns a beam with default machine, collimator and weight
func New(name string, gantry float64) *Beam {
	return &Beam{
		Name:        name,
		Machine:     DefaultMachine(),
		GantryAngle: gantry,
		CollimMin:   [2]float64{-20, -20},
		CollimMax:   [2]float64{20, 20},
		weight:      1,
	}
}

// Weight returns the beam weight
func (b *Beam) Weight() float64 { return b.weight }

// SetWeight changes the beam weight and invalidates the dose of every level
func (b *Beam) SetWeight(w float64) {
	b.weight = w
	for i := range b.doseValid {
		b.doseValid[i] = false
	}
	b.gen++
}

// Generation changes whenever the dose of any level is invalidated.
// Consumers caching sums of beam doses compare it to detect staleness.
func (b *Beam) Generation() uint64 { return b.gen }

// IsBlocked reports whether the collimator plane point (x, y) is shadowed by a block
func (b *Beam) IsBlocked(x, y float64) bool {
	return Aperture(b.Blocks).IsBlocked(x, y)
}

// Aperture is the set of blocks shaping a field
type Aperture []Block

// IsBlocked reports whether any block covers (x, y)
func (a Aperture) IsBlocked(x, y float64) bool {
	for _, blk := range a {
		if blk.Contains(x, y) {
			return true
		}
	}
	return false
}

// BeamToFixed returns the homogeneous transform from beam coordinates
// (z towards the source, origin at the isocentre) to the fixed room frame:
// collimator rotation about z followed by gantry rotation about y.
func (b *Beam) BeamToFixed() *mat.Dense {
	out := mat.NewDense(4, 4, nil)
	out.Mul(rotationY(b.GantryAngle), rotationZ(b.CollimatorAngle))
	return out
}

// BeamToPatient extends BeamToFixed with the couch rotation and table offset
func (b *Beam) BeamToPatient() *mat.Dense {
	couch := mat.NewDense(4, 4, nil)
	couch.Mul(rotationZ(-b.CouchAngle), b.BeamToFixed())

	out := mat.NewDense(4, 4, nil)
	out.Mul(translation(-b.TableOffset[0], -b.TableOffset[1], -b.TableOffset[2]), couch)
	return out
}

// SourcePosition returns the radiation source position in patient coordinates
func (b *Beam) SourcePosition() [3]float64 {
	var p mat.VecDense
	p.MulVec(b.BeamToPatient(), mat.NewVecDense(4, []float64{0, 0, b.Machine.SAD, 1}))
	return [3]float64{p.AtVec(0), p.AtVec(1), p.AtVec(2)}
}

func rotationY(a float64) *mat.Dense {
	c, s := math.Cos(a), math.Sin(a)
	return mat.NewDense(4, 4, []float64{
		c, 0, s, 0,
		0, 1, 0, 0,
		-s, 0, c, 0,
		0, 0, 0, 1,
	})
}

func rotationZ(a float64) *mat.Dense {
	c, s := math.Cos(a), math.Sin(a)
	return mat.NewDense(4, 4, []float64{
		c, -s, 0, 0,
		s, c, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

func translation(x, y, z float64) *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, x,
		0, 1, 0, y,
		0, 0, 1, z,
		0, 0, 0, 1,
	})
}

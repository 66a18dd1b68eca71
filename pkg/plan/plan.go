// Package plan assembles beams and structures into a treatment plan and
// optimises beamlet weights against a prescription of histogram terms.
//
// The optimiser sees a flat parameter vector per pyramid level. Element e
// belongs to beam e % B; successive groups of B elements walk the beamlet
// shifts outward from the centre in the order 0, -1, +1, -2, +2, ...
package plan

import (
	"errors"
	"fmt"
	"math"

	"rtplan/internal/logging"
	"rtplan/internal/models"
	"rtplan/pkg/beam"
)

var (
	// ErrNoBeams is returned when an operation needs at least one beam
	ErrNoBeams = errors.New("plan has no beams")

	// ErrStateLength is returned for state vectors that do not match the beamlet count
	ErrStateLength = errors.New("state vector length does not match beamlet count")

	// ErrDuplicateStructure is returned when a structure name is reused
	ErrDuplicateStructure = errors.New("structure already exists")

	// ErrLevelMismatch is returned when beams disagree on their pyramids
	ErrLevelMismatch = errors.New("beams have inconsistent pyramids")
)

// Structure is a named region of interest. Region holds per-voxel
// weights in [0, 1] on the level-0 dose grid.
type Structure struct {
	Name   string
	Region *models.VolumeGrid
}

// Plan owns the beams and structures of a treatment and caches the total
// dose of every pyramid level.
type Plan struct {
	Name  string
	Beams []*beam.Beam

	structures []*Structure

	// total dose per level and the beam generations it was summed at
	total []*models.VolumeGrid
	seen  [][]uint64

	// bumped when beams or pyramids are replaced
	layout uint64
}

// New returns an empty plan
func New(name string) *Plan {
	return &Plan{Name: name}
}

// SetBeamCount replaces the beams with n beams at equally spaced gantry
// angles 2πk/n. Pyramids must be rebuilt afterwards.
func (p *Plan) SetBeamCount(n int) {
	p.Beams = make([]*beam.Beam, n)
	for k := 0; k < n; k++ {
		p.Beams[k] = beam.New(fmt.Sprintf("Beam %d", k+1), 2*math.Pi*float64(k)/float64(n))
	}
	p.Invalidate()
}

// AddBeam appends b to the plan
func (p *Plan) AddBeam(b *beam.Beam) {
	p.Beams = append(p.Beams, b)
	p.Invalidate()
}

// BeamCount returns the number of beams
func (p *Plan) BeamCount() int { return len(p.Beams) }

// BuildPyramids builds a beamlet pyramid of the given depth for every
// beam, rotating the source library to each gantry angle.
func (p *Plan) BuildPyramids(source beam.BeamletSource, levels int) error {
	if len(p.Beams) == 0 {
		return ErrNoBeams
	}
	for _, b := range p.Beams {
		if err := b.BuildPyramid(source, levels); err != nil {
			return err
		}
	}
	p.Invalidate()
	return nil
}

// LevelCount returns the number of pyramid levels shared by every beam
func (p *Plan) LevelCount() int {
	if len(p.Beams) == 0 {
		return 0
	}
	n := len(p.Beams[0].Levels)
	for _, b := range p.Beams[1:] {
		n = min(n, len(b.Levels))
	}
	return n
}

// BeamletCount returns the beamlets per beam on level
func (p *Plan) BeamletCount(level int) (int, error) {
	if len(p.Beams) == 0 {
		return 0, ErrNoBeams
	}
	if level < 0 || level >= p.LevelCount() {
		return 0, fmt.Errorf("level %d of %d: %w", level, p.LevelCount(), beam.ErrNoLevel)
	}
	n := p.Beams[0].Levels[level].Count()
	for _, b := range p.Beams[1:] {
		if b.Levels[level].Count() != n {
			return 0, fmt.Errorf("beam %s has %d beamlets on level %d, beam %s has %d: %w",
				b.Name, b.Levels[level].Count(), level, p.Beams[0].Name, n, ErrLevelMismatch)
		}
	}
	return n, nil
}

// TotalBeamletCount returns the length of the state vector of level, or 0
// when the level does not exist
func (p *Plan) TotalBeamletCount(level int) int {
	n, err := p.BeamletCount(level)
	if err != nil {
		return 0
	}
	return n * len(p.Beams)
}

// AddStructure registers a named region
func (p *Plan) AddStructure(name string, region *models.VolumeGrid) (*Structure, error) {
	if _, ok := p.Structure(name); ok {
		return nil, fmt.Errorf("%s: %w", name, ErrDuplicateStructure)
	}
	if region == nil || region.Len() == 0 {
		return nil, fmt.Errorf("structure %s: empty region", name)
	}
	s := &Structure{Name: name, Region: region}
	p.structures = append(p.structures, s)
	return s, nil
}

// Structure looks up a structure by name
func (p *Plan) Structure(name string) (*Structure, bool) {
	for _, s := range p.structures {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// Structures returns the structures in registration order
func (p *Plan) Structures() []*Structure {
	return append([]*Structure(nil), p.structures...)
}

// Invalidate drops every cached total dose. It is called automatically
// when beams change through the plan.
func (p *Plan) Invalidate() {
	p.total = nil
	p.seen = nil
	p.layout++
}

// Layout changes whenever beams or pyramids are replaced through the plan
func (p *Plan) Layout() uint64 { return p.layout }

// DoseValid reports whether the cached total dose of level is current
func (p *Plan) DoseValid(level int) bool {
	if level < 0 || level >= len(p.total) || p.total[level] == nil {
		return false
	}
	seen := p.seen[level]
	if len(seen) != len(p.Beams) {
		return false
	}
	for i, b := range p.Beams {
		if seen[i] != b.Generation() {
			return false
		}
	}
	return true
}

// TotalDose returns the sum of all beam doses on level, recomputed only
// when some beam changed since the last call. The grid is owned by the
// plan and reused between calls.
func (p *Plan) TotalDose(level int) (*models.VolumeGrid, error) {
	if len(p.Beams) == 0 {
		return nil, ErrNoBeams
	}
	if level < 0 || level >= p.LevelCount() {
		return nil, fmt.Errorf("level %d of %d: %w", level, p.LevelCount(), beam.ErrNoLevel)
	}
	if p.DoseValid(level) {
		return p.total[level], nil
	}
	for len(p.total) <= level {
		p.total = append(p.total, nil)
		p.seen = append(p.seen, nil)
	}

	total := p.total[level]
	if total == nil {
		total = &models.VolumeGrid{}
	}
	seen := make([]uint64, len(p.Beams))
	for i, b := range p.Beams {
		d, err := b.Dose(level)
		if err != nil {
			return nil, fmt.Errorf("beam %s: %w", b.Name, err)
		}
		if i == 0 {
			total.ConformTo(d)
		}
		if err := total.Accumulate(d, 1); err != nil {
			return nil, fmt.Errorf("beam %s: %w", b.Name, err)
		}
		seen[i] = b.Generation()
	}
	p.total[level] = total
	p.seen[level] = seen
	logging.Logger().Debug("total dose recomputed", "plan", p.Name, "level", level, "max", total.Max())
	return total, nil
}

package beam

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"

	"rtplan/internal/models"
)

// LibrarySize is the edge length of a library pencil beam grid
const LibrarySize = 127

// BeamletSource supplies the unrotated dose plane of the pencil beam at a
// given aperture shift (0 is the central beamlet).
type BeamletSource interface {
	Beamlet(shift int) (*models.VolumeGrid, error)

	// Centre is the rotation centre of the planes in voxel coordinates (x, y)
	Centre() [2]float64
}

// LibrarySource reads precomputed pencil beams from text files laid out as
// Dir/output{shift+50}/format_dose.dat
type LibrarySource struct {
	Dir string

	// Spacing of the library grids in mm
	Spacing [3]float64
}

// Beamlet loads the library plane for shift
func (s *LibrarySource) Beamlet(shift int) (*models.VolumeGrid, error) {
	path := filepath.Join(s.Dir, fmt.Sprintf("output%d", shift+50), "format_dose.dat")
	return readLibraryFile(path, s.Spacing)
}

// Centre returns the library rotation centre
func (s *LibrarySource) Centre() [2]float64 {
	return [2]float64{LibrarySize / 2, LibrarySize / 2}
}

// readLibraryFile parses a blank line followed by LibrarySize rows of
// LibrarySize whitespace separated values
func readLibraryFile(path string, spacing [3]float64) (*models.VolumeGrid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening beamlet file %s: %w", path, err)
	}
	defer f.Close()

	g := models.NewVolumeGrid(LibrarySize, LibrarySize, 1, spacing)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	row := 0
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if row >= LibrarySize {
			return nil, fmt.Errorf("beamlet file %s: more than %d rows", path, LibrarySize)
		}
		if len(fields) != LibrarySize {
			return nil, fmt.Errorf("beamlet file %s: row %d has %d values, want %d", path, row, len(fields), LibrarySize)
		}
		for x, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("beamlet file %s: row %d: %w", path, row, err)
			}
			g.Data[g.Index(x, row, 0)] = v
		}
		row++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading beamlet file %s: %w", path, err)
	}
	if row != LibrarySize {
		return nil, fmt.Errorf("beamlet file %s: %d rows, want %d", path, row, LibrarySize)
	}
	g.VoxelsChanged()
	return g, nil
}

// CylinderSource generates pencil beams analytically in a water cylinder:
// exponential depth attenuation times a Gaussian lateral profile. The beam
// enters along +x; shifts step along y.
type CylinderSource struct {
	// Size is the edge length of the generated planes in voxels
	Size int

	// Radius of the cylinder in voxels
	Radius float64

	// ShiftWidth is the lateral distance between neighbouring shifts in voxels
	ShiftWidth float64

	// Sigma is the lateral Gaussian width in voxels
	Sigma float64

	// Attenuation per voxel of depth
	Attenuation float64

	Spacing [3]float64
}

// NewCylinderSource returns the reference analytic source
func NewCylinderSource(size int, spacing [3]float64) *CylinderSource {
	return &CylinderSource{
		Size:        size,
		Radius:      float64(size) / 2.5,
		ShiftWidth:  1,
		Sigma:       1,
		Attenuation: 0.043,
		Spacing:     spacing,
	}
}

// Beamlet computes the analytic plane for shift
func (s *CylinderSource) Beamlet(shift int) (*models.VolumeGrid, error) {
	g := models.NewVolumeGrid(s.Size, s.Size, 1, s.Spacing)
	c := s.Centre()
	axis := c[1] + float64(shift)*s.ShiftWidth
	profile := distuv.Normal{Mu: axis, Sigma: s.Sigma}
	for y := 0; y < s.Size; y++ {
		dy := float64(y) - c[1]
		chord := s.Radius*s.Radius - dy*dy
		if chord < 0 {
			continue
		}
		entry := c[0] - math.Sqrt(chord)
		lateral := profile.Prob(float64(y))
		for x := 0; x < s.Size; x++ {
			depth := float64(x) - entry
			dx := float64(x) - c[0]
			if depth < 0 || dx*dx+dy*dy > s.Radius*s.Radius {
				continue
			}
			g.Data[g.Index(x, y, 0)] = math.Exp(-s.Attenuation*depth) * lateral
		}
	}
	g.VoxelsChanged()
	return g, nil
}

// Centre returns the cylinder axis
func (s *CylinderSource) Centre() [2]float64 {
	return [2]float64{float64(s.Size / 2), float64(s.Size / 2)}
}

// GridSource serves pencil beams computed by the dose engine. Planes are
// ordered from the most negative shift; the central plane is shift 0.
type GridSource struct {
	Planes []*models.VolumeGrid
}

// Beamlet returns the stored plane for shift
func (s *GridSource) Beamlet(shift int) (*models.VolumeGrid, error) {
	i := shift + len(s.Planes)/2
	if i < 0 || i >= len(s.Planes) {
		return nil, fmt.Errorf("shift %d of %d planes: %w", shift, len(s.Planes), ErrShiftOutOfRange)
	}
	return s.Planes[i], nil
}

// Centre returns the middle of the stored planes
func (s *GridSource) Centre() [2]float64 {
	if len(s.Planes) == 0 {
		return [2]float64{}
	}
	p := s.Planes[0]
	return [2]float64{float64(p.Width / 2), float64(p.Height / 2)}
}

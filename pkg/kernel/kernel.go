// Package kernel loads and queries the energy deposition kernel used by the
// convolution/superposition dose model.
//
// Distances inside the kernel are expressed in centimetres: the cumulative
// energy table is sampled every 0.1 cm out to 60 cm, and ray offsets are
// built from voxel spacings converted to centimetres.
package kernel

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"

	"rtplan/internal/logging"
)

const (
	// TableSize is the number of samples in the radial cumulative energy table
	TableSize = 600

	// TableStep is the radial resolution of the table in cm
	TableStep = 0.1

	// MaxRadius is the radial extent of the table in cm
	MaxRadius = TableSize * TableStep

	// NumAzimuth is the number of azimuthal ray directions per zenith bin
	NumAzimuth = 8

	// NumRadialSteps is the number of voxel crossings recorded per ray
	NumRadialSteps = 64
)

var (
	// ErrUnknownEnergy is returned for beam energies with no tabulated attenuation
	ErrUnknownEnergy = errors.New("unknown beam energy")

	// ErrMalformed is returned when a kernel file cannot be parsed
	ErrMalformed = errors.New("malformed kernel file")
)

// Kernel is a tabulated dose spread function. Each zenith bin phi carries
// a cumulative energy curve over radius; BuildRayOffsets derives the voxel
// walk used to superpose it on a grid.
type Kernel struct {
	energy float64
	mu     float64

	// mean zenith angle of each bin in radians
	angles []float64

	// radial bin boundaries in cm, radii[0] = 0
	radii []float64

	// cumulative energy at each radial boundary, [phi][len(radii)]
	cumulative [][]float64

	// cumulative energy resampled every TableStep, [phi][TableSize]
	table [][]float64

	raysMu sync.Mutex
	rays   *RayOffsets
}

// AttenuationForEnergy returns the linear attenuation coefficient (1/cm)
// of water for the supported nominal energies in MV.
func AttenuationForEnergy(energy float64) (float64, error) {
	switch {
	case approxEqual(energy, 15):
		return 1.941e-2, nil
	case approxEqual(energy, 6):
		return 2.770e-2, nil
	case approxEqual(energy, 2):
		return 4.942e-2, nil
	}
	return 0, fmt.Errorf("%v MV: %w", energy, ErrUnknownEnergy)
}

// New builds a kernel from in-memory tables. increments holds the
// incremental energy of every radial bin for every zenith bin; radii holds
// the outer boundary of each radial bin in cm (the implicit inner boundary
// of the first bin is 0).
func New(energy, mu float64, angles, radii []float64, increments [][]float64) (*Kernel, error) {
	if len(angles) == 0 || len(radii) == 0 {
		return nil, fmt.Errorf("kernel needs at least one angle and radius: %w", ErrMalformed)
	}
	if len(increments) != len(angles) {
		return nil, fmt.Errorf("%d increment rows for %d angles: %w", len(increments), len(angles), ErrMalformed)
	}

	k := &Kernel{
		energy:     energy,
		mu:         mu,
		angles:     append([]float64(nil), angles...),
		radii:      make([]float64, len(radii)+1),
		cumulative: make([][]float64, len(angles)),
	}
	copy(k.radii[1:], radii)
	for i := 1; i < len(k.radii); i++ {
		if k.radii[i] <= k.radii[i-1] {
			return nil, fmt.Errorf("radial bounds must increase (%v after %v): %w", k.radii[i], k.radii[i-1], ErrMalformed)
		}
	}

	for phi, row := range increments {
		if len(row) != len(radii) {
			return nil, fmt.Errorf("angle %d has %d increments, want %d: %w", phi, len(row), len(radii), ErrMalformed)
		}
		cum := make([]float64, len(radii)+1)
		floats.CumSum(cum[1:], row)
		k.cumulative[phi] = cum
	}

	k.buildTable()
	return k, nil
}

// Load reads a kernel data file for the given nominal energy (MV).
//
// Layout: two header lines, the zenith bin count, the radial bin count, two
// more header lines, numPhi×numRad incremental energies, a label line, the
// numPhi mean angles (radians), a label line and the numRad radial bounds (cm).
func Load(path string, energy float64) (*Kernel, error) {
	mu, err := AttenuationForEnergy(energy)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening kernel file %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading kernel file %s: %w", path, err)
	}

	k, err := parse(lines, energy, mu)
	if err != nil {
		return nil, fmt.Errorf("kernel file %s: %w", path, err)
	}

	logging.Logger().Info("kernel loaded", "path", path, "energy", energy,
		"angles", len(k.angles), "radialBins", len(k.radii)-1)
	return k, nil
}

func parse(lines []string, energy, mu float64) (*Kernel, error) {
	if len(lines) < 6 {
		return nil, fmt.Errorf("only %d lines: %w", len(lines), ErrMalformed)
	}
	numPhi, err := strconv.Atoi(strings.TrimSpace(lines[2]))
	if err != nil || numPhi <= 0 {
		return nil, fmt.Errorf("bad angle count %q: %w", lines[2], ErrMalformed)
	}
	numRad, err := strconv.Atoi(strings.TrimSpace(lines[3]))
	if err != nil || numRad <= 0 {
		return nil, fmt.Errorf("bad radial count %q: %w", lines[3], ErrMalformed)
	}

	// values, angles and radii are separated by label lines
	sections := make([][]float64, 1, 3)
	for n, line := range lines[6:] {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if _, err := strconv.ParseFloat(fields[0], 64); err != nil {
			if len(sections) == 3 {
				return nil, fmt.Errorf("unexpected label on line %d: %w", n+7, ErrMalformed)
			}
			sections = append(sections, nil)
			continue
		}
		for _, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %q: %w", n+7, field, ErrMalformed)
			}
			cur := len(sections) - 1
			sections[cur] = append(sections[cur], v)
		}
	}
	if len(sections) != 3 {
		return nil, fmt.Errorf("expected energy, angle and radius sections, found %d: %w", len(sections), ErrMalformed)
	}
	values, angles, radii := sections[0], sections[1], sections[2]
	if len(values) != numPhi*numRad {
		return nil, fmt.Errorf("%d energy values, want %d: %w", len(values), numPhi*numRad, ErrMalformed)
	}
	if len(angles) != numPhi || len(radii) != numRad {
		return nil, fmt.Errorf("%d angles and %d radii, want %d and %d: %w",
			len(angles), len(radii), numPhi, numRad, ErrMalformed)
	}

	increments := make([][]float64, numPhi)
	for phi := range increments {
		increments[phi] = values[phi*numRad : (phi+1)*numRad]
	}
	return New(energy, mu, angles, radii, increments)
}

// buildTable resamples the cumulative energies every TableStep cm, linear
// between radial bounds and flat past the last bound.
func (k *Kernel) buildTable() {
	k.table = make([][]float64, len(k.angles))
	adjusted := 0
	for phi := range k.angles {
		cum := k.cumulative[phi]
		row := make([]float64, TableSize)
		radial := 1
		for i := 1; i < TableSize; i++ {
			r := TableStep * float64(i)
			for radial < len(k.radii) && k.radii[radial] < r {
				radial++
			}
			if radial < len(k.radii) {
				lo := cum[radial-1]
				row[i] = lo + (cum[radial]-lo)*(r-k.radii[radial-1])/(k.radii[radial]-k.radii[radial-1])
			} else {
				row[i] = row[i-1]
			}
			// negative increments would deposit negative dose
			if row[i] < row[i-1] {
				row[i] = row[i-1]
				adjusted++
			}
		}
		k.table[phi] = row
	}
	if adjusted > 0 {
		logging.Logger().Warn("kernel table clamped to be monotone", "samples", adjusted)
	}
}

// Energy returns the nominal beam energy in MV
func (k *Kernel) Energy() float64 { return k.energy }

// Mu returns the linear attenuation coefficient in 1/cm
func (k *Kernel) Mu() float64 { return k.mu }

// NumPhi returns the number of zenith bins
func (k *Kernel) NumPhi() int { return len(k.angles) }

// Angle returns the mean zenith angle of bin phi in radians
func (k *Kernel) Angle(phi int) float64 { return k.angles[phi] }

// CumulativeEnergy returns the energy deposited within radius (cm) in
// zenith bin phi. Zero for radius <= 0, the bin total beyond the table.
func (k *Kernel) CumulativeEnergy(phi int, radius float64) float64 {
	if radius <= 0 {
		return 0
	}
	row := k.table[phi]
	t := radius / TableStep
	if t >= TableSize-1 {
		return row[TableSize-1]
	}
	i := int(t)
	frac := t - float64(i)
	return row[i] + (row[i+1]-row[i])*frac
}

// TotalEnergy returns the asymptotic cumulative energy of bin phi
func (k *Kernel) TotalEnergy(phi int) float64 {
	return k.table[phi][TableSize-1]
}

func approxEqual(a, b float64) bool {
	return scalar.EqualWithinAbs(a, b, 1e-6)
}

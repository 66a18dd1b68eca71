// Package persist stores plans, histograms and optimization runs.
//
// Grids, beams, plans and histograms use a little-endian binary layout
// that starts with a schema number. Decoders read the schema first and
// skip the fields a record of that schema does not carry, so records
// written by older versions stay readable.
package persist

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"rtplan/internal/models"
	"rtplan/pkg/beam"
	"rtplan/pkg/histogram"
	"rtplan/pkg/plan"
)

const (
	// VolumeGridSchema is the current grid record layout
	VolumeGridSchema = 1

	// BeamSchema is the current beam record layout:
	//   1  name, machine, angles, table offset, collimator, blocks
	//   2  + dose-valid flag and dose grid
	//   4  + beam weight
	//   5  + beamlets per level and their weights
	BeamSchema = 5

	// PlanSchema is the current plan record layout:
	//   1  name, beams, dose-valid flag and total dose
	//   2  + structures
	PlanSchema = 2

	// HistogramSchema is the current histogram record layout
	HistogramSchema = 1

	// CodecVersion identifies the encoder that wrote a record
	CodecVersion = 1
)

var (
	// ErrUnsupportedSchema is returned for records newer than this decoder
	ErrUnsupportedSchema = errors.New("unsupported record schema")

	// ErrCorrupt is returned for truncated or inconsistent records
	ErrCorrupt = errors.New("corrupt record")
)

// maxElements bounds counts read from a record before allocating
const maxElements = 1 << 28

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u32(v uint32) { _ = binary.Write(&e.buf, binary.LittleEndian, v) }
func (e *encoder) i32(v int)    { e.u32(uint32(int32(v))) }
func (e *encoder) f64(v float64) {
	_ = binary.Write(&e.buf, binary.LittleEndian, math.Float64bits(v))
}

func (e *encoder) bool(v bool) {
	if v {
		e.buf.WriteByte(1)
	} else {
		e.buf.WriteByte(0)
	}
}

func (e *encoder) str(s string) {
	e.i32(len(s))
	e.buf.WriteString(s)
}

func (e *encoder) floats(v []float64) {
	e.i32(len(v))
	for _, f := range v {
		e.f64(f)
	}
}

// bytes writes a length-prefixed nested record
func (e *encoder) bytes(b []byte) {
	e.i32(len(b))
	e.buf.Write(b)
}

// decoder remembers the first error; later reads return zero values
type decoder struct {
	r   *bytes.Reader
	err error
}

func newDecoder(data []byte) *decoder {
	return &decoder{r: bytes.NewReader(data)}
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) u32() uint32 {
	if d.err != nil {
		return 0
	}
	var v uint32
	if err := binary.Read(d.r, binary.LittleEndian, &v); err != nil {
		d.fail(fmt.Errorf("%w: %v", ErrCorrupt, err))
		return 0
	}
	return v
}

func (d *decoder) i32() int { return int(int32(d.u32())) }

func (d *decoder) count() int {
	n := d.i32()
	if n < 0 || n > maxElements {
		d.fail(fmt.Errorf("%w: count %d", ErrCorrupt, n))
		return 0
	}
	return n
}

func (d *decoder) f64() float64 {
	if d.err != nil {
		return 0
	}
	var v uint64
	if err := binary.Read(d.r, binary.LittleEndian, &v); err != nil {
		d.fail(fmt.Errorf("%w: %v", ErrCorrupt, err))
		return 0
	}
	return math.Float64frombits(v)
}

func (d *decoder) bool() bool {
	if d.err != nil {
		return false
	}
	b, err := d.r.ReadByte()
	if err != nil {
		d.fail(fmt.Errorf("%w: %v", ErrCorrupt, err))
		return false
	}
	return b != 0
}

func (d *decoder) raw(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n > d.r.Len() {
		d.fail(fmt.Errorf("%w: %d bytes wanted, %d left", ErrCorrupt, n, d.r.Len()))
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.fail(fmt.Errorf("%w: %v", ErrCorrupt, err))
		return nil
	}
	return b
}

func (d *decoder) str() string { return string(d.raw(d.count())) }

func (d *decoder) floats() []float64 {
	n := d.count()
	if n*8 > d.r.Len() {
		d.fail(fmt.Errorf("%w: %d values, %d bytes left", ErrCorrupt, n, d.r.Len()))
		return nil
	}
	v := make([]float64, n)
	for i := range v {
		v[i] = d.f64()
	}
	return v
}

func (d *decoder) bytes() []byte { return d.raw(d.count()) }

func (d *decoder) schema(kind string, current uint32) uint32 {
	s := d.u32()
	if d.err == nil && (s == 0 || s > current) {
		d.fail(fmt.Errorf("%s schema %d (current %d): %w", kind, s, current, ErrUnsupportedSchema))
	}
	return s
}

// EncodeVolumeGrid serialises a grid; nil encodes as an empty grid
func EncodeVolumeGrid(g *models.VolumeGrid) []byte {
	var e encoder
	writeGrid(&e, g)
	return e.buf.Bytes()
}

// DecodeVolumeGrid parses a grid record
func DecodeVolumeGrid(data []byte) (*models.VolumeGrid, error) {
	d := newDecoder(data)
	g := readGrid(d)
	if d.err != nil {
		return nil, d.err
	}
	return g, nil
}

func writeGrid(e *encoder, g *models.VolumeGrid) {
	e.u32(VolumeGridSchema)
	if g == nil {
		g = &models.VolumeGrid{}
	}
	e.i32(g.Width)
	e.i32(g.Height)
	e.i32(g.Depth)
	for _, v := range g.Basis.Origin {
		e.f64(v)
	}
	for _, v := range g.Basis.Spacing {
		e.f64(v)
	}
	e.floats(g.Data)
}

func readGrid(d *decoder) *models.VolumeGrid {
	d.schema("grid", VolumeGridSchema)
	w, h, depth := d.count(), d.count(), d.count()
	var basis models.Basis
	for i := range basis.Origin {
		basis.Origin[i] = d.f64()
	}
	for i := range basis.Spacing {
		basis.Spacing[i] = d.f64()
	}
	data := d.floats()
	if d.err != nil {
		return nil
	}
	if len(data) != w*h*depth {
		d.fail(fmt.Errorf("%w: %d voxels for a %dx%dx%d grid", ErrCorrupt, len(data), w, h, depth))
		return nil
	}
	g := &models.VolumeGrid{Data: data, Width: w, Height: h, Depth: depth, Basis: basis}
	g.VoxelsChanged()
	return g
}

// EncodeBeam serialises b at the current beam schema. The stored dose is
// the level-0 dose when the pyramid exists.
func EncodeBeam(b *beam.Beam) ([]byte, error) {
	var e encoder
	e.u32(BeamSchema)
	e.str(b.Name)
	writeMachine(&e, b.Machine)

	e.f64(b.CollimatorAngle)
	e.f64(b.GantryAngle)
	e.f64(b.CouchAngle)
	for _, v := range b.TableOffset {
		e.f64(v)
	}
	for _, v := range b.CollimMin {
		e.f64(v)
	}
	for _, v := range b.CollimMax {
		e.f64(v)
	}

	e.i32(len(b.Blocks))
	for _, blk := range b.Blocks {
		e.str(blk.Name)
		e.i32(len(blk.Polygon))
		for _, pt := range blk.Polygon {
			e.f64(pt[0])
			e.f64(pt[1])
		}
	}

	var dose *models.VolumeGrid
	if len(b.Levels) > 0 {
		d, err := b.Dose(0)
		if err != nil {
			return nil, fmt.Errorf("beam %s: %w", b.Name, err)
		}
		dose = d
	}
	e.bool(dose != nil)
	writeGrid(&e, dose)

	e.f64(b.Weight())

	e.i32(len(b.Levels))
	for _, l := range b.Levels {
		e.i32(l.Count())
		for _, g := range l.Beamlets {
			writeGrid(&e, g)
		}
	}
	for _, l := range b.Levels {
		e.floats(l.Weights)
	}
	return e.buf.Bytes(), nil
}

// DecodeBeam parses a beam record of any supported schema. The stored
// dose is not restored: the beam recomputes it from its beamlets.
func DecodeBeam(data []byte) (*beam.Beam, error) {
	d := newDecoder(data)
	b, err := readBeam(d)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func readBeam(d *decoder) (*beam.Beam, error) {
	schema := d.schema("beam", BeamSchema)
	b := beam.New(d.str(), 0)
	b.Machine = readMachine(d)

	b.CollimatorAngle = d.f64()
	b.GantryAngle = d.f64()
	b.CouchAngle = d.f64()
	for i := range b.TableOffset {
		b.TableOffset[i] = d.f64()
	}
	for i := range b.CollimMin {
		b.CollimMin[i] = d.f64()
	}
	for i := range b.CollimMax {
		b.CollimMax[i] = d.f64()
	}

	b.Blocks = nil
	for n := d.count(); n > 0 && d.err == nil; n-- {
		blk := beam.Block{Name: d.str()}
		for m := d.count(); m > 0 && d.err == nil; m-- {
			blk.Polygon = append(blk.Polygon, [2]float64{d.f64(), d.f64()})
		}
		b.Blocks = append(b.Blocks, blk)
	}

	if schema >= 2 {
		d.bool()
		readGrid(d)
	}
	if schema >= 4 {
		b.SetWeight(d.f64())
	}
	if schema >= 5 {
		levels := make([]*beam.BeamletLevel, d.count())
		for i := range levels {
			n := d.count()
			l := &beam.BeamletLevel{Beamlets: make([]*models.VolumeGrid, n), Weights: make([]float64, n)}
			for j := range l.Beamlets {
				l.Beamlets[j] = readGrid(d)
			}
			levels[i] = l
		}
		for _, l := range levels {
			w := d.floats()
			if d.err == nil && len(w) != l.Count() {
				d.fail(fmt.Errorf("%w: %d weights for %d beamlets", ErrCorrupt, len(w), l.Count()))
			}
			copy(l.Weights, w)
		}
		if d.err == nil && len(levels) > 0 {
			b.SetLevels(levels)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("beam %q: %w", b.Name, d.err)
	}
	return b, nil
}

func writeMachine(e *encoder, m beam.Machine) {
	e.str(m.Name)
	e.str(m.Manufacturer)
	e.str(m.Model)
	e.str(m.SerialNumber)
	e.f64(m.SAD)
	e.f64(m.SCD)
	e.f64(m.SID)
}

func readMachine(d *decoder) beam.Machine {
	return beam.Machine{
		Name:         d.str(),
		Manufacturer: d.str(),
		Model:        d.str(),
		SerialNumber: d.str(),
		SAD:          d.f64(),
		SCD:          d.f64(),
		SID:          d.f64(),
	}
}

// EncodePlan serialises a plan with its beams, structures and the level-0
// total dose when it is current
func EncodePlan(p *plan.Plan) ([]byte, error) {
	var e encoder
	e.u32(PlanSchema)
	e.str(p.Name)

	e.i32(len(p.Beams))
	for _, b := range p.Beams {
		rec, err := EncodeBeam(b)
		if err != nil {
			return nil, err
		}
		e.bytes(rec)
	}

	valid := p.DoseValid(0)
	e.bool(valid)
	var dose *models.VolumeGrid
	if valid {
		d, err := p.TotalDose(0)
		if err != nil {
			return nil, err
		}
		dose = d
	}
	writeGrid(&e, dose)

	structures := p.Structures()
	e.i32(len(structures))
	for _, s := range structures {
		e.str(s.Name)
		writeGrid(&e, s.Region)
	}
	return e.buf.Bytes(), nil
}

// DecodePlan parses a plan record
func DecodePlan(data []byte) (*plan.Plan, error) {
	d := newDecoder(data)
	schema := d.schema("plan", PlanSchema)
	p := plan.New(d.str())

	for n := d.count(); n > 0 && d.err == nil; n-- {
		rec := d.bytes()
		if d.err != nil {
			break
		}
		b, err := DecodeBeam(rec)
		if err != nil {
			return nil, fmt.Errorf("plan %q: %w", p.Name, err)
		}
		p.AddBeam(b)
	}

	// the total dose is recomputed from the beams
	d.bool()
	readGrid(d)

	if schema >= 2 {
		for n := d.count(); n > 0 && d.err == nil; n-- {
			name := d.str()
			region := readGrid(d)
			if d.err != nil {
				break
			}
			if _, err := p.AddStructure(name, region); err != nil {
				return nil, fmt.Errorf("plan %q: %w", p.Name, err)
			}
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("plan %q: %w", p.Name, d.err)
	}
	return p, nil
}

// EncodeHistogram serialises the binning and region of h. The dose is
// referenced, not owned, and is not stored.
func EncodeHistogram(h *histogram.Histogram) []byte {
	var e encoder
	e.u32(HistogramSchema)
	e.f64(h.BinMin())
	e.f64(h.BinWidth())
	e.i32(h.BinCount())
	e.f64(h.Sigma())
	e.bool(h.Region() != nil)
	writeGrid(&e, h.Region())
	return e.buf.Bytes()
}

// DecodeHistogram parses a histogram record
func DecodeHistogram(data []byte) (*histogram.Histogram, error) {
	d := newDecoder(data)
	d.schema("histogram", HistogramSchema)
	lo, width, count, sigma := d.f64(), d.f64(), d.count(), d.f64()
	hasRegion := d.bool()
	region := readGrid(d)
	if d.err != nil {
		return nil, d.err
	}
	if !hasRegion {
		region = nil
	}

	h, err := histogram.New(nil, region)
	if err != nil {
		return nil, err
	}
	h.SetSigma(sigma)
	if count > 0 {
		if err := h.SetBinning(lo, width, count, 0); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	return h, nil
}

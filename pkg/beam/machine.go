package beam

// Machine describes the treatment unit delivering a beam. Distances are mm.
type Machine struct {
	Name         string
	Manufacturer string
	Model        string
	SerialNumber string

	// SAD is the source to axis distance
	SAD float64

	// SCD is the source to collimator distance
	SCD float64

	// SID is the source to imager distance
	SID float64
}

// DefaultMachine returns the reference linac geometry
func DefaultMachine() Machine {
	return Machine{
		Name:         "default",
		Manufacturer: "generic",
		Model:        "linac",
		SAD:          700,
		SCD:          300,
		SID:          1400,
	}
}

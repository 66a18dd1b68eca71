// Package config provides configuration loading and management for rtplan.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"rtplan/pkg/plan"
)

// ErrInvalid is returned by Validate for out-of-range settings
var ErrInvalid = errors.New("invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Energy deposition kernel
	Kernel struct {
		// Path is a tabulated kernel file; empty uses the synthetic kernel
		Path string `yaml:"path"`

		// Energy is the nominal beam energy in MV (2, 6 or 15)
		Energy float64 `yaml:"energy"`
	} `yaml:"kernel"`

	// Dose engine parameters
	Dose struct {
		// NumCores specifies how many CPU cores to use for superposition
		NumCores int `yaml:"numCores"`

		// SSD is the source to surface distance in mm
		SSD float64 `yaml:"ssd"`

		// CorrectDivergence applies the inverse-square factor
		CorrectDivergence bool `yaml:"correctDivergence"`

		// HardeningM and HardeningB define the depth correction m*depth + b
		HardeningM float64 `yaml:"hardeningM"`
		HardeningB float64 `yaml:"hardeningB"`

		// DensityThreshold is the lowest density that receives dose
		DensityThreshold float64 `yaml:"densityThreshold"`

		// PencilWidth is the width of one pencil beam in mm
		PencilWidth float64 `yaml:"pencilWidth"`

		// PencilHeight is the field extent along z in mm
		PencilHeight float64 `yaml:"pencilHeight"`

		// RaysPerVoxel is the lateral ray sampling of each field
		RaysPerVoxel int `yaml:"raysPerVoxel"`

		// Thickness is the depth of the calculation slab in mm
		Thickness float64 `yaml:"thickness"`

		// Blocks shape every beam's field; polygons are (y, z) in mm at the surface
		Blocks []BlockConfig `yaml:"blocks"`
	} `yaml:"dose"`

	// Beamlet pyramid parameters
	Pyramid struct {
		// Levels is the number of pyramid scales
		Levels int `yaml:"levels"`

		// Beams is the number of equally spaced beams
		Beams int `yaml:"beams"`

		// Source selects the pencil beams: "cylinder" (analytic), "engine"
		// or "library" (precomputed files under LibraryDir)
		Source string `yaml:"source"`

		LibraryDir string `yaml:"libraryDir"`
	} `yaml:"pyramid"`

	// Histogram binning
	Histogram struct {
		// BinWidth is the level-0 bin width; it doubles per level
		BinWidth float64 `yaml:"binWidth"`

		// GBinSigma is the level-0 Gaussian width before the level divisor
		GBinSigma float64 `yaml:"gBinSigma"`

		// SigmaMult extends the binning below zero and beyond MaxDose
		SigmaMult float64 `yaml:"sigmaMult"`

		// MaxDose is the highest dose the bins cover
		MaxDose float64 `yaml:"maxDose"`
	} `yaml:"histogram"`

	// Objective terms of the demo prescription
	Objective struct {
		// EntropyWeight scales the beam-weight entropy regulariser
		EntropyWeight float64 `yaml:"entropyWeight"`

		// TargetLow and TargetHigh bound the target dose interval
		TargetLow  float64 `yaml:"targetLow"`
		TargetHigh float64 `yaml:"targetHigh"`

		// OARLimit is the dose above which the organ at risk is penalised
		OARLimit float64 `yaml:"oarLimit"`

		// OARWeight is the weight of the organ-at-risk term; 0 disables it
		OARWeight float64 `yaml:"oarWeight"`
	} `yaml:"objective"`

	// Optimizer parameters
	Optimizer struct {
		// Method is one of cg, bfgs, lbfgs, gradient-descent
		Method string `yaml:"method"`

		MaxIterations      int     `yaml:"maxIterations"`
		Tolerance          float64 `yaml:"tolerance"`
		ConvergeIterations int     `yaml:"convergeIterations"`
		GradientThreshold  float64 `yaml:"gradientThreshold"`
		InitialWeight      float64 `yaml:"initialWeight"`
	} `yaml:"optimizer"`

	// Water phantom for the demo pipeline
	Phantom struct {
		// Spacing is the voxel size in mm
		Spacing float64 `yaml:"spacing"`

		// Depth is the number of slices of the density volume
		Depth int `yaml:"depth"`

		// BodyRadius, TargetRadius and OARRadius are fractions of the grid half-width
		BodyRadius   float64 `yaml:"bodyRadius"`
		TargetRadius float64 `yaml:"targetRadius"`
		OARRadius    float64 `yaml:"oarRadius"`

		// OAROffset places the organ at risk along +y, as a fraction of the half-width
		OAROffset float64 `yaml:"oarOffset"`

		// Margin grows the target into the planning target volume (mm); 0 plans on the target
		Margin float64 `yaml:"margin"`
	} `yaml:"phantom"`

	// Plan storage
	Storage struct {
		// Backend is "memory" or "sqlite"
		Backend string `yaml:"backend"`

		// Path is the sqlite database file
		Path string `yaml:"path"`
	} `yaml:"storage"`

	// Prometheus endpoint
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"metrics"`

	// Output parameters
	Output struct {
		// Dir receives dose images and DVH tables
		Dir string `yaml:"dir"`

		// SaveIntermediaryResults writes the dose after every pyramid level
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// BlockConfig is one aperture block
type BlockConfig struct {
	Name    string       `yaml:"name"`
	Polygon [][2]float64 `yaml:"polygon"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Kernel.Energy = 6

	cfg.Dose.NumCores = runtime.NumCPU()
	cfg.Dose.SSD = 800
	cfg.Dose.CorrectDivergence = true
	cfg.Dose.HardeningM = 0
	cfg.Dose.HardeningB = 1
	cfg.Dose.DensityThreshold = 0.05
	cfg.Dose.PencilWidth = 2
	cfg.Dose.PencilHeight = 4
	cfg.Dose.RaysPerVoxel = 4
	cfg.Dose.Thickness = 400

	cfg.Pyramid.Levels = 3
	cfg.Pyramid.Beams = 5
	cfg.Pyramid.Source = "cylinder"

	opts := plan.DefaultOptions()
	cfg.Histogram.BinWidth = opts.BinWidth
	cfg.Histogram.GBinSigma = opts.GBinSigma
	cfg.Histogram.SigmaMult = opts.SigmaMult
	cfg.Histogram.MaxDose = opts.MaxDose

	cfg.Objective.EntropyWeight = opts.EntropyWeight
	cfg.Objective.TargetLow = 0.6
	cfg.Objective.TargetHigh = 0.8
	cfg.Objective.OARLimit = 0.3
	cfg.Objective.OARWeight = 0.5

	oo := plan.DefaultOptimizerOptions()
	cfg.Optimizer.Method = string(oo.Method)
	cfg.Optimizer.MaxIterations = oo.MaxIterations
	cfg.Optimizer.Tolerance = oo.Tolerance
	cfg.Optimizer.ConvergeIterations = oo.ConvergeIterations
	cfg.Optimizer.GradientThreshold = oo.GradientThreshold
	cfg.Optimizer.InitialWeight = oo.InitialWeight

	cfg.Phantom.Spacing = 2
	cfg.Phantom.Depth = 5
	cfg.Phantom.BodyRadius = 0.8
	cfg.Phantom.TargetRadius = 0.2
	cfg.Phantom.OARRadius = 0.12
	cfg.Phantom.OAROffset = 0.45
	cfg.Phantom.Margin = 4

	cfg.Storage.Backend = "memory"
	cfg.Storage.Path = "rtplan.db"

	cfg.Metrics.Enabled = false
	cfg.Metrics.Address = ":9090"

	cfg.Output.Dir = "output"
	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configPath, err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks the settings the pipeline cannot recover from
func (c *Config) Validate() error {
	switch {
	case c.Pyramid.Levels < 1:
		return fmt.Errorf("pyramid.levels must be at least 1, got %d: %w", c.Pyramid.Levels, ErrInvalid)
	case c.Pyramid.Beams < 1:
		return fmt.Errorf("pyramid.beams must be at least 1, got %d: %w", c.Pyramid.Beams, ErrInvalid)
	case c.Pyramid.Source != "cylinder" && c.Pyramid.Source != "engine" && c.Pyramid.Source != "library":
		return fmt.Errorf("pyramid.source %q is not cylinder, engine or library: %w", c.Pyramid.Source, ErrInvalid)
	case c.Pyramid.Source == "library" && c.Pyramid.LibraryDir == "":
		return fmt.Errorf("pyramid.libraryDir is required for the library source: %w", ErrInvalid)
	case c.Histogram.BinWidth <= 0 || c.Histogram.MaxDose <= 0:
		return fmt.Errorf("histogram binWidth and maxDose must be positive: %w", ErrInvalid)
	case c.Objective.TargetLow >= c.Objective.TargetHigh:
		return fmt.Errorf("objective target interval [%v, %v] is empty: %w",
			c.Objective.TargetLow, c.Objective.TargetHigh, ErrInvalid)
	case c.Optimizer.InitialWeight <= 0 || c.Optimizer.InitialWeight >= 1:
		return fmt.Errorf("optimizer.initialWeight must lie in (0, 1), got %v: %w", c.Optimizer.InitialWeight, ErrInvalid)
	case c.Phantom.Spacing <= 0 || c.Phantom.Depth < 1:
		return fmt.Errorf("phantom spacing and depth must be positive: %w", ErrInvalid)
	case c.Phantom.TargetRadius <= 0 || c.Phantom.TargetRadius >= c.Phantom.BodyRadius:
		return fmt.Errorf("phantom.targetRadius must lie inside the body: %w", ErrInvalid)
	case !validBlocks(c.Dose.Blocks):
		return fmt.Errorf("dose.blocks need at least 3 vertices each: %w", ErrInvalid)
	case c.Phantom.Margin < 0:
		return fmt.Errorf("phantom.margin must not be negative, got %v: %w", c.Phantom.Margin, ErrInvalid)
	case c.Storage.Backend != "memory" && c.Storage.Backend != "sqlite":
		return fmt.Errorf("storage.backend %q is not memory or sqlite: %w", c.Storage.Backend, ErrInvalid)
	}
	if _, err := plan.ParseMethod(c.Optimizer.Method); err != nil {
		return fmt.Errorf("optimizer.method: %v: %w", err, ErrInvalid)
	}
	return nil
}

// PrescriptionOptions maps the histogram and objective sections
func (c *Config) PrescriptionOptions() plan.Options {
	opts := plan.DefaultOptions()
	opts.BinWidth = c.Histogram.BinWidth
	opts.GBinSigma = c.Histogram.GBinSigma
	opts.SigmaMult = c.Histogram.SigmaMult
	opts.MaxDose = c.Histogram.MaxDose
	opts.EntropyWeight = c.Objective.EntropyWeight
	return opts
}

// OptimizerOptions maps the optimizer section
func (c *Config) OptimizerOptions() plan.OptimizerOptions {
	return plan.OptimizerOptions{
		Method:             plan.Method(c.Optimizer.Method),
		MaxIterations:      c.Optimizer.MaxIterations,
		Tolerance:          c.Optimizer.Tolerance,
		ConvergeIterations: c.Optimizer.ConvergeIterations,
		GradientThreshold:  c.Optimizer.GradientThreshold,
		InitialWeight:      c.Optimizer.InitialWeight,
	}
}

func validBlocks(blocks []BlockConfig) bool {
	for _, b := range blocks {
		if len(b.Polygon) < 3 {
			return false
		}
	}
	return true
}

// Package planner runs the complete inverse planning pipeline on a water
// phantom: kernel, pencil beams, beamlet pyramids, prescription,
// optimisation, storage and reporting.
package planner

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"time"

	"rtplan/internal/logging"
	"rtplan/internal/models"
	"rtplan/pkg/beam"
	"rtplan/pkg/config"
	"rtplan/pkg/dose"
	"rtplan/pkg/histogram"
	"rtplan/pkg/interpolation"
	"rtplan/pkg/kernel"
	"rtplan/pkg/persist"
	"rtplan/pkg/plan"
	"rtplan/pkg/visualization"
)

// Structure names used by the phantom plan
const (
	StructureBody   = "body"
	StructureTarget = "target"
	StructurePTV    = "ptv"
	StructureOAR    = "oar"
)

// Params holds the planning parameters
type Params struct {
	// Name identifies the plan in the store
	Name string

	// Config supplies every pipeline setting
	Config *config.Config

	// Store receives the plan; nil opens the store named by the config
	Store persist.Store
}

// StructureReport summarises the final dose of one structure
type StructureReport struct {
	Name   string
	Volume float64
	Stats  histogram.Stats
}

// BeamReport describes one beam of the plan
type BeamReport struct {
	Name   string
	Gantry float64
	Source [3]float64
	Blocks int
}

// EnergyBalance is the TERMA check of the open field on the phantom
type EnergyBalance struct {
	Incident  float64
	Released  float64
	Exit      float64
	Imbalance float64
}

// Report is the outcome of Process
type Report struct {
	Plan       string
	RunID      string
	Beams      int
	Levels     int
	Beamlets   int
	BeamInfo   []BeamReport
	Energy     EnergyBalance
	Result     *plan.Result
	Structures []StructureReport
	Duration   time.Duration
	OutputDir  string
}

// Planner handles the planning process:
// 1. Loading the energy deposition kernel
// 2. Building the water phantom and its structures, with a margin around the target
// 3. Generating pencil beams
// 4. Building the beamlet pyramid of every beam
// 5. Setting up the prescription
// 6. Optimising the beamlet weights coarse to fine
// 7. Storing the plan, histograms and run summary
// 8. Writing dose images and dose volume histograms
type Planner struct {
	params *Params
	cfg    *config.Config

	kernel       *kernel.Kernel
	engine       *dose.Engine
	phantom      *Phantom
	plan         *plan.Plan
	prescription *plan.Prescription

	report Report
}

// NewPlanner creates a planner; nil config uses the defaults
func NewPlanner(params *Params) *Planner {
	cfg := params.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	name := params.Name
	if name == "" {
		name = "phantom"
	}
	p := &Planner{params: params, cfg: cfg}
	p.report.Plan = name
	return p
}

// Plan returns the plan built by Process
func (p *Planner) Plan() *plan.Plan { return p.plan }

// Phantom returns the phantom built by Process
func (p *Planner) Phantom() *Phantom { return p.phantom }

// Report returns the summary of the last Process call
func (p *Planner) Report() Report { return p.report }

// Process runs the complete planning pipeline. Cancelling ctx stops the
// optimisation after the current iteration; the plan keeps the last
// committed weights and is still stored and reported.
func (p *Planner) Process(ctx context.Context) error {
	if err := p.cfg.Validate(); err != nil {
		return err
	}
	start := time.Now()
	log := logging.Logger()

	fmt.Println("Step 1: Loading energy deposition kernel...")
	if err := p.loadKernel(); err != nil {
		return fmt.Errorf("failed to load kernel: %w", err)
	}

	fmt.Println("Step 2: Building water phantom...")
	levels := p.cfg.Pyramid.Levels
	count := beam.BaseBeamletCount(levels)
	size := beam.DoseGridSize(count)
	p.phantom = NewPhantom(PhantomSpec{
		Size:         size,
		Depth:        p.cfg.Phantom.Depth,
		Spacing:      p.cfg.Phantom.Spacing,
		BodyRadius:   p.cfg.Phantom.BodyRadius,
		TargetRadius: p.cfg.Phantom.TargetRadius,
		OARRadius:    p.cfg.Phantom.OARRadius,
		OAROffset:    p.cfg.Phantom.OAROffset,
	})
	log.Info("phantom built", "size", size, "depth", p.cfg.Phantom.Depth,
		"target", p.phantom.Target.Sum(), "oar", p.phantom.OAR.Sum())

	if err := p.checkEnergyBalance(count); err != nil {
		return fmt.Errorf("failed to trace the open field: %w", err)
	}

	fmt.Printf("Step 3: Generating %d pencil beams (%s)...\n", count, p.cfg.Pyramid.Source)
	if len(p.cfg.Dose.Blocks) > 0 && p.cfg.Pyramid.Source != "engine" {
		log.Warn("blocks are stored on the beams but only shape engine pencil beams",
			"source", p.cfg.Pyramid.Source, "blocks", len(p.cfg.Dose.Blocks))
	}
	source, err := p.pencilBeams(ctx, count, size)
	if err != nil {
		return fmt.Errorf("failed to generate pencil beams: %w", err)
	}

	fmt.Printf("Step 4: Building %d-level beamlet pyramids for %d beams...\n", levels, p.cfg.Pyramid.Beams)
	p.plan = plan.New(p.report.Plan)
	p.plan.SetBeamCount(p.cfg.Pyramid.Beams)
	aperture := p.aperture()
	for _, b := range p.plan.Beams {
		b.Blocks = append([]beam.Block(nil), aperture...)
	}
	if err := p.plan.BuildPyramids(source, levels); err != nil {
		return fmt.Errorf("failed to build pyramids: %w", err)
	}
	for _, s := range []struct {
		name   string
		region *models.VolumeGrid
	}{
		{StructureBody, p.phantom.Body},
		{StructureTarget, p.phantom.Target},
		{StructureOAR, p.phantom.OAR},
	} {
		if _, err := p.plan.AddStructure(s.name, s.region); err != nil {
			return err
		}
	}
	if p.cfg.Phantom.Margin > 0 {
		ptv, err := interpolation.Expand(p.phantom.Target, p.cfg.Phantom.Margin)
		if err != nil {
			return fmt.Errorf("failed to grow the target: %w", err)
		}
		if _, err := p.plan.AddStructure(StructurePTV, ptv); err != nil {
			return err
		}
		log.Info("planning target volume grown", "margin", p.cfg.Phantom.Margin,
			"target", p.phantom.Target.Sum(), "ptv", ptv.Sum())
	}

	fmt.Println("Step 5: Setting up prescription...")
	if err := p.buildPrescription(); err != nil {
		return fmt.Errorf("failed to build prescription: %w", err)
	}

	fmt.Println("Step 6: Optimising beamlet weights...")
	res, runErr := p.optimize(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, plan.ErrStopped) {
		return fmt.Errorf("optimisation failed: %w", runErr)
	}
	if runErr != nil {
		fmt.Println("Optimisation stopped, keeping the last committed weights")
	}
	p.report.Result = res

	// cancellation must not prevent the plan from being saved
	ctx = context.WithoutCancel(ctx)

	fmt.Println("Step 7: Storing plan...")
	if err := p.store(ctx, start, res, runErr); err != nil {
		return fmt.Errorf("failed to store plan: %w", err)
	}

	fmt.Println("Step 8: Writing dose images and histograms...")
	if err := p.writeOutputs(); err != nil {
		return fmt.Errorf("failed to write outputs: %w", err)
	}

	p.report.BeamInfo = p.report.BeamInfo[:0]
	for _, b := range p.plan.Beams {
		p.report.BeamInfo = append(p.report.BeamInfo, BeamReport{
			Name: b.Name, Gantry: b.GantryAngle, Source: b.SourcePosition(), Blocks: len(b.Blocks),
		})
	}
	p.report.Beams = p.plan.BeamCount()
	p.report.Levels = p.plan.LevelCount()
	p.report.Beamlets = p.plan.TotalBeamletCount(0)
	p.report.Duration = time.Since(start)
	return nil
}

func (p *Planner) loadKernel() error {
	var err error
	if p.cfg.Kernel.Path != "" {
		p.kernel, err = kernel.Load(p.cfg.Kernel.Path, p.cfg.Kernel.Energy)
	} else {
		p.kernel, err = kernel.NewSyntheticKernel(p.cfg.Kernel.Energy)
	}
	if err != nil {
		return err
	}

	p.engine, err = dose.NewEngine(p.kernel, dose.Options{
		SSD:               p.cfg.Dose.SSD,
		CorrectDivergence: p.cfg.Dose.CorrectDivergence,
		HardeningM:        p.cfg.Dose.HardeningM,
		HardeningB:        p.cfg.Dose.HardeningB,
		DensityThreshold:  p.cfg.Dose.DensityThreshold,
		Workers:           p.cfg.Dose.NumCores,
	})
	return err
}

// pencilBeams returns the beamlet source selected by the config
func (p *Planner) pencilBeams(ctx context.Context, count, size int) (beam.BeamletSource, error) {
	sp := p.phantom.Density.Basis.Spacing
	switch p.cfg.Pyramid.Source {
	case "cylinder":
		src := beam.NewCylinderSource(size, sp)
		src.Radius = p.cfg.Phantom.BodyRadius * float64(size/2)
		src.ShiftWidth = p.cfg.Dose.PencilWidth / sp[1]
		return src, nil
	case "library":
		return &beam.LibrarySource{Dir: p.cfg.Pyramid.LibraryDir, Spacing: sp}, nil
	}

	spec := dose.PencilBeamSpec{
		Shifts:       count,
		Width:        p.cfg.Dose.PencilWidth,
		Height:       p.cfg.Dose.PencilHeight,
		RaysPerVoxel: p.cfg.Dose.RaysPerVoxel,
		Thickness:    p.cfg.Dose.Thickness,
	}
	if aperture := p.aperture(); len(aperture) > 0 {
		spec.Aperture = aperture
	}
	planes, err := p.engine.GeneratePencilBeams(ctx, p.phantom.Density, nil, spec)
	if err != nil {
		return nil, err
	}
	return &beam.GridSource{Planes: planes}, nil
}

// aperture returns the configured blocks
func (p *Planner) aperture() beam.Aperture {
	var a beam.Aperture
	for _, b := range p.cfg.Dose.Blocks {
		a = append(a, beam.Block{Name: b.Name, Polygon: append([][2]float64(nil), b.Polygon...)})
	}
	return a
}

// checkEnergyBalance traces TERMA for the open field spanned by all pencil
// beams and records the incident, released and exiting energy
func (p *Planner) checkEnergyBalance(count int) error {
	half := 0.5 * float64(count) * p.cfg.Dose.PencilWidth
	h := 0.5 * p.cfg.Dose.PencilHeight
	res, err := p.engine.ComputeTerma(p.phantom.Density, [2]float64{-half, -h}, [2]float64{half, h},
		p.cfg.Dose.RaysPerVoxel, p.cfg.Dose.Thickness)
	if err != nil {
		return err
	}
	p.report.Energy = EnergyBalance{
		Incident:  res.Incident,
		Released:  res.Terma.Sum(),
		Exit:      res.Exit,
		Imbalance: res.Imbalance(),
	}
	if res.Incident > 0 && math.Abs(res.Imbalance()) > 1e-6*res.Incident {
		logging.Logger().Warn("open field energy does not balance", "incident", res.Incident,
			"imbalance", res.Imbalance())
	}
	return nil
}

// TargetStructure names the structure the dose interval is prescribed to
func (p *Planner) TargetStructure() string {
	if p.cfg.Phantom.Margin > 0 {
		return StructurePTV
	}
	return StructureTarget
}

// buildPrescription targets a uniform dose interval in the planning target
// and keeps the organ at risk below its limit
func (p *Planner) buildPrescription() error {
	p.prescription = plan.NewPrescription(p.plan, p.cfg.PrescriptionOptions())

	target, err := p.prescription.AddStructureTerm(p.TargetStructure(), 1)
	if err != nil {
		return err
	}
	if err := target.SetInterval(p.cfg.Objective.TargetLow, p.cfg.Objective.TargetHigh, 1, false); err != nil {
		return err
	}

	if p.cfg.Objective.OARWeight > 0 && p.phantom.OAR.Sum() > 0 {
		oar, err := p.prescription.AddStructureTerm(StructureOAR, p.cfg.Objective.OARWeight)
		if err != nil {
			return err
		}
		if err := oar.SetRamp(0, 1, p.cfg.Objective.OARLimit, 0, 1); err != nil {
			return err
		}
	}
	return nil
}

// optimize runs the prescription as a job and prints level results
func (p *Planner) optimize(ctx context.Context) (*plan.Result, error) {
	job := plan.NewJob(p.prescription, p.cfg.OptimizerOptions())
	if err := job.Start(ctx); err != nil {
		return nil, err
	}

	for pr := range job.Updates() {
		if pr.LevelComplete {
			fmt.Printf("  level %d: cost %.6f after %d iterations (entropy %.4f)\n",
				pr.Level, pr.Cost, pr.Iteration, pr.Entropy)
		}
	}
	// the job ends on its own once ctx is cancelled
	res, err := job.Wait(context.WithoutCancel(ctx))
	logging.Logger().Info("optimisation finished", "status", job.Status(), "elapsed", job.Elapsed())
	return res, err
}

func (p *Planner) store(ctx context.Context, start time.Time, res *plan.Result, runErr error) error {
	store := p.params.Store
	if store == nil {
		s, err := persist.NewStore(p.cfg.Storage.Backend, p.cfg.Storage.Path)
		if err != nil {
			return err
		}
		if err := s.Init(ctx); err != nil {
			return err
		}
		defer persist.CloseIfSupported(s)
		store = s
	}

	if err := store.SavePlan(ctx, p.plan); err != nil {
		return err
	}
	for _, t := range p.prescription.Terms() {
		h, err := t.Histogram(0)
		if err != nil {
			return err
		}
		if err := store.SaveHistogram(ctx, p.plan.Name+"/"+t.Name(), h); err != nil {
			return err
		}
	}

	p.report.RunID = fmt.Sprintf("%s-%d", p.plan.Name, start.UnixNano())
	run := persist.NewRunRecord(p.report.RunID, p.plan.Name, p.cfg.Optimizer.Method, start, res, runErr)
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, plan.ErrStopped) {
		run.Status = string(plan.JobCancelled)
	}
	return store.SaveRun(ctx, run)
}

// writeOutputs reports the structure statistics and writes the dose plane
// and dose volume histograms under the output directory
func (p *Planner) writeOutputs() error {
	total, err := p.plan.TotalDose(0)
	if err != nil {
		return err
	}

	var curves []visualization.Curve
	p.report.Structures = nil
	for _, s := range p.plan.Structures() {
		h, err := histogram.New(total, s.Region)
		if err != nil {
			return err
		}
		h.SetSigma(p.prescription.Sigma(0))
		if err := h.SetBinning(0, p.prescription.BinWidth(0), p.prescription.BinCount(0),
			p.prescription.Options().SigmaMult); err != nil {
			return err
		}
		p.report.Structures = append(p.report.Structures, StructureReport{
			Name: s.Name, Volume: h.Volume(), Stats: h.Statistics(),
		})
		curves = append(curves, visualization.Curve{Name: s.Name, Histogram: h})
	}

	dir := p.cfg.Output.Dir
	if dir == "" {
		return nil
	}
	p.report.OutputDir = dir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	viewer := visualization.NewViewer(total)
	if err := viewer.AddOutline(p.phantom.Target, color.RGBA{R: 255, A: 255}); err != nil {
		return err
	}
	if err := viewer.AddOutline(p.phantom.OAR, color.RGBA{G: 200, B: 255, A: 255}); err != nil {
		return err
	}
	if err := viewer.SaveSliceSequence("z", dir); err != nil {
		return err
	}
	if err := visualization.SaveDVH(filepath.Join(dir, "dvh.csv"), curves); err != nil {
		return err
	}

	if p.cfg.Output.SaveIntermediaryResults {
		for k, b := range p.plan.Beams {
			d, err := b.Dose(0)
			if err != nil {
				return err
			}
			beamDir := filepath.Join(dir, fmt.Sprintf("beam_%02d", k+1))
			if err := visualization.NewViewer(d).SaveSliceSequence("z", beamDir); err != nil {
				logging.Logger().Warn("failed to save beam dose", "beam", b.Name, "error", err)
			}
		}
	}
	return nil
}

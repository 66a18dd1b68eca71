package plan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"gonum.org/v1/gonum/optimize"

	"rtplan/internal/logging"
	"rtplan/pkg/beam"
	"rtplan/pkg/objective"
)

// ErrStopped is returned when the progress observer asks to stop
var ErrStopped = errors.New("optimization stopped")

// Method names a gradient method of gonum/optimize
type Method string

const (
	MethodCG              Method = "cg"
	MethodBFGS            Method = "bfgs"
	MethodLBFGS           Method = "lbfgs"
	MethodGradientDescent Method = "gradient-descent"
)

// ParseMethod validates a method name
func ParseMethod(s string) (Method, error) {
	m := Method(s)
	if _, err := m.method(); err != nil {
		return "", err
	}
	return m, nil
}

func (m Method) method() (optimize.Method, error) {
	switch m {
	case "", MethodCG:
		return &optimize.CG{}, nil
	case MethodBFGS:
		return &optimize.BFGS{}, nil
	case MethodLBFGS:
		return &optimize.LBFGS{}, nil
	case MethodGradientDescent:
		return &optimize.GradientDescent{}, nil
	}
	return nil, fmt.Errorf("unknown optimization method %q", string(m))
}

// OptimizerOptions control the per-level runs
type OptimizerOptions struct {
	Method Method

	// MaxIterations bounds the major iterations of each level; 0 is unlimited
	MaxIterations int

	// Tolerance is the relative cost change under which a level converges
	// after ConvergeIterations iterations without improvement
	Tolerance          float64
	ConvergeIterations int

	// GradientThreshold stops a level when the gradient's infinity norm drops below it
	GradientThreshold float64

	// InitialWeight seeds every beamlet of the coarsest level
	InitialWeight float64
}

// DefaultOptimizerOptions returns conjugate gradients with a 1e-3 relative tolerance
func DefaultOptimizerOptions() OptimizerOptions {
	return OptimizerOptions{
		Method:             MethodCG,
		MaxIterations:      200,
		Tolerance:          1e-3,
		ConvergeIterations: 5,
		GradientThreshold:  1e-6,
		InitialWeight:      0.5,
	}
}

// Progress is the snapshot handed to observers after every committed
// iteration. State holds a copy of the optimiser parameters.
type Progress struct {
	Level         int
	Iteration     int
	Cost          float64
	Entropy       float64
	State         []float64
	LevelComplete bool
}

// Observer receives progress between iterations; returning false stops
// the optimization
type Observer func(Progress) bool

// LevelResult summarises the run on one pyramid level
type LevelResult struct {
	Level      int
	Iterations int
	Cost       float64
	Status     string
	Duration   time.Duration
}

// Result is the outcome of Optimize. State holds the optimiser parameters
// of the last level reached; after a failure they are the last committed
// iterate, which is also what the plan's beams carry.
type Result struct {
	Success         bool
	FinalCost       float64
	TotalIterations int
	Levels          []LevelResult
	Level           int
	State           []float64
}

// Optimize minimises the prescription coarse to fine: the coarsest level
// starts from InitialWeight, each finer level from the inverse-filtered
// result of the level above. Cancellation through ctx or the observer is
// honoured between iterations and leaves the last committed weights in
// the plan.
func (p *Prescription) Optimize(ctx context.Context, opts OptimizerOptions, observe Observer) (*Result, error) {
	method, err := opts.Method.method()
	if err != nil {
		return nil, err
	}
	levels := p.plan.LevelCount()
	if levels == 0 {
		if len(p.plan.Beams) == 0 {
			return nil, ErrNoBeams
		}
		return nil, fmt.Errorf("plan %s: %w", p.plan.Name, beam.ErrNoLevel)
	}
	if len(p.terms) == 0 {
		return nil, ErrNoTerms
	}
	w0 := opts.InitialWeight
	if w0 <= 0 || w0 >= 1 {
		w0 = DefaultOptimizerOptions().InitialWeight
	}

	top := levels - 1
	x := make([]float64, p.plan.TotalBeamletCount(top))
	for i := range x {
		x[i] = objective.InvSigmoid(w0)
	}

	res := &Result{}
	for level := top; level >= 0; level-- {
		if level < top {
			if method, err = opts.Method.method(); err != nil {
				return nil, err
			}
			if x, err = p.plan.InvFilterStateVector(level+1, x); err != nil {
				return res, err
			}
		}

		lr, committed, runErr := p.optimizeLevel(ctx, level, x, opts, method, observe)
		res.Levels = append(res.Levels, lr)
		res.TotalIterations += lr.Iterations
		res.Level = level
		res.State = committed
		res.FinalCost = lr.Cost
		x = committed

		// leave the plan at the committed iterate, not the last trial point
		cost, entropy, err := p.evaluate(level, x, nil)
		if err == nil {
			res.FinalCost = cost
			res.Levels[len(res.Levels)-1].Cost = cost
		} else if runErr == nil {
			runErr = err
		}
		if runErr != nil {
			return res, runErr
		}

		logging.Logger().Info("level converged", "level", level, "iterations", lr.Iterations,
			"cost", cost, "entropy", entropy, "status", lr.Status, "duration", lr.Duration)
		if observe != nil && !observe(Progress{
			Level: level, Iteration: lr.Iterations, Cost: cost, Entropy: entropy,
			State: append([]float64(nil), x...), LevelComplete: true,
		}) && level > 0 {
			return res, ErrStopped
		}
	}
	res.Success = true
	return res, nil
}

// optimizeLevel runs one gonum minimisation and returns the committed parameters
func (p *Prescription) optimizeLevel(ctx context.Context, level int, x0 []float64,
	opts OptimizerOptions, method optimize.Method, observe Observer) (LevelResult, []float64, error) {
	start := time.Now()
	label := strconv.Itoa(level)
	lr := LevelResult{Level: level}

	var evalErr error
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			objectiveEvaluations.WithLabelValues("value").Inc()
			c, err := p.Evaluate(level, x, nil)
			if err != nil {
				if evalErr == nil {
					evalErr = err
				}
				return math.Inf(1)
			}
			return c
		},
		Grad: func(grad, x []float64) {
			objectiveEvaluations.WithLabelValues("gradient").Inc()
			if _, err := p.Evaluate(level, x, grad); err != nil {
				if evalErr == nil {
					evalErr = err
				}
				for i := range grad {
					grad[i] = 0
				}
			}
		},
		Status: func() (optimize.Status, error) {
			if evalErr != nil {
				return optimize.Failure, evalErr
			}
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}

	rec := &levelRecorder{
		ctx:       ctx,
		level:     level,
		label:     label,
		plan:      p.plan,
		observe:   observe,
		committed: append([]float64(nil), x0...),
		cost:      math.Inf(1),
	}
	settings := &optimize.Settings{
		MajorIterations:   opts.MaxIterations,
		GradientThreshold: opts.GradientThreshold,
		Converger: &optimize.FunctionConverge{
			Relative:   opts.Tolerance,
			Iterations: max(opts.ConvergeIterations, 1),
		},
		Recorder: rec,
	}

	result, err := optimize.Minimize(problem, x0, settings, method)
	lr.Duration = time.Since(start)
	levelDuration.WithLabelValues(label).Observe(lr.Duration.Seconds())
	lr.Iterations = rec.iterations
	// no major iteration was recorded yet
	if !math.IsInf(rec.cost, 1) {
		lr.Cost = rec.cost
	}

	switch {
	case err == nil || isLinesearchStall(err):
		if err != nil {
			logging.Logger().Warn("line search stalled, keeping best iterate", "level", level, "error", err)
		}
		if result != nil && !math.IsInf(result.F, 1) && !math.IsNaN(result.F) {
			lr.Iterations = result.MajorIterations
			lr.Cost = result.F
			lr.Status = result.Status.String()
			return lr, append([]float64(nil), result.X...), nil
		}
		lr.Status = "NoIteration"
		return lr, rec.committed, nil
	case evalErr != nil:
		lr.Status = optimize.Failure.String()
		return lr, rec.committed, fmt.Errorf("level %d: %w", level, evalErr)
	default:
		lr.Status = optimize.Failure.String()
		return lr, rec.committed, err
	}
}

func isLinesearchStall(err error) bool {
	return errors.Is(err, optimize.ErrLinesearcherFailure) ||
		errors.Is(err, optimize.ErrNoProgress) ||
		errors.Is(err, optimize.ErrNonDescentDirection)
}

// levelRecorder commits the iterate of every major iteration, reports it
// and checks for cancellation
type levelRecorder struct {
	ctx     context.Context
	level   int
	label   string
	plan    *Plan
	observe Observer

	committed  []float64
	cost       float64
	iterations int
}

func (r *levelRecorder) Init() error { return nil }

func (r *levelRecorder) Record(loc *optimize.Location, op optimize.Operation, stats *optimize.Stats) error {
	if op != optimize.MajorIteration {
		return nil
	}
	copy(r.committed, loc.X)
	r.cost = loc.F
	r.iterations = stats.MajorIterations

	optimizerIterations.WithLabelValues(r.label).Inc()
	optimizerCost.Set(loc.F)

	entropy := objective.TotalEntropy(r.plan.beamSums(Transform(loc.X)), nil)
	logging.Logger().Debug("optimizer iteration", "level", r.level, "iteration", r.iterations,
		"cost", loc.F, "entropy", entropy)

	if r.observe != nil && !r.observe(Progress{
		Level: r.level, Iteration: r.iterations, Cost: loc.F, Entropy: entropy,
		State: append([]float64(nil), loc.X...),
	}) {
		return ErrStopped
	}
	return r.ctx.Err()
}

// beamSums returns the summed weights of every beam in a state vector
func (p *Plan) beamSums(w []float64) []float64 {
	sums := make([]float64, len(p.Beams))
	for e, v := range w {
		b, _ := p.BeamletForElement(e)
		sums[b] += v
	}
	return sums
}

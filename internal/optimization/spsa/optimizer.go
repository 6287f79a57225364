// Package spsa implements simultaneous perturbation stochastic approximation
// with automatic gain calibration.
//
// Each iteration estimates a descent direction from two evaluations at
// x ± c_k·δ, where δ is a random ±1 vector, independent of dimensionality.
// The gain a is tuned once before the loop so the first update has roughly
// the magnitude requested by InitialStep.
package spsa

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/copyleftdev/paramtune/internal/optimization"
)

const component = "spsa"

// ClampPolicy selects which points are limited to [CtrlMin, CtrlMax].
type ClampPolicy int

const (
	// ClampPerturbations clamps only the per-iteration perturbed points. The
	// working point may drift outside the bounds.
	ClampPerturbations ClampPolicy = iota
	// ClampIterate additionally clamps the working point after every update.
	ClampIterate
)

func (p ClampPolicy) String() string {
	switch p {
	case ClampPerturbations:
		return "perturbations"
	case ClampIterate:
		return "iterate"
	default:
		return fmt.Sprintf("ClampPolicy(%d)", int(p))
	}
}

// Config contains configuration for the SPSA optimizer
type Config struct {
	optimization.OptimizerConfig

	// Bounds, either one value for every coordinate or one per coordinate
	CtrlMin []float64
	CtrlMax []float64

	// InitialStep is the desired magnitude of the first update; it is only
	// used by gain calibration.
	InitialStep float64

	// DisableCalibration skips calibration and uses Gain as a.
	DisableCalibration bool
	Gain               float64

	// Gain schedule: a_k = a/(k+A)^Alpha, c_k = C/k^Gamma
	Gamma float64
	Alpha float64
	C     float64
	A     float64

	// BernoulliProbability is the probability of +1 in each perturbation
	// coordinate.
	BernoulliProbability float64

	ClampPolicy ClampPolicy

	// Source drives the perturbation draws. Nil builds a PCG source from
	// RandomSeed.
	Source rand.Source
}

// DefaultConfig returns the gain schedule recommended by Spall.
func DefaultConfig() Config {
	return Config{
		OptimizerConfig: optimization.OptimizerConfig{
			NoImproveThreshold: 1e-5,
			NoImproveBreak:     10,
		},
		InitialStep:          0.1,
		Gain:                 0.1,
		Gamma:                0.101,
		Alpha:                0.602,
		C:                    0.01,
		A:                    50,
		BernoulliProbability: 0.5,
	}
}

// Optimizer implements SPSA minimization
type Optimizer struct {
	config Config
	logger *zap.Logger

	// Per-run state
	lo, hi  []float64
	perturb distuv.Bernoulli
	gain    float64
	x       []float64
	best    *optimization.Evaluation
	history []optimization.Evaluation
	seq     int
	mu      sync.RWMutex
	cancel  context.CancelFunc
}

// NewOptimizer creates a new SPSA optimizer
func NewOptimizer(config Config) *Optimizer {
	if config.Gamma == 0 {
		config.Gamma = 0.101
	}
	if config.Alpha == 0 {
		config.Alpha = 0.602
	}
	if config.C == 0 {
		config.C = 0.01
	}
	if config.BernoulliProbability == 0 {
		config.BernoulliProbability = 0.5
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Optimizer{
		config: config,
		logger: logger.With(zap.String("optimizer", component)),
	}
}

// Optimize runs SPSA using the optimizer's own configuration. A config with a
// non-nil objective replaces the shared part of that configuration.
func (o *Optimizer) Optimize(ctx context.Context, config optimization.OptimizerConfig) (*optimization.OptimizationResult, error) {
	if config.Objective != nil {
		o.config.OptimizerConfig = config
		if config.Logger != nil {
			o.logger = config.Logger.With(zap.String("optimizer", component))
		}
	}
	return o.Run(ctx)
}

// Run executes the optimization with the current configuration.
func (o *Optimizer) Run(ctx context.Context) (*optimization.OptimizationResult, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	o.reset(cancel)
	defer cancel()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := o.config
	dim := len(cfg.InitialPoint)

	start, err := o.evaluate(cfg.InitialPoint, 0, optimization.KindInitial)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.x = slices.Clone(cfg.InitialPoint)
	o.mu.Unlock()

	cause := optimization.Running
	gain := cfg.Gain
	if !cfg.DisableCalibration {
		var cancelled bool
		gain, cancelled, err = o.calibrate(ctx)
		if err != nil {
			return nil, err
		}
		if cancelled {
			cause = optimization.Cancelled
		}
	}
	o.mu.Lock()
	o.gain = gain
	o.mu.Unlock()

	tracker := optimization.NewConvergenceTracker(start.Solution.Value, cfg.NoImproveThreshold, cfg.NoImproveBreak, cfg.MaxIterations)

	delta := make([]float64, dim)
	xPlus := make([]float64, dim)
	xMinus := make([]float64, dim)
	gradient := make([]float64, dim)
	iterations := 0

	for cause == optimization.Running {
		select {
		case <-ctx.Done():
			cause = optimization.Cancelled
			continue
		default:
		}

		if tracker.ShouldStop(o.GetBestSolution().Value, iterations) {
			cause = tracker.Cause()
			continue
		}
		iterations++
		k := float64(iterations)

		ak := gain / math.Pow(k+cfg.A, cfg.Alpha)
		ck := cfg.C / math.Pow(k, cfg.Gamma)

		o.draw(delta)
		x := o.current()

		floats.AddScaledTo(xPlus, x, ck, delta)
		floats.AddScaledTo(xMinus, x, -ck, delta)
		plus, err := o.evaluate(optimization.Clamp(nil, xPlus, o.lo, o.hi), iterations, optimization.KindPerturbPlus)
		if err != nil {
			return nil, err
		}
		minus, err := o.evaluate(optimization.Clamp(nil, xMinus, o.lo, o.hi), iterations, optimization.KindPerturbMinus)
		if err != nil {
			return nil, err
		}

		// 1/δ_i == δ_i for δ_i in {-1, +1}
		diff := (plus.Solution.Value - minus.Solution.Value) / (2 * ck)
		floats.ScaleTo(gradient, diff, delta)
		floats.AddScaled(x, -ak, gradient)
		if cfg.ClampPolicy == ClampIterate {
			optimization.Clamp(x, x, o.lo, o.hi)
		}

		updated, err := o.evaluate(x, iterations, optimization.KindUpdate)
		if err != nil {
			return nil, err
		}
		o.mu.Lock()
		o.x = x
		o.mu.Unlock()

		o.logger.Debug("spsa iteration",
			zap.Int("iteration", iterations),
			zap.Float64("a_k", ak),
			zap.Float64("c_k", ck),
			zap.Float64("score", updated.Solution.Value),
			zap.Int("stale", tracker.StaleCount()),
		)
	}

	o.mu.RLock()
	best := *o.best
	o.mu.RUnlock()

	result := &optimization.OptimizationResult{
		BestSolution:  best.Solution.Clone(),
		VerifiedValue: math.NaN(),
		Iterations:    iterations,
		Converged:     cause == optimization.StallConverged,
		Cause:         cause,
	}

	if cause != optimization.Cancelled {
		verified, err := o.evaluate(best.Solution.Parameters, iterations, optimization.KindVerification)
		if err != nil {
			return nil, err
		}
		result.VerifiedValue = verified.Solution.Value
	}

	o.logTermination(result)

	o.mu.RLock()
	result.History = optimization.CloneHistory(o.history)
	result.Evaluations = o.seq
	o.mu.RUnlock()

	return result, nil
}

// calibrate measures the mean absolute response to 2·dim random ±c
// perturbations around x0 and returns a = InitialStep·2·c / mean. The
// perturbed points are not clamped: the formula needs their spacing to be
// exactly 2·c.
func (o *Optimizer) calibrate(ctx context.Context) (float64, bool, error) {
	cfg := o.config
	dim := len(cfg.InitialPoint)
	trials := 2 * dim

	delta := make([]float64, dim)
	x := make([]float64, dim)
	responses := make([]float64, 0, trials)

	for i := 0; i < trials; i++ {
		if ctx.Err() != nil {
			return 0, true, nil
		}
		o.draw(delta)

		floats.AddScaledTo(x, cfg.InitialPoint, cfg.C, delta)
		plus, err := o.evaluate(x, 0, optimization.KindCalibration)
		if err != nil {
			return 0, false, err
		}
		floats.AddScaledTo(x, cfg.InitialPoint, -cfg.C, delta)
		minus, err := o.evaluate(x, 0, optimization.KindCalibration)
		if err != nil {
			return 0, false, err
		}
		responses = append(responses, math.Abs(plus.Solution.Value-minus.Solution.Value))
	}

	mean := stat.Mean(responses, nil)
	if mean == 0 || math.IsNaN(mean) || math.IsInf(mean, 0) {
		return 0, false, optimization.WrapErrorf(optimization.ErrCalibrationDegenerate,
			"mean absolute response over %d trials is %v", trials, mean).
			WithComponent(component).
			WithOperation("calibrate")
	}

	gain := cfg.InitialStep * 2 * cfg.C / mean
	o.logger.Debug("gain calibrated",
		zap.Float64("a", gain),
		zap.Float64("mean_response", mean),
		zap.Int("trials", trials),
	)
	return gain, false, nil
}

// draw fills delta with independent ±1 values.
func (o *Optimizer) draw(delta []float64) {
	for i := range delta {
		if o.perturb.Rand() == 1 {
			delta[i] = 1
		} else {
			delta[i] = -1
		}
	}
}

func (o *Optimizer) current() []float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.x)
}

func (o *Optimizer) evaluate(x []float64, iteration int, kind optimization.EvaluationKind) (optimization.Evaluation, error) {
	value, err := o.config.Objective(slices.Clone(x))
	if err != nil {
		return optimization.Evaluation{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	eval := optimization.Evaluation{
		Iteration: iteration,
		Sequence:  o.seq,
		Kind:      kind,
		Solution: &optimization.Solution{
			Parameters: slices.Clone(x),
			Value:      value,
		},
	}
	o.seq++
	o.history = append(o.history, eval)

	// Calibration samples and the verification call are not candidates.
	if kind != optimization.KindCalibration && kind != optimization.KindVerification {
		if o.best == nil || optimization.CompareEvaluations(eval, *o.best) < 0 {
			e := eval
			o.best = &e
		}
	}
	return eval, nil
}

func (o *Optimizer) reset(cancel context.CancelFunc) {
	src := o.config.Source
	if src == nil {
		seed := o.config.RandomSeed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		src = rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancel = cancel
	o.perturb = distuv.Bernoulli{P: o.config.BernoulliProbability, Src: src}
	o.gain = 0
	o.x = nil
	o.best = nil
	o.history = nil
	o.seq = 0
}

// Validate checks the configuration without evaluating the objective.
func (o *Optimizer) Validate() error {
	return o.validate()
}

func (o *Optimizer) validate() error {
	cfg := &o.config
	if err := optimization.ValidateCommon(component, &cfg.OptimizerConfig); err != nil {
		return err
	}
	dim := len(cfg.InitialPoint)

	lo, err := optimization.Broadcast(component, "ctrl_min", cfg.CtrlMin, dim)
	if err != nil {
		return err
	}
	hi, err := optimization.Broadcast(component, "ctrl_max", cfg.CtrlMax, dim)
	if err != nil {
		return err
	}
	for i := range lo {
		if math.IsNaN(lo[i]) || math.IsNaN(hi[i]) || lo[i] > hi[i] {
			return optimization.ConfigErrorf(component, "bounds for coordinate %d are invalid: [%v, %v]", i, lo[i], hi[i])
		}
	}

	switch {
	case cfg.DisableCalibration && (!(cfg.Gain > 0) || math.IsInf(cfg.Gain, 0)):
		return optimization.ConfigErrorf(component, "gain must be positive and finite when calibration is disabled, got %v", cfg.Gain)
	case !cfg.DisableCalibration && (!(cfg.InitialStep > 0) || math.IsInf(cfg.InitialStep, 0)):
		return optimization.ConfigErrorf(component, "initial step must be positive and finite, got %v", cfg.InitialStep)
	case !(cfg.C > 0) || math.IsInf(cfg.C, 0):
		return optimization.ConfigErrorf(component, "perturbation size c must be positive, got %v", cfg.C)
	case cfg.A < 0 || math.IsNaN(cfg.A):
		return optimization.ConfigErrorf(component, "stability constant A must be >= 0, got %v", cfg.A)
	case !(cfg.BernoulliProbability > 0 && cfg.BernoulliProbability <= 1):
		return optimization.ConfigErrorf(component, "bernoulli probability must be in (0, 1], got %v", cfg.BernoulliProbability)
	case cfg.ClampPolicy != ClampPerturbations && cfg.ClampPolicy != ClampIterate:
		return optimization.ConfigErrorf(component, "unknown clamp policy %v", cfg.ClampPolicy)
	}

	o.lo, o.hi = lo, hi
	return nil
}

func (o *Optimizer) logTermination(result *optimization.OptimizationResult) {
	log := o.logger.Debug
	if o.config.Verbose {
		log = o.logger.Info
	}
	var msg string
	switch result.Cause {
	case optimization.StallConverged:
		msg = "no improvement registered, concluding successful convergence"
	case optimization.BudgetExhausted:
		msg = "max iterations exceeded, optimization failed"
	case optimization.Cancelled:
		msg = "optimization cancelled, returning best point so far"
	}
	log(msg,
		zap.Stringer("cause", result.Cause),
		zap.Int("iterations", result.Iterations),
		zap.Float64("gain", o.Gain()),
		zap.Float64("best", result.BestSolution.Value),
		zap.Float64s("point", result.BestSolution.Parameters),
	)
}

// Gain returns the gain a used by the last run.
func (o *Optimizer) Gain() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.gain
}

// Iterate returns a copy of the current working point.
func (o *Optimizer) Iterate() []float64 {
	return o.current()
}

// GetBestSolution returns the lowest scoring candidate evaluated so far
func (o *Optimizer) GetBestSolution() *optimization.Solution {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.best == nil {
		return nil
	}
	return o.best.Solution.Clone()
}

// GetHistory returns the history of evaluations
func (o *Optimizer) GetHistory() []optimization.Evaluation {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return optimization.CloneHistory(o.history)
}

// Stop stops the optimization process
func (o *Optimizer) Stop() {
	o.mu.RLock()
	cancel := o.cancel
	o.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Package simplex implements the Nelder-Mead downhill simplex method.
package simplex

import (
	"context"
	"math"
	"slices"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/paramtune/internal/optimization"
)

const component = "simplex"

// Config contains configuration for the simplex optimizer
type Config struct {
	optimization.OptimizerConfig

	// InitialStep builds the initial simplex: one value is used on every
	// axis, otherwise one value per axis.
	InitialStep []float64

	// Reflection coefficient (alpha)
	Reflection float64
	// Expansion coefficient (gamma)
	Expansion float64
	// Contraction coefficient (rho), negative for an inside contraction
	Contraction float64
	// Shrink coefficient (sigma)
	Shrink float64
}

// DefaultConfig returns the standard Nelder-Mead coefficients.
func DefaultConfig() Config {
	return Config{
		OptimizerConfig: optimization.OptimizerConfig{
			NoImproveThreshold: 1e-5,
			NoImproveBreak:     10,
		},
		InitialStep: []float64{0.1},
		Reflection:  1.0,
		Expansion:   2.0,
		Contraction: -0.5,
		Shrink:      0.5,
	}
}

// Optimizer implements Nelder-Mead minimization
type Optimizer struct {
	config Config
	logger *zap.Logger

	mu       sync.RWMutex
	vertices []optimization.Evaluation
	history  []optimization.Evaluation
	seq      int

	cancel context.CancelFunc
}

// NewOptimizer creates a new simplex optimizer
func NewOptimizer(config Config) *Optimizer {
	if config.Reflection == 0 {
		config.Reflection = 1.0
	}
	if config.Expansion == 0 {
		config.Expansion = 2.0
	}
	if config.Contraction == 0 {
		config.Contraction = -0.5
	}
	if config.Shrink == 0 {
		config.Shrink = 0.5
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

// Optimize runs Nelder-Mead using the optimizer's own configuration. A config
// with a non-nil objective replaces the shared part of that configuration.
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
	steps, err := o.validate()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.vertices = nil
	o.history = nil
	o.seq = 0
	o.mu.Unlock()
	defer cancel()

	cfg := o.config
	x0 := slices.Clone(cfg.InitialPoint)
	dim := len(x0)

	// Nothing has been measured yet, so there is no partial result to keep.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	first, err := o.evaluate(x0, 0, optimization.KindInitial)
	if err != nil {
		return nil, err
	}
	vertices := []optimization.Evaluation{first}
	cause := optimization.Running

	// Each row of the diagonal offset matrix displaces x0 along one axis.
	offsets := mat.NewDiagDense(dim, steps)
	for i := 0; i < dim; i++ {
		if ctx.Err() != nil {
			cause = optimization.Cancelled
			break
		}
		x := mat.Row(nil, i, offsets)
		floats.Add(x, x0)
		eval, err := o.evaluate(x, 0, optimization.KindVertex)
		if err != nil {
			return nil, err
		}
		vertices = append(vertices, eval)
	}

	tracker := optimization.NewConvergenceTracker(first.Solution.Value, cfg.NoImproveThreshold, cfg.NoImproveBreak, cfg.MaxIterations)

	centroid := make([]float64, dim)
	iterations := 0

	for cause == optimization.Running {
		slices.SortFunc(vertices, optimization.CompareEvaluations)
		o.publish(vertices)

		select {
		case <-ctx.Done():
			cause = optimization.Cancelled
			continue
		default:
		}

		if tracker.ShouldStop(vertices[0].Solution.Value, iterations) {
			cause = tracker.Cause()
			continue
		}
		iterations++

		vertices, err = o.step(vertices, centroid, iterations)
		if err != nil {
			return nil, err
		}

		o.logger.Debug("simplex iteration",
			zap.Int("iteration", iterations),
			zap.Float64("best", vertices[0].Solution.Value),
			zap.Int("stale", tracker.StaleCount()),
		)
	}

	slices.SortFunc(vertices, optimization.CompareEvaluations)
	o.publish(vertices)

	best := vertices[0]
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

// step performs one decision of the Nelder-Mead tree on a sorted simplex and
// returns the updated vertex set. Exactly one branch fires.
func (o *Optimizer) step(vertices []optimization.Evaluation, centroid []float64, iteration int) ([]optimization.Evaluation, error) {
	cfg := o.config
	n := len(vertices)
	best := vertices[0]
	secondWorst := vertices[n-2]
	worst := vertices[n-1]

	for i := range centroid {
		centroid[i] = 0
	}
	for _, v := range vertices[:n-1] {
		floats.Add(centroid, v.Solution.Parameters)
	}
	floats.Scale(1/float64(n-1), centroid)

	reflected, err := o.evaluate(along(centroid, worst.Solution.Parameters, cfg.Reflection), iteration, optimization.KindReflect)
	if err != nil {
		return nil, err
	}
	fr := reflected.Solution.Value

	if best.Solution.Value <= fr && fr < secondWorst.Solution.Value {
		vertices[n-1] = reflected
		return vertices, nil
	}

	if fr < best.Solution.Value {
		expanded, err := o.evaluate(along(centroid, worst.Solution.Parameters, cfg.Expansion), iteration, optimization.KindExpand)
		if err != nil {
			return nil, err
		}
		if expanded.Solution.Value < fr {
			vertices[n-1] = expanded
		} else {
			vertices[n-1] = reflected
		}
		return vertices, nil
	}

	contracted, err := o.evaluate(along(centroid, worst.Solution.Parameters, cfg.Contraction), iteration, optimization.KindContract)
	if err != nil {
		return nil, err
	}
	if contracted.Solution.Value < worst.Solution.Value {
		vertices[n-1] = contracted
		return vertices, nil
	}

	return o.shrink(vertices, iteration)
}

// shrink moves every vertex toward the best one and re-evaluates it. The best
// vertex keeps the lower of its two measurements.
func (o *Optimizer) shrink(vertices []optimization.Evaluation, iteration int) ([]optimization.Evaluation, error) {
	anchor := vertices[0].Solution.Parameters
	shrunk := make([]optimization.Evaluation, len(vertices))
	for i, v := range vertices {
		x := make([]float64, len(anchor))
		floats.SubTo(x, v.Solution.Parameters, anchor)
		floats.AddScaledTo(x, anchor, o.config.Shrink, x)
		eval, err := o.evaluate(x, iteration, optimization.KindShrink)
		if err != nil {
			return nil, err
		}
		shrunk[i] = eval
	}
	if optimization.CompareEvaluations(vertices[0], shrunk[0]) < 0 {
		shrunk[0] = vertices[0]
	}
	return shrunk, nil
}

// along returns c + coef*(c - p).
func along(c, p []float64, coef float64) []float64 {
	d := make([]float64, len(c))
	floats.SubTo(d, c, p)
	return floats.AddScaledTo(d, c, coef, d)
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
			Parameters: x,
			Value:      value,
		},
	}
	o.seq++
	o.history = append(o.history, eval)
	return eval, nil
}

func (o *Optimizer) publish(vertices []optimization.Evaluation) {
	o.mu.Lock()
	o.vertices = append(o.vertices[:0], vertices...)
	o.mu.Unlock()
}

// Validate checks the configuration without evaluating the objective.
func (o *Optimizer) Validate() error {
	_, err := o.validate()
	return err
}

func (o *Optimizer) validate() ([]float64, error) {
	if err := optimization.ValidateCommon(component, &o.config.OptimizerConfig); err != nil {
		return nil, err
	}
	steps, err := optimization.Broadcast(component, "initial step", o.config.InitialStep, len(o.config.InitialPoint))
	if err != nil {
		return nil, err
	}
	for i, s := range steps {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, optimization.ConfigErrorf(component, "initial step %d is not finite (%v)", i, s)
		}
	}
	return steps, nil
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
		zap.Float64("best", result.BestSolution.Value),
		zap.Float64s("point", result.BestSolution.Parameters),
	)
}

// GetBestSolution returns the best vertex of the current simplex
func (o *Optimizer) GetBestSolution() *optimization.Solution {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if len(o.vertices) == 0 {
		return nil
	}
	return o.vertices[0].Solution.Clone()
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

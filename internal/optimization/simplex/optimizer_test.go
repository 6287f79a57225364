package simplex

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gonum.org/v1/gonum/optimize"

	"github.com/copyleftdev/paramtune/internal/optimization"
	"github.com/copyleftdev/paramtune/internal/optimization/optimizationtest"
)

func newConfig(objective optimization.ObjectiveFunction, x0 []float64, step ...float64) Config {
	cfg := DefaultConfig()
	cfg.Objective = objective
	cfg.InitialPoint = x0
	cfg.InitialStep = step
	return cfg
}

func TestNewOptimizerDefaults(t *testing.T) {
	optimizer := NewOptimizer(Config{})
	require.NotNil(t, optimizer)

	assert.Equal(t, 1.0, optimizer.config.Reflection)
	assert.Equal(t, 2.0, optimizer.config.Expansion)
	assert.Equal(t, -0.5, optimizer.config.Contraction)
	assert.Equal(t, 0.5, optimizer.config.Shrink)
	assert.NotNil(t, optimizer.logger)
	assert.Nil(t, optimizer.GetBestSolution(), "no solution before a run")
}

func TestSimplexScenario(t *testing.T) {
	objective := func(x []float64) (float64, error) {
		return (x[0]-3)*(x[0]-3) + (x[1]+2)*(x[1]+2), nil
	}
	cfg := newConfig(objective, []float64{0, 0}, 0.5)
	cfg.NoImproveThreshold = 1e-8
	cfg.NoImproveBreak = 10
	cfg.MaxIterations = 500

	result, err := NewOptimizer(cfg).Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)

	optimizationtest.AssertFloat64SlicesEqual(t, result.BestSolution.Parameters, []float64{3, -2}, 1e-3)
	assert.InDelta(t, 0.0, result.BestSolution.Value, 1e-3)
	assert.Equal(t, optimization.StallConverged, result.Cause)
	assert.True(t, result.Converged)
	assert.Less(t, result.Iterations, 500)
}

func TestSimplexConvergesOnParaboloid(t *testing.T) {
	tests := []struct {
		name   string
		target []float64
		x0     []float64
		step   []float64
	}{
		{name: "dim 1", target: []float64{1.5}, x0: []float64{0}, step: []float64{0.5}},
		{name: "dim 2 per-axis step", target: []float64{-1, 0.75}, x0: []float64{0.5, 0.5}, step: []float64{0.3, 0.6}},
		{name: "dim 3", target: []float64{1, -2, 0.5}, x0: []float64{0, 0, 0}, step: []float64{0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newConfig(optimizationtest.Paraboloid(tt.target...), tt.x0, tt.step...)
			cfg.NoImproveThreshold = 1e-10
			cfg.NoImproveBreak = 20
			cfg.MaxIterations = 5000

			result, err := NewOptimizer(cfg).Run(context.Background())
			require.NoError(t, err)

			optimizationtest.AssertFloat64SlicesEqual(t, result.BestSolution.Parameters, tt.target, 1e-3)
			assert.Equal(t, optimization.StallConverged, result.Cause)
		})
	}
}

func TestSimplexMatchesGonumNelderMead(t *testing.T) {
	target := []float64{0.25, -1.5}
	objective := optimizationtest.Paraboloid(target...)

	reference, err := optimize.Minimize(optimize.Problem{
		Func: func(x []float64) float64 {
			v, _ := objective(x)
			return v
		},
	}, []float64{1, 1}, nil, &optimize.NelderMead{})
	require.NotNil(t, reference, "gonum: %v", err)
	require.InDelta(t, 0.0, reference.F, 1e-6)

	cfg := newConfig(objective, []float64{1, 1}, 0.2)
	cfg.NoImproveThreshold = 1e-12
	cfg.NoImproveBreak = 20

	result, err := NewOptimizer(cfg).Run(context.Background())
	require.NoError(t, err)

	optimizationtest.AssertFloat64SlicesEqual(t, result.BestSolution.Parameters, reference.X, 1e-3)
}

func TestSimplexInitialSimplex(t *testing.T) {
	cfg := newConfig(optimizationtest.Paraboloid(0, 0), []float64{1, 2}, 0.1, 0.2)
	cfg.MaxIterations = 1

	result, err := NewOptimizer(cfg).Run(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(result.History), 3)

	assert.Equal(t, optimization.KindInitial, result.History[0].Kind)
	assert.Equal(t, []float64{1, 2}, result.History[0].Solution.Parameters)
	assert.Equal(t, optimization.KindVertex, result.History[1].Kind)
	optimizationtest.AssertFloat64SlicesEqual(t, result.History[1].Solution.Parameters, []float64{1.1, 2}, 1e-12)
	optimizationtest.AssertFloat64SlicesEqual(t, result.History[2].Solution.Parameters, []float64{1, 2.2}, 1e-12)
}

func TestSimplexMaxIterationsBound(t *testing.T) {
	for _, budget := range []int{1, 2, 5, 9} {
		cfg := newConfig(optimizationtest.Paraboloid(10, -10), []float64{0, 0}, 0.1)
		cfg.MaxIterations = budget
		cfg.NoImproveBreak = 10

		result, err := NewOptimizer(cfg).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, budget, result.Iterations)
		assert.Equal(t, optimization.BudgetExhausted, result.Cause)
		assert.False(t, result.Converged)
	}
}

func TestSimplexUnboundedStopsOnStall(t *testing.T) {
	cfg := newConfig(optimizationtest.Paraboloid(2), []float64{0}, 1)
	cfg.MaxIterations = 0
	cfg.NoImproveThreshold = 1e-6
	cfg.NoImproveBreak = 5

	result, err := NewOptimizer(cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, optimization.StallConverged, result.Cause)
	assert.Greater(t, result.Iterations, 0)
}

func TestSimplexBestIsMonotone(t *testing.T) {
	objective := func(x []float64) (float64, error) {
		a := 1 - x[0]
		b := x[1] - x[0]*x[0]
		return a*a + 10*b*b, nil
	}

	previous := math.Inf(1)
	for budget := 1; budget <= 40; budget++ {
		cfg := newConfig(objective, []float64{-1, 1}, 0.25)
		cfg.MaxIterations = budget
		cfg.NoImproveBreak = 1000

		result, err := NewOptimizer(cfg).Run(context.Background())
		require.NoError(t, err)
		assert.LessOrEqual(t, result.BestSolution.Value, previous, "budget %d", budget)
		previous = result.BestSolution.Value
	}
}

func TestSimplexVerification(t *testing.T) {
	counter := optimizationtest.NewCounter(optimizationtest.Paraboloid(1, 1))
	cfg := newConfig(counter.Objective, []float64{0, 0}, 0.5)
	cfg.MaxIterations = 20

	result, err := NewOptimizer(cfg).Run(context.Background())
	require.NoError(t, err)

	last := result.History[len(result.History)-1]
	assert.Equal(t, optimization.KindVerification, last.Kind)
	assert.Equal(t, result.BestSolution.Parameters, last.Solution.Parameters)
	assert.Equal(t, last.Solution.Value, result.VerifiedValue)
	assert.Equal(t, counter.Calls(), result.Evaluations)
	assert.Len(t, result.History, counter.Calls())
}

func TestSimplexConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		x0   []float64
		step []float64
	}{
		{name: "step length mismatch", x0: []float64{0, 0}, step: []float64{0.1, 0.2, 0.3}},
		{name: "missing step", x0: []float64{0, 0}, step: nil},
		{name: "non-finite step", x0: []float64{0, 0}, step: []float64{math.NaN()}},
		{name: "empty point", x0: nil, step: []float64{0.1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objective := &optimizationtest.MockObjective{}
			cfg := newConfig(objective.Evaluate, tt.x0, tt.step...)

			result, err := NewOptimizer(cfg).Run(context.Background())
			require.Error(t, err)
			assert.Nil(t, result)
			assert.ErrorIs(t, err, optimization.ErrInvalidConfig)
			objective.AssertNotCalled(t, "Evaluate", mock.Anything)
		})
	}
}

func TestSimplexObjectiveErrorPropagates(t *testing.T) {
	errMeasurement := errors.New("instrument timeout")

	objective := &optimizationtest.MockObjective{}
	objective.On("Evaluate", mock.Anything).Return(1.0, nil).Times(4)
	objective.On("Evaluate", mock.Anything).Return(0.0, errMeasurement).Once()

	cfg := newConfig(objective.Evaluate, []float64{0, 0}, 0.1)
	result, err := NewOptimizer(cfg).Run(context.Background())

	assert.Nil(t, result)
	assert.Same(t, errMeasurement, err)
	objective.AssertNumberOfCalls(t, "Evaluate", 5)
}

func TestSimplexCancellationReturnsBestSoFar(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	counter := optimizationtest.NewCounter(optimizationtest.Paraboloid(5, 5))
	objective := func(x []float64) (float64, error) {
		if counter.Calls() == 12 {
			cancel()
		}
		return counter.Objective(x)
	}

	cfg := newConfig(objective, []float64{0, 0}, 0.5)
	result, err := NewOptimizer(cfg).Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, optimization.Cancelled, result.Cause)
	assert.False(t, result.Converged)
	assert.True(t, math.IsNaN(result.VerifiedValue), "no verification after cancellation")

	best, ok := optimization.BestOf(result.History, nil)
	require.True(t, ok)
	assert.Equal(t, best.Solution.Value, result.BestSolution.Value)
	assert.Equal(t, counter.Calls(), len(result.History))
}

func TestSimplexStop(t *testing.T) {
	var optimizer *Optimizer
	calls := 0
	objective := func(x []float64) (float64, error) {
		calls++
		if calls == 8 {
			optimizer.Stop()
		}
		return x[0] * x[0], nil
	}

	optimizer = NewOptimizer(newConfig(objective, []float64{3}, 1))
	result, err := optimizer.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, optimization.Cancelled, result.Cause)
	assert.NotNil(t, optimizer.GetBestSolution())
	assert.Len(t, optimizer.GetHistory(), calls)
}

func TestSimplexAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	counter := optimizationtest.NewCounter(optimizationtest.Paraboloid(0))
	result, err := NewOptimizer(newConfig(counter.Objective, []float64{1}, 0.1)).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, result)
	assert.Equal(t, 0, counter.Calls())
}

func TestSimplexOptimizeInterface(t *testing.T) {
	var optimizer optimization.Optimizer = NewOptimizer(newConfig(nil, nil, 0.5))

	result, err := optimizer.Optimize(context.Background(), optimization.OptimizerConfig{
		Objective:     optimizationtest.Paraboloid(1),
		InitialPoint:  []float64{0},
		MaxIterations: 200,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, result.BestSolution.Parameters[0], 1e-2)
	assert.Equal(t, result.BestSolution.Value, optimizer.GetBestSolution().Value)
}

func TestSimplexVerboseLogging(t *testing.T) {
	for _, verbose := range []bool{false, true} {
		core, logs := observer.New(zapcore.InfoLevel)
		cfg := newConfig(optimizationtest.Paraboloid(1), []float64{0}, 0.5)
		cfg.Logger = zap.New(core)
		cfg.Verbose = verbose
		cfg.MaxIterations = 3

		result, err := NewOptimizer(cfg).Run(context.Background())
		require.NoError(t, err)
		require.NotNil(t, result)

		entries := logs.FilterMessageSnippet("max iterations exceeded").All()
		if verbose {
			require.Len(t, entries, 1)
			assert.Equal(t, "budget_exhausted", entries[0].ContextMap()["cause"])
		} else {
			assert.Empty(t, entries)
		}
	}
}

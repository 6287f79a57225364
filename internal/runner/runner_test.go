package runner

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/paramtune/internal/config"
	"github.com/copyleftdev/paramtune/internal/objective"
	"github.com/copyleftdev/paramtune/internal/optimization"
	"github.com/copyleftdev/paramtune/internal/optimization/spsa"
)

const jobsYAML = `
jobs:
  - name: scenario
    method: simplex
    objective:
      benchmark: paraboloid
      target: [3, -2]
    initial_point: [0, 0]
    initial_step: [0.5]
    max_iterations: 500
    no_improve_threshold: 1.0e-8
    no_improve_break: 10
  - method: spsa
    objective:
      expression: "pow(x0 - 0.5, 2)"
    initial_point: [0]
    initial_step: [0.3]
    max_iterations: 2000
    no_improve_threshold: 1.0e-10
    no_improve_break: 20
    random_seed: 5
    spsa:
      ctrl_min: [-2]
      ctrl_max: [2]
      a: 10
      clamp_policy: iterate
`

func testDefaults() config.OptimizationConfig {
	return config.DefaultOptimization()
}

func TestParseJobs(t *testing.T) {
	jobs, err := ParseJobs([]byte(jobsYAML))
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, "scenario", jobs[0].Name)
	assert.Equal(t, MethodSimplex, jobs[0].Method)
	assert.Equal(t, []float64{3, -2}, jobs[0].Objective.Target)
	require.NotNil(t, jobs[0].MaxIterations)
	assert.Equal(t, 500, *jobs[0].MaxIterations)

	assert.Equal(t, "job-2", jobs[1].Name, "unnamed jobs get a positional name")
	assert.Equal(t, MethodSPSA, jobs[1].Method)
	assert.Equal(t, []float64{-2}, jobs[1].SPSA.CtrlMin)
	require.NotNil(t, jobs[1].SPSA.A)
	assert.Equal(t, 10.0, *jobs[1].SPSA.A)
	assert.Equal(t, "iterate", jobs[1].SPSA.ClampPolicy)
}

func TestParseJobsJSON(t *testing.T) {
	doc := `{"jobs": [{"name": "j", "method": "simplex", "objective": {"benchmark": "flat"}, "initial_point": [1, 2]}]}`
	jobs, err := ParseJobs([]byte(doc))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, []float64{1, 2}, jobs[0].InitialPoint)
}

func TestParseJobsErrors(t *testing.T) {
	_, err := ParseJobs([]byte("jobs: []"))
	assert.Error(t, err)

	_, err = ParseJobs([]byte("jobs: [unclosed"))
	assert.Error(t, err)
}

func TestLoadJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(jobsYAML), 0o600))

	jobs, err := LoadJobs(path)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	_, err = LoadJobs(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBuildErrors(t *testing.T) {
	base := func() JobSpec {
		return JobSpec{
			Name:         "j",
			Method:       MethodSPSA,
			Objective:    objective.Spec{Benchmark: "paraboloid"},
			InitialPoint: []float64{0},
			SPSA:         SPSAOptions{CtrlMin: []float64{-1}, CtrlMax: []float64{1}},
		}
	}

	tests := []struct {
		name    string
		modify  func(*JobSpec)
		wantErr error
	}{
		{name: "unknown method", modify: func(s *JobSpec) { s.Method = "annealing" }, wantErr: optimization.ErrInvalidConfig},
		{name: "unknown objective", modify: func(s *JobSpec) { s.Objective.Benchmark = "nope" }, wantErr: objective.ErrUnknownObjective},
		{name: "bad expression", modify: func(s *JobSpec) { s.Objective = objective.Spec{Expression: "x0 +"} }, wantErr: objective.ErrInvalidExpression},
		{name: "vector spsa step", modify: func(s *JobSpec) { s.InitialStep = []float64{0.1, 0.2} }, wantErr: optimization.ErrInvalidConfig},
		{name: "unknown clamp policy", modify: func(s *JobSpec) { s.SPSA.ClampPolicy = "both" }, wantErr: optimization.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := base()
			tt.modify(&spec)
			_, err := Build(spec, testDefaults())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestBuildAppliesDefaultsAndOverrides(t *testing.T) {
	defaults := testDefaults()
	defaults.MaxIterations = 4
	defaults.NoImproveBreak = 100

	spec := JobSpec{
		Name:         "defaults",
		Objective:    objective.Spec{Benchmark: "paraboloid", Target: []float64{5}},
		InitialPoint: []float64{0},
	}
	job, err := Build(spec, defaults)
	require.NoError(t, err)

	res, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Iterations)
	assert.Equal(t, optimization.BudgetExhausted, res.Cause)
	assert.Equal(t, job.Counter.Calls(), res.Evaluations)

	budget := 2
	spec.MaxIterations = &budget
	job, err = Build(spec, defaults)
	require.NoError(t, err)
	res, err = job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Iterations)
	assert.NotNil(t, job.Optimizer().GetBestSolution())
}

func TestBuildSPSAClampPolicy(t *testing.T) {
	spec := JobSpec{
		Method:       MethodSPSA,
		Objective:    objective.Spec{Benchmark: "linear"},
		InitialPoint: []float64{0.9},
		SPSA: SPSAOptions{
			CtrlMin:            []float64{-1},
			CtrlMax:            []float64{1},
			DisableCalibration: true,
			Gain:               50,
			A:                  new(float64),
			C:                  0.05,
			ClampPolicy:        "iterate",
		},
	}
	budget := 3
	spec.MaxIterations = &budget

	job, err := Build(spec, testDefaults())
	require.NoError(t, err)
	_, err = job.Run(context.Background())
	require.NoError(t, err)

	opt, ok := job.Optimizer().(*spsa.Optimizer)
	require.True(t, ok)
	assert.Equal(t, -1.0, opt.Iterate()[0])
}

func TestRunAll(t *testing.T) {
	jobs, err := ParseJobs([]byte(jobsYAML))
	require.NoError(t, err)
	jobs = append(jobs, JobSpec{Name: "broken", Objective: objective.Spec{Benchmark: "missing"}, InitialPoint: []float64{0}})

	var calls atomic.Int64
	results := RunAll(context.Background(), jobs, testDefaults(), 2, nil,
		WithEvaluationHook(func() { calls.Add(1) }))
	require.Len(t, results, 3)

	scenario := results[0]
	require.NoError(t, scenario.Err)
	assert.Equal(t, "scenario", scenario.Spec.Name)
	assert.InDelta(t, 3, scenario.Result.BestSolution.Parameters[0], 1e-3)
	assert.InDelta(t, -2, scenario.Result.BestSolution.Parameters[1], 1e-3)
	assert.Equal(t, optimization.StallConverged, scenario.Result.Cause)

	tuned := results[1]
	require.NoError(t, tuned.Err)
	assert.InDelta(t, 0.5, tuned.Result.BestSolution.Parameters[0], 0.05)

	assert.Error(t, results[2].Err)
	assert.Nil(t, results[2].Result)

	total := scenario.Result.Evaluations + tuned.Result.Evaluations
	assert.Equal(t, int64(total), calls.Load())
}

func TestRunAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	jobs, err := ParseJobs([]byte(jobsYAML))
	require.NoError(t, err)

	results := RunAll(ctx, jobs, testDefaults(), 0, nil)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestReport(t *testing.T) {
	res := Result{
		Spec: JobSpec{Name: "r"},
		Result: &optimization.OptimizationResult{
			BestSolution:  &optimization.Solution{Parameters: []float64{1}, Value: 0.25},
			VerifiedValue: math.NaN(),
			Iterations:    3,
			Evaluations:   9,
			Cause:         optimization.Cancelled,
		},
	}

	rep := res.Report()
	assert.Equal(t, MethodSimplex, rep.Method)
	assert.Equal(t, "cancelled", rep.Cause)
	require.NotNil(t, rep.BestValue)
	assert.Equal(t, 0.25, *rep.BestValue)
	assert.Nil(t, rep.VerifiedValue)

	_, err := json.Marshal(rep)
	assert.NoError(t, err)

	failed := Result{Spec: JobSpec{Name: "f", Method: MethodSPSA}, Err: optimization.ErrCalibrationDegenerate}.Report()
	assert.Equal(t, "error", failed.Cause)
	assert.Equal(t, optimization.ErrCalibrationDegenerate.Error(), failed.Error)
}

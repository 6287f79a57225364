package runner

import (
	"context"
	"math"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/copyleftdev/paramtune/internal/config"
	"github.com/copyleftdev/paramtune/internal/optimization"
)

// Result is the outcome of one job.
type Result struct {
	Spec     JobSpec
	Result   *optimization.OptimizationResult
	Err      error
	Duration time.Duration
}

// Report is the serializable summary of a Result.
type Report struct {
	Name           string    `json:"name" yaml:"name"`
	Method         Method    `json:"method" yaml:"method"`
	Cause          string    `json:"cause" yaml:"cause"`
	Converged      bool      `json:"converged" yaml:"converged"`
	Iterations     int       `json:"iterations" yaml:"iterations"`
	Evaluations    int       `json:"evaluations" yaml:"evaluations"`
	BestParameters []float64 `json:"best_parameters,omitempty" yaml:"best_parameters,omitempty"`
	BestValue      *float64  `json:"best_value,omitempty" yaml:"best_value,omitempty"`
	VerifiedValue  *float64  `json:"verified_value,omitempty" yaml:"verified_value,omitempty"`
	DurationMillis int64     `json:"duration_ms" yaml:"duration_ms"`
	Error          string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Report summarizes r. Non-finite scores are omitted so the report always
// encodes as JSON.
func (r Result) Report() Report {
	method := r.Spec.Method
	if method == "" {
		method = MethodSimplex
	}
	rep := Report{
		Name:           r.Spec.Name,
		Method:         method,
		DurationMillis: r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		rep.Cause = optimization.Failed.String()
		rep.Error = r.Err.Error()
		return rep
	}
	if r.Result == nil {
		return rep
	}

	res := r.Result
	rep.Cause = res.Cause.String()
	rep.Converged = res.Converged
	rep.Iterations = res.Iterations
	rep.Evaluations = res.Evaluations
	if res.BestSolution != nil {
		rep.BestParameters = res.BestSolution.Parameters
		rep.BestValue = finite(res.BestSolution.Value)
	}
	rep.VerifiedValue = finite(res.VerifiedValue)
	return rep
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// RunOne builds and runs a single job.
func RunOne(ctx context.Context, spec JobSpec, defaults config.OptimizationConfig, opts ...Option) Result {
	start := time.Now()
	job, err := Build(spec, defaults, opts...)
	if err != nil {
		return Result{Spec: spec, Err: err, Duration: time.Since(start)}
	}
	res, err := job.Run(ctx)
	return Result{Spec: spec, Result: res, Err: err, Duration: time.Since(start)}
}

// RunAll runs independent jobs with at most workers running at once. Results
// are returned in the order of jobs; a failing job does not stop the others.
func RunAll(ctx context.Context, jobs []JobSpec, defaults config.OptimizationConfig, workers int, logger *zap.Logger, opts ...Option) []Result {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers < 1 {
		workers = 1
	}
	opts = append([]Option{WithLogger(logger)}, opts...)

	results := make([]Result, len(jobs))
	p := pool.New().WithMaxGoroutines(workers)
	for i, spec := range jobs {
		p.Go(func() {
			logger.Debug("job started", zap.String("job", spec.Name), zap.String("method", string(spec.Method)))
			results[i] = RunOne(ctx, spec, defaults, opts...)

			r := results[i]
			if r.Err != nil {
				logger.Error("job failed", zap.String("job", spec.Name), zap.Error(r.Err))
				return
			}
			logger.Info("job finished",
				zap.String("job", spec.Name),
				zap.Stringer("cause", r.Result.Cause),
				zap.Int("iterations", r.Result.Iterations),
				zap.Float64("best", r.Result.BestSolution.Value),
				zap.Duration("duration", r.Duration),
			)
		})
	}
	p.Wait()
	return results
}

// Package runner turns declarative job descriptions into optimizer runs.
package runner

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/paramtune/internal/config"
	"github.com/copyleftdev/paramtune/internal/objective"
	"github.com/copyleftdev/paramtune/internal/optimization"
	"github.com/copyleftdev/paramtune/internal/optimization/simplex"
	"github.com/copyleftdev/paramtune/internal/optimization/spsa"
)

// Method names an optimizer.
type Method string

const (
	MethodSimplex Method = "simplex"
	MethodSPSA    Method = "spsa"
)

// JobSpec describes one optimization run. Unset shared settings fall back to
// the configured defaults.
type JobSpec struct {
	Name         string         `json:"name" yaml:"name"`
	Method       Method         `json:"method" yaml:"method"`
	Objective    objective.Spec `json:"objective" yaml:"objective"`
	InitialPoint []float64      `json:"initial_point" yaml:"initial_point"`
	// InitialStep is the simplex step (one value or one per axis) or the
	// desired first SPSA update (one value).
	InitialStep []float64 `json:"initial_step,omitempty" yaml:"initial_step,omitempty"`

	MaxIterations      *int     `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	NoImproveThreshold *float64 `json:"no_improve_threshold,omitempty" yaml:"no_improve_threshold,omitempty"`
	NoImproveBreak     *int     `json:"no_improve_break,omitempty" yaml:"no_improve_break,omitempty"`
	RandomSeed         int64    `json:"random_seed,omitempty" yaml:"random_seed,omitempty"`
	Verbose            bool     `json:"verbose,omitempty" yaml:"verbose,omitempty"`

	Simplex SimplexOptions `json:"simplex,omitempty" yaml:"simplex,omitempty"`
	SPSA    SPSAOptions    `json:"spsa,omitempty" yaml:"spsa,omitempty"`
}

// SimplexOptions overrides the Nelder-Mead coefficients. Zero keeps the default.
type SimplexOptions struct {
	Reflection  float64 `json:"reflection,omitempty" yaml:"reflection,omitempty"`
	Expansion   float64 `json:"expansion,omitempty" yaml:"expansion,omitempty"`
	Contraction float64 `json:"contraction,omitempty" yaml:"contraction,omitempty"`
	Shrink      float64 `json:"shrink,omitempty" yaml:"shrink,omitempty"`
}

// SPSAOptions carries the SPSA specific settings.
type SPSAOptions struct {
	CtrlMin              []float64 `json:"ctrl_min" yaml:"ctrl_min"`
	CtrlMax              []float64 `json:"ctrl_max" yaml:"ctrl_max"`
	Gain                 float64   `json:"gain,omitempty" yaml:"gain,omitempty"`
	DisableCalibration   bool      `json:"disable_calibration,omitempty" yaml:"disable_calibration,omitempty"`
	Gamma                float64   `json:"gamma,omitempty" yaml:"gamma,omitempty"`
	Alpha                float64   `json:"alpha,omitempty" yaml:"alpha,omitempty"`
	C                    float64   `json:"c,omitempty" yaml:"c,omitempty"`
	A                    *float64  `json:"a,omitempty" yaml:"a,omitempty"`
	BernoulliProbability float64   `json:"bernoulli_probability,omitempty" yaml:"bernoulli_probability,omitempty"`
	// ClampPolicy is "perturbations" (default) or "iterate".
	ClampPolicy string `json:"clamp_policy,omitempty" yaml:"clamp_policy,omitempty"`
}

// JobFile is the document LoadJobs reads.
type JobFile struct {
	Jobs []JobSpec `json:"jobs" yaml:"jobs"`
}

// ParseJobs decodes a YAML (or JSON) job document.
func ParseJobs(data []byte) ([]JobSpec, error) {
	var file JobFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	if len(file.Jobs) == 0 {
		return nil, fmt.Errorf("job file lists no jobs")
	}
	for i := range file.Jobs {
		if file.Jobs[i].Name == "" {
			file.Jobs[i].Name = fmt.Sprintf("job-%d", i+1)
		}
	}
	return file.Jobs, nil
}

// LoadJobs reads and parses the job file at path.
func LoadJobs(path string) ([]JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file %s: %w", path, err)
	}
	return ParseJobs(data)
}

// Job is a built, runnable job. Each Job owns its objective instance and its
// optimizer state.
type Job struct {
	Spec      JobSpec
	Counter   *objective.Counter
	optimizer runnable
}

type runnable interface {
	optimization.Optimizer
	Run(ctx context.Context) (*optimization.OptimizationResult, error)
	Validate() error
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger *zap.Logger
	onCall func()
}

// WithLogger sets the logger handed to the optimizer.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// WithEvaluationHook runs fn after every objective call.
func WithEvaluationHook(fn func()) Option {
	return func(o *buildOptions) { o.onCall = fn }
}

// Build validates spec against defaults and constructs its optimizer.
func Build(spec JobSpec, defaults config.OptimizationConfig, opts ...Option) (*Job, error) {
	bo := buildOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&bo)
	}

	f, err := objective.Build(spec.Objective)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", spec.Name, err)
	}
	counter := objective.NewCounter(f)
	if bo.onCall != nil {
		counter.OnCall(bo.onCall)
	}

	shared := optimization.OptimizerConfig{
		Objective:          counter.Objective,
		InitialPoint:       spec.InitialPoint,
		MaxIterations:      defaults.MaxIterations,
		NoImproveThreshold: defaults.NoImproveThreshold,
		NoImproveBreak:     defaults.NoImproveBreak,
		RandomSeed:         defaults.RandomSeed,
		Verbose:            spec.Verbose,
		Logger:             bo.logger.With(zap.String("job", spec.Name)),
	}
	if spec.MaxIterations != nil {
		shared.MaxIterations = *spec.MaxIterations
	}
	if spec.NoImproveThreshold != nil {
		shared.NoImproveThreshold = *spec.NoImproveThreshold
	}
	if spec.NoImproveBreak != nil {
		shared.NoImproveBreak = *spec.NoImproveBreak
	}
	if spec.RandomSeed != 0 {
		shared.RandomSeed = spec.RandomSeed
	}

	var opt runnable
	switch spec.Method {
	case MethodSimplex, "":
		opt, err = buildSimplex(spec, shared)
	case MethodSPSA:
		opt, err = buildSPSA(spec, shared)
	default:
		err = optimization.ConfigErrorf("runner", "unknown method %q", spec.Method)
	}
	if err == nil {
		err = opt.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", spec.Name, err)
	}

	return &Job{Spec: spec, Counter: counter, optimizer: opt}, nil
}

func buildSimplex(spec JobSpec, shared optimization.OptimizerConfig) (runnable, error) {
	cfg := simplex.DefaultConfig()
	cfg.OptimizerConfig = shared
	if len(spec.InitialStep) > 0 {
		cfg.InitialStep = spec.InitialStep
	}
	cfg.Reflection = spec.Simplex.Reflection
	cfg.Expansion = spec.Simplex.Expansion
	cfg.Contraction = spec.Simplex.Contraction
	cfg.Shrink = spec.Simplex.Shrink
	return simplex.NewOptimizer(cfg), nil
}

func buildSPSA(spec JobSpec, shared optimization.OptimizerConfig) (runnable, error) {
	cfg := spsa.DefaultConfig()
	cfg.OptimizerConfig = shared
	switch len(spec.InitialStep) {
	case 0:
	case 1:
		cfg.InitialStep = spec.InitialStep[0]
	default:
		return nil, optimization.ConfigErrorf("runner", "spsa takes a single initial step, got %d values", len(spec.InitialStep))
	}

	o := spec.SPSA
	cfg.CtrlMin = o.CtrlMin
	cfg.CtrlMax = o.CtrlMax
	cfg.DisableCalibration = o.DisableCalibration
	if o.Gain != 0 {
		cfg.Gain = o.Gain
	}
	cfg.Gamma = o.Gamma
	cfg.Alpha = o.Alpha
	cfg.C = o.C
	if o.A != nil {
		cfg.A = *o.A
	}
	cfg.BernoulliProbability = o.BernoulliProbability

	switch o.ClampPolicy {
	case "", spsa.ClampPerturbations.String():
		cfg.ClampPolicy = spsa.ClampPerturbations
	case spsa.ClampIterate.String():
		cfg.ClampPolicy = spsa.ClampIterate
	default:
		return nil, optimization.ConfigErrorf("runner", "unknown clamp policy %q", o.ClampPolicy)
	}
	return spsa.NewOptimizer(cfg), nil
}

// Run executes the job.
func (j *Job) Run(ctx context.Context) (*optimization.OptimizationResult, error) {
	return j.optimizer.Run(ctx)
}

// Optimizer exposes the live optimizer for status polling and Stop.
func (j *Job) Optimizer() optimization.Optimizer {
	return j.optimizer
}

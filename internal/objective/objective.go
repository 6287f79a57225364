// Package objective builds the objective functions tuned by the optimizers:
// named benchmarks, compiled expressions, seeded measurement noise and call
// counting.
package objective

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync/atomic"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/copyleftdev/paramtune/internal/optimization"
)

var (
	// ErrUnknownObjective is returned for a benchmark name that is not registered.
	ErrUnknownObjective = errors.New("unknown objective")
	// ErrInvalidExpression is returned when an expression does not compile.
	ErrInvalidExpression = errors.New("invalid objective expression")
)

// Spec selects and parameterizes an objective.
type Spec struct {
	// Benchmark is one of Benchmarks(). Ignored when Expression is set.
	Benchmark string `json:"benchmark,omitempty" yaml:"benchmark,omitempty"`
	// Expression over x0, x1, ...
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
	// Target shifts the minimum of the paraboloid and rosenbrock benchmarks.
	Target []float64 `json:"target,omitempty" yaml:"target,omitempty"`
	// Noise is the standard deviation of additive Gaussian noise.
	Noise     float64 `json:"noise,omitempty" yaml:"noise,omitempty"`
	NoiseSeed uint64  `json:"noise_seed,omitempty" yaml:"noise_seed,omitempty"`
}

type benchmark func(target []float64) optimization.ObjectiveFunction

var benchmarks = map[string]benchmark{
	"paraboloid": paraboloid,
	"rosenbrock": rosenbrock,
	"linear":     func([]float64) optimization.ObjectiveFunction { return linear },
	"flat":       func([]float64) optimization.ObjectiveFunction { return flat },
}

// Benchmarks returns the registered benchmark names in sorted order.
func Benchmarks() []string {
	names := make([]string, 0, len(benchmarks))
	for name := range benchmarks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build returns the objective described by spec, wrapped with noise when
// requested.
func Build(spec Spec) (optimization.ObjectiveFunction, error) {
	var f optimization.ObjectiveFunction
	switch {
	case spec.Expression != "":
		expr, err := NewExpression(spec.Expression)
		if err != nil {
			return nil, err
		}
		f = expr.Evaluate
	case spec.Benchmark != "":
		b, ok := benchmarks[spec.Benchmark]
		if !ok {
			return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownObjective, spec.Benchmark, Benchmarks())
		}
		f = b(spec.Target)
	default:
		return nil, fmt.Errorf("%w: neither benchmark nor expression given", ErrUnknownObjective)
	}

	if spec.Noise < 0 {
		return nil, fmt.Errorf("noise must be >= 0, got %v", spec.Noise)
	}
	if spec.Noise > 0 {
		f = WithNoise(f, spec.Noise, spec.NoiseSeed)
	}
	return f, nil
}

func targetAt(target []float64, i int) float64 {
	if i < len(target) {
		return target[i]
	}
	return 0
}

func paraboloid(target []float64) optimization.ObjectiveFunction {
	return func(x []float64) (float64, error) {
		sum := 0.0
		for i, v := range x {
			d := v - targetAt(target, i)
			sum += d * d
		}
		return sum, nil
	}
}

// rosenbrock is minimal at x = 1 + target.
func rosenbrock(target []float64) optimization.ObjectiveFunction {
	return func(x []float64) (float64, error) {
		if len(x) < 2 {
			return 0, fmt.Errorf("rosenbrock needs at least 2 parameters, got %d", len(x))
		}
		sum := 0.0
		for i := 0; i < len(x)-1; i++ {
			a := x[i] - targetAt(target, i)
			b := x[i+1] - targetAt(target, i+1)
			sum += 100*(b-a*a)*(b-a*a) + (1-a)*(1-a)
		}
		return sum, nil
	}
}

func linear(x []float64) (float64, error) {
	sum := 0.0
	for _, v := range x {
		sum += v
	}
	return sum, nil
}

func flat([]float64) (float64, error) {
	return 0, nil
}

// WithNoise adds zero-mean Gaussian noise with standard deviation sigma to
// every evaluation of f. Draws come from a PCG source seeded with seed.
func WithNoise(f optimization.ObjectiveFunction, sigma float64, seed uint64) optimization.ObjectiveFunction {
	noise := distuv.Normal{Mu: 0, Sigma: sigma, Src: rand.NewPCG(seed, seed+1)}
	return func(x []float64) (float64, error) {
		v, err := f(x)
		if err != nil {
			return v, err
		}
		return v + noise.Rand(), nil
	}
}

// Counter wraps an objective and counts its calls. It is safe to read Calls
// while the wrapped objective is being evaluated.
type Counter struct {
	f     optimization.ObjectiveFunction
	calls atomic.Int64
	hook  func()
}

// NewCounter wraps f.
func NewCounter(f optimization.ObjectiveFunction) *Counter {
	return &Counter{f: f}
}

// OnCall registers fn to run after every call.
func (c *Counter) OnCall(fn func()) *Counter {
	c.hook = fn
	return c
}

// Objective evaluates the wrapped function and counts the call.
func (c *Counter) Objective(x []float64) (float64, error) {
	c.calls.Add(1)
	v, err := c.f(x)
	if c.hook != nil {
		c.hook()
	}
	return v, err
}

// Calls returns the number of calls made so far.
func (c *Counter) Calls() int {
	return int(c.calls.Load())
}

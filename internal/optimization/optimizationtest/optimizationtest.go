// Package optimizationtest provides objectives and assertions shared by the
// optimizer tests.
package optimizationtest

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/copyleftdev/paramtune/internal/objective"
	"github.com/copyleftdev/paramtune/internal/optimization"
)

// Paraboloid returns f(x) = Σ(x_i - target_i)^2.
func Paraboloid(target ...float64) optimization.ObjectiveFunction {
	return func(x []float64) (float64, error) {
		sum := 0.0
		for i, v := range x {
			d := v - target[i]
			sum += d * d
		}
		return sum, nil
	}
}

// Linear returns f(x) = c·Σx_i.
func Linear(c float64) optimization.ObjectiveFunction {
	return func(x []float64) (float64, error) {
		sum := 0.0
		for _, v := range x {
			sum += c * v
		}
		return sum, nil
	}
}

// Flat returns an objective that is zero everywhere.
func Flat() optimization.ObjectiveFunction {
	return func([]float64) (float64, error) { return 0, nil }
}

// Noisy adds uniform noise in [-scale/2, scale/2) drawn from a seeded source.
func Noisy(f optimization.ObjectiveFunction, scale float64, seed uint64) optimization.ObjectiveFunction {
	rng := rand.New(rand.NewPCG(seed, seed))
	return func(x []float64) (float64, error) {
		val, err := f(x)
		if err != nil {
			return 0, err
		}
		return val + scale*(rng.Float64()-0.5), nil
	}
}

// Counter counts objective calls.
type Counter = objective.Counter

// NewCounter wraps f in a Counter.
func NewCounter(f optimization.ObjectiveFunction) *Counter {
	return objective.NewCounter(f)
}

// MockObjective is a testify mock for objective functions.
type MockObjective struct {
	mock.Mock
}

// Evaluate records the call and returns the configured result.
func (m *MockObjective) Evaluate(x []float64) (float64, error) {
	args := m.Called(x)
	return args.Get(0).(float64), args.Error(1)
}

// AssertFloat64SlicesEqual checks if two float64 slices are approximately equal
func AssertFloat64SlicesEqual(t *testing.T, got, want []float64, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}

	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("at index %d: got %v, want %v (tolerance %v)", i, got[i], want[i], tol)
		}
	}
}

package optimization

import (
	"context"
	"math"
	"slices"

	"go.uber.org/zap"
)

// Optimizer defines the interface for optimization algorithms
type Optimizer interface {
	// Optimize runs the optimization process
	Optimize(ctx context.Context, config OptimizerConfig) (*OptimizationResult, error)

	// GetBestSolution returns the best solution found so far
	GetBestSolution() *Solution

	// GetHistory returns the history of evaluations
	GetHistory() []Evaluation

	// Stop gracefully stops the optimization process
	Stop()
}

// OptimizerConfig contains the configuration shared by every optimizer
type OptimizerConfig struct {
	// Objective function to minimize
	Objective ObjectiveFunction

	// Starting point; its length fixes the dimensionality of the run
	InitialPoint []float64

	// Minimum decrease of the best score that counts as an improvement
	NoImproveThreshold float64

	// Number of consecutive iterations without improvement before stopping
	NoImproveBreak int

	// Maximum number of iterations, 0 means unbounded
	MaxIterations int

	// Random seed for reproducibility, 0 seeds from the clock
	RandomSeed int64

	// Verbose logs the termination reason at info level
	Verbose bool

	// Logger receives diagnostics; nil discards them
	Logger *zap.Logger
}

// ObjectiveFunction defines the function to be optimized
type ObjectiveFunction func([]float64) (float64, error)

// Solution represents a solution in the optimization space
type Solution struct {
	Parameters []float64
	Value      float64
}

// EvaluationKind records why the objective was called.
type EvaluationKind string

const (
	KindInitial      EvaluationKind = "initial"
	KindVertex       EvaluationKind = "vertex"
	KindReflect      EvaluationKind = "reflect"
	KindExpand       EvaluationKind = "expand"
	KindContract     EvaluationKind = "contract"
	KindShrink       EvaluationKind = "shrink"
	KindCalibration  EvaluationKind = "calibration"
	KindPerturbPlus  EvaluationKind = "perturb_plus"
	KindPerturbMinus EvaluationKind = "perturb_minus"
	KindUpdate       EvaluationKind = "update"
	KindVerification EvaluationKind = "verification"
)

// Evaluation represents a single evaluation of the objective function
type Evaluation struct {
	Iteration int
	// Sequence is the position of this call among all objective calls of the run.
	Sequence int
	Kind     EvaluationKind
	Solution *Solution
}

// OptimizationResult contains the result of an optimization run
type OptimizationResult struct {
	BestSolution *Solution
	// VerifiedValue is the score returned by the final re-evaluation of the
	// best point. NaN when the run was cancelled.
	VerifiedValue float64
	History       []Evaluation
	Iterations    int
	Evaluations   int
	Converged     bool
	Cause         TerminationCause
}

// TerminationCause names the state an optimization run finished in.
type TerminationCause int

const (
	// Running is the zero value, reported while a run is in progress.
	Running TerminationCause = iota
	StallConverged
	BudgetExhausted
	Cancelled
	// Failed means the run ended on an error.
	Failed
)

func (c TerminationCause) String() string {
	switch c {
	case Running:
		return "running"
	case StallConverged:
		return "stall_converged"
	case BudgetExhausted:
		return "budget_exhausted"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "error"
	default:
		return "unknown"
	}
}

// CompareEvaluations orders evaluations by score, then by sequence so the
// first seen of two equal scores wins. NaN scores sort last.
func CompareEvaluations(a, b Evaluation) int {
	av, bv := a.Solution.Value, b.Solution.Value
	switch {
	case math.IsNaN(av) && math.IsNaN(bv):
	case math.IsNaN(av):
		return 1
	case math.IsNaN(bv):
		return -1
	case av < bv:
		return -1
	case av > bv:
		return 1
	}
	return a.Sequence - b.Sequence
}

// BestOf returns the lowest scoring evaluation accepted by keep, or false when
// there is none.
func BestOf(history []Evaluation, keep func(Evaluation) bool) (Evaluation, bool) {
	var best Evaluation
	found := false
	for _, eval := range history {
		if keep != nil && !keep(eval) {
			continue
		}
		if !found || CompareEvaluations(eval, best) < 0 {
			best = eval
			found = true
		}
	}
	return best, found
}

// CloneHistory returns a deep copy of history so callers cannot alias the
// optimizer's working state.
func CloneHistory(history []Evaluation) []Evaluation {
	out := make([]Evaluation, len(history))
	for i, eval := range history {
		out[i] = eval
		if eval.Solution != nil {
			out[i].Solution = eval.Solution.Clone()
		}
	}
	return out
}

// Clone returns a copy of s that shares no memory with it.
func (s *Solution) Clone() *Solution {
	if s == nil {
		return nil
	}
	return &Solution{
		Parameters: slices.Clone(s.Parameters),
		Value:      s.Value,
	}
}

package optimization

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eval(seq int, value float64) Evaluation {
	return Evaluation{Sequence: seq, Solution: &Solution{Parameters: []float64{float64(seq)}, Value: value}}
}

func TestBestOf(t *testing.T) {
	history := []Evaluation{
		eval(0, 3),
		eval(1, 1),
		eval(2, math.NaN()),
		eval(3, 1), // tie, later than 1
		eval(4, 0.5),
	}

	best, ok := BestOf(history, nil)
	require.True(t, ok)
	assert.Equal(t, 4, best.Sequence)

	best, ok = BestOf(history, func(e Evaluation) bool { return e.Sequence != 4 })
	require.True(t, ok)
	assert.Equal(t, 1, best.Sequence, "first seen wins a tie")

	_, ok = BestOf(nil, nil)
	assert.False(t, ok)
}

func TestCompareEvaluationsNaNLast(t *testing.T) {
	assert.Equal(t, 1, CompareEvaluations(eval(0, math.NaN()), eval(1, 100)))
	assert.Equal(t, -1, CompareEvaluations(eval(1, 100), eval(0, math.NaN())))
	assert.Less(t, CompareEvaluations(eval(0, math.NaN()), eval(1, math.NaN())), 0)
}

func TestCloneHistoryDoesNotAlias(t *testing.T) {
	history := []Evaluation{eval(0, 1)}
	clone := CloneHistory(history)
	clone[0].Solution.Parameters[0] = 99
	clone[0].Solution.Value = 99

	assert.Equal(t, 0.0, history[0].Solution.Parameters[0])
	assert.Equal(t, 1.0, history[0].Solution.Value)
}

func TestBroadcast(t *testing.T) {
	tests := []struct {
		name    string
		values  []float64
		dim     int
		want    []float64
		wantErr bool
	}{
		{name: "scalar", values: []float64{0.5}, dim: 3, want: []float64{0.5, 0.5, 0.5}},
		{name: "per axis", values: []float64{1, 2}, dim: 2, want: []float64{1, 2}},
		{name: "dim one", values: []float64{4}, dim: 1, want: []float64{4}},
		{name: "length mismatch", values: []float64{0.1, 0.2, 0.3}, dim: 2, wantErr: true},
		{name: "missing", values: nil, dim: 2, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Broadcast("test", "step", tt.values, tt.dim)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidConfig))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateCommon(t *testing.T) {
	objective := func([]float64) (float64, error) { return 0, nil }

	cfg := OptimizerConfig{Objective: objective, InitialPoint: []float64{1}}
	require.NoError(t, ValidateCommon("test", &cfg))
	assert.Equal(t, 10, cfg.NoImproveBreak, "default patience")

	bad := []OptimizerConfig{
		{InitialPoint: []float64{1}},
		{Objective: objective},
		{Objective: objective, InitialPoint: []float64{math.Inf(1)}},
		{Objective: objective, InitialPoint: []float64{1}, MaxIterations: -1},
		{Objective: objective, InitialPoint: []float64{1}, NoImproveThreshold: -1},
	}
	for i := range bad {
		err := ValidateCommon("test", &bad[i])
		assert.ErrorIs(t, err, ErrInvalidConfig, "case %d", i)
	}
}

func TestClamp(t *testing.T) {
	lo := []float64{-1, 0}
	hi := []float64{1, 2}

	got := Clamp(nil, []float64{-5, 5}, lo, hi)
	assert.Equal(t, []float64{-1, 2}, got)

	x := []float64{0.5, 1}
	Clamp(x, x, lo, hi)
	assert.Equal(t, []float64{0.5, 1}, x)
}

func TestErrorFormatting(t *testing.T) {
	err := ConfigErrorf("simplex", "initial step has length %d", 3)
	assert.Equal(t, "simplex: validate: initial step has length 3: invalid optimizer configuration", err.Error())
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	e, ok := IsOptimizationError(err)
	require.True(t, ok)
	assert.Equal(t, "simplex", e.Component)

	_, ok = IsOptimizationError(errors.New("plain"))
	assert.False(t, ok)

	assert.Nil(t, WrapErrorf(nil, "nothing"))
	assert.Equal(t, "<nil>", (*Error)(nil).Error())
}

package optimization

import (
	"math"
	"slices"
)

// Broadcast expands values to length dim. A single value is repeated on every
// axis; a slice of length dim is copied. Any other length is a configuration
// error.
func Broadcast(component, name string, values []float64, dim int) ([]float64, error) {
	switch len(values) {
	case 0:
		return nil, ConfigErrorf(component, "%s is required", name)
	case 1:
		out := make([]float64, dim)
		for i := range out {
			out[i] = values[0]
		}
		return out, nil
	case dim:
		return slices.Clone(values), nil
	default:
		return nil, ConfigErrorf(component, "%s has length %d, want 1 or %d", name, len(values), dim)
	}
}

// ValidatePoint checks that x0 is a usable starting point.
func ValidatePoint(component string, x0 []float64) error {
	if len(x0) == 0 {
		return ConfigErrorf(component, "initial point is empty")
	}
	for i, v := range x0 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ConfigErrorf(component, "initial point coordinate %d is not finite (%v)", i, v)
		}
	}
	return nil
}

// ValidateCommon checks the stopping rules shared by every optimizer and
// applies their defaults.
func ValidateCommon(component string, cfg *OptimizerConfig) error {
	if cfg.Objective == nil {
		return ConfigErrorf(component, "objective function is required")
	}
	if err := ValidatePoint(component, cfg.InitialPoint); err != nil {
		return err
	}
	if cfg.MaxIterations < 0 {
		return ConfigErrorf(component, "max iterations must be >= 0, got %d", cfg.MaxIterations)
	}
	if cfg.NoImproveThreshold < 0 || math.IsNaN(cfg.NoImproveThreshold) {
		return ConfigErrorf(component, "no-improvement threshold must be >= 0, got %v", cfg.NoImproveThreshold)
	}
	if cfg.NoImproveBreak < 1 {
		cfg.NoImproveBreak = 10 // Default value
	}
	return nil
}

// Clamp writes x limited per coordinate to [lo, hi] into dst and returns it.
// dst may alias x.
func Clamp(dst, x, lo, hi []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(x))
	}
	for i, v := range x {
		dst[i] = math.Max(lo[i], math.Min(v, hi[i]))
	}
	return dst
}

package optimization

// ConvergenceTracker decides when an iteration loop has to stop. It tracks the
// best score seen so far and counts consecutive iterations that fail to beat
// it by more than the configured threshold.
type ConvergenceTracker struct {
	threshold     float64
	patience      int
	maxIterations int

	bestScore  float64
	staleCount int
	cause      TerminationCause
}

// NewConvergenceTracker creates a tracker seeded with the score of the
// starting point. A maxIterations of 0 disables the iteration budget.
func NewConvergenceTracker(initialBest, threshold float64, patience, maxIterations int) *ConvergenceTracker {
	return &ConvergenceTracker{
		threshold:     threshold,
		patience:      patience,
		maxIterations: maxIterations,
		bestScore:     initialBest,
	}
}

// ShouldStop is called at the top of every iteration with the best score
// currently held by the optimizer and the number of completed iterations.
// The budget is checked before the stall counter is updated.
func (c *ConvergenceTracker) ShouldStop(currentBest float64, iteration int) bool {
	if c.maxIterations > 0 && iteration >= c.maxIterations {
		c.cause = BudgetExhausted
		return true
	}

	if currentBest < c.bestScore-c.threshold {
		c.staleCount = 0
		c.bestScore = currentBest
	} else {
		c.staleCount++
	}

	if c.staleCount >= c.patience {
		c.cause = StallConverged
		return true
	}
	return false
}

// Cause returns why the tracker stopped the loop, or Running.
func (c *ConvergenceTracker) Cause() TerminationCause {
	return c.cause
}

// BestScore returns the best score registered as a sufficient improvement.
func (c *ConvergenceTracker) BestScore() float64 {
	return c.bestScore
}

// StaleCount returns the current number of iterations without improvement
func (c *ConvergenceTracker) StaleCount() int {
	return c.staleCount
}

package server

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/copyleftdev/paramtune/internal/errors"
	"github.com/copyleftdev/paramtune/internal/optimization"
	"github.com/copyleftdev/paramtune/internal/runner"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// JobState represents the state of an optimization job. Fields are guarded by
// the server's jobs mutex; the optimizer guards its own live state.
type JobState struct {
	ID          string
	Spec        runner.JobSpec
	Status      Status
	StartTime   time.Time
	EndTime     *time.Time
	LastUpdated time.Time
	Result      *optimization.OptimizationResult
	Err         error

	job    *runner.Job
	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed once the job reaches a terminal status.
func (s *JobState) Done() <-chan struct{} {
	return s.done
}

// start validates spec, registers the job and launches it.
func (s *Server) start(spec runner.JobSpec) (*JobState, error) {
	if s.ctx.Err() != nil {
		return nil, apperrors.Wrap(apperrors.ErrUnavailable, "server is shutting down").WithOperation("start")
	}
	if spec.Method == "" {
		spec.Method = runner.MethodSimplex
	}
	id := uuid.NewString()
	if spec.Name == "" {
		spec.Name = id
	}
	method := string(spec.Method)

	job, err := runner.Build(spec, s.cfg.Optimization,
		runner.WithLogger(s.zlog),
		runner.WithEvaluationHook(func() {
			s.metrics.Evaluations.WithLabelValues(method).Inc()
			s.touch(id)
		}),
	)
	if err != nil {
		return nil, apperrors.Wrap(err, "build job").WithOperation("start")
	}

	ctx, cancel := context.WithCancel(s.ctx)
	now := time.Now()
	state := &JobState{
		ID:          id,
		Spec:        spec,
		Status:      StatusPending,
		StartTime:   now,
		LastUpdated: now,
		job:         job,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	s.jobsMu.Lock()
	s.jobs[id] = state
	s.jobsMu.Unlock()

	s.metrics.Pending.Inc()
	s.wg.Add(1)
	go s.run(ctx, state)

	s.logger.Info("optimization accepted", map[string]interface{}{
		"optimization_id": id,
		"name":            spec.Name,
		"method":          method,
	})
	return state, nil
}

// run waits for a free slot and executes the job.
func (s *Server) run(ctx context.Context, state *JobState) {
	defer s.wg.Done()
	defer close(state.done)
	defer state.cancel()

	select {
	case s.slots <- struct{}{}:
		s.metrics.Pending.Dec()
	case <-ctx.Done():
		s.metrics.Pending.Dec()
		s.finish(state, nil, nil)
		return
	}
	defer func() { <-s.slots }()

	s.setStatus(state, StatusRunning)
	s.metrics.Active.Inc()
	start := time.Now()

	result, err := state.job.Run(ctx)

	s.metrics.Active.Dec()
	s.metrics.Duration.WithLabelValues(string(state.Spec.Method)).Observe(time.Since(start).Seconds())
	s.finish(state, result, err)
}

// finish records the outcome. A nil result with a nil error means the job was
// cancelled before it evaluated anything.
func (s *Server) finish(state *JobState, result *optimization.OptimizationResult, err error) {
	status := StatusCompleted
	cause := optimization.Failed
	switch {
	case err != nil && ctxErr(err):
		status, cause = StatusCancelled, optimization.Cancelled
		err = nil
	case err != nil:
		status = StatusFailed
	case result == nil || result.Cause == optimization.Cancelled:
		status, cause = StatusCancelled, optimization.Cancelled
	default:
		cause = result.Cause
	}

	now := time.Now()
	s.jobsMu.Lock()
	state.Status = status
	state.Result = result
	state.Err = err
	state.EndTime = &now
	state.LastUpdated = now
	s.jobsMu.Unlock()

	s.metrics.Runs.WithLabelValues(string(state.Spec.Method), cause.String()).Inc()

	fields := map[string]interface{}{
		"optimization_id": state.ID,
		"status":          string(status),
		"cause":           cause.String(),
	}
	if result != nil {
		fields["iterations"] = result.Iterations
		fields["evaluations"] = result.Evaluations
		fields["best"] = finiteOrNil(result.BestSolution.Value)
	}
	if err != nil {
		fields["error"] = err.Error()
		s.logger.Error("optimization failed", fields)
		return
	}
	s.logger.Info("optimization finished", fields)
}

func ctxErr(err error) bool {
	return apperrors.Is(err, context.Canceled) || apperrors.Is(err, context.DeadlineExceeded)
}

func (s *Server) setStatus(state *JobState, status Status) {
	s.jobsMu.Lock()
	state.Status = status
	state.LastUpdated = time.Now()
	s.jobsMu.Unlock()
}

func (s *Server) touch(id string) {
	s.jobsMu.Lock()
	if state, ok := s.jobs[id]; ok {
		state.LastUpdated = time.Now()
	}
	s.jobsMu.Unlock()
}

func (s *Server) lookup(id string) (*JobState, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	state, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "optimization %s", id)
	}
	return state, nil
}

// cancelJob requests cancellation. The job keeps the best point found so far
// and turns cancelled once its optimizer returns.
func (s *Server) cancelJob(id string) (*JobState, error) {
	state, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	s.jobsMu.RLock()
	status := state.Status
	s.jobsMu.RUnlock()
	if status.Terminal() {
		return nil, apperrors.Wrapf(apperrors.ErrConflict, "cannot cancel optimization with status %s", status)
	}

	state.cancel()
	s.logger.Info("optimization cancellation requested", map[string]interface{}{
		"optimization_id": id,
	})
	return state, nil
}

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

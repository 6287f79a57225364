package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/copyleftdev/paramtune/internal/config"
	apperrors "github.com/copyleftdev/paramtune/internal/errors"
	"github.com/copyleftdev/paramtune/internal/logging"
	"github.com/copyleftdev/paramtune/internal/optimization"
	"github.com/copyleftdev/paramtune/internal/runner"
)

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// Server implements the HTTP and JSON-RPC server for the optimization service.
// It manages optimization jobs and provides endpoints to start, monitor, and cancel them.
type Server struct {
	cfg     *config.Config
	logger  Logger
	zlog    *zap.Logger
	metrics *Metrics

	ctx   context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup
	slots chan struct{}

	jobs   map[string]*JobState
	jobsMu sync.RWMutex
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics replaces the unregistered default collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new server instance with the given config and logger.
// At most cfg.Optimization.MaxConcurrentRuns jobs evaluate at once; the rest
// wait as pending.
func NewServer(cfg *config.Config, logger Logger, opts ...Option) *Server {
	runs := cfg.Optimization.MaxConcurrentRuns
	if runs < 1 {
		runs = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		logger: logger,
		zlog:   logging.NewZapLogger(logger.WithFields(map[string]interface{}{"component": "optimizer"})),
		ctx:    ctx,
		stop:   stop,
		slots:  make(chan struct{}, runs),
		jobs:   make(map[string]*JobState),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return s
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/optimize", s.handleOptimize)
		r.Get("/status/{id}", s.handleStatus)
		r.Delete("/optimization/{id}", s.handleCancel)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// Close cancels every job and waits for the runs to return.
func (s *Server) Close() error {
	s.stop()
	s.wg.Wait()
	return nil
}

// SolutionView is the wire form of a solution.
type SolutionView struct {
	Parameters []float64 `json:"parameters"`
	Value      *float64  `json:"value"`
}

// EvaluationView is the wire form of one history entry.
type EvaluationView struct {
	Iteration  int       `json:"iteration"`
	Sequence   int       `json:"sequence"`
	Kind       string    `json:"kind"`
	Parameters []float64 `json:"parameters"`
	Value      *float64  `json:"value"`
}

// StatusResponse describes a job. While the job runs, BestSolution and
// History reflect the optimizer's live state.
type StatusResponse struct {
	ID            string           `json:"optimization_id"`
	Name          string           `json:"name"`
	Method        runner.Method    `json:"method"`
	Status        Status           `json:"status"`
	Cause         string           `json:"cause,omitempty"`
	Iterations    int              `json:"iterations"`
	Evaluations   int              `json:"evaluations"`
	StartTime     string           `json:"start_time"`
	EndTime       string           `json:"end_time,omitempty"`
	LastUpdate    string           `json:"last_update"`
	BestSolution  *SolutionView    `json:"best_solution,omitempty"`
	VerifiedValue *float64         `json:"verified_value,omitempty"`
	History       []EvaluationView `json:"history,omitempty"`
	Error         string           `json:"error,omitempty"`
}

func solutionView(sol *optimization.Solution) *SolutionView {
	if sol == nil {
		return nil
	}
	return &SolutionView{Parameters: sol.Parameters, Value: finiteOrNil(sol.Value)}
}

func historyView(history []optimization.Evaluation) []EvaluationView {
	views := make([]EvaluationView, len(history))
	for i, e := range history {
		views[i] = EvaluationView{
			Iteration:  e.Iteration,
			Sequence:   e.Sequence,
			Kind:       string(e.Kind),
			Parameters: e.Solution.Parameters,
			Value:      finiteOrNil(e.Solution.Value),
		}
	}
	return views
}

// status builds the response for id.
func (s *Server) status(id string, withHistory bool) (*StatusResponse, error) {
	state, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	s.jobsMu.RLock()
	resp := &StatusResponse{
		ID:         state.ID,
		Name:       state.Spec.Name,
		Method:     state.Spec.Method,
		Status:     state.Status,
		StartTime:  state.StartTime.Format(time.RFC3339Nano),
		LastUpdate: state.LastUpdated.Format(time.RFC3339Nano),
	}
	if state.EndTime != nil {
		resp.EndTime = state.EndTime.Format(time.RFC3339Nano)
	}
	if state.Err != nil {
		resp.Error = state.Err.Error()
		resp.Cause = optimization.Failed.String()
	}
	result := state.Result
	s.jobsMu.RUnlock()

	live := state.job.Optimizer()
	resp.Evaluations = state.job.Counter.Calls()
	if result != nil {
		resp.Cause = result.Cause.String()
		resp.Iterations = result.Iterations
		resp.BestSolution = solutionView(result.BestSolution)
		resp.VerifiedValue = finiteOrNil(result.VerifiedValue)
		if withHistory {
			resp.History = historyView(result.History)
		}
		return resp, nil
	}

	resp.BestSolution = solutionView(live.GetBestSolution())
	if withHistory {
		resp.History = historyView(live.GetHistory())
	}
	return resp, nil
}

// StartResponse acknowledges an accepted job.
type StartResponse struct {
	ID     string `json:"optimization_id"`
	Status Status `json:"status"`
}

// handleOptimize handles POST /api/v1/optimize. The body is a job spec.
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var spec runner.JobSpec
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		apperrors.WriteJSON(w, apperrors.Wrap(apperrors.ErrInvalidRequest, err.Error()).WithOperation("start"))
		return
	}

	state, err := s.start(spec)
	if err != nil {
		apperrors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StartResponse{ID: state.ID, Status: StatusPending})
}

// handleStatus handles GET /api/v1/status/{id}. ?history=false omits the
// evaluation history.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.status(chi.URLParam(r, "id"), r.URL.Query().Get("history") != "false")
	if err != nil {
		apperrors.WriteJSON(w, apperrors.Wrap(err, "").WithOperation("status"))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCancel handles DELETE /api/v1/optimization/{id}.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	state, err := s.cancelJob(chi.URLParam(r, "id"))
	if err != nil {
		apperrors.WriteJSON(w, apperrors.Wrap(err, "").WithOperation("cancel"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"optimization_id": state.ID,
		"status":          "cancellation requested",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors updated by the job service.
type Metrics struct {
	Evaluations *prometheus.CounterVec
	Runs        *prometheus.CounterVec
	Duration    *prometheus.HistogramVec
	Active      prometheus.Gauge
	Pending     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paramtune",
			Name:      "objective_evaluations_total",
			Help:      "Objective function calls made by optimization runs.",
		}, []string{"method"}),
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paramtune",
			Name:      "runs_total",
			Help:      "Finished optimization runs by termination cause.",
		}, []string{"method", "cause"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "paramtune",
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished optimization runs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"method"}),
		Active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "paramtune",
			Name:      "runs_active",
			Help:      "Optimization runs currently evaluating.",
		}),
		Pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "paramtune",
			Name:      "runs_pending",
			Help:      "Accepted runs waiting for a free slot.",
		}),
	}
}

package server

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cwbudde/sofasweep/internal/evo"
	"github.com/cwbudde/sofasweep/internal/traj"
)

var (
	// evaluationsTotal counts oracle calls by outcome
	evaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sofasweep_evaluations_total",
		Help: "Total trajectory evaluations by result",
	}, []string{"result"})

	// evaluationDuration tracks render-and-count latency, pacing included
	evaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sofasweep_evaluation_duration_seconds",
		Help:    "Trajectory evaluation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	})

	// generationsTotal counts completed generations across all jobs
	generationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sofasweep_generations_total",
		Help: "Total completed generations",
	})

	// bestScore tracks the current elite score per job
	bestScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sofasweep_best_score",
		Help: "Uncovered pixels of the current elite",
	}, []string{"job"})

	// jobsTotal counts finished jobs by final state
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sofasweep_jobs_total",
		Help: "Total finished jobs by state",
	}, []string{"state"})

	// jobsRunning tracks jobs currently executing
	jobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sofasweep_jobs_running",
		Help: "Number of jobs currently running",
	})
)

// instrumentedOracle records evaluation counts and latency.
type instrumentedOracle struct {
	inner evo.Oracle
}

func (o instrumentedOracle) Evaluate(ctx context.Context, tr traj.Trajectory, anchor traj.Vec2) (float64, error) {
	start := time.Now()
	score, err := o.inner.Evaluate(ctx, tr, anchor)
	evaluationDuration.Observe(time.Since(start).Seconds())

	result := "ok"
	if err != nil {
		result = "error"
	}
	evaluationsTotal.WithLabelValues(result).Inc()
	return score, err
}

package plan

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// objectiveEvaluations counts prescription evaluations by kind
	objectiveEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtplan_objective_evaluations_total",
		Help: "Total objective evaluations by kind",
	}, []string{"kind"}) // "value" or "gradient"

	// optimizerIterations counts major iterations per pyramid level
	optimizerIterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtplan_optimizer_iterations_total",
		Help: "Total optimizer major iterations by pyramid level",
	}, []string{"level"})

	// optimizerCost is the cost at the last committed iteration
	optimizerCost = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rtplan_optimizer_cost",
		Help: "Objective value at the last committed optimizer iteration",
	})

	// levelDuration tracks the wall time of one pyramid level
	levelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rtplan_optimizer_level_duration_seconds",
		Help:    "Optimization duration per pyramid level in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
	}, []string{"level"})

	// optimizationJobs counts finished jobs by final status
	optimizationJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtplan_optimization_jobs_total",
		Help: "Total optimization jobs by final status",
	}, []string{"status"})
)

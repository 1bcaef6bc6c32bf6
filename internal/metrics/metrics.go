package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Analysis run metrics
	AnalysesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepvalue_analyses_started_total",
			Help: "Total number of analysis runs started",
		},
		[]string{"resumed"},
	)

	AnalysesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepvalue_analyses_completed_total",
			Help: "Total number of analysis runs finished",
		},
		[]string{"status"},
	)

	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepvalue_analysis_duration_seconds",
			Help:    "End-to-end analysis run duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)

	IterationsRun = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepvalue_iterations_per_run",
			Help:    "Number of iterations executed per analysis run",
			Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20},
		},
	)

	// Step collaborator metrics
	StepInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepvalue_step_invocations_total",
			Help: "Total number of analysis step invocations",
		},
		[]string{"step", "status"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepvalue_step_duration_seconds",
			Help:    "Analysis step invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	DegradedHypotheses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepvalue_degraded_hypotheses_total",
			Help: "Total hypotheses whose evidence gathering failed or timed out",
		},
	)

	// Query cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepvalue_query_cache_hits_total",
			Help: "Total query cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepvalue_query_cache_misses_total",
			Help: "Total query cache misses",
		},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepvalue_query_cache_evictions_total",
			Help: "Total expired entries removed from the query cache",
		},
	)

	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deepvalue_query_cache_size",
			Help: "Current number of entries in the query cache",
		},
	)

	// Checkpoint metrics
	CheckpointsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepvalue_checkpoints_written_total",
			Help: "Total checkpoints persisted",
		},
		[]string{"status"},
	)

	CheckpointWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepvalue_checkpoint_write_failures_total",
			Help: "Total checkpoint writes that failed after retry",
		},
	)

	CheckpointReuse = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepvalue_checkpoint_reuse_total",
			Help: "Checkpoint reuse decisions by outcome",
		},
		[]string{"outcome"},
	)
)

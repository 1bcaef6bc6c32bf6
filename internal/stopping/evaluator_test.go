package stopping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/deepvalue/internal/models"
)

func defaultConfig() Config {
	return Config{
		MinIterations:       1,
		MaxIterations:       15,
		ConfidenceThreshold: 0.85,
		Aggregation:         AggregateMean,
		TopN:                3,
	}
}

func TestEvaluateNeverStopsBeforeMinIterations(t *testing.T) {
	cfg := defaultConfig()
	cfg.MinIterations = 3

	// High confidence cannot trigger success before the floor.
	assert.Equal(t, Continue, Evaluate(0, 0.99, cfg))
	assert.Equal(t, Continue, Evaluate(1, 0.99, cfg))
	assert.Equal(t, Continue, Evaluate(2, 0.99, cfg))
	assert.Equal(t, StopSuccess, Evaluate(3, 0.99, cfg))
}

func TestEvaluateStopSuccessAtThreshold(t *testing.T) {
	cfg := defaultConfig()

	assert.Equal(t, Continue, Evaluate(1, 0.84, cfg))
	assert.Equal(t, StopSuccess, Evaluate(1, 0.85, cfg))
	assert.Equal(t, StopSuccess, Evaluate(7, 0.91, cfg))
}

func TestEvaluateStopBudgetAtMaxIterations(t *testing.T) {
	cfg := defaultConfig()

	assert.Equal(t, Continue, Evaluate(14, 0.5, cfg))
	assert.Equal(t, StopBudget, Evaluate(15, 0.5, cfg))
	// Threshold reached exactly at the budget still counts as success.
	assert.Equal(t, StopSuccess, Evaluate(15, 0.9, cfg))
}

func TestEvaluateMonotonicity(t *testing.T) {
	cfg := defaultConfig()

	trajectory := []float64{0.3, 0.45, 0.6, 0.7, 0.86}
	var first int
	for i, conf := range trajectory {
		if Evaluate(i+1, conf, cfg) == StopSuccess {
			first = i + 1
			break
		}
	}
	assert.Equal(t, 5, first, "stops at the first iteration where confidence >= threshold")
}

func TestConfigValidate(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.MinIterations = 10
	bad.MaxIterations = 5
	require.Error(t, bad.Validate())

	bad = cfg
	bad.ConfidenceThreshold = 1.5
	require.Error(t, bad.Validate())

	bad = cfg
	bad.MinIterations = 0
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Aggregation = "median"
	require.Error(t, bad.Validate())

	bad = cfg
	bad.MinConfidenceDelta = -0.01
	require.Error(t, bad.Validate())

	bad = cfg
	bad.NoProgressLimit = -1
	require.Error(t, bad.Validate())
}

func TestConverged(t *testing.T) {
	cfg := defaultConfig()
	cfg.MinConfidenceDelta = 0.02
	cfg.NoProgressLimit = 2

	assert.False(t, Converged([]float64{0.3, 0.5, 0.7}, cfg))
	assert.True(t, Converged([]float64{0.3, 0.5, 0.505, 0.508}, cfg))
	// Progress resets the flat streak.
	assert.False(t, Converged([]float64{0.3, 0.305, 0.5, 0.55}, cfg))
	// A flat stretch in the middle does not count once later iterations
	// made real progress; only the trailing streak matters.
	assert.False(t, Converged([]float64{0.3, 0.305, 0.308, 0.5}, cfg))

	// Disabled when limit is zero.
	cfg.NoProgressLimit = 0
	assert.False(t, Converged([]float64{0.3, 0.3, 0.3, 0.3}, cfg))
}

func TestConvergedRespectsMinIterationsFloor(t *testing.T) {
	cfg := defaultConfig()
	cfg.MinIterations = 5
	cfg.MinConfidenceDelta = 0.05
	cfg.NoProgressLimit = 1

	// Flat from the start, but the floor has not been reached yet.
	assert.False(t, Converged([]float64{0.3, 0.3}, cfg))
	assert.False(t, Converged([]float64{0.3, 0.3, 0.3, 0.3}, cfg))
	// At the floor the trailing flat streak may stop the loop.
	assert.True(t, Converged([]float64{0.3, 0.3, 0.3, 0.3, 0.3}, cfg))
}

func TestAggregateMean(t *testing.T) {
	hyps := []models.Hypothesis{
		{ID: "a", Confidence: 0.9, ImpactRank: 1},
		{ID: "b", Confidence: 0.6, ImpactRank: 2},
		{ID: "c", Confidence: 0.3, ImpactRank: 3},
		{ID: "d", Confidence: 0.0, ImpactRank: 4},
	}

	got := Aggregate(hyps, AggregateMean, 3)
	assert.InDelta(t, 0.6, got, 1e-9, "top-3 by impact rank, equally weighted")

	assert.InDelta(t, 0.45, Aggregate(hyps, AggregateMean, 0), 1e-9, "topN=0 means all")
}

func TestAggregateWeightedFavorsTopRank(t *testing.T) {
	hyps := []models.Hypothesis{
		{ID: "a", Confidence: 0.9, ImpactRank: 1},
		{ID: "b", Confidence: 0.3, ImpactRank: 2},
	}

	weighted := Aggregate(hyps, AggregateWeighted, 2)
	mean := Aggregate(hyps, AggregateMean, 2)
	assert.Greater(t, weighted, mean, "rank-1 hypothesis dominates the weighted fold")
	// (0.9*1 + 0.3*0.5) / 1.5 = 0.7
	assert.InDelta(t, 0.7, weighted, 1e-9)
}

func TestAggregateEmpty(t *testing.T) {
	assert.Zero(t, Aggregate(nil, AggregateMean, 3))
}

func TestAggregateDoesNotMutateInput(t *testing.T) {
	hyps := []models.Hypothesis{
		{ID: "b", Confidence: 0.3, ImpactRank: 2},
		{ID: "a", Confidence: 0.9, ImpactRank: 1},
	}
	Aggregate(hyps, AggregateMean, 1)
	assert.Equal(t, "b", hyps[0].ID)
}

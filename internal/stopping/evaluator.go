// Package stopping decides when the iterative analysis loop has done enough
// work. The evaluator is deterministic and side-effect free so it can be
// tested without running a real iteration.
package stopping

import (
	"fmt"
	"sort"

	"github.com/meridianlabs/deepvalue/internal/models"
)

// Decision is the outcome of evaluating the stopping criteria.
type Decision string

const (
	// Continue means the loop should run another iteration.
	Continue Decision = "continue"
	// StopSuccess means the confidence target was reached.
	StopSuccess Decision = "stop_success"
	// StopBudget means the iteration budget was exhausted before the target.
	// This is a reported, not fatal, outcome.
	StopBudget Decision = "stop_budget"
)

// AggregationPolicy selects how per-hypothesis confidences fold into the
// scalar the evaluator compares. The original behavior was configurable, not
// a fixed formula.
type AggregationPolicy string

const (
	// AggregateMean averages the top-N hypotheses equally.
	AggregateMean AggregationPolicy = "mean"
	// AggregateWeighted weights the top-N hypotheses by inverse impact rank.
	AggregateWeighted AggregationPolicy = "weighted"
)

// Config holds the stopping criteria knobs.
type Config struct {
	MinIterations       int               `mapstructure:"min_iterations" yaml:"min_iterations"`
	MaxIterations       int               `mapstructure:"max_iterations" yaml:"max_iterations"`
	ConfidenceThreshold float64           `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	Aggregation         AggregationPolicy `mapstructure:"aggregation" yaml:"aggregation"`
	TopN                int               `mapstructure:"top_n_hypotheses" yaml:"top_n_hypotheses"`

	// Diminishing-returns check: stop once NoProgressLimit consecutive
	// iterations each improved aggregate confidence by less than
	// MinConfidenceDelta. Zero disables the check.
	MinConfidenceDelta float64 `mapstructure:"min_confidence_delta" yaml:"min_confidence_delta"`
	NoProgressLimit    int     `mapstructure:"no_progress_limit" yaml:"no_progress_limit"`
}

// Validate checks the configuration before the loop starts.
func (c Config) Validate() error {
	if c.MinIterations < 1 {
		return fmt.Errorf("min_iterations must be >= 1, got %d", c.MinIterations)
	}
	if c.MaxIterations < c.MinIterations {
		return fmt.Errorf("max_iterations (%d) must be >= min_iterations (%d)",
			c.MaxIterations, c.MinIterations)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in [0,1], got %.4f", c.ConfidenceThreshold)
	}
	switch c.Aggregation {
	case "", AggregateMean, AggregateWeighted:
	default:
		return fmt.Errorf("unknown aggregation policy %q", c.Aggregation)
	}
	if c.MinConfidenceDelta < 0 {
		return fmt.Errorf("min_confidence_delta must be >= 0, got %.4f", c.MinConfidenceDelta)
	}
	if c.NoProgressLimit < 0 {
		return fmt.Errorf("no_progress_limit must be >= 0, got %d", c.NoProgressLimit)
	}
	return nil
}

// Evaluate is the pure stop decision over the completed iteration count and
// the current aggregate confidence. Never stops before MinIterations; stops
// with StopBudget at MaxIterations regardless of confidence.
func Evaluate(iteration int, confidence float64, cfg Config) Decision {
	if iteration >= cfg.MinIterations && confidence >= cfg.ConfidenceThreshold {
		return StopSuccess
	}
	if iteration >= cfg.MaxIterations {
		return StopBudget
	}
	return Continue
}

// Converged reports whether the confidence trajectory has flatlined per the
// diminishing-returns config. The trajectory holds one aggregate confidence
// per completed iteration, oldest first. Only the trailing streak counts:
// a flat stretch followed by real progress is not convergence. Never true
// before MinIterations, matching Evaluate's floor.
func Converged(trajectory []float64, cfg Config) bool {
	if cfg.NoProgressLimit <= 0 || len(trajectory) <= cfg.NoProgressLimit {
		return false
	}
	if len(trajectory) < cfg.MinIterations {
		return false
	}
	flat := 0
	for i := len(trajectory) - 1; i > 0; i-- {
		if trajectory[i]-trajectory[i-1] >= cfg.MinConfidenceDelta {
			break
		}
		flat++
		if flat >= cfg.NoProgressLimit {
			return true
		}
	}
	return false
}

// Aggregate folds hypothesis confidences into the scalar the evaluator
// compares, using the configured policy over the top-N hypotheses by impact
// rank. Returns 0 when there are no hypotheses yet.
func Aggregate(hyps []models.Hypothesis, policy AggregationPolicy, topN int) float64 {
	if len(hyps) == 0 {
		return 0
	}

	ranked := make([]models.Hypothesis, len(hyps))
	copy(ranked, hyps)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].ImpactRank < ranked[j].ImpactRank
	})
	if topN > 0 && topN < len(ranked) {
		ranked = ranked[:topN]
	}

	switch policy {
	case AggregateWeighted:
		var sum, weights float64
		for i, h := range ranked {
			w := 1.0 / float64(i+1)
			sum += h.Confidence * w
			weights += w
		}
		return sum / weights
	default: // AggregateMean
		var sum float64
		for _, h := range ranked {
			sum += h.Confidence
		}
		return sum / float64(len(ranked))
	}
}

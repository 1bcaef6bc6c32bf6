package engine

import (
	"fmt"
	"time"

	"github.com/meridianlabs/deepvalue/internal/stopping"
)

// Options is the engine's runtime configuration, already validated against
// the error taxonomy: a bad Options is a ConfigError surfaced before the loop
// starts, never mid-run.
type Options struct {
	Stopping stopping.Config

	// MaxHypotheses bounds hypothesis generation.
	MaxHypotheses int
	// QuestionsPerHypothesis bounds the research question set per hypothesis.
	QuestionsPerHypothesis int
	// StepTimeout bounds each external collaborator invocation. A timed-out
	// step degrades its hypothesis for the iteration instead of aborting the
	// run.
	StepTimeout time.Duration

	// CheckpointMaxAge is the freshness window for reusing a prior
	// checkpoint.
	CheckpointMaxAge time.Duration
	// CheckpointIterations lists the iterations after which a checkpoint is
	// persisted. Empty means every iteration.
	CheckpointIterations []int
	// ForceRefresh skips checkpoint reuse entirely.
	ForceRefresh bool
}

// ConfigError reports invalid engine configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

// Validate fails fast on configuration the loop could not honor.
func (o *Options) Validate() error {
	if err := o.Stopping.Validate(); err != nil {
		return &ConfigError{Field: "stopping", Reason: err.Error()}
	}
	if o.MaxHypotheses < 1 {
		return &ConfigError{Field: "max_hypotheses", Reason: "must be >= 1"}
	}
	if o.QuestionsPerHypothesis < 1 {
		return &ConfigError{Field: "questions_per_hypothesis", Reason: "must be >= 1"}
	}
	if o.StepTimeout <= 0 {
		return &ConfigError{Field: "step_timeout", Reason: "must be > 0"}
	}
	if o.CheckpointMaxAge <= 0 {
		return &ConfigError{Field: "checkpoint_max_age", Reason: "must be > 0"}
	}
	for _, it := range o.CheckpointIterations {
		if it < 1 {
			return &ConfigError{Field: "checkpoint_iterations", Reason: "entries must be >= 1"}
		}
	}
	return nil
}

// shouldCheckpoint reports whether the cadence includes the iteration.
func (o *Options) shouldCheckpoint(iteration int) bool {
	if len(o.CheckpointIterations) == 0 {
		return true
	}
	for _, it := range o.CheckpointIterations {
		if it == iteration {
			return true
		}
	}
	return false
}

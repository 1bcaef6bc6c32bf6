package engine

import (
	"fmt"

	"github.com/meridianlabs/deepvalue/internal/models"
)

// Terminal statuses reported to the caller. Budget exhaustion is a normal,
// reported outcome distinct from success, not an error.
const (
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusBudgetExhausted = "budget_exhausted"
)

// Stop reasons recorded on the result.
const (
	ReasonConfidenceTarget = "confidence_target_reached"
	ReasonBudgetExhausted  = "iteration_budget_exhausted"
	ReasonConverged        = "confidence_converged"
	ReasonReusedCheckpoint = "reused_completed_checkpoint"
)

// Result is the terminal result object every caller receives.
type Result struct {
	AnalysisID            string
	Ticker                string
	Status                string
	StopReason            string
	IterationsRun         int
	FinalConfidence       float64
	ReportRef             string
	ResumedFromCheckpoint bool

	// Partial-failure visibility: evidence coverage of the last iteration,
	// e.g. researched 4 of 5 hypotheses.
	HypothesesResearched int
	HypothesesDegraded   int

	// Run is the full final state for callers that want more than the
	// summary. Nil when a completed checkpoint was reused without iterating.
	Run *models.AnalysisRun
}

// Coverage renders the partial-failure metric, e.g. "evidence gathered for 4
// of 5 hypotheses".
func (r *Result) Coverage() string {
	total := r.HypothesesResearched + r.HypothesesDegraded
	if total == 0 {
		return "no hypotheses researched"
	}
	return fmt.Sprintf("evidence gathered for %d of %d hypotheses", r.HypothesesResearched, total)
}

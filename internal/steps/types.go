// Package steps defines the capability contracts the analysis engine
// consumes. Step content (how hypotheses are generated, how evidence is
// extracted, how the narrative is written) lives behind these interfaces;
// the engine only enforces structural and state invariants on what comes
// back.
package steps

import (
	"context"
	"fmt"

	"github.com/meridianlabs/deepvalue/internal/models"
)

// Entity identifies the company under analysis.
type Entity struct {
	Ticker      string
	CompanyName string
}

// GenerateInput is the input for hypothesis generation.
type GenerateInput struct {
	Entity         Entity
	MaxHypotheses  int
	PriorSynthesis string // empty on the first iteration
}

// GenerateResult is the result of hypothesis generation.
type GenerateResult struct {
	Hypotheses []models.Hypothesis
	TokensUsed int
}

// HypothesisGenerator produces candidate theses for an entity.
type HypothesisGenerator interface {
	Generate(ctx context.Context, in GenerateInput) (*GenerateResult, error)
}

// ResearchInput is the input for per-hypothesis evidence gathering.
type ResearchInput struct {
	Entity     Entity
	Hypothesis models.Hypothesis
	Questions  []string
	// SearchContext carries cached or freshly fetched external search
	// results the gatherer may ground its evidence in.
	SearchContext string
}

// ResearchResult is the result of evidence gathering for one hypothesis.
type ResearchResult struct {
	HypothesisID string
	Evidence     []models.EvidenceItem
	TokensUsed   int
}

// EvidenceGatherer researches a single hypothesis. It may fail per hypothesis
// without aborting the run.
type EvidenceGatherer interface {
	Research(ctx context.Context, in ResearchInput) (*ResearchResult, error)
}

// SynthesizeInput is the input for the synthesis/evaluation pass.
type SynthesizeInput struct {
	Entity     Entity
	Iteration  int
	Hypotheses []models.Hypothesis
}

// SynthesizeResult carries updated confidences keyed by hypothesis id plus
// narrative inputs for the final report.
type SynthesizeResult struct {
	Confidences map[string]float64
	Narrative   string
	TokensUsed  int
}

// Synthesizer folds accumulated evidence into updated hypothesis confidences.
type Synthesizer interface {
	Synthesize(ctx context.Context, in SynthesizeInput) (*SynthesizeResult, error)
}

// ReportResult is the final report document reference.
type ReportResult struct {
	Ref        string // path or id recorded in the checkpoint
	Document   string
	TokensUsed int
}

// ReportBuilder assembles the final report from a completed run snapshot.
type ReportBuilder interface {
	Build(ctx context.Context, run *models.AnalysisRun) (*ReportResult, error)
}

// Searcher is the external lookup collaborator for the web/search sub-flow.
// One call covers one (subject, question-set) pair.
type Searcher interface {
	Search(ctx context.Context, subject string, questions []string) (string, error)
}

// StepFailure reports a single collaborator invocation failing or timing out.
// Recovered locally: the hypothesis is marked degraded for the iteration and
// the loop continues.
type StepFailure struct {
	Step         string
	HypothesisID string
	Err          error
}

func (e *StepFailure) Error() string {
	if e.HypothesisID != "" {
		return fmt.Sprintf("step %s failed for hypothesis %s: %v", e.Step, e.HypothesisID, e.Err)
	}
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepFailure) Unwrap() error { return e.Err }

// ResearchQuestions derives a bounded, deterministic question set for a
// hypothesis. Determinism matters: the question list is part of the query
// cache identity, so rephrasing between runs would defeat deduplication.
func ResearchQuestions(h models.Hypothesis, max int) []string {
	qs := []string{
		fmt.Sprintf("What recent evidence supports or contradicts: %s?", h.Title),
		fmt.Sprintf("What do filings and earnings calls say about: %s?", h.Title),
		fmt.Sprintf("What would falsify the thesis: %s?", h.Title),
		fmt.Sprintf("How are competitors positioned relative to: %s?", h.Title),
	}
	if max > 0 && max < len(qs) {
		qs = qs[:max]
	}
	return qs
}

package openai

import (
	"fmt"
	"strings"

	"github.com/meridianlabs/deepvalue/internal/models"
	"github.com/meridianlabs/deepvalue/internal/steps"
)

const hypothesisSystemPrompt = `You are a senior equity research analyst.
Generate distinct, testable investment hypotheses for the company you are given.
Each hypothesis must name a concrete driver of intrinsic value and be falsifiable
with public evidence. Respond with JSON only:
{"hypotheses": [{"title": "...", "thesis": "...", "impact_rank": 1}]}
impact_rank orders hypotheses by expected valuation impact, 1 = highest.`

func hypothesisUserPrompt(in steps.GenerateInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Company: %s (ticker %s)\n", in.Entity.CompanyName, in.Entity.Ticker)
	fmt.Fprintf(&b, "Generate exactly %d hypotheses.\n", in.MaxHypotheses)
	if in.PriorSynthesis != "" {
		fmt.Fprintf(&b, "\nPrior synthesis to refine, not repeat:\n%s\n", in.PriorSynthesis)
	}
	return b.String()
}

const evidenceSystemPrompt = `You are an evidence extraction analyst. Given an
investment hypothesis, research questions, and search context, extract concrete
evidence items. Every item needs a claim, a source reference, a confidence in
[0,1], and an impact direction: "+", "-", or "neutral" relative to the
hypothesis. Respond with JSON only:
{"evidence": [{"claim": "...", "source_type": "...", "source_reference": "...",
"quote": "...", "confidence": 0.8, "impact_direction": "+"}]}`

func evidenceUserPrompt(in steps.ResearchInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Company: %s (ticker %s)\n", in.Entity.CompanyName, in.Entity.Ticker)
	fmt.Fprintf(&b, "Hypothesis: %s\n%s\n\nQuestions:\n", in.Hypothesis.Title, in.Hypothesis.Thesis)
	for _, q := range in.Questions {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	if in.SearchContext != "" {
		fmt.Fprintf(&b, "\nSearch context:\n%s\n", in.SearchContext)
	}
	return b.String()
}

const synthesisSystemPrompt = `You are the lead analyst synthesizing an
iteration of research. Weigh each hypothesis' accumulated evidence, including
contradictions, and assign an updated confidence in [0,1] per hypothesis id.
Respond with JSON only:
{"confidences": {"<hypothesis_id>": 0.72}, "narrative": "..."}`

func synthesisUserPrompt(in steps.SynthesizeInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Company: %s (ticker %s), iteration %d.\n\n",
		in.Entity.CompanyName, in.Entity.Ticker, in.Iteration)
	for _, h := range in.Hypotheses {
		fmt.Fprintf(&b, "Hypothesis %s (current confidence %.2f): %s\n", h.ID, h.Confidence, h.Title)
		for _, ev := range h.Evidence {
			fmt.Fprintf(&b, "  [%s, conf %.2f] %s (%s)\n", ev.Impact, ev.Confidence, ev.Claim, ev.SourceReference)
		}
		b.WriteString("\n")
	}
	return b.String()
}

const reportSystemPrompt = `You are writing the final research report for an
iterative analysis. Produce a markdown document: executive summary, each
hypothesis with its confidence and strongest evidence for and against, and an
overall conclusion. Do not invent evidence beyond what you are given.`

func reportUserPrompt(run *models.AnalysisRun) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Company: %s (ticker %s). Iterations run: %d.\n\n",
		run.CompanyName, run.Ticker, run.Iteration)
	for _, h := range run.Hypotheses {
		fmt.Fprintf(&b, "## %s (confidence %.2f)\n%s\n", h.Title, h.Confidence, h.Thesis)
		for _, ev := range h.Evidence {
			fmt.Fprintf(&b, "- [%s] %s — %s\n", ev.Impact, ev.Claim, ev.SourceReference)
		}
		b.WriteString("\n")
	}
	return b.String()
}

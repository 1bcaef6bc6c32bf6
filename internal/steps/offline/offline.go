// Package offline provides deterministic step collaborators for demos and
// development without LLM or search credentials. Confidence trajectories are
// synthetic but well-formed, so the full engine path (fan-out, caching,
// checkpointing, stopping) is exercised end to end.
package offline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianlabs/deepvalue/internal/models"
	"github.com/meridianlabs/deepvalue/internal/steps"
)

var hypothesisSeeds = []struct {
	title  string
	thesis string
}{
	{"Durable pricing power", "The company can raise prices ahead of cost inflation without share loss."},
	{"Margin expansion from mix shift", "Higher-margin segments grow faster than the legacy business."},
	{"Capital allocation discipline", "Buybacks and capex are accretive at current valuations."},
	{"Competitive moat erosion", "New entrants compress returns faster than consensus expects."},
	{"Balance sheet optionality", "Net cash funds countercyclical investment through a downturn."},
}

// Generator produces a fixed hypothesis slate for the entity.
type Generator struct{}

func (Generator) Generate(_ context.Context, in steps.GenerateInput) (*steps.GenerateResult, error) {
	n := in.MaxHypotheses
	if n <= 0 || n > len(hypothesisSeeds) {
		n = len(hypothesisSeeds)
	}
	hyps := make([]models.Hypothesis, 0, n)
	for i := 0; i < n; i++ {
		seed := hypothesisSeeds[i]
		hyps = append(hyps, models.Hypothesis{
			ID:         fmt.Sprintf("hyp-%s-%d", strings.ToLower(in.Entity.Ticker), i+1),
			Title:      fmt.Sprintf("%s: %s", in.Entity.CompanyName, seed.title),
			Thesis:     seed.thesis,
			Confidence: 0.3,
			ImpactRank: i + 1,
			CreatedAt:  time.Now(),
		})
	}
	return &steps.GenerateResult{Hypotheses: hyps}, nil
}

// Gatherer fabricates one evidence item per question.
type Gatherer struct{}

func (Gatherer) Research(_ context.Context, in steps.ResearchInput) (*steps.ResearchResult, error) {
	items := make([]models.EvidenceItem, 0, len(in.Questions))
	for i, q := range in.Questions {
		impact := models.ImpactPositive
		if i%3 == 2 {
			impact = models.ImpactNeutral
		}
		items = append(items, models.EvidenceItem{
			ID:              uuid.New().String(),
			Claim:           fmt.Sprintf("Synthetic finding for %q", q),
			SourceType:      "offline",
			SourceReference: "demo://" + in.Entity.Ticker,
			Confidence:      0.7,
			Impact:          impact,
			CreatedAt:       time.Now(),
		})
	}
	return &steps.ResearchResult{HypothesisID: in.Hypothesis.ID, Evidence: items}, nil
}

// Synthesizer raises each confidence toward 0.95 by a fixed fraction of the
// remaining gap per iteration, which converges without overshooting [0,1].
type Synthesizer struct{}

func (Synthesizer) Synthesize(_ context.Context, in steps.SynthesizeInput) (*steps.SynthesizeResult, error) {
	conf := make(map[string]float64, len(in.Hypotheses))
	for _, h := range in.Hypotheses {
		conf[h.ID] = h.Confidence + (0.95-h.Confidence)*0.45
	}
	return &steps.SynthesizeResult{
		Confidences: conf,
		Narrative: fmt.Sprintf("Iteration %d synthesis for %s across %d hypotheses.",
			in.Iteration, in.Entity.CompanyName, len(in.Hypotheses)),
	}, nil
}

// Searcher answers from a canned template; with the CachedSearcher in front
// of it, repeated demo runs exercise the cross-run cache path.
type Searcher struct{}

func (Searcher) Search(_ context.Context, subject string, questions []string) (string, error) {
	return fmt.Sprintf("offline search context for %s (%d questions)", subject, len(questions)), nil
}

// Reporter renders a markdown report with an intrinsic-value estimate from
// the deterministic valuation helper.
type Reporter struct {
	Dir string // report output directory; empty means inline ref
}

func (r Reporter) Build(_ context.Context, run *models.AnalysisRun) (*steps.ReportResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s (%s) — Research Report\n\n", run.CompanyName, run.Ticker)
	fmt.Fprintf(&b, "Iterations: %d\n\n", run.Iteration)
	fmt.Fprintf(&b, "Intrinsic value per share (demo inputs): %.2f\n\n", IntrinsicValue(8.0, 0.12, 0.09, 0.03, 10))
	b.WriteString("## Hypotheses\n\n")
	for _, h := range run.Hypotheses {
		fmt.Fprintf(&b, "- **%s** — confidence %.2f, %d evidence items\n", h.Title, h.Confidence, len(h.Evidence))
	}
	ref := fmt.Sprintf("report://%s/%s", strings.ToLower(run.Ticker), run.ID)
	return &steps.ReportResult{Ref: ref, Document: b.String()}, nil
}

// IntrinsicValue is a two-stage discounted cash flow on per-share free cash
// flow: growth years at g1, then a Gordon terminal value at g2. Pure and
// deterministic; no state or concurrency concerns.
func IntrinsicValue(fcfPerShare, g1, discount, g2 float64, growthYears int) float64 {
	if discount <= g2 {
		return 0
	}
	var pv float64
	fcf := fcfPerShare
	for y := 1; y <= growthYears; y++ {
		fcf *= 1 + g1
		pv += fcf / pow(1+discount, y)
	}
	terminal := fcf * (1 + g2) / (discount - g2)
	pv += terminal / pow(1+discount, growthYears)
	return pv
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

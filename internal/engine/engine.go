// Package engine runs the iterative analysis control loop: it composes the
// state store, checkpoint manager, stopping-criteria evaluator, and the
// external step collaborators into a resumable multi-iteration analysis of
// one entity.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridianlabs/deepvalue/internal/checkpoint"
	"github.com/meridianlabs/deepvalue/internal/metrics"
	"github.com/meridianlabs/deepvalue/internal/models"
	"github.com/meridianlabs/deepvalue/internal/state"
	"github.com/meridianlabs/deepvalue/internal/steps"
	"github.com/meridianlabs/deepvalue/internal/stopping"
)

type phase string

const (
	phaseInitializing  phase = "initializing"
	phaseIterating     phase = "iterating"
	phaseCheckpointing phase = "checkpointing"
	phaseFinalizing    phase = "finalizing"
	phaseDone          phase = "done"
	phaseFailed        phase = "failed"
)

// Archiver is the optional post-completion sink for finished runs.
type Archiver interface {
	ArchiveRun(ctx context.Context, run *models.AnalysisRun, reportRef string) error
}

// Deps collects the engine's collaborators. Store, Checkpoints, Generator,
// Gatherer, Synthesizer, and Reporter are required; Searcher and Archiver are
// optional. The query cache is owned by whichever Searcher wrapper the caller
// passes in; the engine never holds a process-wide cache.
type Deps struct {
	Store       *state.Store
	Checkpoints *checkpoint.Manager
	Generator   steps.HypothesisGenerator
	Gatherer    steps.EvidenceGatherer
	Synthesizer steps.Synthesizer
	Reporter    steps.ReportBuilder
	Searcher    steps.Searcher
	Archiver    Archiver
	Logger      *zap.Logger
}

// Engine is the iterative analysis controller. One Engine may serve many
// sequential runs; each run owns its own state.
type Engine struct {
	opts Options
	deps Deps
	log  *zap.Logger
}

// New validates the configuration and dependencies up front, per the
// fail-fast contract for ConfigError.
func New(opts Options, deps Deps) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Checkpoints == nil {
		return nil, &ConfigError{Field: "deps", Reason: "state store and checkpoint manager are required"}
	}
	if deps.Generator == nil || deps.Gatherer == nil || deps.Synthesizer == nil || deps.Reporter == nil {
		return nil, &ConfigError{Field: "deps", Reason: "all step collaborators are required"}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Engine{opts: opts, deps: deps, log: deps.Logger}, nil
}

// Run executes one analysis for the entity, resuming from a prior checkpoint
// when the freshness policy allows.
func (e *Engine) Run(ctx context.Context, ticker, companyName string) (*Result, error) {
	start := time.Now()
	entity := steps.Entity{Ticker: ticker, CompanyName: companyName}

	run, resume, reused := e.initialize(ctx, ticker, companyName)
	if reused != nil {
		// A fresh completed checkpoint: no iteration needed.
		metrics.AnalysesStarted.WithLabelValues("true").Inc()
		metrics.AnalysesCompleted.WithLabelValues(StatusCompleted).Inc()
		return reused, nil
	}
	resumed := resume != nil
	metrics.AnalysesStarted.WithLabelValues(fmt.Sprintf("%t", resumed)).Inc()

	e.log.Info("Starting analysis loop",
		zap.String("analysis_id", run.ID),
		zap.String("ticker", ticker),
		zap.Bool("resumed", resumed),
		zap.Int("start_iteration", run.Iteration+1),
	)

	var (
		trajectory = e.rebuildTrajectory(run)
		lastRec    *models.IterationRecord
		decision   stopping.Decision
		stopReason string
	)

	for {
		iter := run.Iteration + 1
		e.logPhase(run, phaseIterating, iter)

		rec, err := e.runIteration(ctx, run, entity, iter)
		if err != nil {
			return e.fail(ctx, run, err)
		}
		if err := e.deps.Store.AppendIteration(run, *rec); err != nil {
			return e.fail(ctx, run, err)
		}
		lastRec = &run.Iterations[len(run.Iterations)-1]
		trajectory = append(trajectory, rec.Aggregate)

		if e.opts.shouldCheckpoint(iter) {
			e.logPhase(run, phaseCheckpointing, iter)
			e.persistCheckpoint(ctx, run)
		}

		decision = stopping.Evaluate(iter, rec.Aggregate, e.opts.Stopping)
		if decision == stopping.Continue && stopping.Converged(trajectory, e.opts.Stopping) {
			decision = stopping.StopSuccess
			stopReason = ReasonConverged
		}
		if decision == stopping.Continue {
			continue
		}
		if stopReason == "" {
			if decision == stopping.StopSuccess {
				stopReason = ReasonConfidenceTarget
			} else {
				stopReason = ReasonBudgetExhausted
			}
		}
		break
	}

	e.logPhase(run, phaseFinalizing, run.Iteration)
	result, err := e.finalize(ctx, run, decision, stopReason, lastRec, resumed)
	if err != nil {
		return e.fail(ctx, run, err)
	}

	metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
	metrics.IterationsRun.Observe(float64(result.IterationsRun))
	metrics.AnalysesCompleted.WithLabelValues(result.Status).Inc()
	e.logPhase(run, phaseDone, run.Iteration)
	return result, nil
}

// initialize resolves the resume strategy. It returns either a run to
// iterate (possibly hydrated from a checkpoint) or a ready Result when a
// fresh completed checkpoint can be reused outright.
func (e *Engine) initialize(ctx context.Context, ticker, companyName string) (*models.AnalysisRun, *checkpoint.Resume, *Result) {
	e.log.Info("Resolving resume strategy",
		zap.String("ticker", ticker), zap.String("phase", string(phaseInitializing)))

	use, cp, reason := e.deps.Checkpoints.ShouldUseCache(ctx, ticker, companyName,
		e.opts.CheckpointMaxAge, e.opts.ForceRefresh)
	e.log.Info("Checkpoint reuse decision",
		zap.Bool("use", use), zap.String("reason", reason))

	if use {
		if ok, vreason := e.deps.Checkpoints.ValidateCache(cp, ticker, companyName); !ok {
			e.log.Warn("Checkpoint failed validation, starting fresh", zap.String("reason", vreason))
			use = false
		}
	}
	if use {
		if resume := e.deps.Checkpoints.ResumePoint(cp); resume != nil {
			if resume.From == checkpoint.ResumeCompleted {
				return nil, nil, &Result{
					AnalysisID:            cp.AnalysisID,
					Ticker:                cp.Ticker,
					Status:                StatusCompleted,
					StopReason:            ReasonReusedCheckpoint,
					IterationsRun:         cp.Iteration,
					FinalConfidence:       cp.AggregateConfidence,
					ReportRef:             resume.ReportRef,
					ResumedFromCheckpoint: true,
				}
			}
			run := e.hydrate(ctx, cp, resume)
			return run, resume, nil
		}
		e.log.Info("Checkpoint has no usable resume point, starting fresh")
	}
	return e.deps.Store.NewRun(ticker, companyName), nil, nil
}

// hydrate rebuilds a run for partial resume: full persisted run state when
// the backend has it and it matches the checkpoint, a bare skeleton
// otherwise.
func (e *Engine) hydrate(ctx context.Context, cp *models.Checkpoint, resume *checkpoint.Resume) *models.AnalysisRun {
	if resume.HasHypotheses {
		if full, err := e.deps.Checkpoints.LoadRunState(ctx, cp.Ticker); err == nil &&
			full.ID == cp.AnalysisID && full.Iteration == cp.Iteration {
			full.Status = models.StatusRunning
			e.log.Info("Resuming with persisted hypotheses",
				zap.String("analysis_id", full.ID),
				zap.Int("hypotheses", len(full.Hypotheses)),
				zap.Int("next_iteration", cp.ResumeIteration()),
			)
			return full
		}
		e.log.Warn("Run state unavailable or inconsistent, hypotheses will be regenerated")
		resume.HasHypotheses = false
	}
	return e.deps.Store.HydrateRun(cp)
}

// runIteration executes one full iteration: optional hypothesis generation,
// concurrent evidence fan-out, synthesis, and the fold into run state. It
// returns the iteration record to append; any returned error is fatal to the
// run.
func (e *Engine) runIteration(ctx context.Context, run *models.AnalysisRun, entity steps.Entity, iter int) (*models.IterationRecord, error) {
	if !run.HasHypotheses() {
		if err := e.generateHypotheses(ctx, run, entity); err != nil {
			return nil, err
		}
	}

	targets := e.selectResearchTargets(run)
	outcomes := e.fanOutResearch(ctx, entity, targets, iter)

	var (
		added    []models.EvidenceItem
		degraded []string
		failures int
	)
	for _, out := range outcomes {
		if out.err != nil {
			e.log.Warn("Evidence gathering degraded",
				zap.String("hypothesis_id", out.hypothesisID),
				zap.Int("iteration", iter),
				zap.Error(out.err),
			)
			degraded = append(degraded, out.hypothesisID)
			metrics.DegradedHypotheses.Inc()
			failures++
			continue
		}
		if err := e.deps.Store.AttachEvidence(run, out.hypothesisID, out.result.Evidence); err != nil {
			return nil, err
		}
		added = append(added, out.result.Evidence...)
	}
	if len(targets) > 0 && failures == len(targets) {
		return nil, &steps.StepFailure{
			Step: "evidence",
			Err:  fmt.Errorf("all %d research tasks failed in iteration %d", failures, iter),
		}
	}

	e.synthesize(ctx, run, entity, iter, &degraded)

	confidences := make(map[string]float64, len(run.Hypotheses))
	for _, h := range run.Hypotheses {
		confidences[h.ID] = h.Confidence
	}
	return &models.IterationRecord{
		Number:      iter,
		Timestamp:   time.Now(),
		Confidences: confidences,
		Aggregate:   stopping.Aggregate(run.Hypotheses, e.opts.Stopping.Aggregation, e.opts.Stopping.TopN),
		Evidence:    added,
		Degraded:    degraded,
	}, nil
}

func (e *Engine) generateHypotheses(ctx context.Context, run *models.AnalysisRun, entity steps.Entity) error {
	stepCtx, cancel := context.WithTimeout(ctx, e.opts.StepTimeout)
	defer cancel()

	timer := time.Now()
	res, err := e.deps.Generator.Generate(stepCtx, steps.GenerateInput{
		Entity:        entity,
		MaxHypotheses: e.opts.MaxHypotheses,
	})
	metrics.StepDuration.WithLabelValues("generate").Observe(time.Since(timer).Seconds())
	if err != nil {
		metrics.StepInvocations.WithLabelValues("generate", "error").Inc()
		return &steps.StepFailure{Step: "generate", Err: err}
	}
	metrics.StepInvocations.WithLabelValues("generate", "ok").Inc()

	for _, h := range res.Hypotheses {
		if err := e.deps.Store.UpsertHypothesis(run, h); err != nil {
			return err
		}
	}
	e.log.Info("Generated hypotheses",
		zap.String("analysis_id", run.ID),
		zap.Int("count", len(res.Hypotheses)),
	)
	return nil
}

// selectResearchTargets picks the top-N hypotheses by impact rank for this
// iteration's fan-out.
func (e *Engine) selectResearchTargets(run *models.AnalysisRun) []models.Hypothesis {
	targets := make([]models.Hypothesis, len(run.Hypotheses))
	copy(targets, run.Hypotheses)
	sort.SliceStable(targets, func(i, j int) bool {
		return targets[i].ImpactRank < targets[j].ImpactRank
	})
	if n := e.opts.Stopping.TopN; n > 0 && n < len(targets) {
		targets = targets[:n]
	}
	return targets
}

type researchOutcome struct {
	hypothesisID string
	result       *steps.ResearchResult
	err          error
}

// fanOutResearch dispatches one concurrent evidence-gathering task per
// target hypothesis and joins them all before returning. Workers never touch
// run state; the controller folds results afterwards, so completion order
// cannot affect the final state. A failed or timed-out task occupies its slot
// as an error instead of cancelling its siblings.
func (e *Engine) fanOutResearch(ctx context.Context, entity steps.Entity, targets []models.Hypothesis, iter int) []researchOutcome {
	outcomes := make([]researchOutcome, len(targets))
	var g errgroup.Group

	for i, h := range targets {
		i, h := i, h
		g.Go(func() error {
			outcomes[i] = e.researchOne(ctx, entity, h, iter)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (e *Engine) researchOne(ctx context.Context, entity steps.Entity, h models.Hypothesis, iter int) researchOutcome {
	stepCtx, cancel := context.WithTimeout(ctx, e.opts.StepTimeout)
	defer cancel()

	questions := steps.ResearchQuestions(h, e.opts.QuestionsPerHypothesis)

	var searchContext string
	if e.deps.Searcher != nil {
		// Keyed by ticker, not hypothesis id: ids change when hypotheses are
		// regenerated, and the question text already distinguishes hypotheses.
		sc, err := e.deps.Searcher.Search(stepCtx, entity.Ticker, questions)
		if err != nil {
			// Research can proceed without search context; log and go on.
			e.log.Warn("Search failed, researching without context",
				zap.String("hypothesis_id", h.ID), zap.Error(err))
		} else {
			searchContext = sc
		}
	}

	timer := time.Now()
	res, err := e.deps.Gatherer.Research(stepCtx, steps.ResearchInput{
		Entity:        entity,
		Hypothesis:    h,
		Questions:     questions,
		SearchContext: searchContext,
	})
	metrics.StepDuration.WithLabelValues("research").Observe(time.Since(timer).Seconds())
	if err != nil {
		metrics.StepInvocations.WithLabelValues("research", "error").Inc()
		return researchOutcome{hypothesisID: h.ID,
			err: &steps.StepFailure{Step: "research", HypothesisID: h.ID, Err: err}}
	}
	metrics.StepInvocations.WithLabelValues("research", "ok").Inc()
	return researchOutcome{hypothesisID: h.ID, result: res}
}

// synthesize folds evidence into updated confidences. A synthesis failure
// degrades the iteration (confidences carry over) rather than aborting the
// run; an out-of-range confidence from the collaborator is ignored the same
// way since content is untrusted until validated.
func (e *Engine) synthesize(ctx context.Context, run *models.AnalysisRun, entity steps.Entity, iter int, degraded *[]string) {
	stepCtx, cancel := context.WithTimeout(ctx, e.opts.StepTimeout)
	defer cancel()

	timer := time.Now()
	res, err := e.deps.Synthesizer.Synthesize(stepCtx, steps.SynthesizeInput{
		Entity:     entity,
		Iteration:  iter,
		Hypotheses: run.Hypotheses,
	})
	metrics.StepDuration.WithLabelValues("synthesize").Observe(time.Since(timer).Seconds())
	if err != nil {
		metrics.StepInvocations.WithLabelValues("synthesize", "error").Inc()
		e.log.Warn("Synthesis failed, keeping prior confidences",
			zap.Int("iteration", iter), zap.Error(err))
		*degraded = append(*degraded, "synthesis")
		return
	}
	metrics.StepInvocations.WithLabelValues("synthesize", "ok").Inc()

	for id, conf := range res.Confidences {
		if run.Hypothesis(id) == nil {
			continue // synthesis may only update known hypotheses
		}
		if err := e.deps.Store.UpdateConfidence(run, id, conf); err != nil {
			e.log.Warn("Rejected synthesized confidence",
				zap.String("hypothesis_id", id),
				zap.Float64("confidence", conf),
				zap.Error(err),
			)
		}
	}
}

// persistCheckpoint writes the checkpoint (and run state when supported).
// A write failure after retry is logged and the run continues: only
// resumability for this point is lost.
func (e *Engine) persistCheckpoint(ctx context.Context, run *models.AnalysisRun) {
	if err := e.deps.Store.MarkCheckpointed(run); err != nil {
		e.log.Warn("Could not mark run checkpointed", zap.Error(err))
		return
	}
	cp := models.ProjectCheckpoint(run)
	if err := e.deps.Checkpoints.Save(ctx, cp); err != nil {
		e.log.Warn("Checkpoint not persisted, continuing without it",
			zap.Int("iteration", run.Iteration), zap.Error(err))
	} else {
		e.deps.Checkpoints.SaveRunState(ctx, run)
	}
	if err := e.deps.Store.Resume(run); err != nil {
		e.log.Warn("Could not resume run after checkpoint", zap.Error(err))
	}
}

// finalize assembles the report, marks the run completed, and persists the
// terminal checkpoint.
func (e *Engine) finalize(ctx context.Context, run *models.AnalysisRun, decision stopping.Decision, stopReason string, lastRec *models.IterationRecord, resumed bool) (*Result, error) {
	stepCtx, cancel := context.WithTimeout(ctx, e.opts.StepTimeout)
	defer cancel()

	timer := time.Now()
	report, err := e.deps.Reporter.Build(stepCtx, run)
	metrics.StepDuration.WithLabelValues("report").Observe(time.Since(timer).Seconds())
	if err != nil {
		metrics.StepInvocations.WithLabelValues("report", "error").Inc()
		return nil, &steps.StepFailure{Step: "report", Err: err}
	}
	metrics.StepInvocations.WithLabelValues("report", "ok").Inc()

	if err := e.deps.Store.MarkCompleted(run, report.Ref); err != nil {
		return nil, err
	}
	if err := e.deps.Checkpoints.Save(ctx, models.ProjectCheckpoint(run)); err != nil {
		e.log.Warn("Final checkpoint not persisted", zap.Error(err))
	} else {
		e.deps.Checkpoints.SaveRunState(ctx, run)
	}

	if e.deps.Archiver != nil {
		if err := e.deps.Archiver.ArchiveRun(ctx, run, report.Ref); err != nil {
			e.log.Warn("Run archive failed", zap.Error(err))
		}
	}

	status := StatusCompleted
	if decision == stopping.StopBudget {
		status = StatusBudgetExhausted
	}

	result := &Result{
		AnalysisID:            run.ID,
		Ticker:                run.Ticker,
		Status:                status,
		StopReason:            stopReason,
		IterationsRun:         run.Iteration,
		ReportRef:             report.Ref,
		ResumedFromCheckpoint: resumed,
		Run:                   run,
	}
	if lastRec != nil {
		result.FinalConfidence = lastRec.Aggregate
		result.HypothesesDegraded = len(lastRec.Degraded)
		researched := len(e.selectResearchTargets(run)) - len(lastRec.Degraded)
		if researched < 0 {
			researched = 0
		}
		result.HypothesesResearched = researched
	}
	return result, nil
}

// fail transitions the run to its failed terminal state, persists a failed
// checkpoint, and surfaces the error. Never retried automatically.
func (e *Engine) fail(ctx context.Context, run *models.AnalysisRun, cause error) (*Result, error) {
	e.logPhase(run, phaseFailed, run.Iteration)
	if err := e.deps.Store.MarkFailed(run, cause.Error()); err != nil && !errors.Is(err, state.ErrRunTerminal) {
		e.log.Warn("Could not mark run failed", zap.Error(err))
	}
	if err := e.deps.Checkpoints.Save(ctx, models.ProjectCheckpoint(run)); err != nil {
		e.log.Warn("Failed-state checkpoint not persisted", zap.Error(err))
	}
	metrics.AnalysesCompleted.WithLabelValues(StatusFailed).Inc()

	return &Result{
		AnalysisID:    run.ID,
		Ticker:        run.Ticker,
		Status:        StatusFailed,
		StopReason:    cause.Error(),
		IterationsRun: run.Iteration,
		Run:           run,
	}, cause
}

// rebuildTrajectory restores the aggregate-confidence history from a resumed
// run's iteration records so convergence detection survives a restart.
func (e *Engine) rebuildTrajectory(run *models.AnalysisRun) []float64 {
	if len(run.Iterations) == 0 {
		return nil
	}
	out := make([]float64, 0, len(run.Iterations))
	for _, rec := range run.Iterations {
		out = append(out, rec.Aggregate)
	}
	return out
}

func (e *Engine) logPhase(run *models.AnalysisRun, p phase, iter int) {
	e.log.Debug("Phase transition",
		zap.String("analysis_id", run.ID),
		zap.String("phase", string(p)),
		zap.Int("iteration", iter),
	)
}

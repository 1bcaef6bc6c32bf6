package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridianlabs/deepvalue/internal/checkpoint"
	"github.com/meridianlabs/deepvalue/internal/models"
	"github.com/meridianlabs/deepvalue/internal/state"
	"github.com/meridianlabs/deepvalue/internal/steps"
	"github.com/meridianlabs/deepvalue/internal/stopping"
)

// memCheckpointStore is an in-memory checkpoint.Store with optional run state
// support and injectable save failures.
type memCheckpointStore struct {
	mu       sync.Mutex
	latest   map[string]*models.Checkpoint
	runState map[string]*models.AnalysisRun
	saves    int
	saveErrs []error
}

func newMemCheckpointStore() *memCheckpointStore {
	return &memCheckpointStore{
		latest:   make(map[string]*models.Checkpoint),
		runState: make(map[string]*models.AnalysisRun),
	}
}

func (m *memCheckpointStore) SaveLatest(_ context.Context, cp *models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if len(m.saveErrs) > 0 {
		err := m.saveErrs[0]
		m.saveErrs = m.saveErrs[1:]
		if err != nil {
			return err
		}
	}
	c := *cp
	m.latest[cp.Ticker] = &c
	return nil
}

func (m *memCheckpointStore) LoadLatest(_ context.Context, ticker string) (*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.latest[ticker]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	c := *cp
	return &c, nil
}

func (m *memCheckpointStore) SaveRunState(_ context.Context, run *models.AnalysisRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := *run
	m.runState[run.Ticker] = &r
	return nil
}

func (m *memCheckpointStore) LoadRunState(_ context.Context, ticker string) (*models.AnalysisRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runState[ticker]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	r := *run
	return &r, nil
}

// fakeGenerator returns n fixed hypotheses and counts invocations.
type fakeGenerator struct {
	n     int
	calls int
	err   error
}

func (f *fakeGenerator) Generate(_ context.Context, in steps.GenerateInput) (*steps.GenerateResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	hyps := make([]models.Hypothesis, 0, f.n)
	for i := 0; i < f.n; i++ {
		hyps = append(hyps, models.Hypothesis{
			ID:         fmt.Sprintf("hyp-%d", i+1),
			Title:      fmt.Sprintf("Thesis %d for %s", i+1, in.Entity.Ticker),
			Thesis:     "test thesis",
			Confidence: 0.3,
			ImpactRank: i + 1,
		})
	}
	return &steps.GenerateResult{Hypotheses: hyps}, nil
}

// fakeGatherer returns one evidence item per call, failing for ids in failIDs.
type fakeGatherer struct {
	mu      sync.Mutex
	calls   int
	seq     int
	failIDs map[string]bool
	failAll bool
}

func (f *fakeGatherer) Research(_ context.Context, in steps.ResearchInput) (*steps.ResearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAll || f.failIDs[in.Hypothesis.ID] {
		return nil, errors.New("research backend unavailable")
	}
	f.seq++
	return &steps.ResearchResult{
		HypothesisID: in.Hypothesis.ID,
		Evidence: []models.EvidenceItem{{
			ID:         fmt.Sprintf("ev-%s-%d", in.Hypothesis.ID, f.seq),
			Claim:      "observed datapoint",
			SourceType: "filing",
			Confidence: 0.8,
			Impact:     models.ImpactPositive,
		}},
	}, nil
}

// fakeSynthesizer raises every hypothesis confidence by step per iteration.
type fakeSynthesizer struct {
	step  float64
	calls int
	err   error
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, in steps.SynthesizeInput) (*steps.SynthesizeResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	conf := make(map[string]float64, len(in.Hypotheses))
	for _, h := range in.Hypotheses {
		c := h.Confidence + f.step
		if c > 1 {
			c = 1
		}
		conf[h.ID] = c
	}
	return &steps.SynthesizeResult{Confidences: conf, Narrative: "iteration summary"}, nil
}

type fakeReporter struct {
	calls int
	err   error
}

func (f *fakeReporter) Build(_ context.Context, run *models.AnalysisRun) (*steps.ReportResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &steps.ReportResult{Ref: "report://" + run.Ticker, Document: "# Report"}, nil
}

type testRig struct {
	engine   *Engine
	store    *memCheckpointStore
	gen      *fakeGenerator
	gather   *fakeGatherer
	synth    *fakeSynthesizer
	reporter *fakeReporter
}

func defaultOptions() Options {
	return Options{
		Stopping: stopping.Config{
			MinIterations:       2,
			MaxIterations:       10,
			ConfidenceThreshold: 0.75,
			Aggregation:         stopping.AggregateMean,
		},
		MaxHypotheses:          5,
		QuestionsPerHypothesis: 3,
		StepTimeout:            5 * time.Second,
		CheckpointMaxAge:       24 * time.Hour,
	}
}

func newTestRig(t *testing.T, opts Options) *testRig {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := newMemCheckpointStore()
	rig := &testRig{
		store:    store,
		gen:      &fakeGenerator{n: 5},
		gather:   &fakeGatherer{},
		synth:    &fakeSynthesizer{step: 0.2},
		reporter: &fakeReporter{},
	}
	eng, err := New(opts, Deps{
		Store:       state.NewStore(logger),
		Checkpoints: checkpoint.NewManager(store, logger),
		Generator:   rig.gen,
		Gatherer:    rig.gather,
		Synthesizer: rig.synth,
		Reporter:    rig.reporter,
		Logger:      logger,
	})
	require.NoError(t, err)
	rig.engine = eng
	return rig
}

func TestRunCompletesWhenConfidenceTargetReached(t *testing.T) {
	rig := newTestRig(t, defaultOptions())

	res, err := rig.engine.Run(context.Background(), "ACME", "Acme Corp")
	require.NoError(t, err)

	// 0.3 -> 0.5 -> 0.7 -> 0.9: threshold 0.75 crossed at iteration 3,
	// past the 2-iteration floor.
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, ReasonConfidenceTarget, res.StopReason)
	assert.Equal(t, 3, res.IterationsRun)
	assert.InDelta(t, 0.9, res.FinalConfidence, 1e-9)
	assert.Equal(t, "report://ACME", res.ReportRef)
	assert.False(t, res.ResumedFromCheckpoint)
	assert.Equal(t, 1, rig.gen.calls, "hypotheses generated once")
	assert.Equal(t, 3, rig.synth.calls)
	assert.Equal(t, 1, rig.reporter.calls)
	require.NotNil(t, res.Run)
	assert.Equal(t, models.StatusCompleted, res.Run.Status)
	assert.Len(t, res.Run.Iterations, 3)
}

func TestRunHonorsMinIterationsFloor(t *testing.T) {
	opts := defaultOptions()
	opts.Stopping.MinIterations = 4
	rig := newTestRig(t, opts)
	rig.synth.step = 0.5 // threshold crossed on iteration 1

	res, err := rig.engine.Run(context.Background(), "ACME", "Acme Corp")
	require.NoError(t, err)
	assert.Equal(t, 4, res.IterationsRun)
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestRunStopsAtBudgetWhenThresholdUnreached(t *testing.T) {
	opts := defaultOptions()
	opts.Stopping.MaxIterations = 4
	rig := newTestRig(t, opts)
	rig.synth.step = 0.01 // never reaches 0.75

	res, err := rig.engine.Run(context.Background(), "ACME", "Acme Corp")
	require.NoError(t, err)
	assert.Equal(t, StatusBudgetExhausted, res.Status)
	assert.Equal(t, ReasonBudgetExhausted, res.StopReason)
	assert.Equal(t, 4, res.IterationsRun)
	assert.Equal(t, "report://ACME", res.ReportRef, "budget exhaustion still produces a report")
}

func TestRunStopsOnConvergedTrajectory(t *testing.T) {
	opts := defaultOptions()
	opts.Stopping.MinConfidenceDelta = 0.05
	opts.Stopping.NoProgressLimit = 2
	rig := newTestRig(t, opts)
	rig.synth.step = 0.0 // confidences never move

	res, err := rig.engine.Run(context.Background(), "ACME", "Acme Corp")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, ReasonConverged, res.StopReason)
	assert.Less(t, res.IterationsRun, opts.Stopping.MaxIterations)
}

func TestConvergenceWaitsForMinIterationsFloor(t *testing.T) {
	opts := defaultOptions()
	opts.Stopping.MinIterations = 5
	opts.Stopping.MinConfidenceDelta = 0.05
	opts.Stopping.NoProgressLimit = 1
	rig := newTestRig(t, opts)
	rig.synth.step = 0.0 // flat from the first iteration

	res, err := rig.engine.Run(context.Background(), "ACME", "Acme Corp")
	require.NoError(t, err)

	// The trajectory flatlines immediately, but the loop must still run the
	// configured minimum before a convergence stop.
	assert.GreaterOrEqual(t, res.IterationsRun, opts.Stopping.MinIterations)
	assert.Equal(t, 5, res.IterationsRun)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, ReasonConverged, res.StopReason)
}

func TestPartialFailureDegradesHypothesisNotRun(t *testing.T) {
	rig := newTestRig(t, defaultOptions())
	rig.gather.failIDs = map[string]bool{"hyp-3": true}

	res, err := rig.engine.Run(context.Background(), "ACME", "Acme Corp")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, res.HypothesesDegraded)
	assert.Equal(t, 4, res.HypothesesResearched)
	assert.Contains(t, res.Coverage(), "4 of 5")

	// Every iteration record names exactly the failed hypothesis as degraded.
	for _, rec := range res.Run.Iterations {
		assert.Equal(t, []string{"hyp-3"}, rec.Degraded)
	}
	// The failed hypothesis got no evidence but still carries confidences.
	h := res.Run.Hypothesis("hyp-3")
	require.NotNil(t, h)
	assert.Empty(t, h.Evidence)
	assert.Greater(t, h.Confidence, 0.3, "synthesis still updates degraded hypotheses")
}

func TestAllResearchTasksFailingFailsRun(t *testing.T) {
	rig := newTestRig(t, defaultOptions())
	rig.gather.failAll = true

	res, err := rig.engine.Run(context.Background(), "ACME", "Acme Corp")
	require.Error(t, err)
	var sf *steps.StepFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, "evidence", sf.Step)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, models.StatusFailed, res.Run.Status)

	// Failed terminal state is checkpointed for postmortem inspection.
	cp, cperr := rig.store.LoadLatest(context.Background(), "ACME")
	require.NoError(t, cperr)
	assert.Equal(t, models.StatusFailed, cp.Status)
}

func TestSynthesisFailureDegradesIterationNotRun(t *testing.T) {
	opts := defaultOptions()
	opts.Stopping.MaxIterations = 3
	rig := newTestRig(t, opts)
	rig.synth.err = errors.New("synthesis model overloaded")

	res, err := rig.engine.Run(context.Background(), "ACME", "Acme Corp")
	require.NoError(t, err)

	// With no synthesis, confidences never move and the run exhausts budget.
	assert.Equal(t, StatusBudgetExhausted, res.Status)
	for _, rec := range res.Run.Iterations {
		assert.Contains(t, rec.Degraded, "synthesis")
	}
	h := res.Run.Hypothesis("hyp-1")
	require.NotNil(t, h)
	assert.InDelta(t, 0.3, h.Confidence, 1e-9, "prior confidence carried over")
}

func TestGenerationFailureFailsRun(t *testing.T) {
	rig := newTestRig(t, defaultOptions())
	rig.gen.err = errors.New("model refused")

	res, err := rig.engine.Run(context.Background(), "ACME", "Acme Corp")
	require.Error(t, err)
	var sf *steps.StepFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, "generate", sf.Step)
	assert.Equal(t, StatusFailed, res.Status)
}

func TestReportFailureFailsRun(t *testing.T) {
	rig := newTestRig(t, defaultOptions())
	rig.reporter.err = errors.New("renderer broken")

	res, err := rig.engine.Run(context.Background(), "ACME", "Acme Corp")
	require.Error(t, err)
	assert.Equal(t, StatusFailed, res.Status)
}

func TestResumeReusesFreshCompletedCheckpoint(t *testing.T) {
	rig := newTestRig(t, defaultOptions())

	first, err := rig.engine.Run(context.Background(), "ACME", "Acme Corp")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, first.Status)

	genCalls := rig.gen.calls
	second, err := rig.engine.Run(context.Background(), "ACME", "Acme Corp")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, second.Status)
	assert.Equal(t, ReasonReusedCheckpoint, second.StopReason)
	assert.True(t, second.ResumedFromCheckpoint)
	assert.Equal(t, first.ReportRef, second.ReportRef)
	assert.Equal(t, first.AnalysisID, second.AnalysisID)
	assert.InDelta(t, first.FinalConfidence, second.FinalConfidence, 1e-9,
		"reused checkpoint carries the final confidence")
	assert.Equal(t, genCalls, rig.gen.calls, "no new collaborator work")
}

func TestForceRefreshSkipsCheckpointReuse(t *testing.T) {
	rig := newTestRig(t, defaultOptions())

	first, err := rig.engine.Run(context.Background(), "ACME", "Acme Corp")
	require.NoError(t, err)

	second, err := rig.freshEngineWithForceRefresh(t).Run(context.Background(), "ACME", "Acme Corp")
	require.NoError(t, err)
	assert.False(t, second.ResumedFromCheckpoint)
	assert.NotEqual(t, first.AnalysisID, second.AnalysisID)
}

// freshEngineWithForceRefresh rebuilds the engine over the same checkpoint
// store with ForceRefresh set.
func (r *testRig) freshEngineWithForceRefresh(t *testing.T) *Engine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	opts := defaultOptions()
	opts.ForceRefresh = true
	eng, err := New(opts, Deps{
		Store:       state.NewStore(logger),
		Checkpoints: checkpoint.NewManager(r.store, logger),
		Generator:   r.gen,
		Gatherer:    r.gather,
		Synthesizer: r.synth,
		Reporter:    r.reporter,
		Logger:      logger,
	})
	require.NoError(t, err)
	return eng
}

func TestResumePartialSkipsHypothesisGeneration(t *testing.T) {
	rig := newTestRig(t, defaultOptions())
	store := rig.store

	// Seed a partial checkpoint at iteration 2 plus matching run state.
	logger := zaptest.NewLogger(t)
	st := state.NewStore(logger)
	run := st.NewRun("ACME", "Acme Corp")
	for i := 0; i < 5; i++ {
		require.NoError(t, st.UpsertHypothesis(run, models.Hypothesis{
			ID:         fmt.Sprintf("hyp-%d", i+1),
			Title:      fmt.Sprintf("Thesis %d for ACME", i+1),
			Thesis:     "test thesis",
			Confidence: 0.5,
			ImpactRank: i + 1,
		}))
	}
	for n := 1; n <= 2; n++ {
		require.NoError(t, st.AppendIteration(run, models.IterationRecord{
			Number: n, Timestamp: time.Now(), Aggregate: 0.5,
		}))
	}
	require.NoError(t, st.MarkCheckpointed(run))
	require.NoError(t, store.SaveLatest(context.Background(), models.ProjectCheckpoint(run)))
	require.NoError(t, store.SaveRunState(context.Background(), run))

	res, err := rig.engine.Run(context.Background(), "ACME", "Acme Corp")
	require.NoError(t, err)

	assert.True(t, res.ResumedFromCheckpoint)
	assert.Equal(t, run.ID, res.AnalysisID, "resumed run keeps its id")
	assert.Equal(t, 0, rig.gen.calls, "generation skipped on resume with hypotheses")
	assert.Greater(t, res.IterationsRun, 2, "loop continued past the checkpoint")
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestResumeWithoutRunStateRegeneratesHypotheses(t *testing.T) {
	rig := newTestRig(t, defaultOptions())

	// Checkpoint claims hypotheses exist, but no run state was persisted.
	cp := &models.Checkpoint{
		Ticker:        "ACME",
		CompanyName:   "Acme Corp",
		AnalysisID:    "run-prior",
		Status:        models.StatusCheckpointed,
		Iteration:     2,
		HasHypotheses: true,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, rig.store.SaveLatest(context.Background(), cp))

	res, err := rig.engine.Run(context.Background(), "ACME", "Acme Corp")
	require.NoError(t, err)
	assert.Equal(t, 1, rig.gen.calls, "fallback regenerates hypotheses")
	assert.Equal(t, "run-prior", res.AnalysisID)
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestStaleCheckpointStartsFresh(t *testing.T) {
	rig := newTestRig(t, defaultOptions())
	cp := &models.Checkpoint{
		Ticker:      "ACME",
		CompanyName: "Acme Corp",
		AnalysisID:  "run-old",
		Status:      models.StatusCompleted,
		Iteration:   3,
		ReportRef:   "report://old",
		CreatedAt:   time.Now().Add(-48 * time.Hour),
	}
	require.NoError(t, rig.store.SaveLatest(context.Background(), cp))

	res, err := rig.engine.Run(context.Background(), "ACME", "Acme Corp")
	require.NoError(t, err)
	assert.False(t, res.ResumedFromCheckpoint)
	assert.NotEqual(t, "run-old", res.AnalysisID)
}

func TestEntityMismatchStartsFresh(t *testing.T) {
	rig := newTestRig(t, defaultOptions())
	cp := &models.Checkpoint{
		Ticker:      "ACME",
		CompanyName: "Different Company",
		AnalysisID:  "run-other",
		Status:      models.StatusCompleted,
		Iteration:   3,
		ReportRef:   "report://other",
		CreatedAt:   time.Now(),
	}
	require.NoError(t, rig.store.SaveLatest(context.Background(), cp))

	res, err := rig.engine.Run(context.Background(), "ACME", "Acme Corp")
	require.NoError(t, err)
	assert.False(t, res.ResumedFromCheckpoint)
}

func TestCheckpointCadenceLimitsWrites(t *testing.T) {
	opts := defaultOptions()
	opts.Stopping.MaxIterations = 4
	opts.CheckpointIterations = []int{2, 4}
	rig := newTestRig(t, opts)
	rig.synth.step = 0.01 // run to budget

	res, err := rig.engine.Run(context.Background(), "ACME", "Acme Corp")
	require.NoError(t, err)
	require.Equal(t, 4, res.IterationsRun)

	checkpointed := 0
	for _, rec := range res.Run.Iterations {
		if rec.Checkpointed {
			checkpointed++
		}
	}
	assert.Equal(t, 2, checkpointed, "only iterations 2 and 4 checkpointed")
	// Cadence writes plus the terminal checkpoint.
	assert.Equal(t, 3, rig.store.saves)
}

func TestCheckpointWriteFailureDoesNotAbortRun(t *testing.T) {
	rig := newTestRig(t, defaultOptions())
	// Every write fails twice (initial + retry) for the whole run.
	for i := 0; i < 20; i++ {
		rig.store.saveErrs = append(rig.store.saveErrs, errors.New("disk full"))
	}

	res, err := rig.engine.Run(context.Background(), "ACME", "Acme Corp")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestFinalCheckpointMarksCompleted(t *testing.T) {
	rig := newTestRig(t, defaultOptions())

	_, err := rig.engine.Run(context.Background(), "ACME", "Acme Corp")
	require.NoError(t, err)

	cp, err := rig.store.LoadLatest(context.Background(), "ACME")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, cp.Status)
	assert.Equal(t, "report://ACME", cp.ReportRef)
	assert.True(t, cp.HasHypotheses)
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	logger := zaptest.NewLogger(t)
	opts := defaultOptions()
	opts.StepTimeout = 0
	_, err := New(opts, Deps{
		Store:       state.NewStore(logger),
		Checkpoints: checkpoint.NewManager(newMemCheckpointStore(), logger),
		Generator:   &fakeGenerator{n: 1},
		Gatherer:    &fakeGatherer{},
		Synthesizer: &fakeSynthesizer{},
		Reporter:    &fakeReporter{},
	})
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "step_timeout", ce.Field)
}

func TestNewRejectsMissingCollaborators(t *testing.T) {
	logger := zaptest.NewLogger(t)
	_, err := New(defaultOptions(), Deps{
		Store:       state.NewStore(logger),
		Checkpoints: checkpoint.NewManager(newMemCheckpointStore(), logger),
	})
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
}

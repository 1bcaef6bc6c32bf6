// Package state is the single writer of analysis-run state. All mutation of
// an AnalysisRun goes through the Store so the data-model invariants are
// enforced centrally rather than by convention.
package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianlabs/deepvalue/internal/models"
)

// Store applies validated mutations to analysis runs. It holds no run state
// itself; each run is owned by the controller that created it.
type Store struct {
	logger *zap.Logger
}

// NewStore creates a state store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{logger: logger}
}

// NewRun creates a fresh run: status running, iteration 0, no hypotheses.
func (s *Store) NewRun(ticker, companyName string) *models.AnalysisRun {
	now := time.Now()
	run := &models.AnalysisRun{
		ID:          uuid.New().String(),
		Ticker:      ticker,
		CompanyName: companyName,
		Status:      models.StatusRunning,
		Iteration:   0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.logger.Info("Created analysis run",
		zap.String("analysis_id", run.ID),
		zap.String("ticker", ticker),
	)
	return run
}

// HydrateRun reconstructs a resumable run from a checkpoint's resume point.
// Only the fields a checkpoint carries are restored; hypotheses and evidence
// are re-attached by the orchestrator as the resumed loop replays collaborator
// output or regenerates it.
func (s *Store) HydrateRun(cp *models.Checkpoint) *models.AnalysisRun {
	now := time.Now()
	run := &models.AnalysisRun{
		ID:          cp.AnalysisID,
		Ticker:      cp.Ticker,
		CompanyName: cp.CompanyName,
		Status:      models.StatusRunning,
		Iteration:   cp.Iteration,
		ReportRef:   cp.ReportRef,
		CreatedAt:   cp.CreatedAt,
		UpdatedAt:   now,
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	s.logger.Info("Hydrated analysis run from checkpoint",
		zap.String("analysis_id", run.ID),
		zap.String("ticker", run.Ticker),
		zap.Int("iteration", run.Iteration),
	)
	return run
}

// AppendIteration appends an immutable iteration record. The record number
// must be exactly run.Iteration+1; anything else is a SequenceError and the
// run is left unchanged.
func (s *Store) AppendIteration(run *models.AnalysisRun, rec models.IterationRecord) error {
	if run.Status.IsTerminal() {
		return ErrRunTerminal
	}
	if rec.Number != run.Iteration+1 {
		return &SequenceError{RunID: run.ID, Expected: run.Iteration + 1, Got: rec.Number}
	}
	for i := range rec.Evidence {
		if err := rec.Evidence[i].Validate(); err != nil {
			return fmt.Errorf("iteration %d: %w", rec.Number, err)
		}
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	run.Iterations = append(run.Iterations, rec)
	run.Iteration = rec.Number
	run.UpdatedAt = time.Now()
	return nil
}

// UpsertHypothesis inserts a validated hypothesis. Re-upserting identical
// content is a no-op; the same id with differing content is a
// DuplicateIDError.
func (s *Store) UpsertHypothesis(run *models.AnalysisRun, h models.Hypothesis) error {
	if run.Status.IsTerminal() {
		return ErrRunTerminal
	}
	if err := h.Validate(); err != nil {
		return err
	}

	if existing := run.Hypothesis(h.ID); existing != nil {
		if existing.ContentEqual(&h) {
			return nil
		}
		return &DuplicateIDError{RunID: run.ID, Entity: "hypothesis", ID: h.ID}
	}

	now := time.Now()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	h.UpdatedAt = now
	run.Hypotheses = append(run.Hypotheses, h)
	run.UpdatedAt = now
	return nil
}

// UpdateConfidence sets a hypothesis' confidence after a synthesis pass.
func (s *Store) UpdateConfidence(run *models.AnalysisRun, hypothesisID string, confidence float64) error {
	if run.Status.IsTerminal() {
		return ErrRunTerminal
	}
	if confidence < 0 || confidence > 1 {
		return &models.ValidationError{Entity: "hypothesis", Field: "confidence",
			Reason: fmt.Sprintf("%.4f outside [0,1]", confidence)}
	}
	h := run.Hypothesis(hypothesisID)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrHypothesisNotFound, hypothesisID)
	}
	h.Confidence = confidence
	h.UpdatedAt = time.Now()
	run.UpdatedAt = h.UpdatedAt
	return nil
}

// AttachEvidence appends evidence items to a hypothesis, enforcing run-wide
// evidence id uniqueness. Fold order across hypotheses does not matter; a
// re-attach of an identical id is rejected rather than deduplicated so a
// collaborator echoing ids is surfaced as the data error it is.
func (s *Store) AttachEvidence(run *models.AnalysisRun, hypothesisID string, items []models.EvidenceItem) error {
	if run.Status.IsTerminal() {
		return ErrRunTerminal
	}
	h := run.Hypothesis(hypothesisID)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrHypothesisNotFound, hypothesisID)
	}

	seen := make(map[string]bool)
	for i := range run.Hypotheses {
		for j := range run.Hypotheses[i].Evidence {
			seen[run.Hypotheses[i].Evidence[j].ID] = true
		}
	}

	for _, item := range items {
		if err := item.Validate(); err != nil {
			return err
		}
		if seen[item.ID] {
			return &DuplicateIDError{RunID: run.ID, Entity: "evidence", ID: item.ID}
		}
		seen[item.ID] = true
	}

	now := time.Now()
	h.Evidence = append(h.Evidence, items...)
	h.UpdatedAt = now
	run.UpdatedAt = now
	return nil
}

// MarkCheckpointed records that the run's latest state was persisted.
func (s *Store) MarkCheckpointed(run *models.AnalysisRun) error {
	if run.Status.IsTerminal() {
		return ErrRunTerminal
	}
	run.Status = models.StatusCheckpointed
	if n := len(run.Iterations); n > 0 {
		run.Iterations[n-1].Checkpointed = true
	}
	run.UpdatedAt = time.Now()
	return nil
}

// Resume flips a checkpointed run back to running.
func (s *Store) Resume(run *models.AnalysisRun) error {
	if run.Status.IsTerminal() {
		return ErrRunTerminal
	}
	run.Status = models.StatusRunning
	run.UpdatedAt = time.Now()
	return nil
}

// MarkCompleted moves the run to its successful terminal state.
func (s *Store) MarkCompleted(run *models.AnalysisRun, reportRef string) error {
	if run.Status.IsTerminal() {
		return ErrRunTerminal
	}
	run.Status = models.StatusCompleted
	run.ReportRef = reportRef
	run.UpdatedAt = time.Now()
	s.logger.Info("Analysis run completed",
		zap.String("analysis_id", run.ID),
		zap.Int("iterations", run.Iteration),
		zap.String("report", reportRef),
	)
	return nil
}

// MarkFailed moves the run to its failed terminal state.
func (s *Store) MarkFailed(run *models.AnalysisRun, reason string) error {
	if run.Status.IsTerminal() {
		return ErrRunTerminal
	}
	run.Status = models.StatusFailed
	run.FailReason = reason
	run.UpdatedAt = time.Now()
	s.logger.Warn("Analysis run failed",
		zap.String("analysis_id", run.ID),
		zap.String("reason", reason),
	)
	return nil
}

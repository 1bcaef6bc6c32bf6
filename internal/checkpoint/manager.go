package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlabs/deepvalue/internal/metrics"
	"github.com/meridianlabs/deepvalue/internal/models"
)

// ResumeFrom tags where a prior checkpoint lets the orchestrator pick up.
type ResumeFrom string

const (
	// ResumeCompleted means the prior run finished; the final report can be
	// loaded directly without running any iteration.
	ResumeCompleted ResumeFrom = "completed"
	// ResumePartial means the loop resumes at Iteration+1, reusing whatever
	// hypotheses and evidence the checkpoint says exist.
	ResumePartial ResumeFrom = "partial"
)

// Resume describes the resumption point implied by a checkpoint.
type Resume struct {
	From          ResumeFrom
	Iteration     int
	HasHypotheses bool
	ReportRef     string
}

// Manager decides whether previously persisted work is still valid and what
// resumption point it implies.
type Manager struct {
	store  Store
	logger *zap.Logger

	// now is swappable for freshness tests
	now func() time.Time
}

// NewManager creates a checkpoint manager over a durable store.
func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, logger: logger, now: time.Now}
}

// ShouldUseCache evaluates the reuse decision policy, in order: force-refresh,
// existence, entity match, freshness. A mismatched or stale checkpoint is
// returned for inspection but must not be reused.
func (m *Manager) ShouldUseCache(ctx context.Context, ticker, company string, maxAge time.Duration, forceRefresh bool) (bool, *models.Checkpoint, string) {
	if forceRefresh {
		metrics.CheckpointReuse.WithLabelValues("force_refresh").Inc()
		return false, nil, "force_refresh requested"
	}

	cp, err := m.store.LoadLatest(ctx, ticker)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn("checkpoint lookup failed", zap.String("ticker", ticker), zap.Error(err))
		}
		metrics.CheckpointReuse.WithLabelValues("not_found").Inc()
		return false, nil, "no checkpoint found"
	}

	if !cp.MatchesEntity(ticker, company) {
		metrics.CheckpointReuse.WithLabelValues("mismatch").Inc()
		return false, cp, "ticker/company mismatch"
	}

	if age := m.now().Sub(cp.CreatedAt); age > maxAge {
		metrics.CheckpointReuse.WithLabelValues("stale").Inc()
		return false, cp, fmt.Sprintf("checkpoint stale (age %s > max %s)", age.Round(time.Minute), maxAge)
	}

	metrics.CheckpointReuse.WithLabelValues("valid").Inc()
	return true, cp, "valid checkpoint found"
}

// ValidateCache re-verifies entity identity and structural completeness,
// independent of age. Used as a second check after ShouldUseCache before
// committing to reuse.
func (m *Manager) ValidateCache(cp *models.Checkpoint, ticker, company string) (bool, string) {
	if cp == nil {
		return false, "no checkpoint"
	}
	if err := cp.Validate(); err != nil {
		return false, fmt.Sprintf("checkpoint incomplete: %v", err)
	}
	if !cp.MatchesEntity(ticker, company) {
		return false, "ticker/company mismatch"
	}
	if cp.Status == models.StatusCompleted && cp.ReportRef == "" {
		return false, "completed checkpoint missing report reference"
	}
	return true, "checkpoint valid"
}

// ResumePoint maps a checkpoint's status to a resume point. Failed runs yield
// nil: they are treated as no usable checkpoint and force a fresh start.
func (m *Manager) ResumePoint(cp *models.Checkpoint) *Resume {
	if cp == nil {
		return nil
	}
	switch cp.Status {
	case models.StatusCompleted:
		return &Resume{
			From:          ResumeCompleted,
			Iteration:     cp.Iteration,
			HasHypotheses: cp.HasHypotheses,
			ReportRef:     cp.ReportRef,
		}
	case models.StatusRunning, models.StatusCheckpointed:
		return &Resume{
			From:          ResumePartial,
			Iteration:     cp.Iteration,
			HasHypotheses: cp.HasHypotheses,
		}
	default:
		return nil
	}
}

// SaveRunState persists the full run state when the backend supports it.
// Best-effort: losing it only costs hypothesis reuse on resume.
func (m *Manager) SaveRunState(ctx context.Context, run *models.AnalysisRun) {
	rs, ok := m.store.(RunStateStore)
	if !ok {
		return
	}
	if err := rs.SaveRunState(ctx, run); err != nil {
		m.logger.Warn("run state write failed",
			zap.String("ticker", run.Ticker), zap.Error(err))
	}
}

// LoadRunState returns the persisted run state, or ErrNotFound when the
// backend does not support run state or has none.
func (m *Manager) LoadRunState(ctx context.Context, ticker string) (*models.AnalysisRun, error) {
	rs, ok := m.store.(RunStateStore)
	if !ok {
		return nil, ErrNotFound
	}
	return rs.LoadRunState(ctx, ticker)
}

// Save persists a checkpoint, retrying once on failure. A second failure is
// returned as a WriteError; the caller logs it and continues the run without
// that checkpoint.
func (m *Manager) Save(ctx context.Context, cp *models.Checkpoint) error {
	err := m.store.SaveLatest(ctx, cp)
	if err == nil {
		metrics.CheckpointsWritten.WithLabelValues(string(cp.Status)).Inc()
		return nil
	}

	m.logger.Warn("checkpoint write failed, retrying once",
		zap.String("ticker", cp.Ticker),
		zap.Int("iteration", cp.Iteration),
		zap.Error(err),
	)
	if err = m.store.SaveLatest(ctx, cp); err != nil {
		metrics.CheckpointWriteFailures.Inc()
		return &WriteError{Ticker: cp.Ticker, Err: err}
	}
	metrics.CheckpointsWritten.WithLabelValues(string(cp.Status)).Inc()
	return nil
}

package models

import (
	"fmt"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of an analysis run.
type RunStatus string

const (
	StatusRunning      RunStatus = "running"
	StatusCheckpointed RunStatus = "checkpointed"
	StatusCompleted    RunStatus = "completed"
	StatusFailed       RunStatus = "failed"
)

// IsTerminal reports whether the run can no longer be mutated.
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status value.
func (s RunStatus) Valid() bool {
	switch s {
	case StatusRunning, StatusCheckpointed, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ImpactDirection marks how a piece of evidence bears on its hypothesis.
type ImpactDirection string

const (
	ImpactPositive ImpactDirection = "+"
	ImpactNegative ImpactDirection = "-"
	ImpactNeutral  ImpactDirection = "neutral"
)

// ValidationError reports a data-model invariant violation. Out-of-range
// confidences are an error, never silently clamped.
type ValidationError struct {
	Entity string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s %s", e.Entity, e.Field, e.Reason)
}

// EvidenceItem is a single sourced claim supporting or contradicting a
// hypothesis. Immutable once created.
type EvidenceItem struct {
	ID              string          `json:"id"`
	Claim           string          `json:"claim"`
	SourceType      string          `json:"source_type"`
	SourceReference string          `json:"source_reference"`
	Quote           string          `json:"quote,omitempty"`
	Confidence      float64         `json:"confidence"`
	Impact          ImpactDirection `json:"impact_direction"`
	Contradicts     []string        `json:"contradicts,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Validate checks the evidence item's structural invariants.
func (e *EvidenceItem) Validate() error {
	if e.ID == "" {
		return &ValidationError{Entity: "evidence", Field: "id", Reason: "is required"}
	}
	if e.Claim == "" {
		return &ValidationError{Entity: "evidence", Field: "claim", Reason: "is required"}
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return &ValidationError{Entity: "evidence", Field: "confidence",
			Reason: fmt.Sprintf("%.4f outside [0,1]", e.Confidence)}
	}
	switch e.Impact {
	case ImpactPositive, ImpactNegative, ImpactNeutral:
	default:
		return &ValidationError{Entity: "evidence", Field: "impact_direction",
			Reason: fmt.Sprintf("unknown value %q", e.Impact)}
	}
	return nil
}

// Hypothesis is one candidate thesis about the entity under analysis.
// Hypotheses are never deleted, only superseded in ranking.
type Hypothesis struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Thesis     string         `json:"thesis"`
	Confidence float64        `json:"confidence"`
	ImpactRank int            `json:"impact_rank"`
	Evidence   []EvidenceItem `json:"evidence,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Validate checks the hypothesis' structural invariants.
func (h *Hypothesis) Validate() error {
	if h.ID == "" {
		return &ValidationError{Entity: "hypothesis", Field: "id", Reason: "is required"}
	}
	if h.Title == "" {
		return &ValidationError{Entity: "hypothesis", Field: "title", Reason: "is required"}
	}
	if h.Confidence < 0 || h.Confidence > 1 {
		return &ValidationError{Entity: "hypothesis", Field: "confidence",
			Reason: fmt.Sprintf("%.4f outside [0,1]", h.Confidence)}
	}
	if h.ImpactRank < 0 {
		return &ValidationError{Entity: "hypothesis", Field: "impact_rank", Reason: "must be >= 0"}
	}
	for i := range h.Evidence {
		if err := h.Evidence[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ContentEqual reports whether two hypotheses carry the same content,
// ignoring timestamps and accumulated evidence. Used to distinguish an
// idempotent re-upsert from an id collision.
func (h *Hypothesis) ContentEqual(other *Hypothesis) bool {
	return h.ID == other.ID &&
		h.Title == other.Title &&
		h.Thesis == other.Thesis
}

// IterationRecord is the immutable record of one completed iteration.
type IterationRecord struct {
	Number       int                `json:"iteration_number"`
	Timestamp    time.Time          `json:"timestamp"`
	Confidences  map[string]float64 `json:"hypothesis_confidences"`
	Aggregate    float64            `json:"aggregate_confidence"`
	Evidence     []EvidenceItem     `json:"evidence_added,omitempty"`
	Degraded     []string           `json:"degraded_hypotheses,omitempty"`
	Checkpointed bool               `json:"checkpointed"`
}

// AnalysisRun is the full in-memory record of one analysis run.
// Mutated only through the state.Store.
type AnalysisRun struct {
	ID          string            `json:"analysis_id"`
	Ticker      string            `json:"ticker"`
	CompanyName string            `json:"company_name"`
	Status      RunStatus         `json:"status"`
	Iteration   int               `json:"iteration_number"`
	Hypotheses  []Hypothesis      `json:"hypotheses"`
	Iterations  []IterationRecord `json:"iterations"`
	ReportRef   string            `json:"final_report_path,omitempty"`
	FailReason  string            `json:"fail_reason,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// HasHypotheses reports whether any hypotheses have been generated yet.
func (r *AnalysisRun) HasHypotheses() bool { return len(r.Hypotheses) > 0 }

// Hypothesis returns the hypothesis with the given id, or nil.
func (r *AnalysisRun) Hypothesis(id string) *Hypothesis {
	for i := range r.Hypotheses {
		if r.Hypotheses[i].ID == id {
			return &r.Hypotheses[i]
		}
	}
	return nil
}

// Checkpoint is a serializable projection of an AnalysisRun at a point in
// time. Every field is derivable from the run; the resume point is derivable
// from the checkpoint alone.
type Checkpoint struct {
	Ticker        string    `json:"ticker"`
	CompanyName   string    `json:"company_name"`
	AnalysisID    string    `json:"analysis_id"`
	Status        RunStatus `json:"status"`
	Iteration     int       `json:"iteration_number"`
	HasHypotheses bool      `json:"has_hypotheses"`
	// AggregateConfidence is the run's aggregate confidence as of the last
	// completed iteration, so a reused checkpoint can report it without
	// reloading the full run state.
	AggregateConfidence float64   `json:"aggregate_confidence"`
	ReportRef           string    `json:"final_report_path,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// ProjectCheckpoint builds the checkpoint projection of a run.
func ProjectCheckpoint(run *AnalysisRun) *Checkpoint {
	cp := &Checkpoint{
		Ticker:        run.Ticker,
		CompanyName:   run.CompanyName,
		AnalysisID:    run.ID,
		Status:        run.Status,
		Iteration:     run.Iteration,
		HasHypotheses: run.HasHypotheses(),
		ReportRef:     run.ReportRef,
		CreatedAt:     time.Now(),
	}
	if n := len(run.Iterations); n > 0 {
		cp.AggregateConfidence = run.Iterations[n-1].Aggregate
	}
	return cp
}

// ResumeIteration is the iteration a partial resume would run next.
func (c *Checkpoint) ResumeIteration() int { return c.Iteration + 1 }

// Validate checks that the checkpoint is structurally complete enough to be
// considered for reuse.
func (c *Checkpoint) Validate() error {
	if c.Ticker == "" {
		return &ValidationError{Entity: "checkpoint", Field: "ticker", Reason: "is required"}
	}
	if !c.Status.Valid() {
		return &ValidationError{Entity: "checkpoint", Field: "status",
			Reason: fmt.Sprintf("unknown value %q", c.Status)}
	}
	if c.Iteration < 0 {
		return &ValidationError{Entity: "checkpoint", Field: "iteration_number", Reason: "must be >= 0"}
	}
	if c.CreatedAt.IsZero() {
		return &ValidationError{Entity: "checkpoint", Field: "created_at", Reason: "is required"}
	}
	return nil
}

// MatchesEntity reports whether the checkpoint was written for the requested
// entity. Ticker comparison is case-insensitive; company comparison is case
// and whitespace insensitive.
func (c *Checkpoint) MatchesEntity(ticker, company string) bool {
	if !strings.EqualFold(strings.TrimSpace(c.Ticker), strings.TrimSpace(ticker)) {
		return false
	}
	return normalizeCompany(c.CompanyName) == normalizeCompany(company)
}

func normalizeCompany(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

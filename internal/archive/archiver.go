// Package archive persists completed analysis runs to Postgres for later
// querying across entities and time. The archive is write-behind and
// best-effort: the engine's durable artifacts are the checkpoint and the
// report, and an archive failure never fails a run.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/meridianlabs/deepvalue/internal/models"
)

// Schema creates the archive tables. Applied idempotently on startup;
// the archive has no migration machinery beyond this.
const Schema = `
CREATE TABLE IF NOT EXISTS analysis_runs (
    analysis_id   TEXT PRIMARY KEY,
    ticker        TEXT NOT NULL,
    company_name  TEXT NOT NULL,
    status        TEXT NOT NULL,
    iterations    INT  NOT NULL,
    report_ref    TEXT NOT NULL DEFAULT '',
    run_state     JSONB NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL,
    archived_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_analysis_runs_ticker ON analysis_runs (ticker, archived_at DESC);
`

// ErrNotArchived is returned when no archived run exists for the query.
var ErrNotArchived = errors.New("run not archived")

// Archiver writes completed runs to Postgres.
type Archiver struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects to Postgres, verifies the connection, and ensures the schema
// exists.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Archiver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping archive db: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply archive schema: %w", err)
	}
	return &Archiver{db: db, logger: logger}, nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db *sqlx.DB, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{db: db, logger: logger}
}

// ArchiveRun upserts the run's final state. Re-archiving the same analysis id
// (e.g. after a reused checkpoint) replaces the row.
func (a *Archiver) ArchiveRun(ctx context.Context, run *models.AnalysisRun, reportRef string) error {
	state, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}

	const q = `
		INSERT INTO analysis_runs
			(analysis_id, ticker, company_name, status, iterations, report_ref, run_state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (analysis_id) DO UPDATE SET
			status      = EXCLUDED.status,
			iterations  = EXCLUDED.iterations,
			report_ref  = EXCLUDED.report_ref,
			run_state   = EXCLUDED.run_state,
			archived_at = now()`

	if _, err := a.db.ExecContext(ctx, q,
		run.ID, run.Ticker, run.CompanyName, string(run.Status),
		run.Iteration, reportRef, state, run.CreatedAt,
	); err != nil {
		return fmt.Errorf("archive run %s: %w", run.ID, err)
	}

	a.logger.Info("Archived analysis run",
		zap.String("analysis_id", run.ID),
		zap.String("ticker", run.Ticker),
		zap.Int("iterations", run.Iteration),
	)
	return nil
}

// archivedRow is the scan target for summary queries.
type archivedRow struct {
	AnalysisID  string    `db:"analysis_id"`
	Ticker      string    `db:"ticker"`
	CompanyName string    `db:"company_name"`
	Status      string    `db:"status"`
	Iterations  int       `db:"iterations"`
	ReportRef   string    `db:"report_ref"`
	ArchivedAt  time.Time `db:"archived_at"`
}

// RunSummary is one archived run, without the full state payload.
type RunSummary struct {
	AnalysisID  string
	Ticker      string
	CompanyName string
	Status      string
	Iterations  int
	ReportRef   string
	ArchivedAt  time.Time
}

// History returns the most recent archived runs for a ticker, newest first.
func (a *Archiver) History(ctx context.Context, ticker string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
		SELECT analysis_id, ticker, company_name, status, iterations, report_ref, archived_at
		FROM analysis_runs
		WHERE ticker = $1
		ORDER BY archived_at DESC
		LIMIT $2`

	var rows []archivedRow
	if err := a.db.SelectContext(ctx, &rows, q, ticker, limit); err != nil {
		return nil, fmt.Errorf("query archive history: %w", err)
	}
	out := make([]RunSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, RunSummary(r))
	}
	return out, nil
}

// LoadRun restores the full archived run state for an analysis id.
func (a *Archiver) LoadRun(ctx context.Context, analysisID string) (*models.AnalysisRun, error) {
	var state []byte
	err := a.db.GetContext(ctx, &state,
		`SELECT run_state FROM analysis_runs WHERE analysis_id = $1`, analysisID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotArchived
	}
	if err != nil {
		return nil, fmt.Errorf("load archived run %s: %w", analysisID, err)
	}
	var run models.AnalysisRun
	if err := json.Unmarshal(state, &run); err != nil {
		return nil, fmt.Errorf("decode archived run %s: %w", analysisID, err)
	}
	return &run, nil
}

// Close releases the database connection.
func (a *Archiver) Close() error { return a.db.Close() }

// Package checkpoint persists and evaluates durable snapshots of analysis
// runs, so a later invocation can reuse or resume prior work instead of
// redoing expensive iterations.
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/meridianlabs/deepvalue/internal/models"
)

// ErrNotFound is returned when no usable checkpoint exists for an entity.
// Corrupt or partially written checkpoints are reported as ErrNotFound after
// logging: checkpoint reads are advisory, and a fresh analysis must always be
// a safe fallback.
var ErrNotFound = errors.New("no checkpoint found")

// WriteError reports a checkpoint persist failure that survived one retry.
// The run continues without that checkpoint; only resumability is lost.
type WriteError struct {
	Ticker string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("checkpoint write for %s failed after retry: %v", e.Ticker, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Store is the durable backend for checkpoint records, keyed by entity
// identity. Implementations must support "read latest" and write atomically
// enough that a crash mid-write never corrupts a prior valid checkpoint.
type Store interface {
	// SaveLatest overwrites the latest checkpoint for the entity.
	SaveLatest(ctx context.Context, cp *models.Checkpoint) error
	// LoadLatest returns the most recent checkpoint for the ticker, or
	// ErrNotFound.
	LoadLatest(ctx context.Context, ticker string) (*models.Checkpoint, error)
}

// RunStateStore is the optional companion to Store: backends that can also
// persist the full run state enable partial resume to reuse existing
// hypotheses and evidence instead of regenerating them. The checkpoint alone
// stays the source of the resume decision; the run state is an optimization
// and is discarded when absent or inconsistent.
type RunStateStore interface {
	SaveRunState(ctx context.Context, run *models.AnalysisRun) error
	// LoadRunState returns the persisted run state for the ticker, or
	// ErrNotFound. Corrupt payloads map to ErrNotFound like checkpoints.
	LoadRunState(ctx context.Context, ticker string) (*models.AnalysisRun, error)
}

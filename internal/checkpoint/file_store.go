package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/meridianlabs/deepvalue/internal/models"
)

// FileStore persists checkpoints as JSON files under a working directory,
// one "latest" file per ticker. Writes go through renameio's
// write-new-then-swap, so a crash mid-write leaves the prior file intact.
type FileStore struct {
	dir         string
	keepHistory bool
	logger      *zap.Logger
}

// NewFileStore creates the directory if needed. With keepHistory set, each
// save also writes an immutable per-iteration copy next to the latest file.
func NewFileStore(dir string, keepHistory bool, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir, keepHistory: keepHistory, logger: logger}, nil
}

func (s *FileStore) latestPath(ticker string) string {
	return filepath.Join(s.dir, fmt.Sprintf("checkpoint_%s.json", strings.ToUpper(ticker)))
}

func (s *FileStore) versionPath(ticker string, iteration int) string {
	return filepath.Join(s.dir, fmt.Sprintf("checkpoint_%s.%03d.json", strings.ToUpper(ticker), iteration))
}

// SaveLatest atomically replaces the latest checkpoint for the ticker.
func (s *FileStore) SaveLatest(_ context.Context, cp *models.Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := renameio.WriteFile(s.latestPath(cp.Ticker), data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if s.keepHistory {
		if err := renameio.WriteFile(s.versionPath(cp.Ticker, cp.Iteration), data, 0o644); err != nil {
			// History copies are best-effort; latest retrievability is the contract.
			s.logger.Warn("failed to write checkpoint history copy",
				zap.String("ticker", cp.Ticker),
				zap.Int("iteration", cp.Iteration),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *FileStore) runStatePath(ticker string) string {
	return filepath.Join(s.dir, fmt.Sprintf("runstate_%s.json", strings.ToUpper(ticker)))
}

// SaveRunState atomically persists the full run state next to the checkpoint.
func (s *FileStore) SaveRunState(_ context.Context, run *models.AnalysisRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	if err := renameio.WriteFile(s.runStatePath(run.Ticker), data, 0o644); err != nil {
		return fmt.Errorf("write run state: %w", err)
	}
	return nil
}

// LoadRunState reads the persisted run state. Missing or corrupt files map to
// ErrNotFound; resume falls back to regeneration.
func (s *FileStore) LoadRunState(_ context.Context, ticker string) (*models.AnalysisRun, error) {
	data, err := os.ReadFile(s.runStatePath(ticker))
	if err != nil {
		return nil, ErrNotFound
	}
	var run models.AnalysisRun
	if err := json.Unmarshal(data, &run); err != nil {
		s.logger.Warn("run state corrupt, treating as missing",
			zap.String("ticker", ticker), zap.Error(err))
		return nil, ErrNotFound
	}
	return &run, nil
}

// LoadLatest reads the latest checkpoint for the ticker. Missing, unreadable,
// corrupt, or structurally incomplete files all map to ErrNotFound.
func (s *FileStore) LoadLatest(_ context.Context, ticker string) (*models.Checkpoint, error) {
	path := s.latestPath(ticker)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		s.logger.Warn("checkpoint unreadable, treating as missing",
			zap.String("path", path), zap.Error(err))
		return nil, ErrNotFound
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		s.logger.Warn("checkpoint corrupt, treating as missing",
			zap.String("path", path), zap.Error(err))
		return nil, ErrNotFound
	}
	if err := cp.Validate(); err != nil {
		s.logger.Warn("checkpoint incomplete, treating as missing",
			zap.String("path", path), zap.Error(err))
		return nil, ErrNotFound
	}
	return &cp, nil
}

package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meridianlabs/deepvalue/internal/models"
)

// RedisStore persists checkpoints in Redis, one key per ticker. No key TTL is
// set: freshness is the Manager's policy, not the store's, and a stale
// checkpoint is still useful for inspection.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr string, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client, logger: logger}, nil
}

func checkpointKey(ticker string) string {
	return "deepvalue:checkpoint:" + strings.ToUpper(ticker)
}

func (s *RedisStore) SaveLatest(ctx context.Context, cp *models.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, checkpointKey(cp.Ticker), data, 0).Err(); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadLatest(ctx context.Context, ticker string) (*models.Checkpoint, error) {
	data, err := s.client.Get(ctx, checkpointKey(ticker)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		s.logger.Warn("checkpoint read failed, treating as missing",
			zap.String("ticker", ticker), zap.Error(err))
		return nil, ErrNotFound
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		s.logger.Warn("checkpoint corrupt, treating as missing",
			zap.String("ticker", ticker), zap.Error(err))
		return nil, ErrNotFound
	}
	if err := cp.Validate(); err != nil {
		s.logger.Warn("checkpoint incomplete, treating as missing",
			zap.String("ticker", ticker), zap.Error(err))
		return nil, ErrNotFound
	}
	return &cp, nil
}

func runStateKey(ticker string) string {
	return "deepvalue:runstate:" + strings.ToUpper(ticker)
}

// SaveRunState persists the full run state for partial resume.
func (s *RedisStore) SaveRunState(ctx context.Context, run *models.AnalysisRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	if err := s.client.Set(ctx, runStateKey(run.Ticker), data, 0).Err(); err != nil {
		return fmt.Errorf("write run state: %w", err)
	}
	return nil
}

// LoadRunState reads the persisted run state, mapping any failure to
// ErrNotFound so resume falls back to regeneration.
func (s *RedisStore) LoadRunState(ctx context.Context, ticker string) (*models.AnalysisRun, error) {
	data, err := s.client.Get(ctx, runStateKey(ticker)).Bytes()
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

// Close releases the Redis connection.
func (s *RedisStore) Close() error { return s.client.Close() }

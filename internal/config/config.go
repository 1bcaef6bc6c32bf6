// Package config loads the engine's runtime configuration from an optional
// YAML file plus DEEPVALUE_* environment overrides, validates it, and maps it
// onto engine options.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/meridianlabs/deepvalue/internal/engine"
	"github.com/meridianlabs/deepvalue/internal/stopping"
)

// Backend names accepted for the cache and checkpoint stores.
const (
	BackendLocal = "local"
	BackendFile  = "file"
	BackendRedis = "redis"
)

// Config is the full runtime configuration.
type Config struct {
	Analysis   AnalysisConfig   `mapstructure:"analysis" yaml:"analysis"`
	Cache      CacheConfig      `mapstructure:"cache" yaml:"cache"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint" yaml:"checkpoint"`
	Search     SearchConfig     `mapstructure:"search" yaml:"search"`
	OpenAI     OpenAIConfig     `mapstructure:"openai" yaml:"openai"`
	Archive    ArchiveConfig    `mapstructure:"archive" yaml:"archive"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

// AnalysisConfig holds the control-loop knobs.
type AnalysisConfig struct {
	Stopping               stopping.Config `mapstructure:"stopping" yaml:"stopping"`
	MaxHypotheses          int             `mapstructure:"max_hypotheses" yaml:"max_hypotheses"`
	QuestionsPerHypothesis int             `mapstructure:"questions_per_hypothesis" yaml:"questions_per_hypothesis"`
	StepTimeout            time.Duration   `mapstructure:"step_timeout" yaml:"step_timeout"`
}

// CacheConfig selects and tunes the query-result cache.
type CacheConfig struct {
	Backend   string        `mapstructure:"backend" yaml:"backend"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`
	RedisAddr string        `mapstructure:"redis_addr" yaml:"redis_addr"`
}

// CheckpointConfig selects and tunes the checkpoint store.
type CheckpointConfig struct {
	Backend     string        `mapstructure:"backend" yaml:"backend"`
	Dir         string        `mapstructure:"dir" yaml:"dir"`
	KeepHistory bool          `mapstructure:"keep_history" yaml:"keep_history"`
	RedisAddr   string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	MaxAge      time.Duration `mapstructure:"max_age" yaml:"max_age"`
	// Iterations lists the iterations after which a checkpoint is written.
	// Empty means every iteration.
	Iterations []int `mapstructure:"iterations" yaml:"iterations,omitempty"`
}

// SearchConfig tunes the external search collaborator.
type SearchConfig struct {
	// RequestsPerSecond throttles uncached searches. Zero disables throttling.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

// OpenAIConfig configures the LLM-backed step collaborators. The API key is
// read from OPENAI_API_KEY only, never from the config file.
type OpenAIConfig struct {
	Model string `mapstructure:"model" yaml:"model"`
}

// ArchiveConfig configures the optional Postgres run archive.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN     string `mapstructure:"dsn" yaml:"dsn,omitempty"`
}

// LoggingConfig selects log verbosity and encoding.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("analysis.stopping.min_iterations", 2)
	v.SetDefault("analysis.stopping.max_iterations", 15)
	v.SetDefault("analysis.stopping.confidence_threshold", 0.75)
	v.SetDefault("analysis.stopping.aggregation", string(stopping.AggregateMean))
	v.SetDefault("analysis.stopping.top_n_hypotheses", 5)
	v.SetDefault("analysis.stopping.min_confidence_delta", 0.0)
	v.SetDefault("analysis.stopping.no_progress_limit", 0)
	v.SetDefault("analysis.max_hypotheses", 5)
	v.SetDefault("analysis.questions_per_hypothesis", 4)
	v.SetDefault("analysis.step_timeout", "2m")

	v.SetDefault("cache.backend", BackendLocal)
	v.SetDefault("cache.ttl", "15m")
	v.SetDefault("cache.redis_addr", "localhost:6379")

	v.SetDefault("checkpoint.backend", BackendFile)
	v.SetDefault("checkpoint.dir", "./checkpoints")
	v.SetDefault("checkpoint.keep_history", false)
	v.SetDefault("checkpoint.redis_addr", "localhost:6379")
	v.SetDefault("checkpoint.max_age", "24h")

	v.SetDefault("search.requests_per_second", 2.0)
	v.SetDefault("search.burst", 1)

	v.SetDefault("openai.model", "gpt-4o-mini")

	v.SetDefault("archive.enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from path (optional; empty means defaults plus env
// only) and applies DEEPVALUE_* environment overrides, e.g.
// DEEPVALUE_CHECKPOINT_MAX_AGE=6h.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DEEPVALUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fails fast on configuration the engine could not honor.
func (c *Config) Validate() error {
	if err := c.Analysis.Stopping.Validate(); err != nil {
		return &engine.ConfigError{Field: "analysis.stopping", Reason: err.Error()}
	}
	switch c.Cache.Backend {
	case BackendLocal, BackendRedis:
	default:
		return &engine.ConfigError{Field: "cache.backend",
			Reason: fmt.Sprintf("unknown backend %q", c.Cache.Backend)}
	}
	if c.Cache.TTL <= 0 {
		return &engine.ConfigError{Field: "cache.ttl", Reason: "must be > 0"}
	}
	switch c.Checkpoint.Backend {
	case BackendFile, BackendRedis:
	default:
		return &engine.ConfigError{Field: "checkpoint.backend",
			Reason: fmt.Sprintf("unknown backend %q", c.Checkpoint.Backend)}
	}
	if c.Checkpoint.Backend == BackendFile && c.Checkpoint.Dir == "" {
		return &engine.ConfigError{Field: "checkpoint.dir", Reason: "required for file backend"}
	}
	if c.Search.RequestsPerSecond < 0 {
		return &engine.ConfigError{Field: "search.requests_per_second", Reason: "must be >= 0"}
	}
	if c.Archive.Enabled && c.Archive.DSN == "" && os.Getenv("DEEPVALUE_ARCHIVE_DSN") == "" {
		return &engine.ConfigError{Field: "archive.dsn", Reason: "required when archive is enabled"}
	}
	return nil
}

// EngineOptions maps the configuration onto engine options. forceRefresh
// comes from the caller (a CLI flag), not the file.
func (c *Config) EngineOptions(forceRefresh bool) engine.Options {
	return engine.Options{
		Stopping:               c.Analysis.Stopping,
		MaxHypotheses:          c.Analysis.MaxHypotheses,
		QuestionsPerHypothesis: c.Analysis.QuestionsPerHypothesis,
		StepTimeout:            c.Analysis.StepTimeout,
		CheckpointMaxAge:       c.Checkpoint.MaxAge,
		CheckpointIterations:   c.Checkpoint.Iterations,
		ForceRefresh:           forceRefresh,
	}
}

// Dump renders the effective configuration as YAML, for startup logging and
// debugging. Secrets never live in Config, so the dump is safe to print.
func (c *Config) Dump() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(out), nil
}

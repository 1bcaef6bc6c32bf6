// Command deepvalue runs one iterative equity analysis from the command line.
//
// With OPENAI_API_KEY set the step collaborators are LLM-backed; without it
// the deterministic offline collaborators run, which is enough to exercise
// the full control loop, caching, and checkpoint/resume behavior locally.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meridianlabs/deepvalue/internal/archive"
	"github.com/meridianlabs/deepvalue/internal/cache"
	"github.com/meridianlabs/deepvalue/internal/checkpoint"
	"github.com/meridianlabs/deepvalue/internal/config"
	"github.com/meridianlabs/deepvalue/internal/engine"
	"github.com/meridianlabs/deepvalue/internal/state"
	"github.com/meridianlabs/deepvalue/internal/steps"
	"github.com/meridianlabs/deepvalue/internal/steps/offline"
	stepsopenai "github.com/meridianlabs/deepvalue/internal/steps/openai"
)

func main() {
	var (
		ticker       = flag.String("ticker", "", "ticker symbol to analyze (required)")
		company      = flag.String("company", "", "company name (required)")
		configPath   = flag.String("config", "", "path to YAML config (optional)")
		forceRefresh = flag.Bool("force-refresh", false, "ignore any prior checkpoint")
		metricsAddr  = flag.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :2112 (optional)")
	)
	flag.Parse()

	if *ticker == "" || *company == "" {
		fmt.Fprintln(os.Stderr, "usage: deepvalue -ticker AAPL -company \"Apple Inc\" [-config deepvalue.yaml]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	if dump, err := cfg.Dump(); err == nil {
		logger.Debug("Effective configuration", zap.String("config", dump))
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := run(ctx, cfg, logger, *ticker, *company, *forceRefresh)
	if err != nil {
		logger.Error("Analysis failed", zap.Error(err))
		os.Exit(1)
	}

	fmt.Printf("analysis %s for %s: %s (%s)\n", res.AnalysisID, res.Ticker, res.Status, res.StopReason)
	fmt.Printf("iterations: %d, final confidence: %.2f\n", res.IterationsRun, res.FinalConfidence)
	if res.Run != nil {
		fmt.Println(res.Coverage())
	}
	if res.ReportRef != "" {
		fmt.Printf("report: %s\n", res.ReportRef)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, ticker, company string, forceRefresh bool) (*engine.Result, error) {
	cpStore, err := buildCheckpointStore(cfg.Checkpoint, logger)
	if err != nil {
		return nil, err
	}

	qc, err := buildQueryCache(cfg.Cache, logger)
	if err != nil {
		return nil, err
	}

	gen, gather, synth, reporter, searcher := buildSteps(cfg, logger)
	if cfg.Search.RequestsPerSecond > 0 {
		searcher = steps.NewRateLimitedSearcher(searcher, cfg.Search.RequestsPerSecond, cfg.Search.Burst)
	}
	searcher = steps.NewCachedSearcher(searcher, qc)

	deps := engine.Deps{
		Store:       state.NewStore(logger),
		Checkpoints: checkpoint.NewManager(cpStore, logger),
		Generator:   gen,
		Gatherer:    gather,
		Synthesizer: synth,
		Reporter:    reporter,
		Searcher:    searcher,
		Logger:      logger,
	}

	if cfg.Archive.Enabled {
		dsn := cfg.Archive.DSN
		if env := os.Getenv("DEEPVALUE_ARCHIVE_DSN"); env != "" {
			dsn = env
		}
		arch, err := archive.Open(ctx, dsn, logger)
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		defer arch.Close()
		deps.Archiver = arch
	}

	eng, err := engine.New(cfg.EngineOptions(forceRefresh), deps)
	if err != nil {
		return nil, err
	}
	return eng.Run(ctx, ticker, company)
}

func buildCheckpointStore(cfg config.CheckpointConfig, logger *zap.Logger) (checkpoint.Store, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		return checkpoint.NewRedisStore(cfg.RedisAddr, logger)
	default:
		return checkpoint.NewFileStore(cfg.Dir, cfg.KeepHistory, logger)
	}
}

func buildQueryCache(cfg config.CacheConfig, logger *zap.Logger) (cache.QueryCache, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		return cache.NewRedisQueryCache(cfg.RedisAddr, cfg.TTL, logger)
	default:
		return cache.NewLocalQueryCache(cfg.TTL), nil
	}
}

// buildSteps wires the LLM collaborators when an API key is present, the
// deterministic offline ones otherwise.
func buildSteps(cfg *config.Config, logger *zap.Logger) (steps.HypothesisGenerator, steps.EvidenceGatherer, steps.Synthesizer, steps.ReportBuilder, steps.Searcher) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c := stepsopenai.NewClient(key, cfg.OpenAI.Model, logger)
		logger.Info("Using OpenAI step collaborators", zap.String("model", cfg.OpenAI.Model))
		return c, c, c, c, offline.Searcher{}
	}
	logger.Info("OPENAI_API_KEY not set, using offline collaborators")
	return offline.Generator{}, offline.Gatherer{}, offline.Synthesizer{}, offline.Reporter{}, offline.Searcher{}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = level
	return zcfg.Build()
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("Serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("Metrics server stopped", zap.Error(err))
	}
}
